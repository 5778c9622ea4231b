package shared

const idOnlySchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {"id": {"type": "string", "minLength": 1}},
  "additionalProperties": false
}`

const organizationCreateSchema = `{
  "type": "object",
  "required": ["id", "name", "slug"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1, "maxLength": 120},
    "slug": {"type": "string", "pattern": "^[a-z0-9]+(?:-[a-z0-9]+)*$", "maxLength": 64},
    "isPublic": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const organizationUpdateSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1, "maxLength": 120},
    "slug": {"type": "string", "pattern": "^[a-z0-9]+(?:-[a-z0-9]+)*$", "maxLength": 64},
    "isPublic": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const memberUpdateRoleSchema = `{
  "type": "object",
  "required": ["id", "role"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "role": {"enum": ["owner", "admin", "member"]}
  },
  "additionalProperties": false
}`

const invitationCreateSchema = `{
  "type": "object",
  "required": ["id", "organizationId", "email"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "organizationId": {"type": "string", "minLength": 1},
    "email": {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+$"},
    "role": {"enum": ["admin", "member"]}
  },
  "additionalProperties": false
}`

const boardCreateSchema = `{
  "type": "object",
  "required": ["id", "organizationId", "name", "slug"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "organizationId": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1, "maxLength": 120},
    "slug": {"type": "string", "pattern": "^[a-z0-9]+(?:-[a-z0-9]+)*$", "maxLength": 64},
    "isPublic": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const boardUpdateSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1, "maxLength": 120},
    "slug": {"type": "string", "pattern": "^[a-z0-9]+(?:-[a-z0-9]+)*$", "maxLength": 64},
    "isPublic": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const feedbackCreateSchema = `{
  "type": "object",
  "required": ["id", "boardId", "title"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "boardId": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "maxLength": 20000},
    "status": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

const feedbackUpdateSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "maxLength": 20000},
    "status": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

const voteToggleSchema = `{
  "type": "object",
  "required": ["feedbackId"],
  "properties": {"feedbackId": {"type": "string", "minLength": 1}},
  "additionalProperties": false
}`
