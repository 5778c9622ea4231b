package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const boardSchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "maxLength": 10}
  },
  "additionalProperties": false
}`

func TestSchemaValidator(t *testing.T) {
	v := NewSchemaValidator()
	require.NoError(t, v.Register("board.create", []byte(boardSchema)))
	require.True(t, v.Has("board.create"))
	require.False(t, v.Has("board.delete"))

	require.NoError(t, v.Validate("board.create", []byte(`{"id":"b1","name":"Roadmap"}`)))

	err := v.Validate("board.create", []byte(`{"id":"b1"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "schema validation")

	require.Error(t, v.Validate("board.create", []byte(`{"id":"b1","name":"Roadmap","extra":1}`)))
	require.Error(t, v.Validate("board.create", []byte(`{`)))
	require.Error(t, v.Validate("board.create", nil))
	require.Error(t, v.Validate("unknown", []byte(`{}`)))
}

func TestSchemaValidatorRejectsBrokenSchema(t *testing.T) {
	v := NewSchemaValidator()
	require.Error(t, v.Register("broken", []byte(`{"type": 12}`)))
	require.Error(t, v.Register("", []byte(`{}`)))
	require.Error(t, v.Register("empty", nil))
}
