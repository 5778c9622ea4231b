package predicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type testPrincipal string

func (p testPrincipal) ID() (string, bool) { return string(p), p != "" }

var testSchema = MustSchema(
	Table{
		Name:    "organization",
		Columns: []string{"id", "slug", "is_public"},
		Relations: map[string]Relation{
			"members": {Table: "member", From: "id", To: "organization_id"},
		},
	},
	Table{
		Name:    "member",
		Columns: []string{"id", "organization_id", "user_id", "role"},
	},
	Table{
		Name:    "board",
		Columns: []string{"id", "organization_id", "is_public"},
		Relations: map[string]Relation{
			"organization": {Table: "organization", From: "organization_id", To: "id"},
		},
	},
	Table{
		Name:    "feedback",
		Columns: []string{"id", "board_id", "author_id"},
		Relations: map[string]Relation{
			"board": {Table: "board", From: "board_id", To: "id"},
		},
	},
)

type mapLoader map[string][]Row

func (m mapLoader) RowsWhere(_ context.Context, table, column string, value any) ([]Row, error) {
	var out []Row
	for _, r := range m[table] {
		if v, ok := r[column]; ok && v != nil && Equal(v, value) {
			out = append(out, r)
		}
	}
	return out, nil
}

var fixture = mapLoader{
	"organization": {
		{"id": "org-1", "slug": "acme", "is_public": false},
	},
	"member": {
		{"id": "m-1", "organization_id": "org-1", "user_id": "alice", "role": "owner"},
		{"id": "m-2", "organization_id": "org-1", "user_id": "bob", "role": "member"},
	},
	"board": {
		{"id": "b-1", "organization_id": "org-1", "is_public": false},
	},
}

func isMember() Expr {
	return Related("members", IsPrincipal("user_id"))
}

func TestEvalFieldCompare(t *testing.T) {
	ctx := context.Background()
	row := Row{"id": "f-1", "board_id": "b-1", "author_id": "alice"}

	ok, err := Eval(ctx, testSchema, "feedback", row, IsPrincipal("author_id"), testPrincipal("alice"), fixture)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Eval(ctx, testSchema, "feedback", row, IsPrincipal("author_id"), testPrincipal("bob"), fixture)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = Eval(ctx, testSchema, "feedback", row, In("author_id", "carol", "alice"), nil, fixture)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalAnonymousNeverMatchesNullColumn(t *testing.T) {
	ctx := context.Background()
	row := Row{"id": "f-1", "board_id": "b-1", "author_id": nil}

	for _, p := range []Principal{nil, testPrincipal("")} {
		ok, err := Eval(ctx, testSchema, "feedback", row, IsPrincipal("author_id"), p, fixture)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = Eval(ctx, testSchema, "feedback", Row{"author_id": "alice"}, Compare{Field: "author_id", Op: OpNeq, Value: PrincipalRef{}}, p, fixture)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestEvalRelationTraversalDepthTwo(t *testing.T) {
	ctx := context.Background()
	row := Row{"id": "f-1", "board_id": "b-1", "author_id": "carol"}
	expr := Through([]string{"board", "organization"}, isMember())

	ok, err := Eval(ctx, testSchema, "feedback", row, expr, testPrincipal("bob"), fixture)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Eval(ctx, testSchema, "feedback", row, expr, testPrincipal("mallory"), fixture)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = Eval(ctx, testSchema, "feedback", row, expr, nil, fixture)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalCombinators(t *testing.T) {
	ctx := context.Background()
	org := Row{"id": "org-1", "slug": "acme", "is_public": false}

	ok, err := Eval(ctx, testSchema, "organization", org, Or{}, testPrincipal("alice"), fixture)
	require.NoError(t, err)
	require.False(t, ok, "empty or denies")

	ok, err = Eval(ctx, testSchema, "organization", org, And{}, testPrincipal("alice"), fixture)
	require.NoError(t, err)
	require.True(t, ok)

	publicOrMember := Or{Eq("is_public", true), isMember()}
	ok, err = Eval(ctx, testSchema, "organization", org, publicOrMember, testPrincipal("alice"), fixture)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Eval(ctx, testSchema, "organization", org, publicOrMember, nil, fixture)
	require.NoError(t, err)
	require.False(t, ok)

	admin := Related("members", And{IsPrincipal("user_id"), In("role", "owner", "admin")})
	ok, err = Eval(ctx, testSchema, "organization", org, admin, testPrincipal("bob"), fixture)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = Eval(ctx, testSchema, "organization", org, Authenticated{}, testPrincipal("bob"), fixture)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEqualNormalizesNumbers(t *testing.T) {
	require.True(t, Equal(int64(3), 3))
	require.True(t, Equal(float64(3), int32(3)))
	require.False(t, Equal(3.5, 3))
	require.False(t, Equal("3", 3))
	require.True(t, Equal(true, true))
}

func TestCompileFieldCompare(t *testing.T) {
	var params Params
	sql, err := Compile(testSchema, "feedback", "t0", And{IsPrincipal("author_id"), In("board_id", "b-1", "b-2")}, testPrincipal("alice"), &params)
	require.NoError(t, err)
	require.Equal(t, `(t0."author_id" = $1 AND t0."board_id" IN ($2, $3))`, sql)
	require.Equal(t, []any{"alice", "b-1", "b-2"}, params.Args())
}

func TestCompileAnonymousUsesSentinel(t *testing.T) {
	var params Params
	sql, err := Compile(testSchema, "feedback", "t0", IsPrincipal("author_id"), nil, &params)
	require.NoError(t, err)
	require.Equal(t, `t0."author_id" = $1`, sql)
	require.Equal(t, []any{NoPrincipal}, params.Args())
	require.NotContains(t, sql, "NULL")
}

func TestCompileRelationTraversal(t *testing.T) {
	var params Params
	expr := Or{Eq("is_public", true), Through([]string{"organization"}, isMember())}
	sql, err := Compile(testSchema, "board", "t0", expr, testPrincipal("bob"), &params)
	require.NoError(t, err)
	require.Equal(t,
		`(t0."is_public" = $1 OR EXISTS (SELECT 1 FROM "organization" AS t1 WHERE t1."id" = t0."organization_id" AND EXISTS (SELECT 1 FROM "member" AS t2 WHERE t2."organization_id" = t1."id" AND t2."user_id" = $2)))`,
		sql)
	require.Equal(t, []any{true, "bob"}, params.Args())
}

func TestCompileEmptySets(t *testing.T) {
	var params Params
	sql, err := Compile(testSchema, "board", "t0", Or{}, nil, &params)
	require.NoError(t, err)
	require.Equal(t, "FALSE", sql)

	sql, err = Compile(testSchema, "board", "t0", And{}, nil, &params)
	require.NoError(t, err)
	require.Equal(t, "TRUE", sql)

	sql, err = Compile(testSchema, "board", "t0", Eq("is_public", nil), nil, &params)
	require.NoError(t, err)
	require.Equal(t, `t0."is_public" IS NULL`, sql)
	require.Empty(t, params.Args())
}

func TestCompileRejectsUnknownNames(t *testing.T) {
	var params Params
	_, err := Compile(testSchema, "board", "t0", Eq("missing", 1), nil, &params)
	require.Error(t, err)

	_, err = Compile(testSchema, "board", "t0", Related("nowhere", nil), nil, &params)
	require.Error(t, err)

	require.Error(t, testSchema.Validate("feedback", Through([]string{"board", "organization", "owners"}, nil)))
	require.NoError(t, testSchema.Validate("feedback", Through([]string{"board", "organization", "members"}, IsPrincipal("user_id"))))
}

func TestNewSchemaRejectsDanglingRelation(t *testing.T) {
	_, err := NewSchema(Table{
		Name:    "board",
		Columns: []string{"id", "organization_id"},
		Relations: map[string]Relation{
			"organization": {Table: "organization", From: "organization_id", To: "id"},
		},
	})
	require.Error(t, err)
}
