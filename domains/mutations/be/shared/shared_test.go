package shared

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/mutations/be/registry"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	t     *testing.T
	store *rowstore.MemoryStore
	reg   *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := New(func() time.Time { return fixedNow }).Registry()
	require.NoError(t, err)
	return &fixture{t: t, store: rowstore.NewMemoryStore(sqlassets.Schema()), reg: reg}
}

func (f *fixture) run(user, name, args string) error {
	f.t.Helper()
	def, err := f.reg.Lookup(name)
	require.NoError(f.t, err)
	require.NoError(f.t, f.reg.Validate(name, json.RawMessage(args)))
	return f.store.WithTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		return def.Mutate(ctx, tx, platformauth.NewPrincipal(user), json.RawMessage(args))
	})
}

func (f *fixture) row(table, id string) rowstore.Row {
	f.t.Helper()
	var row rowstore.Row
	require.NoError(f.t, f.store.WithReadTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		var err error
		row, err = tx.Get(ctx, table, id)
		return err
	}))
	return row
}

func (f *fixture) count(table string, where predicate.Expr) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.store.WithReadTx(context.Background(), func(ctx context.Context, tx rowstore.Tx) error {
		var err error
		n, err = tx.Count(ctx, table, where)
		return err
	}))
	return n
}

func requireInvariant(t *testing.T, err error) {
	t.Helper()
	var invariant *apperr.InvariantError
	require.ErrorAs(t, err, &invariant)
}

func TestCreateOrganizationAddsOwner(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run("alice", OrganizationCreate, `{"id":"acme","name":" Acme ","slug":"acme"}`))

	org := f.row(sqlassets.Organization, "acme")
	require.Equal(t, "Acme", org["name"])
	require.Equal(t, "free", org["subscription_tier"])
	require.Equal(t, "none", org["subscription_status"])
	require.Equal(t, fixedNow.UnixMilli(), org["created_at"])

	owner := f.row(sqlassets.Member, MemberID("acme", "alice"))
	require.Equal(t, "owner", owner["role"])
	require.Equal(t, "alice", owner["user_id"])

	requireInvariant(t, f.run("bob", OrganizationCreate, `{"id":"acme","name":"Other","slug":"other"}`))
}

func TestLastOwnerCannotLeaveOrBeDemoted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run("alice", OrganizationCreate, `{"id":"acme","name":"Acme","slug":"acme"}`))
	ownerID := MemberID("acme", "alice")

	requireInvariant(t, f.run("alice", MemberUpdateRole, `{"id":"`+ownerID+`","role":"admin"}`))
	requireInvariant(t, f.run("alice", MemberRemove, `{"id":"`+ownerID+`"}`))

	require.NoError(t, f.run("alice", InvitationCreate, `{"id":"inv1","organizationId":"acme","email":"Bob@Example.com","role":"admin"}`))
	require.NoError(t, f.run("bob", InvitationAccept, `{"id":"inv1"}`))
	bobID := MemberID("acme", "bob")
	require.NoError(t, f.run("alice", MemberUpdateRole, `{"id":"`+bobID+`","role":"owner"}`))

	require.NoError(t, f.run("alice", MemberUpdateRole, `{"id":"`+ownerID+`","role":"member"}`))
	require.Equal(t, "member", f.row(sqlassets.Member, ownerID)["role"])
}

func TestInvitationLifecycle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run("alice", OrganizationCreate, `{"id":"acme","name":"Acme","slug":"acme"}`))
	require.NoError(t, f.run("alice", InvitationCreate, `{"id":"inv1","organizationId":"acme","email":"Bob@Example.com"}`))

	inv := f.row(sqlassets.Invitation, "inv1")
	require.Equal(t, "bob@example.com", inv["email"])
	require.Equal(t, InvitationPending, inv["status"])
	require.Equal(t, "member", inv["role"])
	require.Equal(t, "alice", inv["inviter_id"])

	requireInvariant(t, f.run("alice", InvitationCreate, `{"id":"inv2","organizationId":"acme","email":"bob@example.com"}`))

	require.NoError(t, f.run("bob", InvitationAccept, `{"id":"inv1"}`))
	require.Equal(t, InvitationAccepted, f.row(sqlassets.Invitation, "inv1")["status"])
	require.Equal(t, "member", f.row(sqlassets.Member, MemberID("acme", "bob"))["role"])

	requireInvariant(t, f.run("bob", InvitationAccept, `{"id":"inv1"}`))
	requireInvariant(t, f.run("alice", InvitationRevoke, `{"id":"inv1"}`))

	require.NoError(t, f.run("alice", InvitationCreate, `{"id":"inv3","organizationId":"acme","email":"carol@example.com"}`))
	require.NoError(t, f.run("alice", InvitationRevoke, `{"id":"inv3"}`))
	require.Equal(t, InvitationRevoked, f.row(sqlassets.Invitation, "inv3")["status"])
}

func TestAcceptRejectsExistingMember(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run("alice", OrganizationCreate, `{"id":"acme","name":"Acme","slug":"acme"}`))
	require.NoError(t, f.run("alice", InvitationCreate, `{"id":"inv1","organizationId":"acme","email":"a@example.com"}`))

	requireInvariant(t, f.run("alice", InvitationAccept, `{"id":"inv1"}`))
	require.Equal(t, InvitationPending, f.row(sqlassets.Invitation, "inv1")["status"])
}

func TestDeleteBoardRemovesFeedbackAndVotes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run("alice", OrganizationCreate, `{"id":"acme","name":"Acme","slug":"acme"}`))
	require.NoError(t, f.run("alice", BoardCreate, `{"id":"b1","organizationId":"acme","name":"Ideas","slug":"ideas"}`))
	require.NoError(t, f.run("alice", BoardCreate, `{"id":"b2","organizationId":"acme","name":"Bugs","slug":"bugs","isPublic":false}`))
	require.NoError(t, f.run("bob", FeedbackCreate, `{"id":"f1","boardId":"b1","title":"Dark mode"}`))
	require.NoError(t, f.run("bob", FeedbackCreate, `{"id":"f2","boardId":"b2","title":"Crash"}`))
	require.NoError(t, f.run("bob", VoteToggle, `{"feedbackId":"f1"}`))
	require.NoError(t, f.run("carol", VoteToggle, `{"feedbackId":"f1"}`))
	require.NoError(t, f.run("carol", VoteToggle, `{"feedbackId":"f2"}`))

	require.Equal(t, true, f.row(sqlassets.Board, "b1")["is_public"])
	require.Equal(t, false, f.row(sqlassets.Board, "b2")["is_public"])

	require.NoError(t, f.run("alice", BoardDelete, `{"id":"b1"}`))

	require.Equal(t, 0, f.count(sqlassets.Feedback, predicate.Eq("board_id", "b1")))
	require.Equal(t, 0, f.count(sqlassets.Vote, predicate.Eq("feedback_id", "f1")))
	require.Equal(t, 1, f.count(sqlassets.Vote, predicate.Eq("feedback_id", "f2")))
	requireInvariant(t, f.run("alice", BoardDelete, `{"id":"b1"}`))
}

func TestFeedbackCreateAndUpdate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run("alice", OrganizationCreate, `{"id":"acme","name":"Acme","slug":"acme"}`))
	require.NoError(t, f.run("alice", BoardCreate, `{"id":"b1","organizationId":"acme","name":"Ideas","slug":"ideas"}`))
	require.NoError(t, f.run("bob", FeedbackCreate, `{"id":"f1","boardId":"b1","title":"Dark mode"}`))

	item := f.row(sqlassets.Feedback, "f1")
	require.Equal(t, "bob", item["author_id"])
	require.Equal(t, "open", item["status"])
	require.Equal(t, "", item["description"])

	require.NoError(t, f.run("bob", FeedbackUpdate, `{"id":"f1","status":"planned"}`))
	item = f.row(sqlassets.Feedback, "f1")
	require.Equal(t, "planned", item["status"])
	require.Equal(t, "Dark mode", item["title"])

	require.NoError(t, f.run("bob", FeedbackDelete, `{"id":"f1"}`))
	require.Equal(t, 0, f.count(sqlassets.Feedback, predicate.And{}))
}

func TestVoteToggle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run("alice", OrganizationCreate, `{"id":"acme","name":"Acme","slug":"acme"}`))
	require.NoError(t, f.run("alice", BoardCreate, `{"id":"b1","organizationId":"acme","name":"Ideas","slug":"ideas"}`))
	require.NoError(t, f.run("bob", FeedbackCreate, `{"id":"f1","boardId":"b1","title":"Dark mode"}`))

	require.NoError(t, f.run("bob", VoteToggle, `{"feedbackId":"f1"}`))
	require.Equal(t, "bob", f.row(sqlassets.Vote, VoteID("f1", "bob"))["user_id"])

	require.NoError(t, f.run("bob", VoteToggle, `{"feedbackId":"f1"}`))
	require.Equal(t, 0, f.count(sqlassets.Vote, predicate.And{}))
}

func TestMutatorsRequirePrincipalWhereTheyStampIt(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.run("", OrganizationCreate, `{"id":"acme","name":"Acme","slug":"acme"}`), apperr.ErrUnauthenticated)
	require.ErrorIs(t, f.run("", VoteToggle, `{"feedbackId":"f1"}`), apperr.ErrUnauthenticated)
}

func TestSchemasRejectBadArguments(t *testing.T) {
	f := newFixture(t)
	var argsErr *apperr.ArgsError
	require.ErrorAs(t, f.reg.Validate(OrganizationCreate, json.RawMessage(`{"id":"acme","name":"Acme","slug":"Not A Slug"}`)), &argsErr)
	require.ErrorAs(t, f.reg.Validate(MemberUpdateRole, json.RawMessage(`{"id":"m1","role":"root"}`)), &argsErr)
	require.ErrorAs(t, f.reg.Validate(VoteToggle, json.RawMessage(`{"feedbackId":"f1","extra":1}`)), &argsErr)
	require.ErrorAs(t, f.reg.Validate(InvitationCreate, json.RawMessage(`{"id":"i","organizationId":"o","email":"nope"}`)), &argsErr)
}

func TestDerivedIdsAreStable(t *testing.T) {
	require.Equal(t, MemberID("acme", "alice"), MemberID("acme", "alice"))
	require.NotEqual(t, MemberID("acme", "alice"), MemberID("acme", "bob"))
	require.NotEqual(t, VoteID("f1", "alice"), MemberID("f1", "alice"))
}
