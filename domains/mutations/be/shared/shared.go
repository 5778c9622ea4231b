// Package shared holds the mutator implementations that the client replica runs optimistically
// and the server replays authoritatively. They only touch data; permission checks and quota
// enforcement are layered on by the server package.
package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/mutations/be/registry"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

// Mutator names.
const (
	OrganizationCreate   = "organization.create"
	OrganizationUpdate   = "organization.update"
	MemberUpdateRole     = "member.updateRole"
	MemberRemove         = "member.remove"
	InvitationCreate     = "invitation.create"
	InvitationAccept     = "invitation.accept"
	InvitationRevoke     = "invitation.revoke"
	BoardCreate          = "board.create"
	BoardUpdate          = "board.update"
	BoardDelete          = "board.delete"
	FeedbackCreate       = "feedback.create"
	FeedbackUpdate       = "feedback.update"
	FeedbackDelete       = "feedback.delete"
	VoteToggle           = "vote.toggle"
	defaultFeedbackState = "open"
)

// Invitation statuses.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationRevoked  = "revoked"
)

// Mutators builds the shared definitions. now stamps created_at/updated_at columns.
type Mutators struct {
	now func() time.Time
}

func New(now func() time.Time) *Mutators {
	if now == nil {
		now = time.Now
	}
	return &Mutators{now: now}
}

// Registry returns a registry of every shared mutator.
func (m *Mutators) Registry() (*registry.Registry, error) {
	return registry.New(m.Definitions()...)
}

// Definitions lists every shared mutator with its argument schema.
func (m *Mutators) Definitions() []registry.Definition {
	return []registry.Definition{
		{Name: OrganizationCreate, Schema: []byte(organizationCreateSchema), Mutate: m.createOrganization},
		{Name: OrganizationUpdate, Schema: []byte(organizationUpdateSchema), Mutate: m.updateOrganization},
		{Name: MemberUpdateRole, Schema: []byte(memberUpdateRoleSchema), Mutate: m.updateMemberRole},
		{Name: MemberRemove, Schema: []byte(idOnlySchema), Mutate: m.removeMember},
		{Name: InvitationCreate, Schema: []byte(invitationCreateSchema), Mutate: m.createInvitation},
		{Name: InvitationAccept, Schema: []byte(idOnlySchema), Mutate: m.acceptInvitation},
		{Name: InvitationRevoke, Schema: []byte(idOnlySchema), Mutate: m.revokeInvitation},
		{Name: BoardCreate, Schema: []byte(boardCreateSchema), Mutate: m.createBoard},
		{Name: BoardUpdate, Schema: []byte(boardUpdateSchema), Mutate: m.updateBoard},
		{Name: BoardDelete, Schema: []byte(idOnlySchema), Mutate: m.deleteBoard},
		{Name: FeedbackCreate, Schema: []byte(feedbackCreateSchema), Mutate: m.createFeedback},
		{Name: FeedbackUpdate, Schema: []byte(feedbackUpdateSchema), Mutate: m.updateFeedback},
		{Name: FeedbackDelete, Schema: []byte(idOnlySchema), Mutate: m.deleteFeedback},
		{Name: VoteToggle, Schema: []byte(voteToggleSchema), Mutate: m.toggleVote},
	}
}

// MemberID derives the member row id for a user joining an organization, so a client replica
// and the server produce the same row.
func MemberID(orgID, userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("member:"+orgID+":"+userID)).String()
}

// VoteID derives the vote row id of a user on a feedback item.
func VoteID(feedbackID, userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("vote:"+feedbackID+":"+userID)).String()
}

type organizationCreateArgs struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	IsPublic bool   `json:"isPublic"`
}

func (m *Mutators) createOrganization(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[organizationCreateArgs](OrganizationCreate, raw)
	if err != nil {
		return err
	}
	userID, ok := p.ID()
	if !ok {
		return apperr.ErrUnauthenticated
	}
	now := m.now().UnixMilli()

	if err := insert(ctx, tx, sqlassets.Organization, rowstore.Row{
		"id":                  args.ID,
		"name":                strings.TrimSpace(args.Name),
		"slug":                args.Slug,
		"is_public":           args.IsPublic,
		"subscription_tier":   "free",
		"subscription_status": "none",
		"created_at":          now,
	}); err != nil {
		return err
	}
	return insert(ctx, tx, sqlassets.Member, rowstore.Row{
		"id":              MemberID(args.ID, userID),
		"organization_id": args.ID,
		"user_id":         userID,
		"role":            "owner",
		"created_at":      now,
	})
}

type organizationUpdateArgs struct {
	ID       string  `json:"id"`
	Name     *string `json:"name"`
	Slug     *string `json:"slug"`
	IsPublic *bool   `json:"isPublic"`
}

func (m *Mutators) updateOrganization(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[organizationUpdateArgs](OrganizationUpdate, raw)
	if err != nil {
		return err
	}
	changes := rowstore.Row{}
	if args.Name != nil {
		changes["name"] = strings.TrimSpace(*args.Name)
	}
	if args.Slug != nil {
		changes["slug"] = *args.Slug
	}
	if args.IsPublic != nil {
		changes["is_public"] = *args.IsPublic
	}
	return update(ctx, tx, sqlassets.Organization, args.ID, changes)
}

type memberUpdateRoleArgs struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (m *Mutators) updateMemberRole(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[memberUpdateRoleArgs](MemberUpdateRole, raw)
	if err != nil {
		return err
	}
	member, err := get(ctx, tx, sqlassets.Member, args.ID)
	if err != nil {
		return err
	}
	if member["role"] == "owner" && args.Role != "owner" {
		if err := ensureAnotherOwner(ctx, tx, member); err != nil {
			return err
		}
	}
	return update(ctx, tx, sqlassets.Member, args.ID, rowstore.Row{"role": args.Role})
}

type idArgs struct {
	ID string `json:"id"`
}

func (m *Mutators) removeMember(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[idArgs](MemberRemove, raw)
	if err != nil {
		return err
	}
	member, err := get(ctx, tx, sqlassets.Member, args.ID)
	if err != nil {
		return err
	}
	if member["role"] == "owner" {
		if err := ensureAnotherOwner(ctx, tx, member); err != nil {
			return err
		}
	}
	return remove(ctx, tx, sqlassets.Member, args.ID)
}

// ensureAnotherOwner holds the organization row lock while counting, so concurrent
// demotions of different owners are serialized.
func ensureAnotherOwner(ctx context.Context, tx rowstore.Tx, member rowstore.Row) error {
	orgID, _ := member["organization_id"].(string)
	if _, err := tx.Lock(ctx, sqlassets.Organization, orgID); err != nil {
		return fmt.Errorf("lock organization %s: %w", orgID, err)
	}
	owners, err := tx.Count(ctx, sqlassets.Member, predicate.And{
		predicate.Eq("organization_id", member["organization_id"]),
		predicate.Eq("role", "owner"),
	})
	if err != nil {
		return fmt.Errorf("count owners: %w", err)
	}
	if owners <= 1 {
		return apperr.Invariantf("an organization must keep at least one owner")
	}
	return nil
}

type invitationCreateArgs struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Email          string `json:"email"`
	Role           string `json:"role"`
}

func (m *Mutators) createInvitation(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[invitationCreateArgs](InvitationCreate, raw)
	if err != nil {
		return err
	}
	inviterID, ok := p.ID()
	if !ok {
		return apperr.ErrUnauthenticated
	}
	email := strings.ToLower(strings.TrimSpace(args.Email))
	role := args.Role
	if role == "" {
		role = "member"
	}

	pending, err := tx.Count(ctx, sqlassets.Invitation, predicate.And{
		predicate.Eq("organization_id", args.OrganizationID),
		predicate.Eq("email", email),
		predicate.Eq("status", InvitationPending),
	})
	if err != nil {
		return fmt.Errorf("count invitations: %w", err)
	}
	if pending > 0 {
		return apperr.Invariantf("%s already has a pending invitation", email)
	}

	return insert(ctx, tx, sqlassets.Invitation, rowstore.Row{
		"id":              args.ID,
		"organization_id": args.OrganizationID,
		"email":           email,
		"role":            role,
		"status":          InvitationPending,
		"inviter_id":      inviterID,
		"created_at":      m.now().UnixMilli(),
	})
}

// acceptInvitation turns a pending invitation into a membership. The member row is written
// under the invitation's authority.
func (m *Mutators) acceptInvitation(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[idArgs](InvitationAccept, raw)
	if err != nil {
		return err
	}
	userID, ok := p.ID()
	if !ok {
		return apperr.ErrUnauthenticated
	}
	invitation, err := get(ctx, tx, sqlassets.Invitation, args.ID)
	if err != nil {
		return err
	}
	if invitation["status"] != InvitationPending {
		return apperr.Invariantf("invitation %s is %v", args.ID, invitation["status"])
	}
	orgID, _ := invitation["organization_id"].(string)

	existing, err := tx.Count(ctx, sqlassets.Member, predicate.And{
		predicate.Eq("organization_id", orgID),
		predicate.Eq("user_id", userID),
	})
	if err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if existing > 0 {
		return apperr.Invariantf("already a member of this organization")
	}

	if err := update(ctx, tx, sqlassets.Invitation, args.ID, rowstore.Row{"status": InvitationAccepted}); err != nil {
		return err
	}
	return insert(ctx, tx, sqlassets.Member, rowstore.Row{
		"id":              MemberID(orgID, userID),
		"organization_id": orgID,
		"user_id":         userID,
		"role":            invitation["role"],
		"created_at":      m.now().UnixMilli(),
	})
}

func (m *Mutators) revokeInvitation(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[idArgs](InvitationRevoke, raw)
	if err != nil {
		return err
	}
	invitation, err := get(ctx, tx, sqlassets.Invitation, args.ID)
	if err != nil {
		return err
	}
	if invitation["status"] != InvitationPending {
		return apperr.Invariantf("invitation %s is %v", args.ID, invitation["status"])
	}
	return update(ctx, tx, sqlassets.Invitation, args.ID, rowstore.Row{"status": InvitationRevoked})
}

type boardCreateArgs struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	IsPublic       *bool  `json:"isPublic"`
}

func (m *Mutators) createBoard(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[boardCreateArgs](BoardCreate, raw)
	if err != nil {
		return err
	}
	isPublic := true
	if args.IsPublic != nil {
		isPublic = *args.IsPublic
	}
	return insert(ctx, tx, sqlassets.Board, rowstore.Row{
		"id":              args.ID,
		"organization_id": args.OrganizationID,
		"name":            strings.TrimSpace(args.Name),
		"slug":            args.Slug,
		"is_public":       isPublic,
		"created_at":      m.now().UnixMilli(),
	})
}

type boardUpdateArgs struct {
	ID       string  `json:"id"`
	Name     *string `json:"name"`
	Slug     *string `json:"slug"`
	IsPublic *bool   `json:"isPublic"`
}

func (m *Mutators) updateBoard(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[boardUpdateArgs](BoardUpdate, raw)
	if err != nil {
		return err
	}
	changes := rowstore.Row{}
	if args.Name != nil {
		changes["name"] = strings.TrimSpace(*args.Name)
	}
	if args.Slug != nil {
		changes["slug"] = *args.Slug
	}
	if args.IsPublic != nil {
		changes["is_public"] = *args.IsPublic
	}
	return update(ctx, tx, sqlassets.Board, args.ID, changes)
}

// deleteBoard removes the board with its feedback and votes.
func (m *Mutators) deleteBoard(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[idArgs](BoardDelete, raw)
	if err != nil {
		return err
	}
	if _, err := tx.DeleteWhere(ctx, sqlassets.Vote, predicate.Related("feedback", predicate.Eq("board_id", args.ID))); err != nil {
		return fmt.Errorf("delete votes: %w", err)
	}
	if _, err := tx.DeleteWhere(ctx, sqlassets.Feedback, predicate.Eq("board_id", args.ID)); err != nil {
		return fmt.Errorf("delete feedback: %w", err)
	}
	return remove(ctx, tx, sqlassets.Board, args.ID)
}

type feedbackCreateArgs struct {
	ID          string `json:"id"`
	BoardID     string `json:"boardId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

func (m *Mutators) createFeedback(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[feedbackCreateArgs](FeedbackCreate, raw)
	if err != nil {
		return err
	}
	authorID, ok := p.ID()
	if !ok {
		return apperr.ErrUnauthenticated
	}
	status := args.Status
	if status == "" {
		status = defaultFeedbackState
	}
	now := m.now().UnixMilli()
	return insert(ctx, tx, sqlassets.Feedback, rowstore.Row{
		"id":          args.ID,
		"board_id":    args.BoardID,
		"author_id":   authorID,
		"title":       strings.TrimSpace(args.Title),
		"description": args.Description,
		"status":      status,
		"created_at":  now,
		"updated_at":  now,
	})
}

type feedbackUpdateArgs struct {
	ID          string  `json:"id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

func (m *Mutators) updateFeedback(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[feedbackUpdateArgs](FeedbackUpdate, raw)
	if err != nil {
		return err
	}
	changes := rowstore.Row{"updated_at": m.now().UnixMilli()}
	if args.Title != nil {
		changes["title"] = strings.TrimSpace(*args.Title)
	}
	if args.Description != nil {
		changes["description"] = *args.Description
	}
	if args.Status != nil {
		changes["status"] = *args.Status
	}
	return update(ctx, tx, sqlassets.Feedback, args.ID, changes)
}

func (m *Mutators) deleteFeedback(ctx context.Context, tx rowstore.Tx, _ platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[idArgs](FeedbackDelete, raw)
	if err != nil {
		return err
	}
	if _, err := tx.DeleteWhere(ctx, sqlassets.Vote, predicate.Eq("feedback_id", args.ID)); err != nil {
		return fmt.Errorf("delete votes: %w", err)
	}
	return remove(ctx, tx, sqlassets.Feedback, args.ID)
}

type voteToggleArgs struct {
	FeedbackID string `json:"feedbackId"`
}

// toggleVote adds the caller's vote on a feedback item, or removes it when present.
func (m *Mutators) toggleVote(ctx context.Context, tx rowstore.Tx, p platformauth.Principal, raw json.RawMessage) error {
	args, err := registry.Decode[voteToggleArgs](VoteToggle, raw)
	if err != nil {
		return err
	}
	userID, ok := p.ID()
	if !ok {
		return apperr.ErrUnauthenticated
	}
	id := VoteID(args.FeedbackID, userID)

	_, err = tx.Get(ctx, sqlassets.Vote, id)
	switch {
	case err == nil:
		return remove(ctx, tx, sqlassets.Vote, id)
	case errors.Is(err, rowstore.ErrRowNotFound):
		return insert(ctx, tx, sqlassets.Vote, rowstore.Row{
			"id":          id,
			"feedback_id": args.FeedbackID,
			"user_id":     userID,
			"created_at":  m.now().UnixMilli(),
		})
	default:
		return fmt.Errorf("get vote: %w", err)
	}
}

func get(ctx context.Context, tx rowstore.Tx, table, id string) (rowstore.Row, error) {
	row, err := tx.Get(ctx, table, id)
	if errors.Is(err, rowstore.ErrRowNotFound) {
		return nil, apperr.Invariantf("%s %s does not exist", table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	return row, nil
}

func insert(ctx context.Context, tx rowstore.Tx, table string, row rowstore.Row) error {
	err := tx.Insert(ctx, table, row)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rowstore.ErrDuplicate):
		return apperr.Invariantf("%s already exists", table)
	case errors.Is(err, rowstore.ErrReference):
		return apperr.Invariantf("%s references a missing row", table)
	case errors.Is(err, rowstore.ErrConstraint):
		return apperr.Invariantf("%s has an invalid value", table)
	default:
		return fmt.Errorf("insert %s: %w", table, err)
	}
}

func update(ctx context.Context, tx rowstore.Tx, table, id string, changes rowstore.Row) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := tx.Update(ctx, table, id, changes)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rowstore.ErrRowNotFound):
		return apperr.Invariantf("%s %s does not exist", table, id)
	case errors.Is(err, rowstore.ErrDuplicate):
		return apperr.Invariantf("%s already exists", table)
	case errors.Is(err, rowstore.ErrConstraint):
		return apperr.Invariantf("%s has an invalid value", table)
	default:
		return fmt.Errorf("update %s: %w", table, err)
	}
}

func remove(ctx context.Context, tx rowstore.Tx, table, id string) error {
	err := tx.Delete(ctx, table, id)
	if errors.Is(err, rowstore.ErrRowNotFound) {
		return apperr.Invariantf("%s %s does not exist", table, id)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}
