package sqlassets

import (
	_ "embed"
	"strings"

	"github.com/damien-schneider/reflect-os/platform/go/predicate"
)

//go:embed schema/core.sql
var CoreSQL string

// Statements splits CoreSQL into executable statements, dropping comment lines.
func Statements() []string {
	var b strings.Builder
	for _, line := range strings.Split(CoreSQL, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	var out []string
	for _, raw := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Table names.
const (
	Organization = "organization"
	Member       = "member"
	Invitation   = "invitation"
	Board        = "board"
	Feedback     = "feedback"
	Vote         = "vote"
	Subscription = "subscription"
	Session      = "session"
)

// Schema mirrors CoreSQL for predicate compilation and the in-memory store.
// Relation names are what permission rules traverse.
func Schema() *predicate.Schema {
	return schema
}

var schema = predicate.MustSchema(
	predicate.Table{
		Name: Organization,
		Columns: []string{
			"id", "name", "slug", "is_public", "subscription_tier", "subscription_status",
			"subscription_id", "billing_customer_id", "created_at",
		},
		Relations: map[string]predicate.Relation{
			"members":       {Table: Member, From: "id", To: "organization_id"},
			"boards":        {Table: Board, From: "id", To: "organization_id"},
			"subscriptions": {Table: Subscription, From: "id", To: "organization_id"},
		},
		Unique: [][]string{{"slug"}},
	},
	predicate.Table{
		Name:    Member,
		Columns: []string{"id", "organization_id", "user_id", "role", "created_at"},
		Relations: map[string]predicate.Relation{
			"organization": {Table: Organization, From: "organization_id", To: "id"},
		},
		Unique: [][]string{{"organization_id", "user_id"}},
	},
	predicate.Table{
		Name:    Invitation,
		Columns: []string{"id", "organization_id", "email", "role", "status", "inviter_id", "created_at"},
		Relations: map[string]predicate.Relation{
			"organization": {Table: Organization, From: "organization_id", To: "id"},
		},
	},
	predicate.Table{
		Name:    Board,
		Columns: []string{"id", "organization_id", "name", "slug", "is_public", "created_at"},
		Relations: map[string]predicate.Relation{
			"organization": {Table: Organization, From: "organization_id", To: "id"},
			"feedback":     {Table: Feedback, From: "id", To: "board_id"},
		},
		Unique: [][]string{{"organization_id", "slug"}},
	},
	predicate.Table{
		Name:    Feedback,
		Columns: []string{"id", "board_id", "author_id", "title", "description", "status", "created_at", "updated_at"},
		Relations: map[string]predicate.Relation{
			"board": {Table: Board, From: "board_id", To: "id"},
			"votes": {Table: Vote, From: "id", To: "feedback_id"},
		},
	},
	predicate.Table{
		Name:    Vote,
		Columns: []string{"id", "feedback_id", "user_id", "created_at"},
		Relations: map[string]predicate.Relation{
			"feedback": {Table: Feedback, From: "feedback_id", To: "id"},
		},
		Unique: [][]string{{"feedback_id", "user_id"}},
	},
	predicate.Table{
		Name: Subscription,
		Columns: []string{
			"id", "organization_id", "customer_id", "product_id", "product_name", "status",
			"current_period_start", "current_period_end", "cancel_at_period_end", "modified_at",
		},
		Relations: map[string]predicate.Relation{
			"organization": {Table: Organization, From: "organization_id", To: "id"},
		},
	},
	predicate.Table{
		Name:    Session,
		Key:     "token",
		Columns: []string{"token", "user_id", "expires_at"},
	},
)
