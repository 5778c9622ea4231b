package registry

import (
	"encoding/json"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/domains/permissions/be/rules"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

const defaultFeedbackLimit = 200

type queryArgs struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	OrganizationID string `json:"organizationId"`
	BoardID        string `json:"boardId"`
	FeedbackID     string `json:"feedbackId"`
	Status         string `json:"status"`
}

func decode(args json.RawMessage) (queryArgs, error) {
	var out queryArgs
	if len(args) == 0 {
		return out, nil
	}
	err := json.Unmarshal(args, &out)
	return out, err
}

func objectSchema(required ...string) []byte {
	props := map[string]any{}
	for _, name := range required {
		props[name] = map[string]any{"type": "string", "minLength": 1}
	}
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		doc["required"] = required
	}
	out, _ := json.Marshal(doc)
	return out
}

func byField(column string, pick func(queryArgs) string) func(json.RawMessage) (predicate.Expr, error) {
	return func(raw json.RawMessage) (predicate.Expr, error) {
		args, err := decode(raw)
		if err != nil {
			return nil, err
		}
		return predicate.Eq(column, pick(args)), nil
	}
}

var newestFirst = []rowstore.Order{{Column: "created_at", Desc: true}}
var oldestFirst = []rowstore.Order{{Column: "created_at"}}

// Default is the query set of the product.
func Default() []Query {
	return []Query{
		{
			Name:        "organization.list",
			Table:       sqlassets.Organization,
			RequireAuth: true,
			Schema:      objectSchema(),
			Filter: func(json.RawMessage) (predicate.Expr, error) {
				return rules.OrgMember, nil
			},
			OrderBy: []rowstore.Order{{Column: "name"}},
		},
		{
			Name:    "organization.bySlug",
			Table:   sqlassets.Organization,
			Schema:  objectSchema("slug"),
			Filter:  byField("slug", func(a queryArgs) string { return a.Slug }),
			OrderBy: oldestFirst,
			Limit:   1,
		},
		{
			Name:    "board.list",
			Table:   sqlassets.Board,
			Schema:  objectSchema("organizationId"),
			Filter:  byField("organization_id", func(a queryArgs) string { return a.OrganizationID }),
			OrderBy: oldestFirst,
		},
		{
			Name:   "board.bySlug",
			Table:  sqlassets.Board,
			Schema: objectSchema("organizationId", "slug"),
			Filter: func(raw json.RawMessage) (predicate.Expr, error) {
				args, err := decode(raw)
				if err != nil {
					return nil, err
				}
				return predicate.And{
					predicate.Eq("organization_id", args.OrganizationID),
					predicate.Eq("slug", args.Slug),
				}, nil
			},
			Limit: 1,
		},
		{
			Name:   "feedback.list",
			Table:  sqlassets.Feedback,
			Schema: objectSchema("boardId"),
			Filter: func(raw json.RawMessage) (predicate.Expr, error) {
				args, err := decode(raw)
				if err != nil {
					return nil, err
				}
				where := predicate.And{predicate.Eq("board_id", args.BoardID)}
				if args.Status != "" {
					where = append(where, predicate.Eq("status", args.Status))
				}
				return where, nil
			},
			OrderBy: newestFirst,
			Limit:   defaultFeedbackLimit,
		},
		{
			Name:   "feedback.byId",
			Table:  sqlassets.Feedback,
			Schema: objectSchema("id"),
			Filter: byField("id", func(a queryArgs) string { return a.ID }),
			Limit:  1,
		},
		{
			Name:    "vote.list",
			Table:   sqlassets.Vote,
			Schema:  objectSchema("feedbackId"),
			Filter:  byField("feedback_id", func(a queryArgs) string { return a.FeedbackID }),
			OrderBy: oldestFirst,
		},
		{
			Name:        "member.list",
			Table:       sqlassets.Member,
			RequireAuth: true,
			Schema:      objectSchema("organizationId"),
			Filter:      byField("organization_id", func(a queryArgs) string { return a.OrganizationID }),
			OrderBy:     oldestFirst,
		},
		{
			Name:        "invitation.list",
			Table:       sqlassets.Invitation,
			RequireAuth: true,
			Schema:      objectSchema("organizationId"),
			Filter:      byField("organization_id", func(a queryArgs) string { return a.OrganizationID }),
			OrderBy:     newestFirst,
		},
		{
			Name:        "subscription.byOrganization",
			Table:       sqlassets.Subscription,
			RequireAuth: true,
			Schema:      objectSchema("organizationId"),
			Filter:      byField("organization_id", func(a queryArgs) string { return a.OrganizationID }),
			OrderBy:     []rowstore.Order{{Column: "modified_at", Desc: true}},
		},
	}
}
