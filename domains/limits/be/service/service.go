// Package service is the resource limit gate. It counts quota-bound rows of an organization
// inside the caller's transaction while holding the organization row lock, so concurrent
// creations serialize on the same organization.
package service

import (
	"context"
	"errors"
	"fmt"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	"github.com/damien-schneider/reflect-os/platform/go/apperr"
	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
	"github.com/damien-schneider/reflect-os/platform/go/telemetry"
)

// Tier is an organization's subscription tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

// ParseTier maps stored values to a Tier; anything unknown is free.
func ParseTier(v string) Tier {
	switch Tier(v) {
	case TierPro:
		return TierPro
	case TierTeam:
		return TierTeam
	default:
		return TierFree
	}
}

// Resource is a quota-bound resource kind.
type Resource string

const (
	ResourceBoards  Resource = "boards"
	ResourceMembers Resource = "members"
)

// Unlimited marks a resource without a cap.
const Unlimited = -1

// Limits holds the maximum count per tier and resource.
type Limits map[Tier]map[Resource]int

// DefaultLimits is the plan table.
func DefaultLimits() Limits {
	return Limits{
		TierFree: {ResourceBoards: 1, ResourceMembers: 3},
		TierPro:  {ResourceBoards: 5, ResourceMembers: 10},
		TierTeam: {ResourceBoards: Unlimited, ResourceMembers: Unlimited},
	}
}

// Max returns the cap for tier and resource. Unknown combinations fall back to the free tier.
func (l Limits) Max(tier Tier, resource Resource) int {
	if byResource, ok := l[tier]; ok {
		if limit, ok := byResource[resource]; ok {
			return limit
		}
	}
	if limit, ok := l[TierFree][resource]; ok {
		return limit
	}
	return 0
}

// Usage is the gate's view of one resource at check time.
type Usage struct {
	Tier    Tier
	Current int
	Max     int
}

// Gate enforces Limits.
type Gate struct {
	limits  Limits
	metrics *telemetry.Metrics
}

func NewGate(limits Limits, metrics *telemetry.Metrics) *Gate {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Gate{limits: limits, metrics: metrics}
}

// CheckLimit locks the organization row, reads its current tier and counts resource rows.
// It returns *apperr.QuotaExceededError when one more row would exceed the cap.
// Members count accepted members plus pending invitations.
func (g *Gate) CheckLimit(ctx context.Context, tx rowstore.Tx, orgID string, resource Resource) (Usage, error) {
	org, err := tx.Lock(ctx, sqlassets.Organization, orgID)
	if errors.Is(err, rowstore.ErrRowNotFound) {
		return Usage{}, apperr.Invariantf("organization %s does not exist", orgID)
	}
	if err != nil {
		return Usage{}, fmt.Errorf("lock organization: %w", err)
	}

	tierValue, _ := org["subscription_tier"].(string)
	tier := ParseTier(tierValue)

	current, err := g.count(ctx, tx, orgID, resource)
	if err != nil {
		return Usage{}, err
	}

	usage := Usage{Tier: tier, Current: current, Max: g.limits.Max(tier, resource)}
	if usage.Max >= 0 && usage.Current >= usage.Max {
		g.metrics.RecordQuotaRejection(ctx, string(resource), string(tier))
		return usage, &apperr.QuotaExceededError{
			Resource: string(resource),
			Tier:     string(tier),
			Current:  usage.Current,
			Max:      usage.Max,
		}
	}
	return usage, nil
}

// Usage reports the current count without locking, for read paths such as plan pages.
func (g *Gate) Usage(ctx context.Context, tx rowstore.Tx, orgID string, resource Resource) (Usage, error) {
	org, err := tx.Get(ctx, sqlassets.Organization, orgID)
	if err != nil {
		return Usage{}, fmt.Errorf("get organization: %w", err)
	}
	tierValue, _ := org["subscription_tier"].(string)
	tier := ParseTier(tierValue)

	current, err := g.count(ctx, tx, orgID, resource)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Tier: tier, Current: current, Max: g.limits.Max(tier, resource)}, nil
}

func (g *Gate) count(ctx context.Context, tx rowstore.Tx, orgID string, resource Resource) (int, error) {
	inOrg := predicate.Eq("organization_id", orgID)

	switch resource {
	case ResourceBoards:
		n, err := tx.Count(ctx, sqlassets.Board, inOrg)
		if err != nil {
			return 0, fmt.Errorf("count boards: %w", err)
		}
		return n, nil
	case ResourceMembers:
		members, err := tx.Count(ctx, sqlassets.Member, inOrg)
		if err != nil {
			return 0, fmt.Errorf("count members: %w", err)
		}
		pending, err := tx.Count(ctx, sqlassets.Invitation, predicate.And{inOrg, predicate.Eq("status", "pending")})
		if err != nil {
			return 0, fmt.Errorf("count invitations: %w", err)
		}
		return members + pending, nil
	default:
		return 0, fmt.Errorf("unknown resource %q", resource)
	}
}
