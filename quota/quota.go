// Package quota implements the per-tenant admission policy. The
// decision function is pure: it maps a tenant's plan and current usage
// to an admit/deny outcome without performing I/O. The authoritative
// reservation happens through [UsageCounter], whose TryReserve must be
// transactional with job persistence so concurrent bursts from the
// same tenant cannot overrun the plan ceiling.
package quota

import "context"

// Plan identifies a subscription tier.
type Plan string

const (
	PlanFree         Plan = "FREE"
	PlanStarter      Plan = "STARTER"
	PlanProfessional Plan = "PROFESSIONAL"
	PlanEnterprise   Plan = "ENTERPRISE"
)

// MonthlyEmailLimit returns the plan's email ceiling per billing period.
// Unknown plans get the FREE ceiling: failing closed beats unmetered
// sending.
func (p Plan) MonthlyEmailLimit() int64 {
	switch p {
	case PlanFree:
		return 1_000
	case PlanStarter:
		return 10_000
	case PlanProfessional:
		return 50_000
	case PlanEnterprise:
		return 250_000
	default:
		return 1_000
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Plan      Plan
	Limit     int64
	Used      int64
	Requested int64
	Remaining int64
}

// Admit decides whether a tenant on the given plan, having sent used
// emails this period, may send requested more. Pure function; the
// caller still must TryReserve before persisting jobs.
func Admit(plan Plan, used, requested int64) Decision {
	limit := plan.MonthlyEmailLimit()
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   requested > 0 && used+requested <= limit,
		Plan:      plan,
		Limit:     limit,
		Used:      used,
		Requested: requested,
		Remaining: remaining,
	}
}

// UsageCounter is the tenant usage collaborator. Implementations back
// it with the same store as the jobs so reservation and persistence
// share one transaction boundary.
type UsageCounter interface {
	// Usage returns the number of emails the tenant has sent (or
	// reserved) in the current billing period.
	Usage(ctx context.Context, tenantID string) (int64, error)

	// TryReserve atomically reserves n sends against the tenant's limit.
	// Returns false, without reserving, when the reservation would
	// exceed the limit. The reservation counts toward Usage immediately.
	TryReserve(ctx context.Context, tenantID string, n int64, limit int64) (bool, error)

	// ReleaseReservation returns n previously reserved sends, used when
	// job persistence fails after a successful reservation.
	ReleaseReservation(ctx context.Context, tenantID string, n int64) error

	// ResetUsage zeroes the tenant's period counter. Called by the
	// monthly billing rollover, not by the dispatch path.
	ResetUsage(ctx context.Context, tenantID string) error
}

// PlanResolver reports the plan a tenant is on. Backed by the tenant
// CRUD service in production; a static map in tests.
type PlanResolver interface {
	PlanFor(ctx context.Context, tenantID string) (Plan, error)
}

// StaticPlans is a PlanResolver backed by a fixed map. Tenants not in
// the map resolve to FREE.
type StaticPlans map[string]Plan

// PlanFor implements PlanResolver.
func (s StaticPlans) PlanFor(_ context.Context, tenantID string) (Plan, error) {
	if p, ok := s[tenantID]; ok {
		return p, nil
	}
	return PlanFree, nil
}
