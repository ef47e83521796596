package middleware

import (
	"context"

	"github.com/heraldmail/herald/job"
)

type tenantKey struct{}

// WithTenant returns a context carrying the tenant ID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant ID stored in the context, or ""
// if none is set.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// Tenant returns middleware that restores the job's tenant ID into the
// context. Delivery backends and hooks see the same tenant scope as the
// original enqueue caller.
func Tenant() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return next(WithTenant(ctx, j.TenantID))
	}
}
