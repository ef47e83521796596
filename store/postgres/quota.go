package postgres

import (
	"context"
	"fmt"
)

// Usage returns the number of emails the tenant has sent or reserved in
// the current billing period. Tenants with no row have used nothing.
func (s *Store) Usage(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM herald_usage WHERE tenant_id = $1`, tenantID,
	).Scan(&used)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("herald/postgres: read usage: %w", err)
	}
	return used, nil
}

// TryReserve atomically reserves n sends against the tenant's limit.
// The ceiling check and the increment happen in one statement, so
// concurrent bursts from the same tenant cannot overrun the plan.
func (s *Store) TryReserve(ctx context.Context, tenantID string, n, limit int64) (bool, error) {
	if n <= 0 || n > limit {
		return false, nil
	}

	var used int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO herald_usage (tenant_id, used) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE
		SET used = herald_usage.used + $2, updated_at = NOW()
		WHERE herald_usage.used + $2 <= $3
		RETURNING used`,
		tenantID, n, limit,
	).Scan(&used)
	if err != nil {
		if isNoRows(err) {
			// Conflict hit and the WHERE guard refused the increment.
			return false, nil
		}
		return false, fmt.Errorf("herald/postgres: reserve usage: %w", err)
	}
	return true, nil
}

// ReleaseReservation returns n previously reserved sends, clamping at
// zero.
func (s *Store) ReleaseReservation(ctx context.Context, tenantID string, n int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE herald_usage
		SET used = GREATEST(used - $2, 0), updated_at = NOW()
		WHERE tenant_id = $1`,
		tenantID, n,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: release reservation: %w", err)
	}
	return nil
}

// ResetUsage zeroes the tenant's period counter. Called by the monthly
// billing rollover.
func (s *Store) ResetUsage(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE herald_usage SET used = 0, updated_at = NOW() WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("herald/postgres: reset usage: %w", err)
	}
	return nil
}
