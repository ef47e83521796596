package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// reserveScript atomically reserves n sends against the tenant's
// period limit. Refuses without side effects when the reservation would
// exceed the limit.
//
// KEYS[1] = usage counter
// ARGV[1] = n
// ARGV[2] = limit
var reserveScript = goredis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if used + n > limit then return 0 end
redis.call('INCRBY', KEYS[1], n)
return 1
`)

// releaseScript returns n reserved sends, clamping the counter at zero.
var releaseScript = goredis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local v = used - tonumber(ARGV[1])
if v < 0 then v = 0 end
redis.call('SET', KEYS[1], v)
return v
`)

// Usage returns the tenant's period counter. A missing key means zero.
func (s *Store) Usage(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.client.Get(ctx, usageKey(tenantID)).Int64()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("herald/redis: get usage: %w", err)
	}
	return n, nil
}

// TryReserve atomically reserves n sends against the tenant's limit via
// a Lua script so concurrent reservations cannot oversubscribe.
func (s *Store) TryReserve(ctx context.Context, tenantID string, n, limit int64) (bool, error) {
	if n <= 0 || n > limit {
		return false, nil
	}

	ok, err := reserveScript.Run(ctx, s.client, []string{usageKey(tenantID)}, n, limit).Int64()
	if err != nil {
		return false, fmt.Errorf("herald/redis: reserve quota: %w", err)
	}
	return ok == 1, nil
}

// ReleaseReservation returns n previously reserved sends.
func (s *Store) ReleaseReservation(ctx context.Context, tenantID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{usageKey(tenantID)}, n).Err(); err != nil {
		return fmt.Errorf("herald/redis: release reservation: %w", err)
	}
	return nil
}

// ResetUsage zeroes the tenant's period counter.
func (s *Store) ResetUsage(ctx context.Context, tenantID string) error {
	if err := s.client.Set(ctx, usageKey(tenantID), 0, 0).Err(); err != nil {
		return fmt.Errorf("herald/redis: reset usage: %w", err)
	}
	return nil
}
