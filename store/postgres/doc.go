// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: FOR UPDATE SKIP LOCKED claims with tenant-fair ordering,
// single-statement quota reservation, tracked SQL migrations.
package postgres
