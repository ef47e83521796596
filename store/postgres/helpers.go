package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// marshalVariables encodes template variables for a JSONB column.
// A nil map stores NULL.
func marshalVariables(vars map[string]string) ([]byte, error) {
	if vars == nil {
		return nil, nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("herald/postgres: marshal variables: %w", err)
	}
	return data, nil
}

// unmarshalVariables decodes a JSONB variables column. NULL yields nil.
func unmarshalVariables(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var vars map[string]string
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("herald/postgres: unmarshal variables: %w", err)
	}
	return vars, nil
}
