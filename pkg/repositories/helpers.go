package repositories

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation reports whether err is a Postgres unique constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// nullableText returns nil for an empty string so the column stores NULL.
func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// textValue dereferences a nullable text column.
func textValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// jsonArg encodes v for a jsonb parameter.
func jsonArg(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}
