// Package factory opens the inventory store named by a DSN.
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/svcprobe/internal/store"
	pg "github.com/loykin/svcprobe/internal/store/postgres"
	sq "github.com/loykin/svcprobe/internal/store/sqlite"
)

// NewFromDSN opens postgres:// and postgresql:// DSNs with pgx and
// sqlite://path, ":memory:" or a bare file path with sqlite. Other schemes
// are rejected.
func NewFromDSN(dsn string) (store.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty DSN")
	}
	switch Scheme(dsn) {
	case "postgres":
		_, rest, _ := strings.Cut(dsn, "://")
		return pg.New("postgres://" + rest)
	case "sqlite":
		if _, rest, ok := strings.Cut(dsn, "://"); ok {
			return sq.New(rest)
		}
		return sq.New(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported DSN scheme %q", Scheme(dsn))
	}
}

// Scheme names the backend for dsn without exposing credentials, so it is
// safe to log.
func Scheme(dsn string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(dsn), "://")
	if !ok {
		return "sqlite"
	}
	switch s := strings.ToLower(scheme); s {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return s
	}
}
