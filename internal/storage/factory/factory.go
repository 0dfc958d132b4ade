package factory

import (
	"context"
	"errors"
	"strings"

	"github.com/loykin/analytics-go/internal/storage"
	pg "github.com/loykin/analytics-go/internal/storage/postgres"
	rd "github.com/loykin/analytics-go/internal/storage/redis"
	sq "github.com/loykin/analytics-go/internal/storage/sqlite"
)

// NewFromDSN selects a storage implementation based on DSN.
// Supported:
//   - memory:   "memory://"
//   - sqlite:   "sqlite://<path>" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - redis:    "redis://" or "rediss://" URL
func NewFromDSN(ctx context.Context, dsn string) (storage.Storage, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case strings.HasPrefix(ld, "memory://"):
		return storage.NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "redis://"), strings.HasPrefix(ld, "rediss://"):
		return rd.NewFromURL(ctx, d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	return sq.New(d)
}
