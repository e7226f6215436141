package msggate

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoreFromDSN selects a store backend by DSN scheme:
// memory:// for the in-process store, postgres:// for Postgres, and
// sqlite://path (or a bare filesystem path) for SQLite. The SQLite form
// follows the sqlite:///relative vs sqlite:////absolute convention.
func BuildStoreFromDSN(dsn string) (MessageStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store DSN", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "sqlite", "sqlite3", "file", "":
		return NewSQLiteStore(sqlitePath(dsn, scheme))
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func sqlitePath(dsn, scheme string) string {
	if scheme == "" {
		return dsn
	}
	path := strings.TrimPrefix(dsn, scheme+"://")
	return strings.TrimPrefix(path, "/")
}
