package database

import (
	"context"
	"fmt"
	"strings"
)

// Open connects to the catalog named by url. postgres:// and postgresql://
// URLs select PostgreSQL; sqlite:// URLs and bare file paths select SQLite.
// The schema is created when missing.
func Open(ctx context.Context, url string) (Repo, error) {
	switch {
	case url == "":
		return nil, fmt.Errorf("empty database url")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		repo, err := NewRepository(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteRepository(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("unsupported database url scheme: %s", url)
	default:
		return NewSQLiteRepository(ctx, url)
	}
}
