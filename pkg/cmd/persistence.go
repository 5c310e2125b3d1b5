package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quilfort/flowline/pkg/persistence"
	"github.com/quilfort/flowline/pkg/persistence/memory"
	"github.com/quilfort/flowline/pkg/persistence/postgresql"
)

// NewPersistence creates the store matching the database URL scheme.
// PostgreSQL backs production; the in-memory store serves development and
// single-process setups.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case databaseURL == "" || databaseURL == "memory://":
		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported database URL %q", databaseURL)
	}
}
