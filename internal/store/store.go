package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/knowledge"
	"github.com/ent0n29/voicerelay/internal/usage"
)

// Store is the persistence surface the relay reads agent configuration from,
// appends usage to, and queries knowledge documents in.
type Store interface {
	agents.Store
	usage.Sink
	knowledge.Searcher

	// Seed upserts agents and knowledge documents from a seed file.
	Seed(ctx context.Context, seed agents.Seed) error
	Driver() string
	Close() error
}

// New opens the backend selected by driver.
func New(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	case "sqlite":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

const defaultSearchLimit = 5

// seedDocumentID keys seeded documents by client and title so reseeding
// replaces them instead of duplicating.
func seedDocumentID(d agents.SeedDocument) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.ClientID+"/"+d.Title)).String()
}
