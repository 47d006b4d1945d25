package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/knowledge"
	"github.com/ent0n29/voicerelay/internal/usage"
)

// PostgresStore keeps agent configs, usage and knowledge in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_configs (
			client_id TEXT PRIMARY KEY,
			persona TEXT NOT NULL DEFAULT '',
			voice TEXT NOT NULL DEFAULT '',
			greeting TEXT NOT NULL DEFAULT '',
			tools TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			service_type TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_client_created ON usage_records (client_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_documents_client ON knowledge_documents (client_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Driver() string { return "postgres" }

func (s *PostgresStore) GetAgent(ctx context.Context, clientID string) (agents.Config, error) {
	var cfg agents.Config
	err := s.pool.QueryRow(ctx,
		`SELECT client_id, persona, voice, greeting, tools FROM agent_configs WHERE client_id=$1`,
		strings.TrimSpace(clientID),
	).Scan(&cfg.ClientID, &cfg.Persona, &cfg.Voice, &cfg.Greeting, &cfg.Tools)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return agents.Config{}, agents.ErrNotFound
		}
		return agents.Config{}, fmt.Errorf("get agent config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) AppendUsage(ctx context.Context, record usage.Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, client_id, session_id, provider, service_type, quantity, unit, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.ClientID,
		record.SessionID,
		record.Provider,
		record.ServiceType,
		record.Quantity,
		record.Unit,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchKnowledge(ctx context.Context, clientID, query string, limit int) ([]knowledge.Document, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	terms := knowledge.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	// Full-text rank first; ILIKE catches partial words the stemmer misses.
	patterns := make([]string, 0, len(terms))
	for _, t := range terms {
		patterns = append(patterns, "%"+t+"%")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, title, content, created_at
		 FROM knowledge_documents
		 WHERE client_id=$1
		   AND (to_tsvector('simple', title || ' ' || content) @@ plainto_tsquery('simple', $2)
		        OR (title || ' ' || content) ILIKE ANY($3))
		 ORDER BY ts_rank(to_tsvector('simple', title || ' ' || content), plainto_tsquery('simple', $2)) DESC,
		          created_at DESC
		 LIMIT $4`,
		clientID,
		strings.Join(terms, " "),
		patterns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	docs := make([]knowledge.Document, 0, limit)
	for rows.Next() {
		var d knowledge.Document
		if err := rows.Scan(&d.ID, &d.ClientID, &d.Title, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge rows: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) Seed(ctx context.Context, seed agents.Seed) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, a := range seed.Agents {
		tools := a.Tools
		if tools == nil {
			tools = []string{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO agent_configs (client_id, persona, voice, greeting, tools, updated_at)
			 VALUES ($1, $2, $3, $4, $5, now())
			 ON CONFLICT (client_id) DO UPDATE SET
				persona=EXCLUDED.persona,
				voice=EXCLUDED.voice,
				greeting=EXCLUDED.greeting,
				tools=EXCLUDED.tools,
				updated_at=EXCLUDED.updated_at`,
			a.ClientID, a.Persona, a.Voice, a.Greeting, tools,
		)
		if err != nil {
			return fmt.Errorf("seed agent %q: %w", a.ClientID, err)
		}
	}
	for _, d := range seed.Knowledge {
		id := seedDocumentID(d)
		_, err := tx.Exec(ctx,
			`INSERT INTO knowledge_documents (id, client_id, title, content)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET content=EXCLUDED.content`,
			id, d.ClientID, d.Title, d.Content,
		)
		if err != nil {
			return fmt.Errorf("seed knowledge %q: %w", d.Title, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
