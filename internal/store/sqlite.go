package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/knowledge"
	"github.com/ent0n29/voicerelay/internal/usage"
)

// SQLiteStore is a single-file store for small deployments.
type SQLiteStore struct {
	db *gorm.DB
}

type agentRow struct {
	ClientID  string `gorm:"primaryKey"`
	Persona   string
	Voice     string
	Greeting  string
	ToolsJSON string
	UpdatedAt time.Time
}

func (agentRow) TableName() string { return "agent_configs" }

type usageRow struct {
	ID          string `gorm:"primaryKey"`
	ClientID    string `gorm:"index:idx_usage_client_created"`
	SessionID   string
	Provider    string
	ServiceType string
	Quantity    float64
	Unit        string
	CreatedAt   time.Time `gorm:"index:idx_usage_client_created"`
}

func (usageRow) TableName() string { return "usage_records" }

type documentRow struct {
	ID        string `gorm:"primaryKey"`
	ClientID  string `gorm:"index"`
	Title     string
	Content   string
	CreatedAt time.Time
}

func (documentRow) TableName() string { return "knowledge_documents" }

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "voicerelay.db"
	}
	if err := ensureSQLiteDirectory(path); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqliteDriver.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&agentRow{}, &usageRow{}, &documentRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func ensureSQLiteDirectory(path string) error {
	if path == ":memory:" || strings.HasPrefix(strings.ToLower(path), "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Driver() string { return "sqlite" }

func (s *SQLiteStore) GetAgent(ctx context.Context, clientID string) (agents.Config, error) {
	var row agentRow
	err := s.db.WithContext(ctx).Where("client_id = ?", strings.TrimSpace(clientID)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return agents.Config{}, agents.ErrNotFound
		}
		return agents.Config{}, fmt.Errorf("get agent config: %w", err)
	}
	cfg := agents.Config{
		ClientID: row.ClientID,
		Persona:  row.Persona,
		Voice:    row.Voice,
		Greeting: row.Greeting,
	}
	if row.ToolsJSON != "" {
		if err := json.Unmarshal([]byte(row.ToolsJSON), &cfg.Tools); err != nil {
			return agents.Config{}, fmt.Errorf("decode agent tools: %w", err)
		}
	}
	return cfg, nil
}

func (s *SQLiteStore) AppendUsage(ctx context.Context, record usage.Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	row := usageRow{
		ID:          record.ID,
		ClientID:    record.ClientID,
		SessionID:   record.SessionID,
		Provider:    record.Provider,
		ServiceType: record.ServiceType,
		Quantity:    record.Quantity,
		Unit:        record.Unit,
		CreatedAt:   record.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

// UsageRecords lists records for one client, oldest first.
func (s *SQLiteStore) UsageRecords(ctx context.Context, clientID string) ([]usage.Record, error) {
	var rows []usageRow
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	out := make([]usage.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, usage.Record{
			ID:          r.ID,
			ClientID:    r.ClientID,
			SessionID:   r.SessionID,
			Provider:    r.Provider,
			ServiceType: r.ServiceType,
			Quantity:    r.Quantity,
			Unit:        r.Unit,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) SearchKnowledge(ctx context.Context, clientID, query string, limit int) ([]knowledge.Document, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	terms := knowledge.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	q := s.db.WithContext(ctx).Where("client_id = ?", clientID)
	var ors []string
	var args []any
	for _, t := range terms {
		ors = append(ors, "LOWER(title || ' ' || content) LIKE ?")
		args = append(args, "%"+t+"%")
	}
	var rows []documentRow
	if err := q.Where(strings.Join(ors, " OR "), args...).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}

	docs := make([]knowledge.Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, knowledge.Document{ID: r.ID, ClientID: r.ClientID, Title: r.Title, Content: r.Content, CreatedAt: r.CreatedAt})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return knowledge.Score(docs[i], terms) > knowledge.Score(docs[j], terms)
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *SQLiteStore) Seed(ctx context.Context, seed agents.Seed) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, a := range seed.Agents {
			toolsJSON, err := json.Marshal(a.Tools)
			if err != nil {
				return fmt.Errorf("encode agent tools: %w", err)
			}
			row := agentRow{
				ClientID:  a.ClientID,
				Persona:   a.Persona,
				Voice:     a.Voice,
				Greeting:  a.Greeting,
				ToolsJSON: string(toolsJSON),
				UpdatedAt: now,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("seed agent %q: %w", a.ClientID, err)
			}
		}
		for _, d := range seed.Knowledge {
			row := documentRow{
				ID:        seedDocumentID(d),
				ClientID:  d.ClientID,
				Title:     d.Title,
				Content:   d.Content,
				CreatedAt: now,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("seed knowledge %q: %w", d.Title, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
