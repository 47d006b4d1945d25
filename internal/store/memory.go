package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicerelay/internal/agents"
	"github.com/ent0n29/voicerelay/internal/knowledge"
	"github.com/ent0n29/voicerelay/internal/usage"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]agents.Config
	usage  []usage.Record
	docs   []knowledge.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]agents.Config)}
}

func (s *MemoryStore) Driver() string { return "memory" }

func (s *MemoryStore) PutAgent(cfg agents.Config) {
	cfg = cfg.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[cfg.ClientID] = cfg
}

func (s *MemoryStore) GetAgent(_ context.Context, clientID string) (agents.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.agents[strings.TrimSpace(clientID)]
	if !ok {
		return agents.Config{}, agents.ErrNotFound
	}
	cfg.Tools = append([]string(nil), cfg.Tools...)
	return cfg, nil
}

func (s *MemoryStore) AppendUsage(_ context.Context, record usage.Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, record)
	return nil
}

// UsageRecords returns a copy of everything appended so far.
func (s *MemoryStore) UsageRecords() []usage.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]usage.Record(nil), s.usage...)
}

func (s *MemoryStore) AddDocument(doc knowledge.Document) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.docs {
		if s.docs[i].ID == doc.ID {
			s.docs[i] = doc
			return
		}
	}
	s.docs = append(s.docs, doc)
}

func (s *MemoryStore) SearchKnowledge(_ context.Context, clientID, query string, limit int) ([]knowledge.Document, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	terms := knowledge.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type hit struct {
		doc   knowledge.Document
		score int
	}
	s.mu.RLock()
	var hits []hit
	for _, d := range s.docs {
		if d.ClientID != clientID {
			continue
		}
		if score := knowledge.Score(d, terms); score > 0 {
			hits = append(hits, hit{doc: d, score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]knowledge.Document, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.doc)
	}
	return out, nil
}

func (s *MemoryStore) Seed(_ context.Context, seed agents.Seed) error {
	for _, a := range seed.Agents {
		s.PutAgent(a)
	}
	for _, d := range seed.Knowledge {
		s.AddDocument(knowledge.Document{ID: seedDocumentID(d), ClientID: d.ClientID, Title: d.Title, Content: d.Content})
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
