package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already active")
)

// Manager is the registry of live relay sessions. It only holds metadata;
// sockets are owned by the relay.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Snapshot
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Snapshot)}
}

func (m *Manager) Create(id, clientID string) (Snapshot, error) {
	now := time.Now().UTC()
	s := &Snapshot{
		ID:             id,
		ClientID:       clientID,
		State:          StateConnecting,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return Snapshot{}, ErrExists
	}
	m.sessions[id] = s
	return *s, nil
}

func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return *s, nil
}

func (m *Manager) SetState(id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.State = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Touch counts one relayed frame.
func (m *Manager) Touch(id string, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	switch dir {
	case Downstream:
		s.FramesIn++
	case Upstream:
		s.FramesOut++
	}
	s.LastActivityAt = time.Now().UTC()
}

func (m *Manager) CountToolCall(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.ToolCalls++
	}
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// List returns live sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State != StateClosing && s.State != StateClosed {
			count++
		}
	}
	return count
}
