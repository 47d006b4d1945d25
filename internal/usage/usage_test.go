package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	panic   bool
}

func (s *captureSink) AppendUsage(_ context.Context, record Record) error {
	if s.panic {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func TestRecorderComputesDuration(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, RecorderConfig{Provider: "gemini", ServiceType: "voice_relay"})

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.Record("agent-7", "s1", start, start.Add(42*time.Second))

	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want 1", len(sink.records))
	}
	got := sink.records[0]
	if got.Quantity != 42 || got.Unit != UnitSeconds {
		t.Fatalf("record = %+v, want 42 seconds", got)
	}
	if got.ClientID != "agent-7" || got.Provider != "gemini" || got.ServiceType != "voice_relay" {
		t.Fatalf("record labels = %+v", got)
	}
}

func TestRecorderSwallowsSinkFailures(t *testing.T) {
	errorsSeen := 0
	for _, sink := range []*captureSink{{err: errors.New("db down")}, {panic: true}} {
		r := NewRecorder(sink, RecorderConfig{OnError: func() { errorsSeen++ }})
		r.Record("agent-7", "s1", time.Now(), time.Now())
	}
	if errorsSeen != 2 {
		t.Fatalf("OnError calls = %d, want 2", errorsSeen)
	}
}

func TestRecorderClampsNegativeDuration(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, RecorderConfig{})
	now := time.Now()
	r.Record("a", "s", now, now.Add(-time.Second))
	if sink.records[0].Quantity != 0 {
		t.Fatalf("Quantity = %v, want 0", sink.records[0].Quantity)
	}
}
