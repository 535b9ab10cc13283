package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/models"
)

// MemoryStore is the volatile mode: everything lives in process memory.
// Used when no database path is configured and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	events   []bus.AgentEvent
	messages map[string][]models.Message
	sessions map[string]SessionSnapshot
	notes    []string
}

// NewMemory creates an empty volatile store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]models.Message),
		sessions: make(map[string]SessionSnapshot),
	}
}

func (s *MemoryStore) SaveEvent(_ context.Context, event bus.AgentEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, agentID string, msg models.Message) error {
	s.mu.Lock()
	s.messages[agentID] = append(s.messages[agentID], msg)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveSession(_ context.Context, snapshot SessionSnapshot) error {
	s.mu.Lock()
	s.sessions[snapshot.ID] = snapshot
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (*SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return &snapshot, nil
}

func (s *MemoryStore) SearchNotes(_ context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, note := range s.notes {
		if strings.Contains(strings.ToLower(note), strings.ToLower(query)) {
			out = append(out, note)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AddNote(_ context.Context, content string) error {
	s.mu.Lock()
	s.notes = append(s.notes, content)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything saved, for tests.
func (s *MemoryStore) Events() []bus.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.AgentEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) Close() error { return nil }
