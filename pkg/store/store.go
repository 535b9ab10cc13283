// Package store is the persistence capability: events and messages are
// written for observability, session snapshots support restore, and the
// notes table backs the local search tool. The core functions without a
// store in volatile mode.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// ErrSessionNotFound is returned by LoadSession for an unknown id.
var ErrSessionNotFound = errors.New("session not found")

// AgentSnapshot is one agent's persisted shape inside a session.
type AgentSnapshot struct {
	ID       string             `json:"id"`
	Role     statemachine.Role  `json:"role"`
	Name     string             `json:"name"`
	Model    string             `json:"model"`
	ParentID string             `json:"parent_id,omitempty"`
	State    statemachine.State `json:"state"`
	History  []models.Message   `json:"history"`
}

// SessionSnapshot is the restorable session state.
type SessionSnapshot struct {
	ID      string          `json:"id"`
	SavedAt time.Time       `json:"saved_at"`
	Agents  []AgentSnapshot `json:"agents"`
}

// Store is the narrow persistence interface the core consumes.
type Store interface {
	SaveEvent(ctx context.Context, event bus.AgentEvent) error
	SaveMessage(ctx context.Context, agentID string, msg models.Message) error
	SaveSession(ctx context.Context, snapshot SessionSnapshot) error
	LoadSession(ctx context.Context, id string) (*SessionSnapshot, error)

	// SearchNotes backs the local search tool.
	SearchNotes(ctx context.Context, query string, limit int) ([]string, error)
	// AddNote inserts one note, used by ingestion surfaces and tests.
	AddNote(ctx context.Context, content string) error

	Close() error
}
