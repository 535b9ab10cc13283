package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// storeUnderTest runs the shared contract against both implementations.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemory()
	case "sqlite":
		s, err := OpenSQLite(":memory:")
		require.NoError(t, err)
		return s
	}
	t.Fatalf("unknown store %s", name)
	return nil
}

func sampleSnapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:      "default",
		SavedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Agents: []AgentSnapshot{
			{
				ID:    "admin-1",
				Role:  statemachine.RoleAdmin,
				Name:  "admin",
				Model: "llama3.1",
				State: statemachine.StateConversation,
				History: []models.Message{
					models.NewMessage(models.RoleUser, "hello"),
					models.NewMessage(models.RoleAssistant, "hi"),
				},
			},
			{
				ID:       "worker-1",
				Role:     statemachine.RoleWorker,
				Name:     "w",
				Model:    "llama3.1",
				ParentID: "pm-1",
				State:    statemachine.StateWait,
			},
		},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			s := storeUnderTest(t, name)
			defer s.Close()
			ctx := context.Background()

			_, err := s.LoadSession(ctx, "default")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			require.NoError(t, s.SaveSession(ctx, sampleSnapshot()))

			got, err := s.LoadSession(ctx, "default")
			require.NoError(t, err)
			assert.Equal(t, "default", got.ID)
			require.Len(t, got.Agents, 2)
			assert.Equal(t, statemachine.RoleAdmin, got.Agents[0].Role)
			assert.Equal(t, statemachine.StateConversation, got.Agents[0].State)
			require.Len(t, got.Agents[0].History, 2)
			assert.Equal(t, "hello", got.Agents[0].History[0].Content)
			assert.Equal(t, "pm-1", got.Agents[1].ParentID)
		})
	}
}

func TestSaveSessionOverwrites(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			s := storeUnderTest(t, name)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.SaveSession(ctx, sampleSnapshot()))

			second := sampleSnapshot()
			second.Agents = second.Agents[:1]
			require.NoError(t, s.SaveSession(ctx, second))

			got, err := s.LoadSession(ctx, "default")
			require.NoError(t, err)
			assert.Len(t, got.Agents, 1)
		})
	}
}

func TestNotesSearch(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			s := storeUnderTest(t, name)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.AddNote(ctx, "Invoice #42 was paid in June"))
			require.NoError(t, s.AddNote(ctx, "The invoice template needs a logo"))
			require.NoError(t, s.AddNote(ctx, "Unrelated grocery list"))

			got, err := s.SearchNotes(ctx, "invoice", 10)
			require.NoError(t, err)
			assert.Len(t, got, 2, "matching is case-insensitive")

			got, err = s.SearchNotes(ctx, "invoice", 1)
			require.NoError(t, err)
			assert.Len(t, got, 1)

			got, err = s.SearchNotes(ctx, "nothing here", 10)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestSaveEventAndMessage(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			s := storeUnderTest(t, name)
			defer s.Close()
			ctx := context.Background()

			err := s.SaveEvent(ctx, bus.AgentEvent{
				Type:          bus.EventResponseComplete,
				AgentID:       "a1",
				CorrelationID: "c1",
				Timestamp:     time.Now(),
				Data:          map[string]any{"text": "done"},
			})
			require.NoError(t, err)

			msg := models.NewMessage(models.RoleTool, "result")
			msg.ToolName = "search"
			require.NoError(t, s.SaveMessage(ctx, "a1", msg))
		})
	}
}

func TestMemoryStoreEventsAccessor(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.SaveEvent(context.Background(), bus.AgentEvent{Type: bus.EventError, AgentID: "a1"}))
	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventError, events[0].Type)
}
