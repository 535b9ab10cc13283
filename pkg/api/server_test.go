package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/manager"
)

func newTestServer(t *testing.T, responses ...llm.ScriptedResponse) (*Server, *manager.Manager) {
	t.Helper()
	provider := llm.NewScriptedProvider(responses...)
	mgr, err := manager.New(provider, nil, manager.Config{
		WorkerPoolSize: 1,
		DefaultModel:   "test-model",
		PMTickInterval: time.Hour,
	})
	require.NoError(t, err)
	mgr.Start()
	t.Cleanup(func() { mgr.Stop(context.Background()) })
	return NewServer(mgr, "127.0.0.1:0"), mgr
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

func TestPostMessageBlocksForResponse(t *testing.T) {
	s, _ := newTestServer(t, llm.ScriptedResponse{Text: "All three services are healthy."})

	w, body := doJSON(t, s, http.MethodPost, "/api/v1/messages", `{"text":"status?"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "All three services are healthy.", body["text"])
	assert.NotEmpty(t, body["correlation_id"])
}

func TestPostMessageAsync(t *testing.T) {
	s, _ := newTestServer(t, llm.ScriptedResponse{Text: "later"})

	w, body := doJSON(t, s, http.MethodPost, "/api/v1/messages", `{"text":"go on","wait":false}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, body["correlation_id"])
	assert.Nil(t, body["text"])
}

func TestPostMessageRequiresText(t *testing.T) {
	s, _ := newTestServer(t)

	w, body := doJSON(t, s, http.MethodPost, "/api/v1/messages", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestListAgents(t *testing.T) {
	s, _ := newTestServer(t)

	w, body := doJSON(t, s, http.MethodGet, "/api/v1/agents", "")

	require.Equal(t, http.StatusOK, w.Code)
	agents := body["agents"].([]any)
	require.Len(t, agents, 2, "admin and guardian")

	var roles []string
	for _, raw := range agents {
		view := raw.(map[string]any)
		roles = append(roles, view["role"].(string))
	}
	assert.ElementsMatch(t, []string{"admin", "guardian"}, roles)
}

func TestGetAgentWithHistory(t *testing.T) {
	s, mgr := newTestServer(t, llm.ScriptedResponse{Text: "noted"})

	future, err := mgr.HandleUserMessage("remember this")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = future.Wait(ctx)
	require.NoError(t, err)

	w, body := doJSON(t, s, http.MethodGet, "/api/v1/agents/"+mgr.Admin().ID, "")

	require.Equal(t, http.StatusOK, w.Code)
	view := body["agent"].(map[string]any)
	assert.Equal(t, "admin", view["role"])
	assert.Equal(t, "conversation", view["state"])
	history := body["history"].([]any)
	require.NotEmpty(t, history)
	first := history[0].(map[string]any)
	assert.Equal(t, "remember this", first["content"])
}

func TestGetAgentNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodGet, "/api/v1/agents/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetUnknownAgent(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodPost, "/api/v1/agents/ghost/reset", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEventsRejectsBadCount(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodGet, "/api/v1/events?n=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodGet, "/api/v1/events?n=-3", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEventsReturnsHistory(t *testing.T) {
	s, mgr := newTestServer(t, llm.ScriptedResponse{Text: "done"})

	future, err := mgr.HandleUserMessage("hello")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = future.Wait(ctx)
	require.NoError(t, err)

	w, body := doJSON(t, s, http.MethodGet, "/api/v1/events?n=50", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := body["events"].([]any)
	assert.NotEmpty(t, events)

	var sawComplete bool
	for _, raw := range events {
		ev := raw.(map[string]any)
		if ev["type"] == "response_complete" {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w, body := doJSON(t, s, http.MethodGet, "/api/v1/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["workers"])
	assert.EqualValues(t, 0, body["connections"])
}
