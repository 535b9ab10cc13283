// Package api is the transport adapter: a gin HTTP server for message
// ingress and inspection, plus a WebSocket fan-out of the event bus for
// external UIs. It consumes the manager's narrow surface and never
// reaches into agents directly.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cortexhub/cortex/pkg/collector"
	"github.com/cortexhub/cortex/pkg/manager"
)

// Server is the HTTP/WebSocket front of one hub.
type Server struct {
	manager *manager.Manager
	hub     *WSHub
	http    *http.Server
	logger  *slog.Logger
}

// NewServer wires the routes and the WebSocket hub.
func NewServer(mgr *manager.Manager, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		manager: mgr,
		hub:     NewWSHub(mgr.Events()),
		logger:  slog.With("component", "api"),
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/messages", s.postMessage)
		v1.GET("/events", s.listEvents)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.GET("/agents/:id/tasks", s.getTasks)
		v1.POST("/agents/:id/reset", s.resetAgent)
		v1.GET("/health", s.health)
	}
	router.GET("/ws", s.hub.Handle)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.hub.Start()
	s.logger.Info("API server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the listener and the WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}

// requestLogger is a minimal slog access log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

type postMessageRequest struct {
	Text string `json:"text" binding:"required"`
	// Wait controls whether the call blocks for the terminal response.
	// Default true; false returns the correlation id immediately.
	Wait *bool `json:"wait"`
}

// postMessage handles POST /api/v1/messages: the HandleUserMessage ingress.
func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	future, err := s.manager.HandleUserMessage(req.Text)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	if req.Wait != nil && !*req.Wait {
		c.JSON(http.StatusAccepted, gin.H{"correlation_id": future.CorrelationID()})
		return
	}

	text, err := future.Wait(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"correlation_id": future.CorrelationID(),
			"text":           text,
		})
	case errors.Is(err, collector.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"correlation_id": future.CorrelationID(),
			"error":          "response timed out; follow events on /ws",
		})
	case errors.Is(err, collector.ErrCanceled):
		c.JSON(http.StatusConflict, gin.H{
			"correlation_id": future.CorrelationID(),
			"error":          "response canceled",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"correlation_id": future.CorrelationID(),
			"error":          err.Error(),
		})
	}
}

// listEvents handles GET /api/v1/events?n=: ring-buffer history replay
// for late-joining UIs.
func (s *Server) listEvents(c *gin.Context) {
	n := 100
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = parsed
	}
	c.JSON(http.StatusOK, gin.H{"events": s.manager.Events().History(n)})
}

type agentView struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Status   string `json:"status"`
	ParentID string `json:"parent_id,omitempty"`
	Cycles   int    `json:"cycles"`
	Errors   int    `json:"errors"`
}

func (s *Server) listAgents(c *gin.Context) {
	agents := s.manager.Agents()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		metrics := a.Metrics()
		out = append(out, agentView{
			ID:       a.ID,
			Role:     string(a.Role),
			Name:     a.Name,
			State:    string(a.CurrentState()),
			Status:   string(a.Status()),
			ParentID: a.ParentID,
			Cycles:   metrics.Cycles,
			Errors:   metrics.Errors,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.manager.Agent(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	metrics := a.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"agent": agentView{
			ID:       a.ID,
			Role:     string(a.Role),
			Name:     a.Name,
			State:    string(a.CurrentState()),
			Status:   string(a.Status()),
			ParentID: a.ParentID,
			Cycles:   metrics.Cycles,
			Errors:   metrics.Errors,
		},
		"history": a.History(),
	})
}

func (s *Server) getTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.manager.Tasks(c.Param("id"))})
}

// resetAgent handles POST /api/v1/agents/:id/reset: the user decision
// that releases an Error or AwaitingReview agent.
func (s *Server) resetAgent(c *gin.Context) {
	if err := s.manager.ResetAgent(c.Param("id")); err != nil {
		if errors.Is(err, manager.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) health(c *gin.Context) {
	snapshot := s.manager.HealthSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"queue_depth": snapshot.QueueDepth,
		"queue_cap":   snapshot.QueueCap,
		"workers":     snapshot.Workers,
		"agents":      snapshot.Agents,
		"connections": s.hub.ActiveConnections(),
	})
}
