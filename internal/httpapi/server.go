package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/orchestrator"
	"github.com/castellan/mail-sentinel/internal/resilience"
	"github.com/castellan/mail-sentinel/internal/subscription"
)

// notificationSchema validates pushed change notifications before any
// field is trusted.
const notificationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["subscription_id", "message_id", "client_state"],
	"properties": {
		"subscription_id": {"type": "string", "minLength": 1},
		"resource_id": {"type": "string"},
		"message_id": {"type": "string", "minLength": 1},
		"client_state": {"type": "string", "minLength": 1},
		"lifecycle_event": {"type": "string", "enum": ["subscription_removed", "reauthorization_required"]}
	},
	"additionalProperties": false
}`

type notificationRequest struct {
	SubscriptionID string `json:"subscription_id"`
	ResourceID     string `json:"resource_id"`
	MessageID      string `json:"message_id"`
	ClientState    string `json:"client_state"`
	LifecycleEvent string `json:"lifecycle_event"`
}

type subscribeRequest struct {
	ResourceID string `json:"resource_id" binding:"required"`
	Path       string `json:"path" binding:"required"`
	Scope      string `json:"scope"`
}

// Server exposes the webhook and the operational API.
type Server struct {
	engine       *gin.Engine
	orch         *orchestrator.Orchestrator
	subs         *subscription.Manager
	exec         *resilience.Executor
	notifySchema *jsonschema.Schema
	logger       *zap.Logger

	httpServer *http.Server
}

// NewServer creates a new HTTP API server
func NewServer(listenAddr string, orch *orchestrator.Orchestrator, subs *subscription.Manager, exec *resilience.Executor, logger *zap.Logger) (*Server, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		return nil, fmt.Errorf("failed to register notification schema: %w", err)
	}
	schema, err := compiler.Compile("notification.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile notification schema: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:       engine,
		orch:         orch,
		subs:         subs,
		exec:         exec,
		notifySchema: schema,
		logger:       logger,
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", s.handleMetrics)

	v1 := s.engine.Group("/v1")
	v1.POST("/notifications", s.handleNotification)
	v1.POST("/sweep", s.handleSweep)
	v1.POST("/subscriptions", s.handleSubscribe)
	v1.DELETE("/subscriptions/:resourceID", s.handleUnsubscribe)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is canceled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	push, sweep, spill := s.orch.QueueDepths()
	c.JSON(http.StatusOK, gin.H{
		"operations": s.exec.Metrics().Snapshot(),
		"queues": gin.H{
			"push":  push,
			"sweep": sweep,
			"spill": spill,
		},
		"alerts_raised": s.orch.AlertsRaised(),
	})
}

// handleNotification is the webhook endpoint. The payload is validated
// against the schema, authenticated against the stored clientState, and
// acknowledged as soon as the event is queued; processing is async.
func (s *Server) handleNotification(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if err := s.notifySchema.Validate(instance); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req notificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	n := core.Notification{
		SubscriptionID: req.SubscriptionID,
		ResourceID:     req.ResourceID,
		MessageID:      req.MessageID,
		ClientState:    req.ClientState,
	}

	if req.LifecycleEvent == "subscription_removed" {
		if _, err := s.subs.ValidateNotification(c.Request.Context(), n); err != nil {
			s.rejectNotification(c, err)
			return
		}
		if err := s.subs.HandleTermination(c.Request.Context(), n.SubscriptionID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	if err := s.orch.HandleNotification(c.Request.Context(), n); err != nil {
		s.rejectNotification(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) rejectNotification(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrClientStateMismatch), errors.Is(err, core.ErrSubscriptionNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, orchestrator.ErrIntakeOverloaded):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "overloaded"})
	default:
		s.logger.Warn("Notification handling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleSweep triggers a full sweep synchronously and returns its
// summary.
func (s *Server) handleSweep(c *gin.Context) {
	summary, err := s.orch.RunSweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope := core.ScopeKind(req.Scope)
	if scope == "" {
		scope = core.ScopeSingle
	}
	s.subs.RegisterResource(core.MonitoredResource{
		ID:    req.ResourceID,
		Path:  req.Path,
		Scope: scope,
	})
	if err := s.subs.EnsureSubscription(c.Request.Context(), req.ResourceID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed", "resource_id": req.ResourceID})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	resourceID := c.Param("resourceID")
	if err := s.subs.Teardown(c.Request.Context(), resourceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed", "resource_id": resourceID})
}
