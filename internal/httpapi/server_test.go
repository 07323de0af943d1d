package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/dedup"
	"github.com/castellan/mail-sentinel/internal/adapters/state"
	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/deltasync"
	"github.com/castellan/mail-sentinel/internal/orchestrator"
	"github.com/castellan/mail-sentinel/internal/resilience"
	"github.com/castellan/mail-sentinel/internal/subscription"
)

type stubAPI struct{}

func (stubAPI) FetchDelta(ctx context.Context, resourceID, cursor string) (*core.DeltaPage, error) {
	return &core.DeltaPage{NextCursor: "c1"}, nil
}

func (stubAPI) CreateSubscription(ctx context.Context, resourcePath, notifyURL, clientState string, lifetime time.Duration) (string, time.Time, error) {
	return "sub-new", time.Now().Add(time.Hour), nil
}

func (stubAPI) RenewSubscription(ctx context.Context, subscriptionID string, lifetime time.Duration) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}

func (stubAPI) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}

func (stubAPI) FetchMessage(ctx context.Context, resourceID, messageID string) (*core.Message, error) {
	return &core.Message{ID: messageID, ResourceID: resourceID, Body: "body"}, nil
}

func (stubAPI) MoveMessage(ctx context.Context, resourceID, messageID, folder string) error {
	return nil
}

type noopProcessor struct{}

func (noopProcessor) Process(ctx context.Context, event core.IntakeEvent, msg *core.Message) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T) (*Server, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	exec := resilience.New(resilience.Config{
		MaxAttempts:   1,
		RatePerSecond: 100000,
		Burst:         100000,
	}, zap.NewNop())
	resources := []core.MonitoredResource{
		{ID: "inbox-1", Path: "/users/alice/inbox", Scope: core.ScopeSingle},
	}
	api := stubAPI{}
	subs := subscription.NewManager(api, store, exec, subscription.Config{}, resources, zap.NewNop())
	engine := deltasync.NewEngine(api, store, exec, zap.NewNop())
	spill, err := orchestrator.NewSpillQueue(filepath.Join(t.TempDir(), "spill.json"), 16)
	if err != nil {
		t.Fatalf("spill queue: %v", err)
	}
	orch := orchestrator.New(orchestrator.Config{QueueSize: 16}, subs, engine,
		dedup.NewMemoryStore(zap.NewNop()), noopProcessor{}, resources, spill, zap.NewNop())

	srv, err := NewServer("127.0.0.1:0", orch, subs, exec, zap.NewNop())
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	err = store.Put(context.Background(), &core.SubscriptionRecord{
		ResourceID:     "inbox-1",
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		Status:         core.SubscriptionActive,
		ExpiresAt:      time.Now().Add(time.Hour),
		UpdatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return srv, store
}

func postJSON(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postJSON(t, srv, "/v1/notifications",
		`{"subscription_id":"sub-1","message_id":"m1","client_state":"secret"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNotificationSchemaRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []string{
		`{"subscription_id":"sub-1","client_state":"secret"}`,
		`{"subscription_id":"","message_id":"m1","client_state":"secret"}`,
		`{"subscription_id":"sub-1","message_id":"m1","client_state":"secret","extra":true}`,
		`not json`,
	}
	for i, body := range cases {
		rec := postJSON(t, srv, "/v1/notifications", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, rec.Code)
		}
	}
}

func TestNotificationAuthRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv, "/v1/notifications",
		`{"subscription_id":"sub-1","message_id":"m1","client_state":"forged"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged client state: expected 401, got %d", rec.Code)
	}

	rec = postJSON(t, srv, "/v1/notifications",
		`{"subscription_id":"unknown","message_id":"m1","client_state":"secret"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown subscription: expected 401, got %d", rec.Code)
	}
}

func TestLifecycleTermination(t *testing.T) {
	srv, store := newTestServer(t)
	rec := postJSON(t, srv, "/v1/notifications",
		`{"subscription_id":"sub-1","message_id":"-","client_state":"secret","lifecycle_event":"subscription_removed"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	recSub, _ := store.Get(context.Background(), "inbox-1")
	if recSub.Status != core.SubscriptionUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", recSub.Status)
	}
}

func TestSweepEndpointReturnsSummary(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postJSON(t, srv, "/v1/sweep", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary core.SweepSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid summary JSON: %v", err)
	}
	if summary.ResourcesScanned != 1 {
		t.Fatalf("expected 1 scanned resource, got %+v", summary)
	}
}

func TestSubscribeEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	rec := postJSON(t, srv, "/v1/subscriptions",
		`{"resource_id":"inbox-2","path":"/users/bob/inbox"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	recSub, _ := store.Get(context.Background(), "inbox-2")
	if recSub == nil || recSub.Status != core.SubscriptionActive {
		t.Fatalf("expected active subscription for inbox-2, got %+v", recSub)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
