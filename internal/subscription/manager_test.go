package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/state"
	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
)

type fakeMailAPI struct {
	mu           sync.Mutex
	creates      int
	renews       int
	deletes      int
	createErr    error
	renewErr     error
	nextID       string
	nextExpiry   time.Time
	lastClientSt string
}

func (f *fakeMailAPI) FetchDelta(ctx context.Context, resourceID, cursor string) (*core.DeltaPage, error) {
	return &core.DeltaPage{}, nil
}

func (f *fakeMailAPI) CreateSubscription(ctx context.Context, resourcePath, notifyURL, clientState string, lifetime time.Duration) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastClientSt = clientState
	if f.createErr != nil {
		return "", time.Time{}, f.createErr
	}
	return f.nextID, f.nextExpiry, nil
}

func (f *fakeMailAPI) RenewSubscription(ctx context.Context, subscriptionID string, lifetime time.Duration) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	if f.renewErr != nil {
		return time.Time{}, f.renewErr
	}
	return f.nextExpiry, nil
}

func (f *fakeMailAPI) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeMailAPI) FetchMessage(ctx context.Context, resourceID, messageID string) (*core.Message, error) {
	return nil, core.ErrNotFound
}

func (f *fakeMailAPI) MoveMessage(ctx context.Context, resourceID, messageID, folder string) error {
	return nil
}

func newTestManager(t *testing.T, api *fakeMailAPI, cfg Config) (*Manager, *state.MemoryStore) {
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
	return NewManager(api, store, exec, cfg, resources, zap.NewNop()), store
}

func TestEnsureSubscriptionIsIdempotent(t *testing.T) {
	api := &fakeMailAPI{nextID: "sub-1", nextExpiry: time.Now().Add(72 * time.Hour)}
	m, store := newTestManager(t, api, Config{})
	ctx := context.Background()

	if err := m.EnsureSubscription(ctx, "inbox-1"); err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if err := m.EnsureSubscription(ctx, "inbox-1"); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if api.creates != 1 {
		t.Fatalf("expected 1 create call, got %d", api.creates)
	}

	rec, err := store.Get(ctx, "inbox-1")
	if err != nil || rec == nil {
		t.Fatalf("expected stored record, got rec=%v err=%v", rec, err)
	}
	if rec.Status != core.SubscriptionActive {
		t.Fatalf("expected active status, got %s", rec.Status)
	}
	if rec.SubscriptionID != "sub-1" {
		t.Fatalf("expected subscription id sub-1, got %s", rec.SubscriptionID)
	}
	if rec.ClientState != api.lastClientSt {
		t.Fatalf("stored client state does not match the one sent upstream")
	}
}

func TestEnsureSubscriptionUnknownResource(t *testing.T) {
	api := &fakeMailAPI{}
	m, _ := newTestManager(t, api, Config{})
	if err := m.EnsureSubscription(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown resource")
	}
}

func TestCreateFailureMarksFailedAndSignalsFallback(t *testing.T) {
	api := &fakeMailAPI{createErr: resilience.Terminal(errors.New("forbidden"))}
	m, store := newTestManager(t, api, Config{})

	var lost []string
	m.SetDegradationHooks(func(id string) { lost = append(lost, id) }, nil)

	ctx := context.Background()
	if err := m.EnsureSubscription(ctx, "inbox-1"); err == nil {
		t.Fatal("expected create failure")
	}
	rec, _ := store.Get(ctx, "inbox-1")
	if rec == nil || rec.Status != core.SubscriptionFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
	if len(lost) != 1 || lost[0] != "inbox-1" {
		t.Fatalf("expected degradation hook for inbox-1, got %v", lost)
	}
}

func TestRenewalInsideWindow(t *testing.T) {
	api := &fakeMailAPI{nextID: "sub-1", nextExpiry: time.Now().Add(72 * time.Hour)}
	m, store := newTestManager(t, api, Config{Lifetime: time.Hour, RenewalFraction: 0.25})
	ctx := context.Background()

	now := time.Now()
	rec := &core.SubscriptionRecord{
		ResourceID:     "inbox-1",
		SubscriptionID: "sub-1",
		ClientState:    "cs",
		Status:         core.SubscriptionActive,
		ExpiresAt:      now.Add(10 * time.Minute), // inside the 15m window
		UpdatedAt:      now,
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := m.scanOnce(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if api.renews != 1 {
		t.Fatalf("expected 1 renew call, got %d", api.renews)
	}
	got, _ := store.Get(ctx, "inbox-1")
	if got.Status != core.SubscriptionActive {
		t.Fatalf("expected active after renewal, got %s", got.Status)
	}
	if !got.ExpiresAt.Equal(api.nextExpiry) {
		t.Fatalf("expected refreshed expiry %v, got %v", api.nextExpiry, got.ExpiresAt)
	}
}

func TestRenewalSkippedOutsideWindow(t *testing.T) {
	api := &fakeMailAPI{nextExpiry: time.Now().Add(72 * time.Hour)}
	m, store := newTestManager(t, api, Config{Lifetime: time.Hour, RenewalFraction: 0.25})
	ctx := context.Background()

	rec := &core.SubscriptionRecord{
		ResourceID:     "inbox-1",
		SubscriptionID: "sub-1",
		ClientState:    "cs",
		Status:         core.SubscriptionActive,
		ExpiresAt:      time.Now().Add(50 * time.Minute),
		UpdatedAt:      time.Now(),
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := m.scanOnce(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if api.renews != 0 {
		t.Fatalf("expected no renew calls, got %d", api.renews)
	}
}

func TestRenewFailureFallsBackToResubscribe(t *testing.T) {
	api := &fakeMailAPI{
		renewErr:   resilience.Terminal(errors.New("subscription gone")),
		nextID:     "sub-2",
		nextExpiry: time.Now().Add(72 * time.Hour),
	}
	m, store := newTestManager(t, api, Config{Lifetime: time.Hour, RenewalFraction: 0.25})

	var lost, restored []string
	m.SetDegradationHooks(
		func(id string) { lost = append(lost, id) },
		func(id string) { restored = append(restored, id) },
	)

	ctx := context.Background()
	rec := &core.SubscriptionRecord{
		ResourceID:     "inbox-1",
		SubscriptionID: "sub-1",
		ClientState:    "cs",
		Status:         core.SubscriptionActive,
		ExpiresAt:      time.Now().Add(5 * time.Minute),
		UpdatedAt:      time.Now(),
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := m.scanOnce(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if api.renews != 1 {
		t.Fatalf("expected 1 renew attempt, got %d", api.renews)
	}
	if api.creates != 1 {
		t.Fatalf("expected fallback resubscribe, got %d creates", api.creates)
	}
	got, _ := store.Get(ctx, "inbox-1")
	if got.Status != core.SubscriptionActive {
		t.Fatalf("expected active after resubscribe, got %s", got.Status)
	}
	if got.SubscriptionID != "sub-2" {
		t.Fatalf("expected fresh subscription id, got %s", got.SubscriptionID)
	}
	if len(restored) != 1 {
		t.Fatalf("expected restoration hook after resubscribe, got %v", restored)
	}
	_ = lost
}

func TestValidateNotification(t *testing.T) {
	api := &fakeMailAPI{}
	m, store := newTestManager(t, api, Config{})
	ctx := context.Background()

	rec := &core.SubscriptionRecord{
		ResourceID:     "inbox-1",
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		Status:         core.SubscriptionActive,
		ExpiresAt:      time.Now().Add(time.Hour),
		UpdatedAt:      time.Now(),
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	resourceID, err := m.ValidateNotification(ctx, core.Notification{
		SubscriptionID: "sub-1", ClientState: "secret",
	})
	if err != nil {
		t.Fatalf("expected valid notification, got %v", err)
	}
	if resourceID != "inbox-1" {
		t.Fatalf("expected inbox-1, got %s", resourceID)
	}

	_, err = m.ValidateNotification(ctx, core.Notification{
		SubscriptionID: "sub-1", ClientState: "forged",
	})
	if !errors.Is(err, core.ErrClientStateMismatch) {
		t.Fatalf("expected client state mismatch, got %v", err)
	}

	_, err = m.ValidateNotification(ctx, core.Notification{
		SubscriptionID: "unknown", ClientState: "secret",
	})
	if !errors.Is(err, core.ErrSubscriptionNotFound) {
		t.Fatalf("expected subscription not found, got %v", err)
	}
}

func TestHandleTermination(t *testing.T) {
	api := &fakeMailAPI{}
	m, store := newTestManager(t, api, Config{})
	ctx := context.Background()

	rec := &core.SubscriptionRecord{
		ResourceID:     "inbox-1",
		SubscriptionID: "sub-1",
		ClientState:    "secret",
		Status:         core.SubscriptionActive,
		ExpiresAt:      time.Now().Add(time.Hour),
		UpdatedAt:      time.Now(),
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var lost []string
	m.SetDegradationHooks(func(id string) { lost = append(lost, id) }, nil)

	if err := m.HandleTermination(ctx, "sub-1"); err != nil {
		t.Fatalf("termination failed: %v", err)
	}
	got, _ := store.Get(ctx, "inbox-1")
	if got.Status != core.SubscriptionUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", got.Status)
	}
	if len(lost) != 1 || lost[0] != "inbox-1" {
		t.Fatalf("expected fallback signal for inbox-1, got %v", lost)
	}
}
