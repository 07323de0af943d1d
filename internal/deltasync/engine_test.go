package deltasync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/state"
	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
)

// scriptedAPI returns canned delta pages keyed by cursor.
type scriptedAPI struct {
	pages   map[string]*core.DeltaPage
	pageErr map[string]error
	calls   []string
}

func (s *scriptedAPI) FetchDelta(ctx context.Context, resourceID, cursor string) (*core.DeltaPage, error) {
	s.calls = append(s.calls, cursor)
	if err, ok := s.pageErr[cursor]; ok {
		delete(s.pageErr, cursor)
		return nil, err
	}
	page, ok := s.pages[cursor]
	if !ok {
		return nil, resilience.Terminal(fmt.Errorf("no page scripted for cursor %q", cursor))
	}
	return page, nil
}

func (s *scriptedAPI) CreateSubscription(ctx context.Context, resourcePath, notifyURL, clientState string, lifetime time.Duration) (string, time.Time, error) {
	return "", time.Time{}, core.ErrNotFound
}

func (s *scriptedAPI) RenewSubscription(ctx context.Context, subscriptionID string, lifetime time.Duration) (time.Time, error) {
	return time.Time{}, core.ErrNotFound
}

func (s *scriptedAPI) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}

func (s *scriptedAPI) FetchMessage(ctx context.Context, resourceID, messageID string) (*core.Message, error) {
	return nil, core.ErrNotFound
}

func (s *scriptedAPI) MoveMessage(ctx context.Context, resourceID, messageID, folder string) error {
	return nil
}

func newTestEngine(api core.MailAPI) (*Engine, *state.MemoryStore) {
	store := state.NewMemoryStore()
	exec := resilience.New(resilience.Config{
		MaxAttempts:   1,
		RatePerSecond: 100000,
		Burst:         100000,
	}, zap.NewNop())
	return NewEngine(api, store, exec, zap.NewNop()), store
}

func msg(id string) core.Message {
	return core.Message{ID: id, ResourceID: "inbox-1"}
}

func TestSyncWalksAllPagesAndCommitsCursor(t *testing.T) {
	api := &scriptedAPI{pages: map[string]*core.DeltaPage{
		"":   {Messages: []core.Message{msg("m1"), msg("m2")}, NextCursor: "c1", More: true},
		"c1": {Messages: []core.Message{msg("m3")}, NextCursor: "c2", More: false},
	}}
	engine, store := newTestEngine(api)

	var emitted []string
	stats, err := engine.SyncResource(context.Background(), "inbox-1", func(m core.Message) error {
		emitted = append(emitted, m.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Pages != 2 || stats.Messages != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(emitted) != 3 || emitted[0] != "m1" || emitted[2] != "m3" {
		t.Fatalf("unexpected emit order: %v", emitted)
	}

	st, err := store.GetDelta(context.Background(), "inbox-1")
	if err != nil || st == nil {
		t.Fatalf("expected committed cursor, got st=%v err=%v", st, err)
	}
	if st.Cursor != "c2" {
		t.Fatalf("expected cursor c2, got %q", st.Cursor)
	}
}

func TestSecondRoundResumesFromStoredCursor(t *testing.T) {
	api := &scriptedAPI{pages: map[string]*core.DeltaPage{
		"":   {Messages: []core.Message{msg("m1")}, NextCursor: "c1", More: false},
		"c1": {Messages: nil, NextCursor: "c1", More: false},
	}}
	engine, _ := newTestEngine(api)
	ctx := context.Background()

	if _, err := engine.SyncResource(ctx, "inbox-1", func(core.Message) error { return nil }); err != nil {
		t.Fatalf("first round failed: %v", err)
	}
	stats, err := engine.SyncResource(ctx, "inbox-1", func(core.Message) error {
		t.Fatal("no messages expected on the quiet round")
		return nil
	})
	if err != nil {
		t.Fatalf("second round failed: %v", err)
	}
	if stats.Messages != 0 {
		t.Fatalf("expected quiet round, got %+v", stats)
	}
	if api.calls[len(api.calls)-1] != "c1" {
		t.Fatalf("expected second round to resume from c1, calls: %v", api.calls)
	}
}

func TestStaleCursorTriggersFullResync(t *testing.T) {
	api := &scriptedAPI{
		pages: map[string]*core.DeltaPage{
			"": {Messages: []core.Message{msg("m1"), msg("m2")}, NextCursor: "c-new", More: false},
		},
		pageErr: map[string]error{
			"c-stale": resilience.Terminal(fmt.Errorf("%w: expired", core.ErrInvalidCursor)),
		},
	}
	engine, store := newTestEngine(api)
	ctx := context.Background()

	if err := store.PutDelta(ctx, &core.DeltaState{ResourceID: "inbox-1", Cursor: "c-stale", LastSyncAt: time.Now()}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var emitted []string
	stats, err := engine.SyncResource(ctx, "inbox-1", func(m core.Message) error {
		emitted = append(emitted, m.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if stats.Resyncs != 1 {
		t.Fatalf("expected one resync, got %+v", stats)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected full resync to replay messages, got %v", emitted)
	}
	st, _ := store.GetDelta(ctx, "inbox-1")
	if st.Cursor != "c-new" {
		t.Fatalf("expected fresh cursor c-new, got %q", st.Cursor)
	}
}

func TestEmitFailureDoesNotAdvanceCursor(t *testing.T) {
	api := &scriptedAPI{pages: map[string]*core.DeltaPage{
		"": {Messages: []core.Message{msg("m1"), msg("m2")}, NextCursor: "c1", More: false},
	}}
	engine, store := newTestEngine(api)
	ctx := context.Background()

	boom := errors.New("queue full")
	_, err := engine.SyncResource(ctx, "inbox-1", func(m core.Message) error {
		if m.ID == "m2" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error, got %v", err)
	}
	st, _ := store.GetDelta(ctx, "inbox-1")
	if st != nil {
		t.Fatalf("cursor must not be committed on a failed page, got %+v", st)
	}
}

func TestCancellationAbortsBetweenPages(t *testing.T) {
	api := &scriptedAPI{pages: map[string]*core.DeltaPage{
		"":   {Messages: []core.Message{msg("m1")}, NextCursor: "c1", More: true},
		"c1": {Messages: []core.Message{msg("m2")}, NextCursor: "c2", More: false},
	}}
	engine, store := newTestEngine(api)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := engine.SyncResource(ctx, "inbox-1", func(m core.Message) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	// The first page completed, so its cursor is durable and the next
	// round resumes rather than replaying from scratch.
	st, _ := store.GetDelta(context.Background(), "inbox-1")
	if st == nil || st.Cursor != "c1" {
		t.Fatalf("expected cursor c1 from the completed page, got %+v", st)
	}
}
