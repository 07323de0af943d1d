package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/dedup"
	"github.com/castellan/mail-sentinel/internal/adapters/state"
	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
	"github.com/castellan/mail-sentinel/internal/whitelist"
)

type fakeAPI struct {
	mu         sync.Mutex
	fetched    int
	moved      int
	fetchErr   error
	moveErr    error
	lastFolder string
}

func (f *fakeAPI) FetchDelta(ctx context.Context, resourceID, cursor string) (*core.DeltaPage, error) {
	return &core.DeltaPage{}, nil
}

func (f *fakeAPI) CreateSubscription(ctx context.Context, resourcePath, notifyURL, clientState string, lifetime time.Duration) (string, time.Time, error) {
	return "", time.Time{}, core.ErrNotFound
}

func (f *fakeAPI) RenewSubscription(ctx context.Context, subscriptionID string, lifetime time.Duration) (time.Time, error) {
	return time.Time{}, core.ErrNotFound
}

func (f *fakeAPI) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}

func (f *fakeAPI) FetchMessage(ctx context.Context, resourceID, messageID string) (*core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &core.Message{
		ID:         messageID,
		ResourceID: resourceID,
		From:       "attacker@evil.example",
		Subject:    "urgent wire transfer",
		Body:       "click here",
	}, nil
}

func (f *fakeAPI) MoveMessage(ctx context.Context, resourceID, messageID, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved++
	f.lastFolder = folder
	return f.moveErr
}

type fakeScorer struct {
	mu     sync.Mutex
	calls  int
	result *core.ScoreResult
	err    error
}

func (f *fakeScorer) ScoreMessage(ctx context.Context, msg *core.Message) (*core.ScoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSink struct {
	name      string
	mu        sync.Mutex
	delivered int
	err       error
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Deliver(ctx context.Context, event *core.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered++
	return nil
}

func phishingResult() *core.ScoreResult {
	return &core.ScoreResult{
		Score:   0.95,
		Label:   core.LabelPhishing,
		Reasons: []string{"credential harvesting link"},
	}
}

func newTestDispatcher(t *testing.T, api *fakeAPI, scorer *fakeScorer, sinks []RegisteredSink, trusted []string) (*Dispatcher, *dedup.MemoryStore, *state.MemoryStore) {
	t.Helper()
	ded := dedup.NewMemoryStore(zap.NewNop())
	st := state.NewMemoryStore()
	exec := resilience.New(resilience.Config{
		MaxAttempts:   2,
		BaseDelay:     time.Nanosecond,
		MaxDelay:      time.Nanosecond,
		RatePerSecond: 100000,
		Burst:         100000,
	}, zap.NewNop())
	wl := whitelist.NewChecker(trusted, zap.NewNop())
	d := New(api, scorer, ded, st, wl, sinks, Policy{}, exec, "Quarantine", zap.NewNop())
	return d, ded, st
}

func event() core.IntakeEvent {
	return core.IntakeEvent{
		Source:     core.IntakePush,
		ResourceID: "inbox-1",
		MessageID:  "m1",
		ReceivedAt: time.Now(),
	}
}

func TestFanOutIsolatesSinkFailures(t *testing.T) {
	api := &fakeAPI{}
	scorer := &fakeScorer{result: phishingResult()}
	good1 := &fakeSink{name: "log"}
	bad := &fakeSink{name: "webhook", err: resilience.Terminal(errors.New("endpoint gone"))}
	good2 := &fakeSink{name: "smtp"}
	d, ded, st := newTestDispatcher(t, api, scorer, []RegisteredSink{
		{Sink: good1, Required: false},
		{Sink: bad, Required: false},
		{Sink: good2, Required: false},
	}, nil)

	alerted, err := d.Process(context.Background(), event(), nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !alerted {
		t.Fatal("expected an alert")
	}
	if good1.delivered != 1 || good2.delivered != 1 {
		t.Fatalf("healthy sinks must still deliver: log=%d smtp=%d", good1.delivered, good2.delivered)
	}

	events := st.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 alert event, got %d", len(events))
	}
	alert := events[0]
	// No failed sink was required, so the alert counts as delivered.
	if alert.Status != core.DispatchDelivered {
		t.Fatalf("expected delivered status, got %s", alert.Status)
	}
	if len(alert.Sinks) != 3 {
		t.Fatalf("expected 3 sink deliveries, got %d", len(alert.Sinks))
	}
	for _, delivery := range alert.Sinks {
		want := core.SinkDelivered
		if delivery.Sink == "webhook" {
			want = core.SinkAbandoned
		}
		if delivery.Status != want {
			t.Fatalf("sink %s: expected %s, got %s", delivery.Sink, want, delivery.Status)
		}
	}
	if got := ded.Outcome("inbox-1", "m1"); got != core.OutcomeDispatched {
		t.Fatalf("expected dispatched outcome, got %q", got)
	}
}

func TestRequiredSinkFailureAbandonsDispatch(t *testing.T) {
	api := &fakeAPI{}
	scorer := &fakeScorer{result: phishingResult()}
	bad := &fakeSink{name: "webhook", err: resilience.Terminal(errors.New("endpoint gone"))}
	d, ded, st := newTestDispatcher(t, api, scorer, []RegisteredSink{
		{Sink: bad, Required: true},
	}, nil)

	alerted, err := d.Process(context.Background(), event(), nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !alerted {
		t.Fatal("an abandoned dispatch is still an alert")
	}
	events := st.Events()
	if len(events) != 1 || events[0].Status != core.DispatchAbandoned {
		t.Fatalf("expected abandoned alert, got %+v", events)
	}
	if got := ded.Outcome("inbox-1", "m1"); got != core.OutcomeDispatchAbandoned {
		t.Fatalf("expected dispatch_abandoned outcome, got %q", got)
	}
}

func TestQuarantineSkippedWithoutPermission(t *testing.T) {
	api := &fakeAPI{
		moveErr: resilience.Terminal(core.ErrInsufficientPermission),
	}
	scorer := &fakeScorer{result: phishingResult()}
	sink := &fakeSink{name: "log"}
	d, _, st := newTestDispatcher(t, api, scorer, []RegisteredSink{{Sink: sink}}, nil)

	alerted, err := d.Process(context.Background(), event(), nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !alerted {
		t.Fatal("expected an alert despite the skipped quarantine")
	}
	events := st.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Remediation != core.RemediationSkippedPermission {
		t.Fatalf("expected skipped remediation, got %s", events[0].Remediation)
	}
	if sink.delivered != 1 {
		t.Fatal("the alert must still be delivered")
	}
}

func TestQuarantineMovesToConfiguredFolder(t *testing.T) {
	api := &fakeAPI{}
	scorer := &fakeScorer{result: phishingResult()}
	d, _, st := newTestDispatcher(t, api, scorer, nil, nil)

	if _, err := d.Process(context.Background(), event(), nil); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if api.moved != 1 || api.lastFolder != "Quarantine" {
		t.Fatalf("expected move to Quarantine, moved=%d folder=%q", api.moved, api.lastFolder)
	}
	if st.Events()[0].Remediation != core.RemediationQuarantined {
		t.Fatalf("expected quarantined remediation, got %s", st.Events()[0].Remediation)
	}
}

func TestScoringExhaustionIsAbandoned(t *testing.T) {
	api := &fakeAPI{}
	scorer := &fakeScorer{err: resilience.Transient(errors.New("model overloaded"))}
	sink := &fakeSink{name: "log"}
	d, ded, st := newTestDispatcher(t, api, scorer, []RegisteredSink{{Sink: sink}}, nil)

	alerted, err := d.Process(context.Background(), event(), nil)
	if err == nil {
		t.Fatal("expected scoring failure to surface")
	}
	if alerted {
		t.Fatal("an abandoned scoring must not raise an alert")
	}
	if scorer.calls != 2 {
		t.Fatalf("expected retry budget of 2 attempts, got %d", scorer.calls)
	}
	if got := ded.Outcome("inbox-1", "m1"); got != core.OutcomeScoringAbandoned {
		t.Fatalf("expected scoring_abandoned outcome, got %q", got)
	}
	events := st.Events()
	if len(events) != 1 || events[0].Status != core.DispatchScoringAbandoned {
		t.Fatalf("expected a scoring-abandoned audit entry, got %+v", events)
	}
	if sink.delivered != 0 {
		t.Fatal("no sink delivery without a verdict")
	}
}

func TestBenignVerdictShortCircuits(t *testing.T) {
	api := &fakeAPI{}
	scorer := &fakeScorer{result: &core.ScoreResult{Score: 0.1, Label: core.LabelBenign}}
	sink := &fakeSink{name: "log"}
	d, ded, st := newTestDispatcher(t, api, scorer, []RegisteredSink{{Sink: sink}}, nil)

	alerted, err := d.Process(context.Background(), event(), nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if alerted {
		t.Fatal("benign messages do not alert")
	}
	if sink.delivered != 0 || len(st.Events()) != 0 {
		t.Fatal("benign messages produce no fan-out and no audit entry")
	}
	if got := ded.Outcome("inbox-1", "m1"); got != core.OutcomeDispatched {
		t.Fatalf("expected dispatched outcome, got %q", got)
	}
}

func TestWhitelistedSenderSkipsScoring(t *testing.T) {
	api := &fakeAPI{}
	scorer := &fakeScorer{result: phishingResult()}
	d, ded, _ := newTestDispatcher(t, api, scorer, nil, []string{"evil.example"})

	alerted, err := d.Process(context.Background(), event(), nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if alerted {
		t.Fatal("whitelisted senders do not alert")
	}
	if scorer.calls != 0 {
		t.Fatalf("expected scorer to be bypassed, got %d calls", scorer.calls)
	}
	if got := ded.Outcome("inbox-1", "m1"); got != core.OutcomeDispatched {
		t.Fatalf("expected dispatched outcome, got %q", got)
	}
}

func TestFetchFailureRecordsOutcome(t *testing.T) {
	api := &fakeAPI{fetchErr: resilience.Terminal(core.ErrNotFound)}
	scorer := &fakeScorer{result: phishingResult()}
	d, ded, _ := newTestDispatcher(t, api, scorer, nil, nil)

	_, err := d.Process(context.Background(), event(), nil)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not-found failure, got %v", err)
	}
	if got := ded.Outcome("inbox-1", "m1"); got != core.OutcomeFetchFailed {
		t.Fatalf("expected fetch_failed outcome, got %q", got)
	}
}

func TestPolicyDerivesLabelFromScore(t *testing.T) {
	p := Policy{}
	p.applyDefaults()
	cases := []struct {
		score float64
		want  core.Label
	}{
		{0.1, core.LabelBenign},
		{0.6, core.LabelSuspicious},
		{0.9, core.LabelPhishing},
	}
	for _, tc := range cases {
		got := p.Normalize(&core.ScoreResult{Score: tc.score, Label: "unknown"})
		if got != tc.want {
			t.Fatalf("score %.1f: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}
