package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestExecutor(cfg Config) (*Executor, *[]time.Duration) {
	// High admission rate so the limiter never delays tests.
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 1e6
	}
	if cfg.Burst == 0 {
		cfg.Burst = 1000
	}
	e := New(cfg, zap.NewNop())
	delays := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return e, delays
}

func TestBackoffMonotonicGrowthWithCeiling(t *testing.T) {
	e, delays := newTestExecutor(Config{
		MaxAttempts: 8,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	})

	calls := 0
	err := e.Do(context.Background(), "flaky", func(ctx context.Context) error {
		calls++
		return Transient(errors.New("boom"))
	})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if calls != 8 {
		t.Fatalf("expected 8 attempts, got %d", calls)
	}
	if len(*delays) != 7 {
		t.Fatalf("expected 7 sleeps between 8 attempts, got %d", len(*delays))
	}
	prev := time.Duration(0)
	for i, d := range *delays {
		if d < prev {
			t.Fatalf("delay %d decreased: %v after %v", i, d, prev)
		}
		if d > 100*time.Millisecond {
			t.Fatalf("delay %d exceeded ceiling: %v", i, d)
		}
		prev = d
	}
	if (*delays)[len(*delays)-1] != 100*time.Millisecond {
		t.Fatalf("expected final delay at ceiling, got %v", (*delays)[len(*delays)-1])
	}
}

func TestTerminalFailurePropagatesWithoutRetry(t *testing.T) {
	e, delays := newTestExecutor(Config{MaxAttempts: 5, BaseDelay: time.Millisecond})

	calls := 0
	cause := errors.New("bad request")
	err := e.Do(context.Background(), "broken", func(ctx context.Context) error {
		calls++
		return Terminal(cause)
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected terminal cause to propagate, got %v", err)
	}
	if len(*delays) != 0 {
		t.Fatalf("expected no retry sleeps, got %d", len(*delays))
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	e, delays := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Minute})

	calls := 0
	err := e.Do(context.Background(), "limited", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return RateLimited(errors.New("429"), 1234*time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != 1234*time.Millisecond {
		t.Fatalf("expected a single retry-after delay of 1234ms, got %v", *delays)
	}
}

func TestSustainedRateLimitingThrottlesAdmission(t *testing.T) {
	e, _ := newTestExecutor(Config{
		MaxAttempts:       5,
		BaseDelay:         time.Millisecond,
		RatePerSecond:     100,
		Burst:             100,
		ThrottleThreshold: 3,
		ThrottleFactor:    0.25,
		ThrottleCooldown:  time.Hour,
	})

	_ = e.Do(context.Background(), "limited", func(ctx context.Context) error {
		return RateLimited(errors.New("429"), 0)
	})
	if got := float64(e.limiter.Limit()); got != 25 {
		t.Fatalf("expected throttled rate 25/s, got %v", got)
	}
}

func TestUnclassifiedErrorsAreRetried(t *testing.T) {
	e, _ := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := e.Do(context.Background(), "plain", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestMetricsCountAttempts(t *testing.T) {
	e, _ := newTestExecutor(Config{MaxAttempts: 2, BaseDelay: time.Millisecond})

	calls := 0
	_ = e.Do(context.Background(), "counted", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Transient(errors.New("boom"))
		}
		return nil
	})

	snap := e.Metrics().Snapshot()
	op, ok := snap["counted"]
	if !ok {
		t.Fatalf("expected metrics for op")
	}
	if op.Attempts != 2 || op.Failures != 1 {
		t.Fatalf("expected 2 attempts / 1 failure, got %d/%d", op.Attempts, op.Failures)
	}
}
