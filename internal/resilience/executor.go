package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls the shared retry/backoff/admission policy.
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Timeout           time.Duration
	RatePerSecond     float64
	Burst             int
	ThrottleThreshold int
	ThrottleFactor    float64
	ThrottleCooldown  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.ThrottleThreshold <= 0 {
		c.ThrottleThreshold = 3
	}
	if c.ThrottleFactor <= 0 || c.ThrottleFactor >= 1 {
		c.ThrottleFactor = 0.25
	}
	if c.ThrottleCooldown <= 0 {
		c.ThrottleCooldown = 30 * time.Second
	}
}

// Executor wraps every upstream call with a per-attempt timeout,
// exponential backoff with jitter, and a process-wide admission gate.
// One Executor is shared by all callers so that sustained rate-limit
// signals throttle everybody instead of triggering retry storms.
type Executor struct {
	cfg       Config
	limiter   *rate.Limiter
	baseLimit rate.Limit
	logger    *zap.Logger
	metrics   *Metrics

	rateLimitStreak atomic.Int64
	throttledUntil  atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is replaced in tests to observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Executor with the given policy.
func New(cfg Config, logger *zap.Logger) *Executor {
	cfg.applyDefaults()
	limit := rate.Limit(cfg.RatePerSecond)
	return &Executor{
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		baseLimit: limit,
		logger:    logger,
		metrics:   newMetrics(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Metrics returns the attempt/latency counters for this executor.
func (e *Executor) Metrics() *Metrics {
	return e.metrics
}

// Do runs fn until it succeeds, fails terminally, or the attempt budget
// is exhausted. A server-specified retry-after delay overrides backoff.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		e.maybeRestoreRate()
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx := ctx
		cancel := func() {}
		if e.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		}
		start := time.Now()
		err := fn(attemptCtx)
		cancel()
		e.metrics.observe(op, time.Since(start), err == nil)

		if err == nil {
			e.rateLimitStreak.Store(0)
			return nil
		}
		lastErr = err

		if IsTerminal(err) {
			e.logger.Debug("Operation failed terminally",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := e.backoff(attempt)
		if after, ok := IsRateLimited(err); ok {
			if after > 0 {
				delay = after
			}
			if e.rateLimitStreak.Add(1) >= int64(e.cfg.ThrottleThreshold) {
				e.throttle()
			}
		} else {
			e.rateLimitStreak.Store(0)
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}
		e.logger.Debug("Retrying operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: exhausted %d attempts: %w", op, e.cfg.MaxAttempts, lastErr)
}

// backoff returns base*2^(attempt-1) capped at MaxDelay, plus jitter in
// [0, base). Doubling dominates the jitter term, so consecutive delays
// never decrease.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	if d >= e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	d += e.jitter(e.cfg.BaseDelay)
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

func (e *Executor) jitter(span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return time.Duration(e.rng.Int63n(int64(span)))
}

// throttle drops the shared admission rate for the cooldown window.
func (e *Executor) throttle() {
	until := time.Now().Add(e.cfg.ThrottleCooldown).UnixNano()
	e.throttledUntil.Store(until)
	throttled := rate.Limit(float64(e.baseLimit) * e.cfg.ThrottleFactor)
	e.limiter.SetLimit(throttled)
	e.logger.Warn("Admission gate throttled after sustained rate limiting",
		zap.Float64("rate_per_second", float64(throttled)),
		zap.Duration("cooldown", e.cfg.ThrottleCooldown))
}

func (e *Executor) maybeRestoreRate() {
	until := e.throttledUntil.Load()
	if until == 0 || time.Now().UnixNano() < until {
		return
	}
	if e.throttledUntil.CompareAndSwap(until, 0) {
		e.limiter.SetLimit(e.baseLimit)
		e.rateLimitStreak.Store(0)
		e.logger.Info("Admission gate restored",
			zap.Float64("rate_per_second", float64(e.baseLimit)))
	}
}
