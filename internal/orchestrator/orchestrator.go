package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/deltasync"
	"github.com/castellan/mail-sentinel/internal/subscription"
)

// ErrIntakeOverloaded signals that both the in-memory queue and the
// durable spill are full. The webhook surfaces it as backpressure so
// the upstream retries later.
var ErrIntakeOverloaded = errors.New("intake queue and spill are full")

// Processor scores and dispatches one admitted message. msg is non-nil
// when the sweep channel already fetched page content; push tasks carry
// only the identity and the processor fetches the body itself. The
// returned flag reports whether an alert was raised.
type Processor interface {
	Process(ctx context.Context, event core.IntakeEvent, msg *core.Message) (bool, error)
}

// Config controls the intake pipeline.
type Config struct {
	Workers            int
	QueueSize          int
	QueueHighWatermark int

	SweepInterval       time.Duration
	FallbackInterval    time.Duration
	EscalationThreshold time.Duration
	ResourceParallelism int

	DedupTTL      time.Duration
	PurgeInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.QueueHighWatermark <= 0 || c.QueueHighWatermark > c.QueueSize {
		c.QueueHighWatermark = c.QueueSize * 3 / 4
	}
	// Tiny queues would otherwise compute a zero watermark, which defers
	// every sweep and never drains the spill.
	if c.QueueHighWatermark < 1 {
		c.QueueHighWatermark = 1
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = time.Minute
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = 30 * time.Minute
	}
	if c.ResourceParallelism <= 0 {
		c.ResourceParallelism = 4
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 168 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
}

type task struct {
	event   core.IntakeEvent
	msg     *core.Message
	tracker *sweepTracker
}

// sweepTracker lets RunSweep wait for its admitted tasks to finish so
// the summary can report alerts raised.
type sweepTracker struct {
	wg     sync.WaitGroup
	alerts atomic.Int64
}

type degradedResource struct {
	since     time.Time
	escalated bool
}

// Orchestrator merges the two intake channels (scheduled sweeps and
// pushed notifications) into one worker pool, with the dedup store as
// the single admission gate. Push tasks are drained before sweep tasks
// so notification latency stays low during large backfills.
type Orchestrator struct {
	cfg       Config
	subs      *subscription.Manager
	engine    *deltasync.Engine
	dedup     core.DedupStore
	processor Processor
	resources []core.MonitoredResource
	logger    *zap.Logger

	pushCh  chan task
	sweepCh chan task
	spill   *SpillQueue

	mu       sync.Mutex
	degraded map[string]*degradedResource
	// inflightSweeps keeps each running sweep's start time so the dedup
	// purge never deletes markers a still-open delta round may replay.
	inflightSweeps map[uint64]time.Time
	sweepSeq       uint64

	alertsRaised atomic.Int64

	now func() time.Time
}

// New creates a new ingestion orchestrator
func New(cfg Config, subs *subscription.Manager, engine *deltasync.Engine, dedup core.DedupStore, processor Processor, resources []core.MonitoredResource, spill *SpillQueue, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:            cfg,
		subs:           subs,
		engine:         engine,
		dedup:          dedup,
		processor:      processor,
		resources:      resources,
		logger:         logger,
		pushCh:         make(chan task, cfg.QueueSize),
		sweepCh:        make(chan task, cfg.QueueSize),
		spill:          spill,
		degraded:       make(map[string]*degradedResource),
		inflightSweeps: make(map[uint64]time.Time),
		now:            time.Now,
	}
	subs.SetDegradationHooks(o.MarkDegraded, o.MarkRestored)
	return o
}

// AlertsRaised returns the total number of alerts raised since start.
func (o *Orchestrator) AlertsRaised() int64 {
	return o.alertsRaised.Load()
}

// QueueDepths reports the intake queue depths for the metrics endpoint.
func (o *Orchestrator) QueueDepths() (push, sweep, spill int) {
	push = len(o.pushCh)
	sweep = len(o.sweepCh)
	if o.spill != nil {
		spill = o.spill.Depth()
	}
	return push, sweep, spill
}

// MarkDegraded switches a resource to boosted fallback polling.
func (o *Orchestrator) MarkDegraded(resourceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.degraded[resourceID]; !ok {
		o.degraded[resourceID] = &degradedResource{since: o.now()}
		o.logger.Warn("Resource degraded to polling fallback",
			zap.String("resource_id", resourceID))
	}
}

// MarkRestored cancels the polling fallback for a resource.
func (o *Orchestrator) MarkRestored(resourceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.degraded[resourceID]; ok {
		delete(o.degraded, resourceID)
		o.logger.Info("Resource restored to push delivery",
			zap.String("resource_id", resourceID))
	}
}

func (o *Orchestrator) degradedResources() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.degraded))
	for id, d := range o.degraded {
		ids = append(ids, id)
		if !d.escalated && o.now().Sub(d.since) > o.cfg.EscalationThreshold {
			d.escalated = true
			o.logger.Error("Resource stuck in polling fallback beyond threshold",
				zap.String("resource_id", id),
				zap.Duration("degraded_for", o.now().Sub(d.since)))
		}
	}
	return ids
}

// HandleNotification is the push intake path: authenticate, dedup,
// enqueue. A duplicate is acknowledged without processing. When the
// queue is full the event spills to disk; when the spill is also full
// the caller gets ErrIntakeOverloaded.
func (o *Orchestrator) HandleNotification(ctx context.Context, n core.Notification) error {
	resourceID, err := o.subs.ValidateNotification(ctx, n)
	if err != nil {
		return err
	}

	admitted, err := o.dedup.Admit(ctx, resourceID, n.MessageID)
	if err != nil {
		return fmt.Errorf("dedup admission failed: %w", err)
	}
	if !admitted {
		o.logger.Debug("Duplicate notification dropped",
			zap.String("resource_id", resourceID),
			zap.String("message_id", n.MessageID))
		return nil
	}

	event := core.IntakeEvent{
		Source:     core.IntakePush,
		ResourceID: resourceID,
		MessageID:  n.MessageID,
		ReceivedAt: o.now(),
	}
	select {
	case o.pushCh <- task{event: event}:
		return nil
	default:
	}
	if o.spill != nil && o.spill.TryEnqueue(event) {
		o.logger.Warn("Push queue full, spilled notification to disk",
			zap.String("resource_id", resourceID),
			zap.Int("spill_depth", o.spill.Depth()))
		return nil
	}

	// No capacity anywhere. Roll the marker back before rejecting so the
	// upstream's redelivery (or the next sweep) is not swallowed as a
	// duplicate.
	if rmErr := o.dedup.Remove(ctx, resourceID, n.MessageID); rmErr != nil {
		o.logger.Error("Failed to roll back dedup marker under overload",
			zap.String("resource_id", resourceID),
			zap.String("message_id", n.MessageID),
			zap.Error(rmErr))
	}
	return ErrIntakeOverloaded
}

// RunSweep performs one full delta round across all resources, bounded
// by ResourceParallelism, and waits for the admitted messages to flow
// through the workers before returning the summary.
func (o *Orchestrator) RunSweep(ctx context.Context) (core.SweepSummary, error) {
	return o.runSweep(ctx, o.resourceIDs())
}

// RunFallbackSweep polls only the resources currently degraded.
func (o *Orchestrator) RunFallbackSweep(ctx context.Context) (core.SweepSummary, error) {
	ids := o.degradedResources()
	if len(ids) == 0 {
		return core.SweepSummary{}, nil
	}
	return o.runSweep(ctx, ids)
}

func (o *Orchestrator) resourceIDs() []string {
	ids := make([]string, 0, len(o.resources))
	for _, res := range o.resources {
		ids = append(ids, res.ID)
	}
	return ids
}

func (o *Orchestrator) runSweep(ctx context.Context, resourceIDs []string) (core.SweepSummary, error) {
	seq := o.beginSweep()
	defer o.endSweep(seq)

	tracker := &sweepTracker{}
	var scanned, deferred, failed, found, admitted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ResourceParallelism)
	for _, resourceID := range resourceIDs {
		resourceID := resourceID
		g.Go(func() error {
			// Backpressure: a nearly-full queue defers whole resources to
			// the next tick instead of wedging the sweep.
			if len(o.sweepCh) >= o.cfg.QueueHighWatermark {
				deferred.Add(1)
				o.logger.Warn("Sweep deferred resource under backpressure",
					zap.String("resource_id", resourceID),
					zap.Int("queue_depth", len(o.sweepCh)))
				return nil
			}
			scanned.Add(1)
			_, err := o.engine.SyncResource(gctx, resourceID, func(msg core.Message) error {
				found.Add(1)
				ok, admitErr := o.dedup.Admit(gctx, msg.ResourceID, msg.ID)
				if admitErr != nil {
					return admitErr
				}
				if !ok {
					return nil
				}
				admitted.Add(1)
				copied := msg
				t := task{
					event: core.IntakeEvent{
						Source:     core.IntakeSweep,
						ResourceID: msg.ResourceID,
						MessageID:  msg.ID,
						ReceivedAt: o.now(),
					},
					msg:     &copied,
					tracker: tracker,
				}
				tracker.wg.Add(1)
				select {
				case o.sweepCh <- t:
					return nil
				case <-gctx.Done():
					tracker.wg.Done()
					return gctx.Err()
				}
			})
			if err != nil {
				failed.Add(1)
				o.logger.Warn("Sweep failed for resource",
					zap.String("resource_id", resourceID),
					zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return core.SweepSummary{}, err
	}

	done := make(chan struct{})
	go func() {
		tracker.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return core.SweepSummary{}, ctx.Err()
	}

	summary := core.SweepSummary{
		ResourcesScanned:  int(scanned.Load()),
		ResourcesDeferred: int(deferred.Load()),
		ResourcesFailed:   int(failed.Load()),
		MessagesFound:     int(found.Load()),
		MessagesAdmitted:  int(admitted.Load()),
		AlertsRaised:      int(tracker.alerts.Load()),
	}
	o.logger.Info("Sweep completed",
		zap.Int("resources_scanned", summary.ResourcesScanned),
		zap.Int("resources_deferred", summary.ResourcesDeferred),
		zap.Int("resources_failed", summary.ResourcesFailed),
		zap.Int("messages_found", summary.MessagesFound),
		zap.Int("messages_admitted", summary.MessagesAdmitted),
		zap.Int("alerts_raised", summary.AlertsRaised))
	return summary, nil
}

func (o *Orchestrator) beginSweep() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweepSeq++
	seq := o.sweepSeq
	o.inflightSweeps[seq] = o.now()
	return seq
}

func (o *Orchestrator) endSweep(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflightSweeps, seq)
}

// purgeCutoff is the TTL cutoff, floored at the oldest in-flight sweep
// start so a still-open delta round can never re-admit a message whose
// marker was just purged.
func (o *Orchestrator) purgeCutoff() time.Time {
	cutoff := o.now().Add(-o.cfg.DedupTTL)
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, started := range o.inflightSweeps {
		if started.Before(cutoff) {
			cutoff = started
		}
	}
	return cutoff
}

// Run starts the worker pool and the background loops (scheduled
// sweeps, fallback polling, spill draining, dedup purging) and blocks
// until the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.drainSpill(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sweepLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.purgeLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// worker prefers push tasks over sweep tasks so webhook latency is not
// held hostage by a backfill.
func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case t := <-o.pushCh:
			o.handle(ctx, t)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case t := <-o.pushCh:
			o.handle(ctx, t)
		case t := <-o.sweepCh:
			o.handle(ctx, t)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, t task) {
	alerted, err := o.processor.Process(ctx, t.event, t.msg)
	if err != nil {
		o.logger.Warn("Message processing failed",
			zap.String("resource_id", t.event.ResourceID),
			zap.String("message_id", t.event.MessageID),
			zap.String("source", string(t.event.Source)),
			zap.Error(err))
	}
	if alerted {
		o.alertsRaised.Add(1)
		if t.tracker != nil {
			t.tracker.alerts.Add(1)
		}
	}
	if t.tracker != nil {
		t.tracker.wg.Done()
	}
}

// drainSpill feeds spilled events back into the push queue whenever
// there is room.
func (o *Orchestrator) drainSpill(ctx context.Context) {
	if o.spill == nil {
		return
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	drain:
		for len(o.pushCh) < o.cfg.QueueHighWatermark {
			event, ok := o.spill.TryDequeue()
			if !ok {
				break
			}
			select {
			case o.pushCh <- task{event: event}:
			case <-ctx.Done():
				// Put it back; the event survives in the spill file.
				if !o.spill.TryEnqueue(event) {
					o.releaseForResweep(event)
				}
				return
			default:
				// Queue filled up again; requeue and wait for the next tick.
				if !o.spill.TryEnqueue(event) {
					select {
					case o.pushCh <- task{event: event}:
						continue
					default:
						o.releaseForResweep(event)
					}
				}
				break drain
			}
		}
	}
}

// releaseForResweep clears the dedup marker of an event that fell out
// of both queues, so the next sweep re-admits the message instead of
// skipping it as a duplicate.
func (o *Orchestrator) releaseForResweep(event core.IntakeEvent) {
	if err := o.dedup.Remove(context.Background(), event.ResourceID, event.MessageID); err != nil {
		o.logger.Error("Failed to release dedup marker for dropped notification",
			zap.String("resource_id", event.ResourceID),
			zap.String("message_id", event.MessageID),
			zap.Error(err))
		return
	}
	o.logger.Warn("Dropped spilled notification, marker released for next sweep",
		zap.String("resource_id", event.ResourceID),
		zap.String("message_id", event.MessageID))
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	sweepTicker := time.NewTicker(o.cfg.SweepInterval)
	defer sweepTicker.Stop()
	fallbackTicker := time.NewTicker(o.cfg.FallbackInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			if _, err := o.RunSweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Scheduled sweep failed", zap.Error(err))
			}
		case <-fallbackTicker.C:
			if _, err := o.RunFallbackSweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Fallback sweep failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := o.dedup.Purge(ctx, o.purgeCutoff())
			if err != nil {
				o.logger.Warn("Dedup purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				o.logger.Info("Purged expired dedup markers", zap.Int64("purged", purged))
			}
		}
	}
}
