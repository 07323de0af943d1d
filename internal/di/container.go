package di

import (
	"fmt"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/mailapi"
	"github.com/castellan/mail-sentinel/internal/config"
	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/deltasync"
	"github.com/castellan/mail-sentinel/internal/dispatcher"
	"github.com/castellan/mail-sentinel/internal/factory"
	"github.com/castellan/mail-sentinel/internal/httpapi"
	"github.com/castellan/mail-sentinel/internal/logging"
	"github.com/castellan/mail-sentinel/internal/orchestrator"
	"github.com/castellan/mail-sentinel/internal/resilience"
	"github.com/castellan/mail-sentinel/internal/subscription"
	"github.com/castellan/mail-sentinel/internal/utils"
	"github.com/castellan/mail-sentinel/internal/whitelist"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewTextProcessorFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewScorerFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewDedupFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewStateFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewSinkFactory); err != nil {
		return nil, err
	}

	// Register text processor
	if err := container.Provide(func(f *factory.TextProcessorFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}

	// Register resilience executor
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (*resilience.Executor, error) {
		resilienceCfg, err := cfg.GetResilience()
		if err != nil {
			return nil, err
		}
		return resilience.New(resilience.Config{
			MaxAttempts:       resilienceCfg.MaxAttempts,
			BaseDelay:         resilienceCfg.BaseDelay,
			MaxDelay:          resilienceCfg.MaxDelay,
			Timeout:           resilienceCfg.Timeout,
			RatePerSecond:     resilienceCfg.RatePerSecond,
			Burst:             resilienceCfg.Burst,
			ThrottleThreshold: resilienceCfg.ThrottleThreshold,
			ThrottleFactor:    resilienceCfg.ThrottleFactor,
			ThrottleCooldown:  resilienceCfg.ThrottleCooldown,
		}, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register upstream mail API client
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (core.MailAPI, error) {
		upstreamCfg, err := cfg.GetUpstream()
		if err != nil {
			return nil, err
		}
		return mailapi.NewClient(
			upstreamCfg.BaseURL,
			mailapi.StaticToken(upstreamCfg.Token),
			upstreamCfg.Timeout,
			upstreamCfg.PageSize,
			logger,
		), nil
	}); err != nil {
		return nil, err
	}

	// Register state stores
	if err := container.Provide(func(f *factory.StateFactory) (*factory.StateStores, error) {
		return f.CreateStateStores()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(stores *factory.StateStores) core.SubscriptionStore {
		return stores.Subscriptions
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(stores *factory.StateStores) core.DeltaStateStore {
		return stores.Deltas
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(stores *factory.StateStores) core.AlertEventStore {
		return stores.Events
	}); err != nil {
		return nil, err
	}

	// Register dedup store
	if err := container.Provide(func(f *factory.DedupFactory) (core.DedupStore, error) {
		return f.CreateDedupStore()
	}); err != nil {
		return nil, err
	}

	// Register monitored resources
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) ([]core.MonitoredResource, error) {
		declared, err := cfg.GetResources()
		if err != nil {
			return nil, err
		}
		resources := make([]core.MonitoredResource, 0, len(declared))
		for _, res := range declared {
			if res.ID == "" || res.Path == "" {
				return nil, fmt.Errorf("resource declaration needs id and path")
			}
			scope := core.ScopeKind(res.Scope)
			if scope == "" {
				scope = core.ScopeSingle
			}
			resources = append(resources, core.MonitoredResource{ID: res.ID, Path: res.Path, Scope: scope})
		}
		logger.Info("Loaded monitored resources", zap.Int("count", len(resources)))
		return resources, nil
	}); err != nil {
		return nil, err
	}

	// Register subscription manager
	if err := container.Provide(func(api core.MailAPI, store core.SubscriptionStore, exec *resilience.Executor, cfg *config.Config, resources []core.MonitoredResource, logger *zap.Logger) (*subscription.Manager, error) {
		subsCfg, err := cfg.GetSubscriptions()
		if err != nil {
			return nil, err
		}
		return subscription.NewManager(api, store, exec, subscription.Config{
			NotifyURL:       subsCfg.NotifyURL,
			Lifetime:        subsCfg.Lifetime,
			RenewalFraction: subsCfg.RenewalFraction,
			ScanInterval:    subsCfg.ScanInterval,
		}, resources, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register delta sync engine
	if err := container.Provide(func(api core.MailAPI, states core.DeltaStateStore, exec *resilience.Executor, logger *zap.Logger) *deltasync.Engine {
		return deltasync.NewEngine(api, states, exec, logger)
	}); err != nil {
		return nil, err
	}

	// Register whitelist checker
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *whitelist.Checker {
		return whitelist.NewChecker(cfg.GetStringSlice("policy.trusted_domains"), logger)
	}); err != nil {
		return nil, err
	}

	// Register scoring client
	if err := container.Provide(func(f *factory.ScorerFactory) (core.ScoringClient, error) {
		return f.CreateScoringClient()
	}); err != nil {
		return nil, err
	}

	// Register alert sinks
	if err := container.Provide(func(f *factory.SinkFactory) ([]dispatcher.RegisteredSink, error) {
		return f.CreateSinks()
	}); err != nil {
		return nil, err
	}

	// Register dispatcher
	if err := container.Provide(func(
		api core.MailAPI,
		scorer core.ScoringClient,
		dedupStore core.DedupStore,
		events core.AlertEventStore,
		wl *whitelist.Checker,
		sinks []dispatcher.RegisteredSink,
		exec *resilience.Executor,
		cfg *config.Config,
		logger *zap.Logger,
	) (*dispatcher.Dispatcher, error) {
		policyCfg := cfg.GetPolicy()
		actions := make(map[core.Label]core.RemediationAction, len(policyCfg.Actions))
		for label, action := range policyCfg.Actions {
			actions[core.Label(label)] = core.RemediationAction(action)
		}
		upstreamCfg, err := cfg.GetUpstream()
		if err != nil {
			return nil, err
		}
		return dispatcher.New(api, scorer, dedupStore, events, wl, sinks, dispatcher.Policy{
			SuspiciousThreshold: policyCfg.SuspiciousThreshold,
			PhishingThreshold:   policyCfg.PhishingThreshold,
			Actions:             actions,
		}, exec, upstreamCfg.QuarantineFolder, logger), nil
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(d *dispatcher.Dispatcher) orchestrator.Processor {
		return d
	}); err != nil {
		return nil, err
	}

	// Register spill queue
	if err := container.Provide(func(cfg *config.Config) (*orchestrator.SpillQueue, error) {
		orchCfg := cfg.GetOrchestrator()
		return orchestrator.NewSpillQueue(orchCfg.SpillPath, orchCfg.SpillCapacity)
	}); err != nil {
		return nil, err
	}

	// Register orchestrator
	if err := container.Provide(func(
		cfg *config.Config,
		subs *subscription.Manager,
		engine *deltasync.Engine,
		dedupStore core.DedupStore,
		processor orchestrator.Processor,
		resources []core.MonitoredResource,
		spill *orchestrator.SpillQueue,
		dedupFactory *factory.DedupFactory,
		logger *zap.Logger,
	) (*orchestrator.Orchestrator, error) {
		orchCfg := cfg.GetOrchestrator()
		syncCfg, err := cfg.GetSync()
		if err != nil {
			return nil, err
		}
		ttl, err := dedupFactory.GetDedupTTL()
		if err != nil {
			return nil, err
		}
		cleanup, err := dedupFactory.GetCleanupFrequency()
		if err != nil {
			return nil, err
		}
		return orchestrator.New(orchestrator.Config{
			Workers:             orchCfg.Workers,
			QueueSize:           orchCfg.QueueSize,
			QueueHighWatermark:  orchCfg.QueueHighWatermark,
			SweepInterval:       syncCfg.Interval,
			FallbackInterval:    syncCfg.FallbackInterval,
			EscalationThreshold: syncCfg.EscalationThreshold,
			ResourceParallelism: syncCfg.ResourceParallelism,
			DedupTTL:            ttl,
			PurgeInterval:       cleanup,
		}, subs, engine, dedupStore, processor, resources, spill, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register HTTP API server
	if err := container.Provide(func(cfg *config.Config, orch *orchestrator.Orchestrator, subs *subscription.Manager, exec *resilience.Executor, logger *zap.Logger) (*httpapi.Server, error) {
		return httpapi.NewServer(cfg.GetString("server.listen_address"), orch, subs, exec, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
