package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/mailapi"
	"github.com/castellan/mail-sentinel/internal/config"
	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/deltasync"
	"github.com/castellan/mail-sentinel/internal/dispatcher"
	"github.com/castellan/mail-sentinel/internal/factory"
	"github.com/castellan/mail-sentinel/internal/logging"
	"github.com/castellan/mail-sentinel/internal/orchestrator"
	"github.com/castellan/mail-sentinel/internal/resilience"
	"github.com/castellan/mail-sentinel/internal/subscription"
	"github.com/castellan/mail-sentinel/internal/whitelist"
)

var (
	// Upstream flags
	baseURL = flag.String("base-url", "http://127.0.0.1:8080", "Base URL of the upstream mail API")
	token   = flag.String("token", "", "Bearer token for the upstream mail API")

	// Resource flags
	resources = flag.String("resources", "", "Comma-separated list of id=path resource declarations")

	// Scoring provider flags
	provider    = flag.String("provider", "openai", "Scoring provider (bedrock, gemini, openai)")
	maxTokens   = flag.Int("max-tokens", 1000, "Maximum tokens for model response")
	temperature = flag.Float64("temperature", 0.1, "Temperature for model generation")
	topP        = flag.Float64("top-p", 0.9, "Top-p for model generation")
	maxBodySize = flag.Int("max-body-size", 4096, "Maximum message body size to send to the model")

	// Bedrock flags
	bedrockRegion  = flag.String("bedrock-region", "us-east-1", "AWS region for Bedrock")
	bedrockModelID = flag.String("bedrock-model", "anthropic.claude-v2", "Bedrock model ID")

	// Gemini flags
	geminiAPIKey    = flag.String("gemini-api-key", "", "API key for Google Gemini")
	geminiModelName = flag.String("gemini-model", "gemini-pro", "Gemini model name")

	// OpenAI flags
	openaiAPIKey    = flag.String("openai-api-key", "", "API key for OpenAI")
	openaiModelName = flag.String("openai-model", "gpt-4", "OpenAI model name")

	// Policy flags
	suspiciousThreshold = flag.Float64("suspicious-threshold", 0.5, "Score at or above which a message is suspicious")
	phishingThreshold   = flag.Float64("phishing-threshold", 0.8, "Score at or above which a message is phishing")
	trustedDomains      = flag.String("trusted", "", "Comma-separated list of trusted sender domains")
	dryRun              = flag.Bool("dry-run", false, "Score and report without quarantining or flagging")

	// Output flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	jsonLog    = flag.Bool("json-log", false, "Output logs in JSON format")
	configFile = flag.String("config", "", "Path to config file (overrides command line flags)")
)

func main() {
	flag.Parse()

	var cfg *config.Config
	var err error

	// Initialize logger
	logger, err := logging.InitConsoleLogger(*verbose, *jsonLog)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration from file if specified
	if *configFile != "" {
		cfg, err = config.New()
		if err != nil {
			logger.Fatal("Failed to load configuration", zap.Error(err))
		}
		logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
	} else {
		// Create config from command line flags
		cfg = createConfigFromFlags()
	}

	declared, err := cfg.GetResources()
	if err != nil {
		logger.Fatal("Failed to parse resources", zap.Error(err))
	}
	if len(declared) == 0 {
		logger.Fatal("No monitored resources declared; use -resources id=path[,id=path]")
	}
	monitored := make([]core.MonitoredResource, 0, len(declared))
	for _, res := range declared {
		scope := core.ScopeKind(res.Scope)
		if scope == "" {
			scope = core.ScopeSingle
		}
		monitored = append(monitored, core.MonitoredResource{ID: res.ID, Path: res.Path, Scope: scope})
	}

	resilienceCfg, err := cfg.GetResilience()
	if err != nil {
		logger.Fatal("Failed to parse resilience configuration", zap.Error(err))
	}
	exec := resilience.New(resilience.Config{
		MaxAttempts:       resilienceCfg.MaxAttempts,
		BaseDelay:         resilienceCfg.BaseDelay,
		MaxDelay:          resilienceCfg.MaxDelay,
		Timeout:           resilienceCfg.Timeout,
		RatePerSecond:     resilienceCfg.RatePerSecond,
		Burst:             resilienceCfg.Burst,
		ThrottleThreshold: resilienceCfg.ThrottleThreshold,
		ThrottleFactor:    resilienceCfg.ThrottleFactor,
		ThrottleCooldown:  resilienceCfg.ThrottleCooldown,
	}, logger)

	upstreamCfg, err := cfg.GetUpstream()
	if err != nil {
		logger.Fatal("Failed to parse upstream configuration", zap.Error(err))
	}
	api := mailapi.NewClient(
		upstreamCfg.BaseURL,
		mailapi.StaticToken(upstreamCfg.Token),
		upstreamCfg.Timeout,
		upstreamCfg.PageSize,
		logger,
	)

	stateFactory := factory.NewStateFactory(cfg, logger)
	stores, err := stateFactory.CreateStateStores()
	if err != nil {
		logger.Fatal("Failed to create state stores", zap.Error(err))
	}

	dedupFactory := factory.NewDedupFactory(cfg, logger)
	dedupStore, err := dedupFactory.CreateDedupStore()
	if err != nil {
		logger.Fatal("Failed to create dedup store", zap.Error(err))
	}

	textProcessorFactory := factory.NewTextProcessorFactory(logger)
	scorerFactory := factory.NewScorerFactory(cfg, logger, textProcessorFactory.CreateTextProcessor())
	scorer, err := scorerFactory.CreateScoringClient()
	if err != nil {
		logger.Fatal("Failed to create scoring client", zap.Error(err))
	}

	policyCfg := cfg.GetPolicy()
	if len(policyCfg.TrustedDomains) > 0 {
		logger.Info("Using trusted domains", zap.Strings("domains", policyCfg.TrustedDomains))
	}
	wl := whitelist.NewChecker(policyCfg.TrustedDomains, logger)

	sinkFactory := factory.NewSinkFactory(cfg, logger)
	sinks, err := sinkFactory.CreateSinks()
	if err != nil {
		logger.Fatal("Failed to create alert sinks", zap.Error(err))
	}

	actions := make(map[core.Label]core.RemediationAction, len(policyCfg.Actions))
	for label, action := range policyCfg.Actions {
		actions[core.Label(label)] = core.RemediationAction(action)
	}
	disp := dispatcher.New(api, scorer, dedupStore, stores.Events, wl, sinks, dispatcher.Policy{
		SuspiciousThreshold: policyCfg.SuspiciousThreshold,
		PhishingThreshold:   policyCfg.PhishingThreshold,
		Actions:             actions,
	}, exec, upstreamCfg.QuarantineFolder, logger)

	subsCfg, err := cfg.GetSubscriptions()
	if err != nil {
		logger.Fatal("Failed to parse subscription configuration", zap.Error(err))
	}
	subs := subscription.NewManager(api, stores.Subscriptions, exec, subscription.Config{
		NotifyURL:       subsCfg.NotifyURL,
		Lifetime:        subsCfg.Lifetime,
		RenewalFraction: subsCfg.RenewalFraction,
		ScanInterval:    subsCfg.ScanInterval,
	}, monitored, logger)

	engine := deltasync.NewEngine(api, stores.Deltas, exec, logger)

	orchCfg := cfg.GetOrchestrator()
	spill, err := orchestrator.NewSpillQueue(orchCfg.SpillPath, orchCfg.SpillCapacity)
	if err != nil {
		logger.Fatal("Failed to open spill queue", zap.Error(err))
	}
	syncCfg, err := cfg.GetSync()
	if err != nil {
		logger.Fatal("Failed to parse sync configuration", zap.Error(err))
	}
	ttl, err := dedupFactory.GetDedupTTL()
	if err != nil {
		logger.Fatal("Failed to parse dedup TTL", zap.Error(err))
	}
	cleanup, err := dedupFactory.GetCleanupFrequency()
	if err != nil {
		logger.Fatal("Failed to parse dedup cleanup frequency", zap.Error(err))
	}
	orch := orchestrator.New(orchestrator.Config{
		Workers:             orchCfg.Workers,
		QueueSize:           orchCfg.QueueSize,
		QueueHighWatermark:  orchCfg.QueueHighWatermark,
		SweepInterval:       syncCfg.Interval,
		FallbackInterval:    syncCfg.FallbackInterval,
		EscalationThreshold: syncCfg.EscalationThreshold,
		ResourceParallelism: syncCfg.ResourceParallelism,
		DedupTTL:            ttl,
		PurgeInterval:       cleanup,
	}, subs, engine, dedupStore, disp, monitored, spill, logger)

	// Print sweep setup
	fmt.Printf("\n=== Sweep Setup ===\n")
	fmt.Printf("Upstream: %s\n", upstreamCfg.BaseURL)
	fmt.Printf("Resources: %d\n", len(monitored))
	fmt.Printf("Provider: %s\n", cfg.GetString("scoring.provider"))
	fmt.Printf("Suspicious threshold: %.2f\n", policyCfg.SuspiciousThreshold)
	fmt.Printf("Phishing threshold: %.2f\n", policyCfg.PhishingThreshold)
	fmt.Printf("\n")

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Pipeline stopped unexpectedly", zap.Error(err))
		}
	}()

	startTime := time.Now()
	summary, err := orch.RunSweep(ctx)
	duration := time.Since(startTime)

	cancel()
	<-runDone

	if err != nil {
		logger.Fatal("Sweep failed", zap.Error(err))
	}

	// Print results
	fmt.Printf("\n=== Sweep Summary ===\n")
	fmt.Printf("Resources scanned: %d\n", summary.ResourcesScanned)
	fmt.Printf("Resources deferred: %d\n", summary.ResourcesDeferred)
	fmt.Printf("Resources failed: %d\n", summary.ResourcesFailed)
	fmt.Printf("Messages found: %d\n", summary.MessagesFound)
	fmt.Printf("Messages admitted: %d\n", summary.MessagesAdmitted)
	fmt.Printf("Alerts raised: %d\n", summary.AlertsRaised)
	fmt.Printf("Processing time: %v\n", duration)

	// Close any resources that need closing
	if closer, ok := scorer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close scoring client", zap.Error(err))
		}
	}
	if err := dedupStore.Close(); err != nil {
		logger.Error("Failed to close dedup store", zap.Error(err))
	}
	if stores.Closer != nil {
		if err := stores.Closer(); err != nil {
			logger.Error("Failed to close state store", zap.Error(err))
		}
	}
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags() *config.Config {
	v := config.NewEmptyViper()

	// Set upstream configuration
	v.Set("upstream.base_url", *baseURL)
	v.Set("upstream.token", *token)

	// Set monitored resources
	if *resources != "" {
		var declared []map[string]any
		for _, entry := range strings.Split(*resources, ",") {
			id, path, ok := strings.Cut(strings.TrimSpace(entry), "=")
			if !ok {
				continue
			}
			declared = append(declared, map[string]any{"id": id, "path": path})
		}
		v.Set("resources", declared)
	}

	// Set scoring provider
	v.Set("scoring.provider", *provider)

	// Set provider-specific configuration
	switch *provider {
	case "bedrock":
		v.Set("bedrock.region", *bedrockRegion)
		v.Set("bedrock.model_id", *bedrockModelID)
		v.Set("bedrock.max_tokens", *maxTokens)
		v.Set("bedrock.temperature", *temperature)
		v.Set("bedrock.top_p", *topP)
		v.Set("bedrock.max_body_size", *maxBodySize)
	case "gemini":
		v.Set("gemini.api_key", *geminiAPIKey)
		v.Set("gemini.model_name", *geminiModelName)
		v.Set("gemini.max_tokens", *maxTokens)
		v.Set("gemini.temperature", *temperature)
		v.Set("gemini.top_p", *topP)
		v.Set("gemini.max_body_size", *maxBodySize)
	case "openai":
		v.Set("openai.api_key", *openaiAPIKey)
		v.Set("openai.model_name", *openaiModelName)
		v.Set("openai.max_tokens", *maxTokens)
		v.Set("openai.temperature", *temperature)
		v.Set("openai.top_p", *topP)
		v.Set("openai.max_body_size", *maxBodySize)
	}

	// Set policy thresholds
	v.Set("policy.suspicious_threshold", *suspiciousThreshold)
	v.Set("policy.phishing_threshold", *phishingThreshold)
	if *dryRun {
		v.Set("policy.actions.suspicious", "none")
		v.Set("policy.actions.phishing", "none")
	}

	// Set trusted domains
	if *trustedDomains != "" {
		domains := strings.Split(*trustedDomains, ",")
		for i, domain := range domains {
			domains[i] = strings.TrimSpace(domain)
		}
		v.Set("policy.trusted_domains", domains)
	} else {
		v.Set("policy.trusted_domains", []string{})
	}

	// One-shot runs keep all state in memory and spill next to the
	// working directory.
	v.Set("state.type", "memory")
	v.Set("dedup.type", "memory")
	v.Set("orchestrator.spill_path", filepath.Join(os.TempDir(), "mail_sentinel_spill.json"))

	return config.NewFromViper(v)
}
