package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/di"
	"github.com/castellan/mail-sentinel/internal/factory"
	"github.com/castellan/mail-sentinel/internal/httpapi"
	"github.com/castellan/mail-sentinel/internal/orchestrator"
	"github.com/castellan/mail-sentinel/internal/subscription"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	logger *zap.Logger,
	server *httpapi.Server,
	orch *orchestrator.Orchestrator,
	subs *subscription.Manager,
	resources []core.MonitoredResource,
	stores *factory.StateStores,
	dedupStore core.DedupStore,
	scorer core.ScoringClient,
) error {
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Establish subscriptions up front. A failure here is not fatal:
	// the resource runs on polling fallback until the renewal loop
	// manages to subscribe.
	for _, res := range resources {
		if err := subs.EnsureSubscription(ctx, res.ID); err != nil {
			logger.Warn("Initial subscription failed, relying on polling fallback",
				zap.String("resource_id", res.ID),
				zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		if err := orch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := subs.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err := g.Wait()

	logger.Info("Shutting down...")
	if closer, ok := scorer.(interface{ Close() error }); ok {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Error("Failed to close scoring client", zap.Error(closeErr))
		}
	}
	if closeErr := dedupStore.Close(); closeErr != nil {
		logger.Error("Failed to close dedup store", zap.Error(closeErr))
	}
	if stores.Closer != nil {
		if closeErr := stores.Closer(); closeErr != nil {
			logger.Error("Failed to close state store", zap.Error(closeErr))
		}
	}
	logger.Info("Shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
