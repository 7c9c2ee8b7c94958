// Package gateway defines the entry points that expose the tool registry.
package gateway

import (
	"context"
	"log/slog"
	"time"
)

// Gateway is an entry point (HTTP API, MCP stdio).
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled. It returns
	// an error only on failure.
	Start(ctx context.Context) error

	// Stop shuts down gracefully. ctx carries the grace period deadline.
	Stop(ctx context.Context) error
}

// Run starts every gateway and blocks until ctx is canceled or one of them
// exits. Gateways are then stopped in reverse order within grace.
func Run(ctx context.Context, logger *slog.Logger, grace time.Duration, gateways ...Gateway) error {
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}
