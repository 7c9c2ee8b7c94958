package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/gateway"
	"github.com/jkaninda/toolgate/internal/gateway/httpapi"
	"github.com/jkaninda/toolgate/internal/maintenance"
	"github.com/jkaninda/toolgate/internal/ratelimit"
)

const shutdownGrace = 10 * time.Second

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that
	// `toolgate --port :9090` and `toolgate serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP API and the maintenance scheduler.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.HTTPGatewayConfig{}
		}
		cfg.Gateway.ListenAddr = servePort
	}
	if cfg.Gateway == nil {
		return fmt.Errorf("no gateways enabled in config: add a gateway section or pass --port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	gc := cfg.Gateway
	limiter := ratelimit.NewBucket(ratelimit.BucketConfig{
		RequestsPerMinute: gc.RateLimit.RequestsPerMinute,
		BurstSize:         gc.RateLimit.BurstSize,
	})

	cancelMaintenance, err := startMaintenance(ctx, sc, limiter)
	if err != nil {
		return err
	}
	defer cancelMaintenance()

	httpCfg := httpapi.Config{
		ListenAddr:     gc.Addr(),
		EnableDocs:     gc.EnableDocs,
		Version:        version,
		APIKeys:        gc.APIKeys,
		MaxRequestSize: gc.MaxRequestSizeBytes,
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.MetricsOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		httpCfg.MetricsRegistry = m.Registry
		if mc := cfg.Observability; mc != nil && mc.Metrics != nil {
			httpCfg.MetricsPath = mc.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		httpCfg.Tracer = ts.Tracer()
	}
	if len(gc.APIKeys) == 0 {
		logger.Warn("http api has no API keys configured; all callers are anonymous")
	}

	api := httpapi.New(httpCfg, httpapi.Deps{
		Registry: sc.Registry,
		Costs:    sc.Costs,
		Tracer:   sc.Obs.TracerOrNil(),
		Reviews:  sc.Reviews,
		Audit:    sc.Audit,
		Hub:      sc.Hub,
		Limiter:  limiter,
	}, logger)

	logger.Info("starting toolgate", slog.String("version", version), slog.String("storage", sc.Store.Driver()))
	return gateway.Run(ctx, logger, shutdownGrace, api)
}

// startMaintenance registers the background sweeps and starts the scheduler.
func startMaintenance(ctx context.Context, sc *SharedComponents, bucket *ratelimit.Bucket) (func(), error) {
	sched := maintenance.New(sc.Obs.MetricsOrNil(), sc.Logger)
	err := maintenance.RegisterDefaults(sched, sc.Config.Maintenance, maintenance.Deps{
		Cache:   sc.Cache,
		Tracer:  sc.Obs.TracerOrNil(),
		Reviews: sc.Reviews,
		Budget:  sc.Budget,
		Window:  sc.Window,
		Bucket:  bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("registering maintenance jobs: %w", err)
	}
	for _, j := range sched.Jobs() {
		sc.Logger.Debug("maintenance job registered",
			slog.String("job", j.Name),
			slog.String("schedule", j.Schedule),
		)
	}
	return sched.Start(ctx), nil
}
