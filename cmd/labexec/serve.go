package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/labexec/internal/application/dispatch"
	"github.com/aescanero/labexec/internal/application/orchestrator"
	"github.com/aescanero/labexec/internal/application/results"
	"github.com/aescanero/labexec/internal/application/usage"
	"github.com/aescanero/labexec/internal/application/workers"
	"github.com/aescanero/labexec/internal/config"
	memoryevents "github.com/aescanero/labexec/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/labexec/pkg/adapters/events/redis"
	"github.com/aescanero/labexec/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/labexec/pkg/adapters/workload/kubernetes"
	"github.com/aescanero/labexec/pkg/api/grpc"
	"github.com/aescanero/labexec/pkg/api/http"
	"github.com/aescanero/labexec/pkg/api/websocket"
	"github.com/aescanero/labexec/pkg/ports"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting execution orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("backend close error", zap.Error(err))
		}
	}()

	clientset, err := kubernetes.NewClientset(kubernetes.ClientsetConfig{
		InCluster:  cfg.Kubernetes.InCluster,
		Kubeconfig: cfg.Kubernetes.Kubeconfig,
		QPS:        cfg.Kubernetes.QPS,
		Burst:      cfg.Kubernetes.Burst,
	})
	if err != nil {
		return err
	}

	workloads := kubernetes.NewClient(clientset, kubernetes.Config{
		ImagePullPolicy:    cfg.Kubernetes.ImagePullPolicy,
		ServiceAccountName: cfg.Kubernetes.ServiceAccountName,
		LaunchQPS:          cfg.Kubernetes.LaunchQPS,
		LaunchBurst:        cfg.Kubernetes.LaunchBurst,
		TerminateDebounce:  cfg.Kubernetes.TerminateDebounce,
		ResyncPeriod:       cfg.Kubernetes.ResyncPeriod,
		Logger:             logger,
	})
	usageSource := kubernetes.NewUsageSource(clientset, cfg.Kubernetes.SummaryConcurrency, logger)

	eventBus := newEventBus(cfg, b, logger)
	defer func() { _ = eventBus.Close() }()

	metricsCollector := prometheus.NewCollector()

	pool := workers.NewPool(
		cfg.Workers.PoolSize,
		cfg.Workers.QueueSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	pool.Health().SetStallThreshold(cfg.Workers.StallThreshold)
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	poller := usage.NewPoller(usageSource, usage.Config{
		Timeout:            cfg.Timeouts.Usage,
		ExcludedNamespaces: cfg.Usage.ExcludedNamespaces,
	}, metricsCollector, logger)

	deliverer := results.NewDeliverer(b.reporter, pool, cfg.Results.Timeout, metricsCollector, logger)

	manager := orchestrator.NewManager(
		b.store,
		b.store,
		workloads,
		eventBus,
		dispatch.NewDispatcher(logger),
		pool,
		deliverer,
		poller,
		metricsCollector,
		orchestrator.NewValidator(orchestrator.Defaults{
			RAM:        cfg.Defaults.RAM,
			CPU:        cfg.Defaults.CPU,
			BookedTime: cfg.Defaults.BookedTime,
		}),
		logger,
		orchestrator.Config{
			WorkloadTimeout:    cfg.Timeouts.Workload,
			StoreTimeout:       cfg.Timeouts.Store,
			FinalUsageSnapshot: cfg.Usage.FinalSnapshot,
			CleanupOnTerminal:  cfg.Usage.CleanupOnTerminal,
		},
	)
	if err := manager.Start(); err != nil {
		return err
	}

	wsHandler := websocket.NewHandler(eventBus, manager, logger)
	if err := wsHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start websocket handler: %w", err)
	}

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: manager,
		Health:       pool.Health(),
		Logger:       logger,
	})
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:         cfg.GRPCPort,
		Health:       pool.Health(),
		SyncInterval: cfg.Workers.HealthCheckInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 2)
	go func() { serveErr <- httpServer.Start() }()
	go func() { serveErr <- grpcServer.Start() }()

	logger.Info("execution orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("store", cfg.Store.Backend),
		zap.String("results", cfg.Results.Backend),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	var result *multierror.Error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			result = multierror.Append(result, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http server: %w", err))
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("grpc server: %w", err))
	}
	// lanes first: their follow-ups still submit to the pool
	if err := manager.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("orchestrator: %w", err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("worker pool: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}

	logger.Info("execution orchestrator shut down complete")
	return nil
}

// newEventBus prefers Redis streams so several replicas see every
// transition; each replica reads through its own consumer group.
func newEventBus(cfg *config.Config, b *backends, logger *zap.Logger) ports.EventBus {
	if !cfg.Redis.EventBusEnable || b.redis == nil {
		return memoryevents.NewInMemoryEventBus()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = fmt.Sprintf("pid-%d", os.Getpid())
	}

	return redisevents.NewStreamsEventBus(
		b.redis,
		cfg.Redis.ConsumerGroup+"-"+hostname,
		hostname,
		cfg.Redis.StreamMaxLen,
		logger,
	)
}
