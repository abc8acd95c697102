package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/questforge/relay/internal/ack"
	"github.com/questforge/relay/internal/config"
	"github.com/questforge/relay/internal/connectivity"
	"github.com/questforge/relay/internal/delivery"
	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/metrics"
	"github.com/questforge/relay/internal/processor"
	"github.com/questforge/relay/internal/queue"
	"github.com/questforge/relay/internal/remote"
	"github.com/questforge/relay/internal/schema"
	"github.com/questforge/relay/internal/store"
	relaysync "github.com/questforge/relay/internal/sync"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

// connectivityPollInterval is how often the notifier probes the backend
// session endpoint for online/offline transitions
const connectivityPollInterval = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		Rotation:   cfg.Logging.Rotation,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	log := logger.WithComponent("main")
	log.Info().
		Str("version", Version).
		Str("agent_id", cfg.Sync.AgentID).
		Msg("Starting relayd")

	collector := metrics.NewCollector()
	msgMetrics := metrics.NewMessagingMetrics(collector)

	kv := store.New(cfg.Storage.DataDir)
	if err := kv.Start(ctx); err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer func() {
		if err := kv.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to close message store")
		}
	}()

	backend := remote.NewClient(cfg.Remote.BaseURL,
		remote.WithAuthToken(cfg.Remote.AuthToken),
		remote.WithTimeout(cfg.Remote.Timeout),
	)

	acks := ack.NewTracker(kv, cfg.Ack.Timeout)
	deliverySvc := delivery.NewService(backend, kv, acks, msgMetrics)

	q := queue.New(queue.Config{
		MaxSize:    cfg.Queue.MaxSize,
		MaxRetries: cfg.Queue.MaxRetries,
		RetryDelay: cfg.Queue.RetryDelay,
		AckTimeout: cfg.Ack.Timeout,
	})

	notifier := connectivity.NewProbeNotifier(backend, connectivityPollInterval)
	monitor := connectivity.NewMonitor(kv, backend, notifier, connectivity.Config{
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Multiplier:   cfg.Reconnect.Multiplier,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
	}, msgMetrics)

	syncSvc := relaysync.NewService(cfg.Sync.AgentID, kv, backend, relaysync.TimestampResolver{}, cfg.Sync.CheckInterval, msgMetrics)

	schemas := schema.NewRegistry()

	proc := processor.NewService(processor.Config{
		TickInterval:     cfg.Queue.TickInterval,
		AckSweepInterval: cfg.Ack.SweepInterval,
		GCInterval:       cfg.Storage.GCInterval,
		GCMaxAge:         cfg.Storage.GCMaxAge,
	}, q, kv, deliverySvc, acks, monitor, syncSvc, schemas, msgMetrics)

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, collector.GetRegistry())
		if err := metricsSrv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := syncSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync service: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity notifier: %w", err)
	}
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}

	log.Info().Msg("relayd started")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := proc.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop processor")
	}
	if err := notifier.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop connectivity notifier")
	}
	if err := monitor.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop connectivity monitor")
	}
	if err := syncSvc.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop sync service")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}

	log.Info().Msg("Shutdown complete")
	return nil
}
