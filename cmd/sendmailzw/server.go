package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/webmaster-cyber/sendmailzw/internal/api"
	"github.com/webmaster-cyber/sendmailzw/internal/config"
	"github.com/webmaster-cyber/sendmailzw/internal/counter"
	"github.com/webmaster-cyber/sendmailzw/internal/events"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/queue"
	"github.com/webmaster-cyber/sendmailzw/internal/ratelimit"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server, queue drainer and webhook worker",
	RunE:  runServer,
}

// webhookInterval is the cadence of the pending-webhook drain loop.
const webhookInterval = 5 * time.Second

// backends bundles the external service connections shared by every
// subcommand.
type backends struct {
	store    store.Store
	counters counter.Store
	objects  objstore.Store
}

func connect(ctx context.Context, cfg *config.Config) (*backends, error) {
	st, err := store.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	counters, err := counter.NewRedis(ctx, cfg.Redis)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	objects, err := objstore.NewS3(cfg.S3)
	if err != nil {
		st.Close()
		counters.Close()
		return nil, fmt.Errorf("connect s3: %w", err)
	}
	return &backends{store: st, counters: counters, objects: objects}, nil
}

func (b *backends) Close() {
	if err := b.counters.Close(); err != nil {
		slog.Error("close counter store", "error", err)
	}
	if err := b.store.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
}

// buildIngestor wires the event ingestor with its notifier.
func buildIngestor(b *backends, cfg *config.Config) *events.Ingestor {
	return events.NewIngestor(b.store, b.counters, events.NewNotifier(b.store), cfg.Events)
}

// buildDrainer wires the full send pipeline: rate limiter, provider
// registry, dispatcher and drainer. The ingestor doubles as the adapters'
// send reporter.
func buildDrainer(b *backends, cfg *config.Config, ingest *events.Ingestor) *queue.Drainer {
	registry := provider.NewRegistry()
	registry.Register(provider.NewHostedSink(ingest))
	registry.Register(provider.NewBulkAPI(ingest))
	registry.Register(provider.NewCloudMailer(ingest))
	registry.Register(provider.NewTransactional(ingest))
	registry.Register(provider.NewRelayAPI(ingest))
	registry.Register(provider.NewSMTPRelay(ingest))

	dispatcher := queue.NewDispatcher(b.store, b.objects, registry, cfg.SendMode(), cfg.Dispatcher)
	limiter := ratelimit.New(b.counters)
	return queue.NewDrainer(b.store, limiter, dispatcher, cfg.Drainer)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.SetupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ingest := buildIngestor(b, cfg)
	drainer := buildDrainer(b, cfg, ingest)
	if err := drainer.Start(ctx); err != nil {
		return fmt.Errorf("start drainer: %w", err)
	}
	defer drainer.Stop()

	// Pending-webhook worker: provider webhooks are acknowledged into a
	// buffer by the API and ingested here.
	go func() {
		ticker := time.NewTicker(webhookInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := ingest.ProcessPending(ctx); err != nil {
					slog.Error("process pending webhooks", "error", err)
				}
			}
		}
	}()

	apiServer := api.NewServer(cfg.Server, b.store, b.objects, ingest)
	serverErrors := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			serverErrors <- err
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("sendmailzw server started", "mode", cfg.Mode)

	select {
	case sig := <-signalChan:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serverErrors:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown", "error", err)
	}
	return nil
}
