// Turnstile - Campus Swipe Attendance Stream Processing
// Copyright 2026 Campus Ops
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/campusops/turnstile

// Package main is the entry point for the turnstile server.
//
// Turnstile consumes gate swipe events from NATS JetStream, validates
// them against the enrolled population, deduplicates deliveries, and
// writes attendance projections to PostgreSQL while maintaining
// approximate per-session attendance counts.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 sources (defaults, YAML, env)
//  2. BadgerDB: shared store for the dedup ledger and sketch checkpoints
//  3. PostgreSQL: projection tables via pgxpool
//  4. Membership filter: bloom filter loaded from the population source
//  5. Attendance sketches: HyperLogLog registry restored from checkpoint
//  6. NATS: embedded server (default) or external URL, stream provisioning
//  7. Pipeline: Watermill router with the swipe processor handler
//  8. HTTP server: read API, health, and Prometheus metrics
//
// All long-running components run under a suture supervision tree and
// are restarted with backoff on failure.
//
// # Configuration
//
// Settings come from TURNSTILE_-prefixed environment variables, a
// config.yaml file (path override via CONFIG_PATH), and built-in
// defaults, highest priority first. For example:
//
//	export TURNSTILE_DATABASE_URL=postgres://turnstile@db:5432/turnstile
//	export TURNSTILE_POPULATION_MODE=postgres
//	export TURNSTILE_NATS_EMBEDDED=true
//	./turnstile
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the router drains
// in-flight handlers, the sketch registry takes a final checkpoint,
// and the HTTP server waits for active requests before closing.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/nats-io/nats.go"

	"github.com/campusops/turnstile/internal/api"
	"github.com/campusops/turnstile/internal/config"
	"github.com/campusops/turnstile/internal/eventprocessor"
	"github.com/campusops/turnstile/internal/filter"
	"github.com/campusops/turnstile/internal/ledger"
	"github.com/campusops/turnstile/internal/logging"
	"github.com/campusops/turnstile/internal/sketch"
	"github.com/campusops/turnstile/internal/store"
	"github.com/campusops/turnstile/internal/supervisor"
	"github.com/campusops/turnstile/internal/supervisor/services"
)

const dedupPrefix = "dedup:"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("population_mode", cfg.Population.Mode).
		Bool("nats_embedded", cfg.NATS.Embedded).
		Str("ledger_path", cfg.Ledger.Path).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared badger store: dedup ledger entries under "dedup:",
	// sketch checkpoints under "sketch:".
	badgerOpts := badger.DefaultOptions(cfg.Ledger.Path).WithLogger(nil)
	kv, err := badger.Open(badgerOpts)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Ledger.Path).Msg("Failed to open ledger store")
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing ledger store")
		}
	}()

	startupCtx, startupCancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	pool, err := store.NewPool(startupCtx, cfg.Database.URL)
	startupCancel()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	logging.Info().Msg("PostgreSQL connected, schema applied")

	// Membership filter with its population source. The initial load
	// must succeed: without a population every swipe would be rejected.
	memberFilter := filter.New(cfg.Filter.Capacity, cfg.Filter.FalsePositiveRate)
	var source filter.PopulationSource
	switch cfg.Population.Mode {
	case config.PopulationModePostgres:
		source = &filter.PostgresSource{Pool: pool}
	default:
		source = &filter.FileSource{Path: cfg.Population.Path}
	}
	refresher := filter.NewRefresher(memberFilter, source, cfg.Filter.RefreshInterval, cfg.Filter.SaturationThreshold)
	if err := refresher.Refresh(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to load population into membership filter")
	}
	logging.Info().
		Int("subjects", memberFilter.Loaded()).
		Float64("fill_ratio", memberFilter.FillRatio()).
		Msg("Membership filter loaded")

	// Attendance sketch registry, restored from the last checkpoint so
	// estimates survive restarts.
	registry := sketch.NewRegistry(cfg.Sketch.Precision)
	checkpointer := sketch.NewCheckpointer(registry, kv, cfg.Sketch.CheckpointInterval)
	if err := checkpointer.Restore(); err != nil {
		logging.Fatal().Err(err).Msg("Failed to restore sketch checkpoint")
	}
	logging.Info().Int("keys", registry.Len()).Msg("Attendance sketches restored")

	dedup := ledger.NewBadgerLedger(kv, dedupPrefix, cfg.Ledger.ClaimLease, cfg.Ledger.CommitTTL)
	maintenance := ledger.NewMaintenance(kv, dedup, cfg.Ledger.CleanupInterval)

	// NATS substrate: embedded server by default, external otherwise.
	natsURL := cfg.NATS.URL
	var embedded *eventprocessor.EmbeddedServer
	if cfg.NATS.Embedded {
		serverCfg := eventprocessor.DefaultServerConfig()
		serverCfg.StoreDir = cfg.NATS.StoreDir
		serverCfg.JetStreamMaxMem = cfg.NATS.MaxMemory
		serverCfg.JetStreamMaxStore = cfg.NATS.MaxStore
		embedded, err = eventprocessor.NewEmbeddedServer(&serverCfg)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logging.Fatal().Err(err).Str("url", natsURL).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	swipeStream := eventprocessor.DefaultStreamConfig()
	swipeStream.MaxAge = cfg.NATS.Retention
	swipeStream.DuplicateWindow = cfg.NATS.DuplicateWindow
	rejectionStream := eventprocessor.DefaultRejectionStreamConfig()
	if err := eventprocessor.EnsureStreams(ctx, nc, &swipeStream, &rejectionStream); err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision JetStream streams")
	}
	logging.Info().
		Str("stream", swipeStream.Name).
		Str("rejection_stream", rejectionStream.Name).
		Msg("JetStream streams provisioned")

	wmLogger := logging.NewWatermillAdapter()

	publisher, err := eventprocessor.NewPublisher(eventprocessor.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}()

	subscriberCfg := eventprocessor.DefaultSubscriberConfig(natsURL)
	subscriberCfg.DurableName = cfg.NATS.DurableName
	subscriberCfg.QueueGroup = cfg.NATS.QueueGroup
	subscriberCfg.SubscribersCount = cfg.NATS.Subscribers
	subscriberCfg.AckWaitTimeout = cfg.NATS.AckWait
	subscriberCfg.MaxDeliver = cfg.NATS.MaxDeliver
	subscriberCfg.MaxAckPending = cfg.NATS.MaxAckPending
	subscriber, err := eventprocessor.NewSubscriber(&subscriberCfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create subscriber")
	}
	defer func() {
		if err := subscriber.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing subscriber")
		}
	}()

	writer := store.NewWriter(
		store.WriterConfig{
			WriteTimeout:     cfg.Database.WriteTimeout,
			BreakerThreshold: cfg.Writer.BreakerFailureThreshold,
			BreakerCooldown:  cfg.Writer.BreakerTimeout,
		},
		store.NewSessionProjection(pool),
		store.NewSubjectProjection(pool),
	)

	processor := eventprocessor.NewProcessor(
		eventprocessor.ProcessorConfig{
			RetryMax:            cfg.Writer.RetryMax,
			RetryInitialBackoff: cfg.Writer.RetryInitialBackoff,
			RetryMaxBackoff:     cfg.Writer.RetryMaxBackoff,
		},
		memberFilter,
		dedup,
		registry,
		writer,
		eventprocessor.NewStreamRejectionSink(publisher),
	)

	routerCfg := eventprocessor.DefaultRouterConfig()
	router, err := eventprocessor.NewRouter(&routerCfg, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create router")
	}
	router.AddConsumerHandler(
		"swipe-processor",
		eventprocessor.SwipeSubjects,
		subscriber.WatermillSubscriber(),
		processor.Handle,
	)

	apiHandler := api.NewHandler(
		store.NewReader(pool),
		registry,
		memberFilter,
		cfg.Filter.SaturationThreshold,
		nc.IsConnected,
	)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(apiHandler).Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddStorageService(maintenance)
	tree.AddStorageService(checkpointer)
	tree.AddStorageService(refresher)

	if embedded != nil {
		tree.AddPipelineService(services.NewEmbeddedServerService(embedded, 10*time.Second))
	}
	tree.AddPipelineService(router)

	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Turnstile stopped gracefully")
}
