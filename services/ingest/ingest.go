// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest assembles the document-ingestion service: pipeline
// orchestrator, dead-letter retry worker, health monitor, progress
// broadcasting, and the HTTP API that fronts them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/GraphVault/pkg/logging"
	"github.com/AleutianAI/GraphVault/services/ingest/breaker"
	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
	"github.com/AleutianAI/GraphVault/services/ingest/dlq"
	"github.com/AleutianAI/GraphVault/services/ingest/extract"
	"github.com/AleutianAI/GraphVault/services/ingest/graphstore"
	"github.com/AleutianAI/GraphVault/services/ingest/handlers"
	"github.com/AleutianAI/GraphVault/services/ingest/health"
	"github.com/AleutianAI/GraphVault/services/ingest/observability"
	"github.com/AleutianAI/GraphVault/services/ingest/pipeline"
	"github.com/AleutianAI/GraphVault/services/ingest/progress"
	"github.com/AleutianAI/GraphVault/services/ingest/storage"
	"github.com/AleutianAI/GraphVault/services/ingest/txn"
	"github.com/AleutianAI/GraphVault/services/ingest/watch"
)

// Service is the assembled ingestion service. Construct with New, then
// call Run, which blocks until ctx is cancelled.
type Service struct {
	config    Config
	logger    *logging.Logger
	router    *gin.Engine
	db        *storage.DB
	orch      *pipeline.Orchestrator
	worker    *dlq.Worker
	monitor   *health.Monitor
	watcher   *watch.Watcher
	metrics   *observability.IngestMetrics
	tracerEnd func(context.Context)
}

// New wires all components per cfg. The caller owns Run.
func New(cfg Config) (*Service, error) {
	logger := logging.New(logging.Config{
		Service: "graphvault-ingest",
		LogDir:  cfg.LogDir,
		JSON:    *cfg.LogJSON,
	})
	slogger := logger.Slog()

	s := &Service{config: cfg, logger: logger}

	if cfg.OTelEndpoint != "" {
		cleanup, err := initTracer(cfg.OTelEndpoint)
		if err != nil {
			return nil, fmt.Errorf("initialize tracer: %w", err)
		}
		s.tracerEnd = cleanup
	}
	if *cfg.EnableMetrics {
		s.metrics = observability.InitMetrics()
	}

	db, err := storage.Open(storage.DefaultConfig(filepath.Join(cfg.DataDir, "db")))
	if err != nil {
		return nil, fmt.Errorf("open embedded database: %w", err)
	}
	s.db = db

	graph, err := initGraphStore(cfg, slogger)
	if err != nil {
		db.Close()
		return nil, err
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		OnTransition: func(dependency string, from, to breaker.State) {
			slogger.Warn("circuit breaker transition",
				slog.String("dependency", dependency),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if s.metrics != nil {
				var v float64
				switch to {
				case breaker.HalfOpen:
					v = 1
				case breaker.Open:
					v = 2
				}
				s.metrics.BreakerState.WithLabelValues(dependency).Set(v)
			}
		},
	})
	queue := dlq.NewQueue(db, dlq.Config{MaxAttempts: cfg.DLQMaxAttempts}, slogger)
	broadcast := progress.NewBroadcaster(db, slogger)

	var text extract.TextExtractor = extract.FileExtractor{}
	if cfg.ExtractorURL != "" {
		text = extract.NewHTTPExtractor(cfg.ExtractorURL)
	}
	var entities extract.EntityExtractor
	if cfg.EntityExtractorURL != "" {
		entities = extract.NewHTTPEntityExtractor(cfg.EntityExtractorURL)
	} else {
		llm, err := extract.NewLLMExtractor(slogger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize entity extractor: %w", err)
		}
		entities = llm
	}

	s.orch = pipeline.NewOrchestrator(pipeline.Deps{
		Jobs:     pipeline.NewBadgerJobStore(db),
		Text:     text,
		Entities: entities,
		Graph:    graph,
		Txns:     txn.NewManager(breakers, slogger),
		Breakers: breakers,
		Queue:    queue,
		Progress: broadcast,
		Metrics:  s.metrics,
		Logger:   slogger,
	}, pipeline.Config{MaxConcurrent: cfg.MaxConcurrent})

	s.worker = dlq.NewWorker(queue, s.orch, dlq.WorkerConfig{
		PollInterval: cfg.DLQPollInterval,
	}, slogger)
	if s.metrics != nil {
		metrics := s.metrics
		s.worker.SetAttemptHook(func(entry *datatypes.DeadLetterEntry, err error) {
			switch {
			case err == nil:
				metrics.DLQRetriesTotal.WithLabelValues("success").Inc()
			case entry.Exhausted():
				metrics.DLQRetriesTotal.WithLabelValues("escalated").Inc()
			default:
				metrics.DLQRetriesTotal.WithLabelValues("rescheduled").Inc()
			}
		})
	}

	s.monitor = health.NewMonitor(s.orch, breakers, queue, s.metrics, health.Config{
		Interval:     cfg.HealthInterval,
		StuckTimeout: cfg.StuckTimeout,
	}, slogger)

	if cfg.WatchDir != "" {
		watcher, err := watch.New(cfg.WatchDir, s.orch, slogger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize drop-directory watcher: %w", err)
		}
		s.watcher = watcher
	}

	s.initRouter(queue, broadcast)
	return s, nil
}

// Run starts all background loops and the HTTP server, blocking until
// ctx is cancelled or a component fails fatally.
func (s *Service) Run(ctx context.Context) error {
	defer s.cleanup()

	if err := s.orch.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.worker.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := s.monitor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if s.watcher != nil {
		g.Go(func() error {
			err := s.watcher.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}
	g.Go(func() error {
		s.logger.Info("ingestion server listening", "port", s.config.Port)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.orch.Wait()
	return err
}

// Router returns the gin engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) initRouter(queue *dlq.Queue, broadcast *progress.Broadcaster) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if s.tracerEnd != nil {
		router.Use(otelgin.Middleware("graphvault-ingest"))
	}

	spoolDir := filepath.Join(s.config.DataDir, "spool")
	api := router.Group("/api")
	{
		api.POST("/documents", handlers.SubmitDocument(s.orch, spoolDir))
		api.GET("/jobs", handlers.ListJobs(s.orch))
		api.GET("/jobs/:id", handlers.GetJob(s.orch))
		api.POST("/jobs/:id/cancel", handlers.CancelJob(s.orch))
		api.GET("/dlq", handlers.ListDeadLetters(queue))
		api.POST("/dlq/:id/retry", handlers.RetryDeadLetter(queue))
		api.GET("/health/summary", handlers.HealthSummary(s.monitor))
	}
	router.GET("/ws/progress/:id", handlers.ProgressWebSocket(broadcast, s.orch, s.metrics))
	router.GET("/healthz", handlers.Healthz())
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	s.router = router
}

func (s *Service) cleanup() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}
	if s.tracerEnd != nil {
		s.tracerEnd(context.Background())
	}
	s.logger.Close()
}

func initGraphStore(cfg Config, slogger *slog.Logger) (graphstore.Store, error) {
	weaviateURL := strings.Trim(cfg.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slogger.Warn("no graph store configured, using in-memory store")
		return graphstore.NewMemory(), nil
	}

	parsed, err := url.Parse(weaviateURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid graph store URL: %s", weaviateURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create graph store client: %w", err)
	}

	store := graphstore.NewWeaviate(client, slogger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure graph schema: %w", err)
	}
	slogger.Info("graph store connected", "url", weaviateURL)
	return store, nil
}

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create collector connection: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("graphvault-ingest")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			// exporter flush failure is not fatal at shutdown
			_ = err
		}
	}, nil
}
