package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"lorebase/features/document"
	"lorebase/features/kb"
	"lorebase/features/run"
	"lorebase/features/staging"
	"lorebase/features/stats"
	"lorebase/internal/adapter/scrape"
	"lorebase/internal/config"
	"lorebase/internal/indexer"
	"lorebase/internal/middleware"
	"lorebase/internal/pipeline"
	"lorebase/internal/retrieval"
	"lorebase/internal/worker"
)

type App struct {
	Handler          http.Handler
	Dispatcher       *pipeline.Dispatcher
	DispatchConsumer *worker.DispatchConsumer
	Sweeper          *worker.Sweeper

	port int
}

func New(ctx context.Context, cfg *config.Config, db *sql.DB, vecStore VectorStore, embedder Embedder, taskPub TaskPublisher) (*App, error) {
	// Repositories
	kbRepo := kb.NewPostgresRepo(db)
	docRepo := document.NewPostgresRepo(db)
	runRepo := run.NewPostgresRepo(db)
	stagingRepo := staging.NewPostgresRepo(db)

	// Ingestion side: fetcher, indexing coordinator, pipeline
	fetcher := scrape.NewFetcher(time.Duration(cfg.FetchTimeoutSecs) * time.Second)
	coordinator := indexer.NewCoordinator(docRepo, vecStore, embedder, indexer.Config{
		EmbedBatchSize:  cfg.EmbedBatchSize,
		UpsertBatchSize: cfg.UpsertBatchSize,
		Concurrency:     cfg.EmbedConcurrency,
		EmbedTimeout:    time.Duration(cfg.EmbedTimeoutSecs) * time.Second,
	})

	orchestrator := pipeline.NewOrchestrator(runRepo, kbRepo, docRepo, fetcher, coordinator, taskPub)
	dispatcher, err := pipeline.NewDispatcher(ctx, orchestrator, cfg.RunWorkers, cfg.RunsPerOwner)
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}

	// Retrieval side
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(embedder, vecStore, docRepo, queryLogger)

	// Features
	kbService := kb.NewService(kbRepo, docRepo, runRepo, stagingRepo, taskPub, vecStore, cfg.EmbeddingModel)
	kbHandler := kb.NewHandler(kbService, retrievalService)
	runHandler := run.NewHandler(runRepo)
	stagingHandler := staging.NewHandler(stagingRepo)
	statsHandler := stats.NewHandler(kbRepo, runRepo, docRepo)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /staged", middleware.CorrelationID(enableCORS(stagingHandler.Create)))
	mux.Handle("GET /staged/{id}", middleware.CorrelationID(enableCORS(stagingHandler.Get)))

	mux.Handle("POST /knowledge-bases/finalize", middleware.CorrelationID(enableCORS(kbHandler.Finalize)))
	mux.Handle("GET /knowledge-bases", middleware.CorrelationID(enableCORS(kbHandler.List)))
	mux.Handle("GET /knowledge-bases/{id}", middleware.CorrelationID(enableCORS(kbHandler.Get)))
	mux.Handle("DELETE /knowledge-bases/{id}", middleware.CorrelationID(enableCORS(kbHandler.Delete)))
	mux.Handle("POST /knowledge-bases/{id}/reindex", middleware.CorrelationID(enableCORS(kbHandler.Reindex)))
	mux.Handle("POST /knowledge-bases/{id}/search", middleware.CorrelationID(enableCORS(kbHandler.Search)))

	mux.Handle("GET /runs/{id}", middleware.CorrelationID(enableCORS(runHandler.Get)))
	mux.Handle("POST /runs/{id}/cancel", middleware.CorrelationID(enableCORS(runHandler.Cancel)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	sweeper := worker.NewSweeper(coordinator, runRepo, stagingRepo,
		time.Duration(cfg.SweepIntervalSecs)*time.Second,
		time.Duration(cfg.RunRetentionHours)*time.Hour)

	return &App{
		Handler:          mux,
		Dispatcher:       dispatcher,
		DispatchConsumer: worker.NewDispatchConsumer(dispatcher),
		Sweeper:          sweeper,
		port:             cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
