package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notevault/internal/config"
	"notevault/internal/dispatch"
	"notevault/internal/handlers"
	"notevault/internal/http"
	"notevault/internal/indexer"
	"notevault/internal/llm"
	"notevault/internal/mount"
	"notevault/internal/semantic"
	"notevault/internal/service"
	"notevault/internal/storage"
	"notevault/internal/vectorstore"
)

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure structured logging with configurable level and format
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// sqlite-vec must be registered before the first connection is opened.
	if cfg.VectorBackend == config.BackendSQLiteVec {
		vectorstore.RegisterSQLiteVec()
	}

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := storage.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	slog.Info("Database initialized", "path", cfg.DBPath)

	itemRepo := storage.NewItemRepo(db)
	noteRepo := storage.NewNoteRepo(db)
	embeddingRepo := storage.NewEmbeddingRepo(db)

	var accel vectorstore.Index
	switch cfg.VectorBackend {
	case config.BackendSQLiteVec:
		idx, err := vectorstore.NewSQLiteVecIndex(ctx, db, cfg.VectorSize)
		switch {
		case errors.Is(err, vectorstore.ErrUnavailable):
			slog.Warn("sqlite-vec not loaded, using brute-force search")
		case err != nil:
			log.Fatalf("Failed to create sqlite-vec index: %v", err)
		default:
			accel = idx
		}
	case config.BackendQdrant:
		idx, err := vectorstore.NewQdrantIndex(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			log.Fatalf("Failed to create Qdrant client: %v", err)
		}
		defer func() {
			_ = idx.Close()
		}()
		if err := idx.EnsureCollection(ctx, cfg.VectorSize); err != nil {
			log.Fatalf("Failed to ensure Qdrant collection: %v", err)
		}
		slog.Info("Qdrant collection ready", "collection", cfg.QdrantCollection, "vector_size", cfg.VectorSize)
		accel = idx
	}

	sem := semantic.NewService(embeddingRepo, accel, cfg.VectorSize)
	slog.Info("Semantic index ready", "backend", sem.Backend())

	embedder := llm.NewEmbeddingsClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.VectorSize)

	worker := indexer.NewWorker(itemRepo, noteRepo, embedder, sem, indexer.Options{
		QueueSize: cfg.IndexQueueSize,
		Workers:   cfg.IndexWorkers,
	})
	worker.Start(context.WithoutCancel(ctx))
	defer worker.Stop()

	engine := mount.NewEngine(itemRepo, mount.Options{
		Ignore:    cfg.MountIgnore,
		OnRemoved: sem.Forget,
	})
	defer engine.Close()

	restored, err := engine.Restore(ctx)
	if err != nil {
		slog.Error("Failed to restore mounts", "error", err)
	}
	slog.Info("Mounts restored", "count", restored)

	workspace := service.NewWorkspace(service.Deps{
		Items:    itemRepo,
		Notes:    noteRepo,
		Mounts:   engine,
		Index:    sem,
		Embedder: embedder,
		Queue:    worker,
	})

	dispatcher := dispatch.New()
	dispatch.Register(dispatcher, dispatch.Services{
		Workspace: workspace,
		Mounts:    engine,
		Indexer:   worker,
		Repairer:  sem,
	})
	slog.Info("Commands registered", "count", len(dispatcher.Commands()))

	router := http.NewRouter(&http.Deps{
		Invoker:  dispatcher,
		Commands: dispatcher.Commands,
		Health:   handlers.NewHealthHandler(db, sem, engine),
	})

	// Notes saved before a crash may never have been embedded.
	if n, err := worker.ReindexMissing(ctx); err != nil {
		slog.Error("Startup reindex failed", "error", err)
	} else {
		slog.Info("Startup reindex scheduled", "notes", n)
	}

	addr := ":" + cfg.APIPort
	server := &nethttp.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting API server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Fatalf("API server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
}
