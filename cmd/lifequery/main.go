// lifequery is the self-hosted memory engine server: it ingests chat
// history, maintains the embedded corpus and answers questions over it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nikira-studio/lifequery/internal/api"
	"github.com/nikira-studio/lifequery/internal/config"
	"github.com/nikira-studio/lifequery/internal/embeddings"
	"github.com/nikira-studio/lifequery/internal/ingest"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/orchestrator"
	"github.com/nikira-studio/lifequery/internal/retrieval"
	"github.com/nikira-studio/lifequery/internal/source"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/internal/tasks"
	"github.com/nikira-studio/lifequery/internal/vector"
	"github.com/nikira-studio/lifequery/pkg/types"
)

const version = "1.0.0"

func main() {
	var addr = flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetDefault(logging.NewLogger(logging.ParseLevel(cfg.Logging.Level)))

	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	vectors := vector.NewQdrantStore(&cfg.Qdrant)
	if err := vectors.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize vector store: %v", err)
	}
	defer func() { _ = vectors.Close() }()

	settings, err := st.Snapshot(ctx)
	if err != nil {
		log.Fatalf("Failed to read settings: %v", err)
	}
	embedder := embeddings.NewOpenAIClient(settings.EmbeddingBaseURL, settings.EmbeddingModel, settings.EmbeddingAPIKey)

	pipeline := ingest.New(st, vectors, embedder)
	retriever := retrieval.New(st, vectors, embedder)
	orch := orchestrator.New(st, retriever)
	manager := tasks.NewManager(st)

	connector := func(settings *store.Settings) source.Connector {
		return source.NewRemoteConnector(settings.TelegramBridgeURL)
	}

	autoSync := tasks.NewAutoSync(st, manager, func() error {
		syncSettings, err := st.Snapshot(context.Background())
		if err != nil {
			return err
		}
		_, err = manager.Start(types.OperationSync, func(taskCtx context.Context, progress chan<- types.Progress) (types.Counts, error) {
			afterTS, err := st.MaxMessageTimestamp(taskCtx)
			if err != nil {
				return types.Counts{}, err
			}
			src, err := connector(syncSettings).Open(taskCtx, afterTS)
			if err != nil {
				return types.Counts{}, err
			}
			return pipeline.Run(taskCtx, src, syncSettings, progress)
		})
		return err
	})
	go autoSync.Run(ctx)

	router := api.NewRouter(api.Deps{
		Store:        st,
		Vectors:      vectors,
		Pipeline:     pipeline,
		Orchestrator: orch,
		Tasks:        manager,
		Connector:    connector,
		Version:      version,
	})

	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	server := &http.Server{
		Addr:        listen,
		Handler:     router.Handler(),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout defaults to 0 (no limit): SSE streams are long-lived
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logging.Info("LifeQuery listening", "addr", listen, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("Shutdown failed", "error", err)
	}
}
