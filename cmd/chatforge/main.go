// Command chatforge runs the chat backend: an HTTP API serving
// intent-enveloped chat completions with streaming, server-side tool
// orchestration and PostgreSQL persistence.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"goa.design/clue/log"

	"github.com/chatforge/chatforge/abort"
	"github.com/chatforge/chatforge/auth"
	"github.com/chatforge/chatforge/chat"
	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/provider"
	"github.com/chatforge/chatforge/store"
	"github.com/chatforge/chatforge/telemetry"
	"github.com/chatforge/chatforge/tools"
)

const (
	shutdownGrace = 15 * time.Second
	modelCacheTTL = 5 * time.Minute
	purgeInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(log.Context(context.Background()), err, "configuration")
	}
	ctx := telemetry.Init(context.Background(), cfg.Debug)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.DatabaseURL, cfg.MasterKeyBytes())
	if err != nil {
		log.Fatalf(ctx, err, "database connection")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf(ctx, err, "database migration")
	}
	db.SetLimits(store.Limits{
		MaxConversationsPerUser:    cfg.MaxConversationsPerUser,
		MaxMessagesPerConversation: cfg.MaxMessagesPerConversation,
	})

	fetcher := tools.NewFetcher(nil)
	defer fetcher.Close()
	registry, err := buildRegistry(cfg, db, fetcher)
	if err != nil {
		log.Fatalf(ctx, err, "tool registration")
	}

	models := provider.NewModelCache(modelCacheTTL)
	defer models.Close()

	deps := provider.Deps{ResponsesState: db}
	svc := chat.New(chat.Options{
		Store:  db,
		Abort:  abort.NewRegistry(),
		Tools:  registry,
		Models: models,
		NewClient: func(rec provider.Record) (model.Client, error) {
			return provider.Select(rec, deps)
		},
		DefaultMaxToolIterations: cfg.DefaultMaxToolIterations,
	})

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	group := engine.Group("/v1")
	group.Use(auth.Middleware([]byte(cfg.JWTSecret)))
	svc.Mount(group)

	if cfg.RetentionDays > 0 {
		go purgeLoop(ctx, db, cfg.RetentionDays)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf(ctx, err, "http server")
		}
	case <-ctx.Done():
		log.Printf(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf(shutdownCtx, err, "graceful shutdown")
		}
	}
}

func buildRegistry(cfg config.Config, db *store.Store, fetcher *tools.Fetcher) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterTime(registry); err != nil {
		return nil, err
	}
	searx := &tools.SearxBackend{BaseURL: cfg.SearchBaseURL}
	if err := tools.RegisterWebSearch(registry, searx); err != nil {
		return nil, err
	}
	if err := tools.RegisterBraveSearch(registry, db); err != nil {
		return nil, err
	}
	if err := tools.RegisterWebFetch(registry, fetcher); err != nil {
		return nil, err
	}
	if err := tools.RegisterJournal(registry, db); err != nil {
		return nil, err
	}
	return registry, nil
}

// purgeLoop deletes soft-removed rows past the retention window.
func purgeLoop(ctx context.Context, db *store.Store, retentionDays int) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeDeleted(ctx, retentionDays)
			if err != nil {
				log.Errorf(ctx, err, "retention purge")
				continue
			}
			if n > 0 {
				log.Printf(ctx, "purged %d expired rows", n)
			}
		}
	}
}
