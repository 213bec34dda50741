package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"kanvas-composer/internal/api"
	"kanvas-composer/internal/catalog"
	"kanvas-composer/internal/composer"
	"kanvas-composer/internal/dispatch"
	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/lifecycle"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/metadata"
	"kanvas-composer/internal/platform/config"
	"kanvas-composer/internal/platform/logger"
	"kanvas-composer/internal/platform/metrics"
	"kanvas-composer/internal/session"
	"kanvas-composer/internal/storage"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	store, err := storage.NewDir(cfg.MediaDir)
	if err != nil {
		log.Error("media directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.CatalogPath), 0o755); err != nil {
		log.Error("catalog directory", "error", err)
		os.Exit(1)
	}
	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		log.Error("catalog open", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	pipeline, err := filter.NewPipeline(filter.ParseBackends(cfg.FilterBackends), log)
	if err != nil {
		log.Error("filter pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	met := metrics.New()
	queue := dispatch.NewQueue(log)
	defer queue.Close()
	tagger := metadata.NewTagger(log)

	comp, err := composer.New(composer.Config{
		Storage:        store,
		Tagger:         tagger,
		Dispatcher:     queue,
		StillCacheSize: cfg.StillCacheSize,
		Log:            log,
		Metrics:        met,
	})
	if err != nil {
		log.Error("composer", "error", err)
		os.Exit(1)
	}

	manager := session.NewManager(session.Settings{
		OutputFormat:  composer.FormatVideo,
		Mode:          media.ModeNormal,
		ImageDuration: cfg.ImageDuration,
	})
	svc := api.NewService(api.Options{
		MediaRoot:                    store.Root(),
		FrameRate:                    cfg.FrameRate,
		FrameWidth:                   cfg.FrameWidth,
		FrameHeight:                  cfg.FrameHeight,
		ExportStopMotionPhotoAsVideo: cfg.ExportStopMotionPhotoAsVideo,
	}, api.Deps{
		Manager:    manager,
		Catalog:    cat,
		Storage:    store,
		Composer:   comp,
		Tagger:     tagger,
		Pipeline:   pipeline,
		Bus:        lifecycle.NewBus(),
		Dispatcher: queue,
		Log:        log,
		Metrics:    met,
	})
	defer svc.Close()

	restored, err := svc.Restore()
	if err != nil {
		log.Error("restoring sessions", "error", err)
		os.Exit(1)
	}

	h := api.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessions()) }).ServeHTTP(w, r)
	})
	h.Register(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"media_dir", store.Root(),
		"filter_backend", string(pipeline.Backend()),
		"restored_sessions", restored,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	log.Info("server stopped")
}
