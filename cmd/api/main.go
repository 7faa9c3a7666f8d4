package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OSM-es/CatAtomApi/internal/api"
	"github.com/OSM-es/CatAtomApi/internal/api/handler"
	"github.com/OSM-es/CatAtomApi/internal/api/middleware"
	"github.com/OSM-es/CatAtomApi/internal/cache"
	"github.com/OSM-es/CatAtomApi/internal/config"
	"github.com/OSM-es/CatAtomApi/internal/engine"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "catatom-api",
		File:        cfg.Log.File,
		FileOnly:    cfg.Log.FileOnly,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx := context.Background()

	var audit service.Auditor
	var auditLister handler.AuditLister
	if cfg.Database.Enabled {
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize database")
		}
		auditRepo := repository.NewAuditRepository(db)
		audit, auditLister = auditRepo, auditRepo
	}

	provider, err := cache.NewProvider(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize input cache")
	}

	layout := service.Layout{LogFile: cfg.Engine.LogFile, ErrorMarker: cfg.Engine.ErrorMarker}
	deriver := service.NewStatusDeriver(layout)
	repo := repository.NewJobRepository(cfg.Work.Dir, cfg.Work.BackupDir)

	cors := middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}
	hub := notify.NewHub(middleware.OriginChecker(cors))
	tailer := service.NewTailer(deriver, hub, cfg.Watch.Interval, cfg.Watch.StartupTimeout)

	ctrl := service.NewController(service.ControllerConfig{
		Deriver:        deriver,
		Launcher:       engine.NewExecLauncher(cfg.Engine.Command, cfg.Engine.Args, cfg.Engine.Env),
		Cache:          provider,
		Sink:           hub,
		Audit:          audit,
		Tailer:         tailer,
		StopOnShutdown: cfg.Engine.StopOnShutdown,
		PollInterval:   cfg.Watch.Interval,
	})
	if _, err := ctrl.Reconcile(ctx, repo); err != nil {
		appLogger.WithError(err).Warn("Failed to reconcile unfinished runs")
	}

	router := api.SetupRouter(api.Services{
		Repo:       repo,
		Deriver:    deriver,
		Controller: ctrl,
		Tailer:     tailer,
		Review:     service.NewReviewWorkflow(deriver, hub, audit),
		Highway:    service.NewHighwayEditor(deriver, hub, audit),
		Chat:       service.NewChatLog(hub),
		Splits:     cache.NewSplitSource(provider, &cfg.Cache),
		Audit:      auditLister,
		Hub:        hub,
	}, cfg.Server.Mode, cors)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":     cfg.Server.Port,
			"mode":     cfg.Server.Mode,
			"work_dir": cfg.Work.Dir,
			"cache":    cfg.Cache.Provider,
			"audit":    cfg.Database.Enabled,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	hub.Close()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Engines still running at exit")
	}

	appLogger.Info("Server exited")
}
