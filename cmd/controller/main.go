// Package main is the entry point for the caeplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caeplane/internal/browser"
	"caeplane/internal/config"
	"caeplane/internal/controller"
	"caeplane/internal/controller/handlers"
	"caeplane/internal/executor"
	"caeplane/internal/headful"
	"caeplane/internal/logger"
	"caeplane/internal/matcher"
	"caeplane/internal/observability"
	"caeplane/internal/planner"
	"caeplane/internal/store"
	"caeplane/internal/store/memory"
	"caeplane/internal/store/postgres"
	"caeplane/internal/submission"
	"caeplane/internal/uploader"

	"go.opentelemetry.io/otel"
)

// backend is everything the controller needs from a store driver.
type backend interface {
	store.SnapshotSource
	store.DocumentRepository
	store.PlanStore
	store.ExecutionStore
	handlers.Pinger
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: caeplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	appLogger := logger.New(level)
	ctx := context.Background()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "caeplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics. Must run before anything creates instruments on the global meter.
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(ctx, "caeplane-controller")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	policy, err := planner.ParsePolicy(cfg.AutoSubmitPolicy)
	if err != nil {
		log.Fatalf("Invalid auto submit policy: %v", err)
	}
	secret := []byte(cfg.PlanTokenSecret)

	p := planner.New(st, st, st, matcher.New(cfg.CandidateFloor), planner.Config{
		AutoUploadThreshold: cfg.AutoUploadThreshold,
		ReviewFloor:         cfg.ReviewFloor,
		Policy:              policy,
		TokenSecret:         secret,
	})
	engine := executor.New(st, executor.Config{MinSubmitInterval: cfg.PortalMinSubmitInterval}, appLogger)

	portalCfg := uploader.PortalConfig{
		UploadURLTemplate:    cfg.PortalUploadURLTemplate,
		ExpectedPagePattern:  cfg.PortalExpectedPagePattern,
		FileInputSelector:    cfg.PortalFileInputSelector,
		SubmitSelector:       cfg.PortalSubmitSelector,
		ConfirmationSelector: cfg.PortalConfirmationSelector,
		DocumentsDir:         cfg.DocumentsDir,
	}
	driver := browser.NewChromeDriver(cfg.ChromePath, appLogger)
	states := browser.NewFileStateStore(cfg.StorageStateDir)
	evidence := uploader.NewDirEvidence(cfg.EvidenceDir)

	var realUploaders submission.RealUploaders
	var headfulSvc handlers.HeadfulService
	var manager *headful.Manager

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()

	if cfg.RealUploaderEnabled {
		realUploaders = &uploader.SessionFactory{Driver: driver, States: states, Config: portalCfg, Evidence: evidence}

		manager = headful.NewManager(st, st, states, driver, engine, evidence, headful.Config{
			IdleTimeout: cfg.HeadfulIdleTimeout,
			Portal:      portalCfg,
			TokenSecret: secret,
		}, appLogger)
		if err := manager.RegisterMetrics(otel.Meter("caeplane-controller")); err != nil {
			log.Printf("Failed to register headful session metric: %v", err)
		}
		go manager.RunReaper(reaperCtx, time.Minute)
		headfulSvc = manager
	}

	svc := submission.NewService(p, st, st, engine, realUploaders, submission.Config{
		RealUploaderEnabled: cfg.RealUploaderEnabled,
		TokenSecret:         secret,
	}, appLogger)

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	h := handlers.New(svc, headfulSvc, st, appLogger)
	srv := controller.New(addr, h, controller.Options{
		APIToken:     cfg.APIToken,
		APIRateLimit: cfg.APIRateLimit,
		APIRateBurst: cfg.APIRateBurst,
		Metrics:      metricsHandler,
	}, appLogger)

	go func() {
		appLogger.Info("caeplane controller starting",
			"addr", addr,
			"store", cfg.StoreDriver,
			"real_uploader_enabled", cfg.RealUploaderEnabled,
		)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if manager != nil {
		stopReaper()
		manager.Shutdown()
	}
	log.Println("Server exited properly")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		st := memory.New()
		if cfg.FixturesPath != "" {
			if err := st.LoadFixtures(cfg.FixturesPath); err != nil {
				return nil, nil, fmt.Errorf("load fixtures: %w", err)
			}
		}
		return st, func() {}, nil
	default:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}
