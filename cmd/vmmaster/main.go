package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"

	"github.com/evilkost/copr/internal/database"
	"github.com/evilkost/copr/internal/eventhandler"
	"github.com/evilkost/copr/internal/master"
	"github.com/evilkost/copr/internal/memstore"
	"github.com/evilkost/copr/internal/proc"
	"github.com/evilkost/copr/internal/shared/config"
	"github.com/evilkost/copr/internal/shared/health"
	"github.com/evilkost/copr/internal/shared/nats"
	"github.com/evilkost/copr/internal/vmm"
	"github.com/evilkost/copr/internal/worker"
	"github.com/evilkost/copr/internal/zlog"
)

func main() {
	cfg, err := config.LoadVMMasterConfig()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := zlog.New(zlog.Config{
		Level:       cfg.LogLevel,
		Service:     cfg.ServiceName,
		Environment: cfg.Environment,
	})
	slog.SetDefault(logger)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = zlog.With(ctx, logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("vmmaster failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.VMMasterConfig, logger *slog.Logger) error {
	hc := health.NewHandler()

	var store vmm.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, vm state is lost on restart")
		store = memstore.New()
	default:
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		store = db
	}
	hc.AddCheck("store", health.PingCheck(store))

	bus, err := nats.NewClient(&cfg.NATS, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer bus.Close()
	hc.AddCheck("nats", health.PingCheck(bus))

	subjects := vmm.Subjects{Prefix: cfg.NATS.SubjectPrefix}
	runner := &worker.PlaybookRunner{
		Binary:  cfg.PlaybookBinary,
		Timeout: cfg.PlaybookTimeout,
		Logger:  logger,
	}

	prober, err := worker.NewSSHProber(cfg.SSH)
	if err != nil {
		return err
	}
	checker, err := worker.NewChecker(worker.CheckerConfig{
		Prober:   prober,
		Bus:      bus,
		Subjects: subjects,
		MaxTime:  cfg.Thresholds.HealthCheckMaxTime,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	spawner, err := worker.NewSpawner(worker.SpawnerConfig{
		Groups:   cfg.Groups,
		Runner:   runner,
		Bus:      bus,
		Subjects: subjects,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	terminator, err := worker.NewTerminator(worker.TerminatorConfig{
		Groups:   cfg.Groups,
		Runner:   runner,
		Bus:      bus,
		Subjects: subjects,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	manager, err := vmm.NewManager(vmm.Config{
		Store:    store,
		Bus:      bus,
		Subjects: subjects,
		Checker:  checker,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := eventhandler.New(eventhandler.Config{
		Manager:       manager,
		Terminator:    terminator,
		Source:        bus,
		MaxCheckFails: cfg.Thresholds.MaxCheckFails,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	vmMaster, err := master.New(master.Config{
		Manager:      manager,
		Spawner:      spawner,
		Terminator:   terminator,
		Checker:      checker,
		EventHandler: handler,
		Bus:          bus,
		Inspector:    proc.Local{},
		Groups:       cfg.Groups,
		Thresholds:   cfg.Thresholds,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	hc.RegisterHandlers(mux)
	srv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.Run(ctx)
	})
	g.Go(func() error {
		return vmMaster.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("health endpoint listening", "addr", cfg.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("vmmaster started", "groups", len(cfg.Groups), "store", cfg.StoreDriver)
	err = g.Wait()
	logger.Info("vmmaster stopped")
	return err
}
