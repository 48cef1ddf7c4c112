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

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"

	"github.com/dukerupert/lastsignal/internal/audit"
	"github.com/dukerupert/lastsignal/internal/backup"
	"github.com/dukerupert/lastsignal/internal/checkin"
	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/database"
	"github.com/dukerupert/lastsignal/internal/delivery"
	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/logging"
	"github.com/dukerupert/lastsignal/internal/maintenance"
	"github.com/dukerupert/lastsignal/internal/metrics"
	"github.com/dukerupert/lastsignal/internal/server"
	"github.com/dukerupert/lastsignal/internal/store"
	ws "github.com/dukerupert/lastsignal/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		once       bool
		logLevel   string
		addr       string
		restoreID  int64
		restoreTo  string
	)
	flagSet := pflag.NewFlagSet("lastsignal", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.BoolVar(&once, "once", false, "run one scheduler pass and exit")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.StringVar(&addr, "addr", "", "ops server listen address")
	flagSet.Int64Var(&restoreID, "restore", 0, "download and decrypt backup `id`, then exit")
	flagSet.StringVar(&restoreTo, "restore-to", "", "where --restore writes the database (default <dsn>.restored)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if addr != "" {
		cfg.Addr = addr
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.OpenDialect(database.Dialect(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	metrics.MustRegister()
	clock := clockwork.NewRealClock()

	hub := ws.NewHub(logger.With("component", "websocket"))
	auditor := audit.NewRecorder(store.NewAuditStore(db), logger,
		audit.WithPublisher(hub),
		audit.WithFailureCounter(metrics.AuditCounter{}),
		audit.WithClock(clock),
	)
	mailer := email.New(logger.With("component", "email"), cfg.Email.PostmarkToken, cfg.Email.FromEmail, cfg.Email.AppName, cfg.BaseURL)
	dispatcher := delivery.NewDispatcher(db, mailer, auditor, clock, logger)
	scheduler := checkin.NewScheduler(db, cfg, mailer, auditor, dispatcher, clock, logger)
	backups := backup.NewManager(cfg, db, clock, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if restoreID != 0 {
		if restoreTo == "" {
			restoreTo = cfg.Database.DSN + ".restored"
		}
		if err := backups.Restore(ctx, restoreID, restoreTo); err != nil {
			return fmt.Errorf("restore backup %d: %w", restoreID, err)
		}
		logger.Info("restored backup; stop the service and move it into place", "path", restoreTo)
		return nil
	}

	if once {
		report, err := scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		if report.Errors > 0 {
			return fmt.Errorf("scheduler pass %s: %d users failed", report.RunID, report.Errors)
		}
		return nil
	}

	janitor := maintenance.NewJanitor(db, cfg.Scheduler, clock, logger)
	srv := server.New(server.Deps{
		DB:        db,
		Hub:       hub,
		Scheduler: scheduler,
		Janitor:   janitor,
		Backups:   backups,
	}, cfg.OpsToken, nil, clock, logger)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	scheduler.Start(ctx)
	janitor.Start(ctx)
	backups.Start(ctx)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", cfg.Addr, "ops_routes", cfg.OpsToken != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown error", "error", serr)
	}
	scheduler.Stop()
	janitor.Stop()
	backups.Stop()
	return err
}
