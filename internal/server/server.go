// Package server orchestrates all components: the board link, the controller tasks, COMMS control
// surface, incident journal and HTTP endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/senpai-robotics/controller/internal/config"
	"github.com/senpai-robotics/controller/pkg/bootstrap"
	"github.com/senpai-robotics/controller/pkg/commsutil"
	"github.com/senpai-robotics/controller/pkg/control"
	"github.com/senpai-robotics/controller/pkg/db"
	"github.com/senpai-robotics/controller/pkg/events"
)

const logPrefix = "server:server"

const httpShutdownTimeout = 2 * time.Second

// Run starts the controller, blocks until a shutdown signal or the end of the match, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	logs := SetupLogging(cfg)
	defer logs.Close()

	slog.Info(fmt.Sprintf("%s - Starting robot controller", logPrefix))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 1: Load the robot profile
	var paths []string
	if cfg.ProfileFile != "" {
		paths = append(paths, cfg.ProfileFile)
	}
	profile, source, err := bootstrap.LoadProfile(paths...)
	if err != nil {
		return fmt.Errorf("%s - failed to load profile: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Profile %s@%s from %s", logPrefix, profile.Name, profile.Version, source))
	resolved := bootstrap.NewResolvedProfile(profile)

	deps := Deps{}

	// Step 2: Connect to COMMS
	var nc *comms.Conn
	var started atomic.Pointer[Controller]
	if cfg.COMMSURL != "" {
		nc, err = commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, commsutil.Options{
			OnDisconnect: func(err error) {
				if ctrl := started.Load(); ctrl != nil {
					ctrl.record(events.NewIncident(events.KindDisconnected, "COMMS", nil, 0, err.Error()))
				}
			},
		})
		if err != nil {
			return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		publisher := events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Robot: profile.Name})
		deps.Publisher = publisher
		deps.Sinks = append(deps.Sinks, publisher)
	} else {
		slog.Warn(fmt.Sprintf("%s - COMMS_URL empty: control surface and events disabled", logPrefix))
	}

	// Step 3: Open the incident journal
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var journal *db.Journal
		pool, journal, err = OpenJournal(ctx, cfg)
		if err != nil {
			closeComms(nc)
			return err
		}
		deps.Sinks = append(deps.Sinks, journal)
		deps.Journal = journal
	} else {
		slog.Warn(fmt.Sprintf("%s - DATABASE_URL empty: incidents are only logged", logPrefix))
	}

	// Step 4: Bring up the controller
	ctrl := NewController(cfg, resolved, deps)
	started.Store(ctrl)
	if err := ctrl.Start(ctx); err != nil {
		ctrl.Shutdown()
		closeComms(nc)
		closePool(pool)
		return fmt.Errorf("%s - failed to start controller: %w", logPrefix, err)
	}

	// Step 5: Serve the control surface
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var ctl *control.Server
	if nc != nil {
		ctl = control.NewServer(nc, cfg.ControlSubject, control.NewRouter(ctrl, runCtx), cfg.RequestTimeout)
		if err := ctl.Start(runCtx); err != nil {
			ctrl.Shutdown()
			closeComms(nc)
			closePool(pool)
			return err
		}
	}

	// Step 6: Start HTTP endpoints
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: ctrl.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Controller is ready", logPrefix))

	select {
	case <-ctx.Done():
		slog.Info(fmt.Sprintf("%s - Received shutdown signal", logPrefix))
	case <-ctrl.EndOfMatch():
		slog.Info(fmt.Sprintf("%s - Match over, shutting down", logPrefix))
	}

	// Graceful shutdown
	cancelRun()
	if ctl != nil {
		if err := ctl.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
		}
		slog.Info(fmt.Sprintf("%s - Served %d control requests", logPrefix, ctl.Served()))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	ctrl.Shutdown()
	closeComms(nc)
	closePool(pool)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// OpenJournal connects to DATABASE_URL, creating the database if missing and applying migrations
// when RUN_MIGRATIONS is set.
func OpenJournal(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *db.Journal, error) {
	if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	if cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return pool, db.NewJournal(pool, db.JournalOptions{}), nil
}

func closeComms(nc *comms.Conn) {
	if nc == nil {
		return
	}
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - COMMS drain: %v", logPrefix, err))
		nc.Close()
	}
}

func closePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
