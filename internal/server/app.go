// Package server initializes and runs the upload server: database and
// migrations, object store, lock service, dispatchers, the HTTP endpoint,
// and the background purge sweep, with graceful shutdown on signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/upstitch/upstitch/internal/blob"
	"github.com/upstitch/upstitch/internal/filex"
	"github.com/upstitch/upstitch/internal/jobs"
	"github.com/upstitch/upstitch/internal/locks"
	"github.com/upstitch/upstitch/internal/logging"
	"github.com/upstitch/upstitch/internal/server/config"
	"github.com/upstitch/upstitch/internal/server/httpapi"
	"github.com/upstitch/upstitch/internal/server/repositories/repomanager"
	"github.com/upstitch/upstitch/internal/server/services"
)

type App struct {
	config *config.Config
	logger logging.Logger
}

func NewApp(c *config.Config) (*App, error) {
	slog := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slog)

	return &App{config: c, logger: logger}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) purgeLoop(ctx context.Context, svc *services.UploadService) {
	ticker := time.NewTicker(app.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Purge(ctx); err != nil {
				app.logger.Error(ctx, "purge sweep failed", "error", err.Error())
			}
		}
	}
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	db, err := sql.Open("pgx", app.config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	defer db.Close()

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}

	store, err := blob.NewS3Store(ctx, blob.S3Config{
		Region:       app.config.S3Region,
		RootUser:     app.config.S3RootUser,
		RootPassword: app.config.S3RootPassword,
		Bucket:       app.config.S3Bucket,
		BaseEndpoint: app.config.S3BaseEndpoint,
		UsePathStyle: true,
	})
	if err != nil {
		return fmt.Errorf("blob store init error: %w", err)
	}

	lockSvc := locks.NewSQLService(db)

	spoolDir := app.config.SpoolDir
	if spoolDir != "" {
		if spoolDir, err = filex.EnsureDir(spoolDir); err != nil {
			return fmt.Errorf("spool dir init error: %w", err)
		}
	}

	svc := services.NewUploadService(db, rm, store, lockSvc, services.Config{
		SegmentLimit:         app.config.SegmentLimit,
		SegmentAllowableSize: app.config.SegmentAllowableSize,
		SegmentMaxAttempts:   app.config.SegmentMaxAttempts,
		Retention:            app.config.LingerRetention,
		SpoolDir:             spoolDir,
	}, app.logger)

	var pool *jobs.PoolDispatcher
	if app.config.MaterializeSynchronously {
		svc.UseDispatchers(jobs.NewInlineDispatcher(svc))
	} else {
		pool = jobs.NewPoolDispatcher(svc, lockSvc, app.logger, app.config.WorkerCount, app.config.QueueDepth)
		defer pool.Stop()
		svc.UseDispatchers(pool)
	}

	handler := httpapi.NewHandler(svc, pool, app.config.SecretKey, app.logger)
	srv := httpapi.NewServer(app.config.EndpointAddr, handler.Routes(), app.logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.purgeLoop(ctx, svc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	wg.Wait()

	return nil
}
