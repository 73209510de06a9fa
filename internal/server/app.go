// Package server initializes and runs the conversion server: it wires the
// credit ledger, session store, drive backend, converter and scheduler, and
// handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/asmolin/cloudvert/internal/logging"
	"github.com/asmolin/cloudvert/internal/server/config"
	"github.com/asmolin/cloudvert/internal/server/convert"
	"github.com/asmolin/cloudvert/internal/server/drive"
	"github.com/asmolin/cloudvert/internal/server/estimate"
	"github.com/asmolin/cloudvert/internal/server/httpapi"
	"github.com/asmolin/cloudvert/internal/server/models"
	"github.com/asmolin/cloudvert/internal/server/payments"
	"github.com/asmolin/cloudvert/internal/server/repositories/repomanager"
	"github.com/asmolin/cloudvert/internal/server/scheduler"
	"github.com/asmolin/cloudvert/internal/server/services"
	"github.com/asmolin/cloudvert/internal/server/sessions"
)

// ledger is the union of the credit operations the HTTP layer and the
// scheduler consume; both CreditLedger and MemoryLedger satisfy it.
type ledger interface {
	httpapi.Ledger
	scheduler.Ledger
}

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	ledger    ledger
	sessions  sessions.Store
	scheduler *scheduler.ConversionScheduler
	api       *httpapi.Server

	// nil when the session store maintains its own expiry (Redis).
	sessionSweeper *sessions.MemoryStore
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewJSON(os.Stdout)

	app := &App{config: cfg, logger: logger}

	if err := app.initLedger(ctx); err != nil {
		return nil, err
	}
	app.initSessions()
	d, err := app.initDrive()
	if err != nil {
		return nil, err
	}

	estimator := estimate.New(models.Cents(cfg.PricePerGBCents), cfg.MinutesPerGB)

	app.scheduler = scheduler.New(d, convert.NewFFmpegConverter(), app.ledger, estimator, logger,
		scheduler.Options{
			DownloadSlots: cfg.DownloadSlots,
			ConvertSlots:  cfg.ConvertSlots,
			UploadSlots:   cfg.UploadSlots,
			WorkDir:       cfg.WorkDir,
			Retention:     cfg.TaskRetention,
		})

	checkout := payments.NewStaticProvider("https://checkout.cloudvert.dev/session")
	app.api = httpapi.NewServer(app.sessions, d, app.scheduler, app.ledger, estimator, checkout, logger)

	return app, nil
}

func (app *App) initLedger(ctx context.Context) error {
	grant := models.Cents(app.config.StartingGrantCents)

	if app.config.DatabaseDSN == "" {
		app.ledger = services.NewMemoryLedger(grant)
		return nil
	}

	db, err := sql.Open("pgx", app.config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations error: %w", err)
	}

	app.db = db
	app.ledger = services.NewCreditLedger(db, m, grant)
	return nil
}

func (app *App) initSessions() {
	if app.config.RedisAddr == "" {
		store := sessions.NewMemoryStore(app.config.SessionTTL)
		app.sessions = store
		app.sessionSweeper = store
		return
	}

	client := redis.NewClient(&redis.Options{Addr: app.config.RedisAddr})
	app.sessions = sessions.NewRedisStore(client, app.config.SessionTTL)
}

func (app *App) initDrive() (drive.Drive, error) {
	switch app.config.DriveBackend {
	case "s3":
		return drive.NewS3Drive(
			app.config.S3Region,
			app.config.S3AccessKey,
			app.config.S3SecretKey,
			app.config.S3BaseEndpoint,
			app.config.S3Bucket,
		), nil
	case "graph":
		return drive.NewGraphDrive(
			app.config.GraphClientID,
			app.config.GraphClientSecret,
			drive.WithGraphEndpoints(app.config.GraphTokenURL, app.config.GraphBaseEndpoint),
		), nil
	default:
		return nil, fmt.Errorf("unknown drive backend %q", app.config.DriveBackend)
	}
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

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "addr", app.config.EndpointAddr)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	if app.sessionSweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.sessionSweeper.RunSweeper(ctx, app.config.SessionSweepInterval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.scheduler.RunRetentionSweeper(ctx, app.config.TaskSweepInterval)
	}()

	srv := &http.Server{
		Addr:    app.config.EndpointAddr,
		Handler: app.api.Router(),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(ctx, "http server error", "error", err)
			cancelFunc()
		}
	}()

	<-ctx.Done()
	app.logger.Info(ctx, "Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "http shutdown error", "error", err)
	}

	// In-flight pipelines drain before the process exits so every admitted
	// task gets its reservation settled.
	app.scheduler.Wait()
	wg.Wait()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(shutdownCtx, "db close error", "error", err)
		}
	}
}
