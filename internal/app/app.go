package app

import (
	"context"
	"fmt"

	"github.com/cozy-creator/classifier-server/internal/classifier"
	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/db"
	"github.com/cozy-creator/classifier-server/internal/db/migrations"
	"github.com/cozy-creator/classifier-server/internal/db/repository"
	"github.com/cozy-creator/classifier-server/internal/metrics"
	"github.com/cozy-creator/classifier-server/internal/mq"
	"github.com/cozy-creator/classifier-server/internal/services/events"
	"github.com/cozy-creator/classifier-server/internal/services/filestorage"
	"github.com/cozy-creator/classifier-server/internal/services/fileuploader"
	"github.com/cozy-creator/classifier-server/internal/services/prediction"
	"github.com/cozy-creator/classifier-server/pkg/logger"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

type App struct {
	mq           mq.MQ
	db           *bun.DB
	closeDB      func() error
	config       *config.Config
	ctx          context.Context
	cancelFunc   context.CancelFunc
	filestorage  filestorage.FileStorage
	fileuploader *fileuploader.Uploader
	models       *classifier.Holder
	predictions  *prediction.Service
	events       *events.Broadcaster

	Logger *zap.Logger

	PredictionRepository repository.IPredictionRepository
}

// Option funcs used to initialize the App struct
type OptionFunc func(app *App) error

// WithDB uses an already opened database. Tables are created if missing.
func WithDB(database *bun.DB) OptionFunc {
	return func(app *App) error {
		if err := migrations.CreateTables(app.ctx, database); err != nil {
			return err
		}

		app.db = database
		app.PredictionRepository = repository.NewPredictionRepository(database)
		return nil
	}
}

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(app *App) error {
		app.Logger = logger
		return nil
	}
}

func WithMQ() OptionFunc {
	return func(app *App) error {
		queue, err := mq.NewMQ(app.config)
		if err != nil {
			return err
		}
		app.mq = queue
		return nil
	}
}

// WithDBInitialization opens the configured database and makes sure the
// predictions table exists.
func WithDBInitialization() OptionFunc {
	return func(app *App) error {
		conn, err := db.NewConnection(app.ctx, app.config)
		if err != nil {
			return err
		}

		if err := WithDB(conn.GetDB())(app); err != nil {
			conn.Close()
			return err
		}

		app.closeDB = conn.Close
		return nil
	}
}

func WithFileUploader() OptionFunc {
	return func(app *App) error {
		storage, err := filestorage.NewFileStorage(app.ctx, app.Config())
		if err != nil {
			return err
		}

		app.filestorage = storage
		app.fileuploader = fileuploader.NewFileUploader(storage, app.config.UploadWorkers)
		return nil
	}
}

// WithClassifier sets up the lazily loaded model. A nil open uses the ONNX
// runtime.
func WithClassifier(open classifier.OpenFunc) OptionFunc {
	return func(app *App) error {
		if app.config.Model == nil {
			return fmt.Errorf("model config is not set")
		}

		app.models = classifier.NewHolder(app.config.Model, open, app.Logger.Named("classifier"))
		if app.config.Model.LoadOnStartup {
			// Failures are logged by the holder; requests will retry or 503.
			app.models.EnsureLoaded(app.ctx)
		}
		return nil
	}
}

// WithEventBroadcaster fans prediction events out to stream subscribers.
// Requires WithMQ.
func WithEventBroadcaster() OptionFunc {
	return func(app *App) error {
		if app.mq == nil {
			return fmt.Errorf("event broadcaster needs a message queue")
		}

		app.events = events.NewBroadcaster(app.mq, config.DefaultPredictionsTopic, app.Logger.Named("events"))
		go func() {
			if err := app.events.Run(app.ctx); err != nil {
				app.Logger.Error("event broadcaster stopped", zap.Error(err))
			}
		}()
		return nil
	}
}

func NewApp(cfg *config.Config, options ...OptionFunc) (*App, error) {
	logger, err := logger.InitLogger(cfg)
	if err != nil {
		return nil, err
	}

	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		ctx:        ctx,
		config:     cfg,
		Logger:     logger,
		cancelFunc: cancel,
	}

	for _, opt := range options {
		if err := opt(app); err != nil {
			app.Logger.Error("failed to apply option", zap.Error(err))
			app.Close()
			return nil, err
		}
	}

	if app.PredictionRepository != nil && app.models != nil && app.fileuploader != nil {
		app.predictions = prediction.NewService(prediction.Options{
			Models:        app.models,
			Predictions:   app.PredictionRepository,
			Uploader:      app.fileuploader,
			MQ:            app.mq,
			Topic:         config.DefaultPredictionsTopic,
			MaxUploadSize: cfg.MaxUploadSize,
			MaxPixels:     cfg.MaxImagePixels,
			Logger:        app.Logger.Named("prediction"),
		})
	}

	return app, nil
}

func (app *App) Close() {
	app.cancelFunc()

	if app.fileuploader != nil {
		app.fileuploader.Stop()
	}
	if app.models != nil {
		if err := app.models.Close(); err != nil {
			app.Logger.Warn("failed to close classifier", zap.Error(err))
		}
	}
	if app.mq != nil {
		app.mq.Close()
	}
	if app.closeDB != nil {
		if err := app.closeDB(); err != nil {
			app.Logger.Warn("failed to close database", zap.Error(err))
		}
	}

	app.Logger.Sync()
}

func (app *App) Config() *config.Config {
	return app.config
}

func (app *App) Context() context.Context {
	return app.ctx
}

func (app *App) MQ() mq.MQ {
	return app.mq
}

func (app *App) DB() *bun.DB {
	return app.db
}

func (app *App) Uploader() *fileuploader.Uploader {
	return app.fileuploader
}

func (app *App) FileStorage() filestorage.FileStorage {
	return app.filestorage
}

func (app *App) Models() *classifier.Holder {
	return app.models
}

func (app *App) Predictions() *prediction.Service {
	return app.predictions
}

func (app *App) Events() *events.Broadcaster {
	return app.events
}
