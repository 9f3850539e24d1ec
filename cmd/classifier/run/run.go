package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cozy-creator/classifier-server/internal/app"
	"github.com/cozy-creator/classifier-server/internal/classifier"
	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var Cmd = &cobra.Command{
	Use:     "run",
	Short:   "Start the classifier server",
	PreRunE: bindFlags,
	RunE:    runApp,
}

func init() {
	flags := Cmd.Flags()

	flags.Int("port", config.DefaultPort, "Port to run the server on")
	flags.String("host", config.DefaultHost, "Host to run the server on")
	flags.String("environment", string(config.DefaultEnvironment), "Environment configuration: dev, test or prod")
	flags.String("public-url", "", "Public base URL used to build links to stored images")
	flags.String("public-dir", "", "Path where static files should be served from")
	flags.String("filesystem-type", config.FilesystemLocal, "Filesystem type: 'local' or 's3'")

	flags.String("db-driver", config.DefaultDBDriver, "Database driver: sqlite, pg or libsql")
	flags.String("db-dsn", "", "Database DSN (Connection URL or Path)")
	flags.String("pulsar-url", "", "URL of the pulsar broker. Example: pulsar://localhost:6650")

	flags.String("model-path", "", "Path of the ONNX model, relative to the models directory")
	flags.String("model-config-path", "", "Path of the model config JSON, relative to the models directory")
	flags.String("onnxruntime-lib", "", "Path to the onnxruntime shared library")
	flags.Bool("load-model-on-startup", false, "Load the model before accepting requests")
}

// bindFlags maps the dashed flag names onto their config keys. Flags only
// override the config when set explicitly.
func bindFlags(cmd *cobra.Command, _ []string) error {
	keys := map[string]string{
		"port":                  "port",
		"host":                  "host",
		"environment":           "environment",
		"public-url":            "public_url",
		"public-dir":            "public_dir",
		"filesystem-type":       "filesystem_type",
		"db-driver":             "db.driver",
		"db-dsn":                "db.dsn",
		"pulsar-url":            "pulsar.url",
		"model-path":            "model.path",
		"model-config-path":     "model.config_path",
		"onnxruntime-lib":       "model.runtime_library",
		"load-model-on-startup": "model.load_on_startup",
	}

	var err error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, ok := keys[f.Name]; ok && err == nil {
			err = viper.BindPFlag(key, f)
		}
	})
	if err != nil {
		return err
	}

	// Reload so explicitly set flags take effect.
	return config.InitConfig()
}

func runApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	app, err := app.NewApp(cfg,
		app.WithDBInitialization(),
		app.WithMQ(),
		app.WithFileUploader(),
		app.WithClassifier(nil),
		app.WithEventBroadcaster(),
	)
	if err != nil {
		return err
	}
	defer classifier.ShutdownRuntime()
	defer app.Close()

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	srv.SetupRoutes(app)
	if events := app.Events(); events != nil {
		srv.RegisterOnShutdown(events.Close)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		app.Logger.Info("classifier server started",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("model", cfg.Model.Path),
		)
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return srv.Stop(context.Background())
	}
}
