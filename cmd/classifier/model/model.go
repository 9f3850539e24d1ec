package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cozy-creator/classifier-server/internal/classifier"
	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/imageproc"
	"github.com/cozy-creator/classifier-server/internal/services/downloader"
	"github.com/cozy-creator/classifier-server/pkg/logger"

	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the classifier model artifacts",
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the model config JSON from a class mapping file",
	RunE:  initConfig,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the model and its config into the models directory",
	RunE:  fetch,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the model and print its classes, optionally classifying an image",
	RunE:  check,
}

func init() {
	initFlags := initConfigCmd.Flags()
	initFlags.String("classes", "", "JSON file with the class names, as an array or an index to name object")
	initFlags.String("model-type", classifier.DefaultModelType, "Model architecture recorded in the config")
	initFlags.Int("image-size", config.DefaultImageSize, "Square input resolution of the model")
	initFlags.String("output", "", "Where to write the config. Defaults to the configured model config path")
	initConfigCmd.MarkFlagRequired("classes")

	fetchFlags := fetchCmd.Flags()
	fetchFlags.String("model-url", "", "URL of the ONNX model")
	fetchFlags.String("config-url", "", "URL of the model config JSON")
	fetchFlags.String("model-blake3", "", "Expected BLAKE3 digest of the model file")

	checkCmd.Flags().String("image", "", "Image to classify with the loaded model")

	Cmd.AddCommand(initConfigCmd, fetchCmd, checkCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	classesPath, _ := flags.GetString("classes")
	modelType, _ := flags.GetString("model-type")
	imageSize, _ := flags.GetInt("image-size")
	output, _ := flags.GetString("output")
	if output == "" {
		output = cfg.Model.ConfigPath
	}

	f, err := os.Open(classesPath)
	if err != nil {
		return fmt.Errorf("failed to open class mapping: %w", err)
	}
	defer f.Close()

	names, err := classifier.ReadClassMapping(f)
	if err != nil {
		return err
	}

	md := classifier.NewMetadata(names, modelType, imageSize)
	if err := classifier.WriteMetadata(output, md); err != nil {
		return err
	}

	fmt.Printf("Model config created with %d classes\n", md.NumClasses)
	fmt.Printf("Classes: %v\n", md.ClassNames)
	fmt.Printf("Written to %s\n", output)
	return nil
}

func fetch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	modelURL, _ := flags.GetString("model-url")
	configURL, _ := flags.GetString("config-url")
	modelDigest, _ := flags.GetString("model-blake3")
	if modelURL == "" && configURL == "" {
		return errors.New("nothing to fetch: set --model-url and/or --config-url")
	}

	log, err := logger.NewLogger(cfg)
	if err != nil {
		return err
	}
	d := downloader.New(log.Named("downloader"), downloader.WithProgressOutput(cmd.ErrOrStderr()))

	if modelURL != "" {
		if err := d.Download(cmd.Context(), modelURL, cfg.Model.Path, modelDigest); err != nil {
			return fmt.Errorf("failed to fetch model: %w", err)
		}
		fmt.Printf("Model saved to %s\n", cfg.Model.Path)
	}

	if configURL != "" {
		if err := d.Download(cmd.Context(), configURL, cfg.Model.ConfigPath, ""); err != nil {
			return fmt.Errorf("failed to fetch model config: %w", err)
		}
		if _, err := classifier.LoadMetadata(cfg.Model.ConfigPath); err != nil {
			return err
		}
		fmt.Printf("Model config saved to %s\n", cfg.Model.ConfigPath)
	}

	return nil
}

func check(cmd *cobra.Command, _ []string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer classifier.ShutdownRuntime()

	holder := classifier.NewHolder(cfg.Model, nil, log.Named("classifier"))
	defer holder.Close()

	model, err := holder.EnsureLoaded(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Model loaded from %s\n", cfg.Model.Path)
	fmt.Printf("Input size: %dx%d\n", model.InputSize(), model.InputSize())
	fmt.Printf("Classes (%d): %v\n", len(model.ClassNames()), model.ClassNames())

	imagePath, _ := cmd.Flags().GetString("image")
	if imagePath == "" {
		return nil
	}

	content, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}

	tensor, _, err := imageproc.NewPreprocessor(model.InputSize(), cfg.MaxUploadSize).Preprocess(content)
	if err != nil {
		return err
	}

	result, err := model.Predict(cmd.Context(), tensor)
	if err != nil {
		return err
	}

	fmt.Printf("Prediction: %s (%.2f%%)\n", result.PredictedClass, result.Confidence*100)
	names := model.ClassNames()
	sort.SliceStable(names, func(i, j int) bool {
		return result.AllPredictions[names[i]] > result.AllPredictions[names[j]]
	})
	for _, name := range names {
		fmt.Printf("  %-20s %.4f\n", name, result.AllPredictions[name])
	}
	return nil
}
