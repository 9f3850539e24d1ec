package config

import "errors"

const (
	DefaultHomeDir     = "~/.classifier"
	DefaultPort        = 8000
	DefaultHost        = "localhost"
	DefaultAPIName     = "Vegetable Classifier API"
	DefaultAPIVersion  = "1.0"
	DefaultEnvironment = EnvironmentDev

	// 5 MiB; uploads of exactly this size are accepted.
	DefaultMaxUploadSize  = 5 * 1024 * 1024
	// Decoded width*height limit, checked before any pixels are allocated.
	DefaultMaxImagePixels = 89_478_485
	DefaultUploadWorkers  = 10
	DefaultMQBufferSize   = 100

	DefaultModelFile       = "model.onnx"
	DefaultModelConfigFile = "model_config.json"
	DefaultImageSize       = 224

	DefaultDBDriver = DBDriverSQLite
)

var (
	// Uploaded images live under this folder of the file storage.
	PredictionsFolder = "predictions"

	DefaultPredictionsTopic = "classifier-predictions"
)

var (
	ErrHomeDirNotSet       = errors.New("classifier home directory is not set")
	ErrHomeDirExpandFailed = errors.New("failed to expand classifier home directory")
	ErrConfigNotLoaded     = errors.New("config not loaded")
)
