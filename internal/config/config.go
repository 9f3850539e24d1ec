package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cozy-creator/classifier-server/internal/templates"
	"github.com/cozy-creator/classifier-server/internal/utils/pathutil"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	FilesystemLocal = "local"
	FilesystemS3    = "s3"
)

const (
	EnvironmentDev  = "dev"
	EnvironmentTest = "test"
	EnvironmentProd = "prod"
)

const (
	DBDriverSQLite = "sqlite"
	DBDriverPG     = "pg"
	DBDriverLibSQL = "libsql"
)

const EnvPrefix = "CLASSIFIER"

type Config struct {
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	Environment    string        `mapstructure:"environment"`
	HomeDir        string        `mapstructure:"home_dir"`
	AssetsDir      string        `mapstructure:"assets_dir"`
	ModelsDir      string        `mapstructure:"models_dir"`
	PublicDir      string        `mapstructure:"public_dir"`
	PublicURL      string        `mapstructure:"public_url"`
	APIName        string        `mapstructure:"api_name"`
	APIVersion     string        `mapstructure:"api_version"`
	MaxUploadSize  int64         `mapstructure:"max_upload_size"`
	MaxImagePixels int64         `mapstructure:"max_image_pixels"`
	UploadWorkers  int           `mapstructure:"upload_workers"`
	FilesystemType string        `mapstructure:"filesystem_type"`
	S3             *S3Config     `mapstructure:"s3"`
	DB             *DBConfig     `mapstructure:"db"`
	MQ             *MQConfig     `mapstructure:"mq"`
	Pulsar         *PulsarConfig `mapstructure:"pulsar"`
	Model          *ModelConfig  `mapstructure:"model"`
}

type S3Config struct {
	Folder      string `mapstructure:"folder"`
	Region      string `mapstructure:"region_name"`
	Bucket      string `mapstructure:"bucket_name"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	EndpointUrl string `mapstructure:"endpoint_url"`
	VanityUrl   string `mapstructure:"vanity_url"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Debug  bool   `mapstructure:"debug"`
}

type MQConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type PulsarConfig struct {
	URL string `mapstructure:"url"`
}

// ModelConfig locates the classifier artifacts and controls how they load.
type ModelConfig struct {
	Path            string `mapstructure:"path"`
	ConfigPath      string `mapstructure:"config_path"`
	RuntimeLibrary  string `mapstructure:"runtime_library"`
	InputName       string `mapstructure:"input_name"`
	OutputName      string `mapstructure:"output_name"`
	ImageSize       int    `mapstructure:"image_size"`
	RetryFailedLoad bool   `mapstructure:"retry_failed_load"`
	LoadOnStartup   bool   `mapstructure:"load_on_startup"`
}

var config *Config

// SetDefaults registers every default value with viper. It runs before the
// config file and environment are read, so both can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("host", DefaultHost)
	v.SetDefault("environment", DefaultEnvironment)
	v.SetDefault("api_name", DefaultAPIName)
	v.SetDefault("api_version", DefaultAPIVersion)
	v.SetDefault("max_upload_size", DefaultMaxUploadSize)
	v.SetDefault("max_image_pixels", DefaultMaxImagePixels)
	v.SetDefault("upload_workers", DefaultUploadWorkers)
	v.SetDefault("filesystem_type", FilesystemLocal)

	v.SetDefault("db.driver", DefaultDBDriver)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.debug", false)

	v.SetDefault("mq.buffer_size", DefaultMQBufferSize)
	v.SetDefault("pulsar.url", "")

	v.SetDefault("s3.folder", "")
	v.SetDefault("s3.region_name", "")
	v.SetDefault("s3.bucket_name", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.endpoint_url", "")
	v.SetDefault("s3.vanity_url", "")

	v.SetDefault("model.path", DefaultModelFile)
	v.SetDefault("model.config_path", DefaultModelConfigFile)
	v.SetDefault("model.runtime_library", "")
	v.SetDefault("model.input_name", "")
	v.SetDefault("model.output_name", "")
	v.SetDefault("model.image_size", DefaultImageSize)
	v.SetDefault("model.retry_failed_load", true)
	v.SetDefault("model.load_on_startup", false)
}

// InitConfig resolves the home directory, writes the config and env templates
// on first run, and loads the layered configuration into the global config.
func InitConfig() error {
	v := viper.GetViper()

	homeDir, err := getHomeDir(v)
	if err != nil {
		return err
	}

	if err := createHomeDirs(homeDir); err != nil {
		return err
	}

	envFile := v.GetString("env_file")
	if envFile == "" {
		envFile = filepath.Join(homeDir, ".env")
		if err := writeTemplateIfMissing(envFile, templates.WriteEnv); err != nil {
			return err
		}
	}

	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	configFile := v.GetString("config_file")
	if configFile == "" {
		configFile = filepath.Join(homeDir, "config.yaml")
		if err := writeTemplateIfMissing(configFile, templates.WriteConfig); err != nil {
			return err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`, `-`, `_`))
	v.AutomaticEnv()
	v.SetConfigFile(configFile)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg, err := LoadConfig(v, homeDir)
	if err != nil {
		return err
	}

	config = cfg
	return nil
}

// LoadConfig unmarshals v into a Config, resolves every path against homeDir
// and validates the result.
func LoadConfig(v *viper.Viper, homeDir string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	cfg.HomeDir = homeDir
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) resolvePaths() error {
	var err error
	if c.AssetsDir == "" {
		c.AssetsDir = filepath.Join(c.HomeDir, "assets")
	}
	if c.AssetsDir, err = pathutil.ExpandPath(c.AssetsDir); err != nil {
		return ErrHomeDirExpandFailed
	}

	if c.ModelsDir == "" {
		c.ModelsDir = filepath.Join(c.HomeDir, "models")
	}
	if c.ModelsDir, err = pathutil.ExpandPath(c.ModelsDir); err != nil {
		return ErrHomeDirExpandFailed
	}

	if c.Model == nil {
		c.Model = &ModelConfig{}
	}
	if c.Model.Path == "" {
		c.Model.Path = DefaultModelFile
	}
	if c.Model.ConfigPath == "" {
		c.Model.ConfigPath = DefaultModelConfigFile
	}
	if c.Model.Path, err = pathutil.ResolvePath(c.ModelsDir, c.Model.Path); err != nil {
		return fmt.Errorf("failed to resolve model path: %w", err)
	}
	if c.Model.ConfigPath, err = pathutil.ResolvePath(c.ModelsDir, c.Model.ConfigPath); err != nil {
		return fmt.Errorf("failed to resolve model config path: %w", err)
	}

	if c.DB == nil {
		c.DB = &DBConfig{Driver: DefaultDBDriver}
	}
	if c.DB.DSN == "" && c.DB.Driver == DBDriverSQLite {
		c.DB.DSN = "file:" + filepath.Join(c.HomeDir, "data", "classifier.db") + "?cache=shared"
	}

	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
	c.PublicURL = strings.TrimSuffix(c.PublicURL, "/")

	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	switch strings.ToLower(c.FilesystemType) {
	case FilesystemLocal:
	case FilesystemS3:
		if c.S3 == nil || c.S3.Bucket == "" {
			return fmt.Errorf("s3 filesystem requires s3.bucket_name")
		}
	default:
		return fmt.Errorf("invalid filesystem type %q", c.FilesystemType)
	}

	if c.DB == nil {
		return fmt.Errorf("database config is not set")
	}
	switch c.DB.Driver {
	case DBDriverSQLite, DBDriverPG, DBDriverLibSQL:
	default:
		return fmt.Errorf("invalid database driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required for driver %q", c.DB.Driver)
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("max_image_pixels must be positive")
	}

	if c.Model != nil && c.Model.ImageSize < 0 {
		return fmt.Errorf("model.image_size must not be negative")
	}

	return nil
}

func GetConfig() (*Config, error) {
	if config == nil {
		return nil, ErrConfigNotLoaded
	}

	return config, nil
}

func MustGetConfig() *Config {
	if config == nil {
		panic(ErrConfigNotLoaded)
	}

	return config
}

func IsLoaded() bool {
	return config != nil
}

// Returns the classifier home directory path.
// It attempts to retrieve the home directory from the following sources in order:
// 1. The `home_dir` flag from viper.
// 2. The `CLASSIFIER_HOME` environment variable.
// 3. The default home directory.
func getHomeDir(v *viper.Viper) (string, error) {
	homeDir := v.GetString("home_dir")
	if homeDir == "" {
		homeDir = os.Getenv(EnvPrefix + "_HOME")
		if homeDir == "" {
			homeDir = DefaultHomeDir
		}
	}

	homeDir, err := pathutil.ExpandPath(homeDir)
	if err != nil {
		return "", fmt.Errorf("failed to expand home path: %w", err)
	}

	if homeDir == "" {
		return "", ErrHomeDirNotSet
	}

	return homeDir, nil
}

func createHomeDirs(homeDir string) error {
	subdirs := []string{"assets", "models", "data"}
	if err := os.MkdirAll(homeDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	for _, subdir := range subdirs {
		dir := filepath.Join(homeDir, subdir)
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", subdir, err)
		}
	}

	return nil
}

func writeTemplateIfMissing(path string, write func(string) error) error {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", filepath.Base(path), err)
		}

		if err := write(path); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
		}
	}

	return nil
}
