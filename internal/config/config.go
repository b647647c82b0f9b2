// Package config loads the YAML configuration shared by the server and
// embryoctl. Values resolve in order: built-in defaults, the YAML file,
// then environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ayush6447/Embyro/internal/analysis"
	"github.com/ayush6447/Embyro/internal/dataset"
	"github.com/ayush6447/Embyro/internal/model"
	"github.com/ayush6447/Embyro/internal/train"
)

const (
	DefaultPort               = 8080
	DefaultProjectionChannels = 64
	DefaultProjectionSeed     = 7
	DefaultCheckpointPath     = "models/best_model.json"
	DefaultMaxUploadMegabytes = 32
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
	envPrefix                 = "EMBRYO_"
	envPort                   = "PORT"
	envSharedLibrary          = "ORT_SHARED_LIBRARY_PATH"
)

// Config is the full application configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
	Model    Model    `yaml:"model"`
	Analysis Analysis `yaml:"analysis"`
	Store    Store    `yaml:"store"`
	Dataset  Dataset  `yaml:"dataset"`
	Training Training `yaml:"training"`
}

type Server struct {
	Port               int `yaml:"port"`
	MaxUploadMegabytes int `yaml:"max_upload_mb"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Model locates the backbone and the trained heads. With no ONNX path the
// pure-Go projection backbone is used.
type Model struct {
	ONNXPath           string `yaml:"onnx_path"`
	MetadataPath       string `yaml:"metadata_path"`
	SharedLibrary      string `yaml:"shared_library"`
	CheckpointPath     string `yaml:"checkpoint_path"`
	ProjectionChannels int    `yaml:"projection_channels"`
	ProjectionSeed     int64  `yaml:"projection_seed"`
}

type Analysis struct {
	TargetHead string `yaml:"target_head"`
	Seed       int64  `yaml:"seed"`
}

// Store holds the optional persistence DSN. Empty disables persistence.
type Store struct {
	DSN string `yaml:"dsn"`
}

type Dataset struct {
	CSVPath            string  `yaml:"csv_path"`
	ImageDir           string  `yaml:"image_dir"`
	Delimiter          string  `yaml:"delimiter"`
	ImageColumn        string  `yaml:"image_column"`
	ColumnPolicy       string  `yaml:"column_policy"`
	ValidationFraction float64 `yaml:"validation_fraction"`
	Seed               int64   `yaml:"seed"`
}

type Training struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Patience     int     `yaml:"patience"`
	Seed         int64   `yaml:"seed"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{Port: DefaultPort, MaxUploadMegabytes: DefaultMaxUploadMegabytes},
		Log:    Log{Level: defaultLogLevel, Format: defaultLogFormat},
		Model: Model{
			CheckpointPath:     DefaultCheckpointPath,
			ProjectionChannels: DefaultProjectionChannels,
			ProjectionSeed:     DefaultProjectionSeed,
		},
		Analysis: Analysis{TargetHead: analysis.TargetTop},
		Dataset: Dataset{
			Delimiter:          string(dataset.DefaultDelimiter),
			ImageColumn:        dataset.DefaultImageColumn,
			ColumnPolicy:       "first",
			ValidationFraction: dataset.DefaultValidationFraction,
			Seed:               dataset.DefaultSeed,
		},
		Training: Training{
			Epochs:       train.DefaultEpochs,
			BatchSize:    train.DefaultBatchSize,
			LearningRate: train.DefaultLearningRate,
			Patience:     train.DefaultPatience,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading config file: %s", path)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, errors.Wrapf(err, "error unmarshalling config file: %s", path)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		*dst = n
		return nil
	}
	num64 := func(key string, dst *int64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		*dst = n
		return nil
	}

	if err := num(envPort, &c.Server.Port); err != nil {
		return err
	}
	str(envSharedLibrary, &c.Model.SharedLibrary)

	str(envPrefix+"LOG_LEVEL", &c.Log.Level)
	str(envPrefix+"LOG_FORMAT", &c.Log.Format)
	str(envPrefix+"ONNX_PATH", &c.Model.ONNXPath)
	str(envPrefix+"METADATA_PATH", &c.Model.MetadataPath)
	str(envPrefix+"CHECKPOINT", &c.Model.CheckpointPath)
	str(envPrefix+"TARGET_HEAD", &c.Analysis.TargetHead)
	str(envPrefix+"STORE_DSN", &c.Store.DSN)
	str(envPrefix+"CSV_PATH", &c.Dataset.CSVPath)
	str(envPrefix+"IMAGE_DIR", &c.Dataset.ImageDir)

	if err := num(envPrefix+"MAX_UPLOAD_MB", &c.Server.MaxUploadMegabytes); err != nil {
		return err
	}
	if err := num(envPrefix+"PROJECTION_CHANNELS", &c.Model.ProjectionChannels); err != nil {
		return err
	}
	return num64(envPrefix+"SEED", &c.Analysis.Seed)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadMegabytes <= 0 {
		return errors.Errorf("max upload must be positive, got %d", c.Server.MaxUploadMegabytes)
	}
	if c.Model.ONNXPath == "" && c.Model.ProjectionChannels <= 0 {
		return errors.New("projection channels must be positive")
	}
	if c.Analysis.TargetHead != analysis.TargetTop {
		if _, err := model.ParseHead(c.Analysis.TargetHead); err != nil {
			return errors.Wrap(err, "invalid target head")
		}
	}
	if _, err := c.DatasetOptions(); err != nil {
		return err
	}
	t := c.Training
	if t.Epochs <= 0 || t.BatchSize <= 0 || t.Patience < 0 || t.LearningRate < 0 {
		return errors.Errorf("invalid training settings: %+v", t)
	}
	return nil
}

// DatasetOptions converts the dataset section for dataset.Load.
func (c *Config) DatasetOptions() (dataset.Options, error) {
	d := c.Dataset
	opts := dataset.DefaultOptions()

	if d.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(d.Delimiter)
		if size != len(d.Delimiter) {
			return opts, errors.Errorf("delimiter must be a single character, got %q", d.Delimiter)
		}
		opts.Delimiter = r
	}
	if d.ImageColumn != "" {
		opts.ImageColumn = d.ImageColumn
	}
	policy, err := dataset.ParseColumnPolicy(d.ColumnPolicy)
	if err != nil {
		return opts, err
	}
	if d.ValidationFraction < 0 || d.ValidationFraction >= 1 {
		return opts, errors.Errorf("validation fraction must be in [0,1), got %v", d.ValidationFraction)
	}
	opts.Policy = policy
	opts.ValidationFraction = d.ValidationFraction
	opts.Seed = d.Seed
	return opts, nil
}

// TrainConfig converts the training section for train.NewTrainer.
func (c *Config) TrainConfig() train.Config {
	tc := train.DefaultConfig()
	tc.Epochs = c.Training.Epochs
	tc.BatchSize = c.Training.BatchSize
	tc.LearningRate = c.Training.LearningRate
	tc.Patience = c.Training.Patience
	tc.CheckpointPath = c.Model.CheckpointPath
	if c.Training.Seed != 0 {
		tc.Seed = c.Training.Seed
	}
	return tc
}

// Save writes c as YAML.
func Save(path string, c *Config) error {
	if c == nil {
		return errors.New("config required")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write config file: %s", path)
	}
	return nil
}
