package tabddpm

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// noneValue is the literal that config files use for "unset".
const noneValue = "__none__"

// optString is a TOML string where "__none__" decodes to "".
type optString string

func (s *optString) UnmarshalText(b []byte) error {
	if v := string(b); v != noneValue {
		*s = optString(v)
	} else {
		*s = ""
	}
	return nil
}

// optFloat is a TOML number that may also be given as "__none__".
type optFloat struct {
	Value float64
	Set   bool
}

func (f *optFloat) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case float64:
		f.Value, f.Set = x, true
	case int64:
		f.Value, f.Set = float64(x), true
	case string:
		if x != noneValue {
			return fmt.Errorf("expected a number or %q, got %q", noneValue, x)
		}
		*f = optFloat{}
	default:
		return fmt.Errorf("expected a number, got %T", v)
	}
	return nil
}

// DiffusionParams is the [diffusion_params] section.
type DiffusionParams struct {
	NumTimesteps     int          `toml:"num_timesteps"`
	GaussianLossType string       `toml:"gaussian_loss_type"`
	Scheduler        string       `toml:"scheduler"`
	TimeSampling     TimeSampling `toml:"time_sampling"`
}

// TrainMain is the [train.main] section.
type TrainMain struct {
	Steps       int     `toml:"steps"`
	LR          float64 `toml:"lr"`
	WeightDecay float64 `toml:"weight_decay"`
	BatchSize   int     `toml:"batch_size"`
}

// TransformConfig is the [train.T] section.
type TransformConfig struct {
	Seed            uint64    `toml:"seed"`
	Normalization   optString `toml:"normalization"`
	NumNaNPolicy    optString `toml:"num_nan_policy"`
	CatNaNPolicy    optString `toml:"cat_nan_policy"`
	CatMinFrequency optFloat  `toml:"cat_min_frequency"`
	CatEncoding     optString `toml:"cat_encoding"`
	YPolicy         optString `toml:"y_policy"`
}

// Transformations converts the section to preprocessing options.
func (t TransformConfig) Transformations() Transformations {
	return Transformations{
		Seed:            t.Seed,
		Normalization:   Normalization(t.Normalization),
		NumNaNPolicy:    NumNaNPolicy(t.NumNaNPolicy),
		CatNaNPolicy:    CatNaNPolicy(t.CatNaNPolicy),
		CatMinFrequency: t.CatMinFrequency.Value,
		CatEncoding:     CatEncoding(t.CatEncoding),
		YPolicy:         string(t.YPolicy),
	}
}

// SampleConfig is the [sample] section.
type SampleConfig struct {
	NumSamples int       `toml:"num_samples"`
	BatchSize  int       `toml:"batch_size"`
	Seed       uint64    `toml:"seed"`
	Disbalance optString `toml:"disbalance"`
}

// Config is an experiment description.
type Config struct {
	ParentDir       string          `toml:"parent_dir"`
	RealDataPath    string          `toml:"real_data_path"`
	TaskType        string          `toml:"task_type"`
	ModelType       ModelKind       `toml:"model_type"`
	Device          string          `toml:"device"`
	Seed            uint64          `toml:"seed"`
	ModelParams     ModelParams     `toml:"model_params"`
	DiffusionParams DiffusionParams `toml:"diffusion_params"`
	Train           struct {
		Main TrainMain       `toml:"main"`
		T    TransformConfig `toml:"T"`
	} `toml:"train"`
	Sample SampleConfig `toml:"sample"`
}

// DefaultConfig holds the values used for keys a file leaves out.
func DefaultConfig() *Config {
	c := &Config{
		ModelType: ModelMLP,
		Device:    "cpu",
		Seed:      2024,
		DiffusionParams: DiffusionParams{
			NumTimesteps:     1000,
			GaussianLossType: "mse",
			Scheduler:        "cosine",
			TimeSampling:     TimeUniform,
		},
		Sample: SampleConfig{NumSamples: 1000, BatchSize: 2000},
	}
	c.ModelParams.DimT = 128
	c.Train.Main = TrainMain{Steps: 1000, LR: 0.002, WeightDecay: 1e-4, BatchSize: 1024}
	c.Train.T.CatEncoding = optString(CatOrdinal)
	return c
}

// LoadConfig decodes a TOML experiment file over DefaultConfig. Keys the
// decoder does not know are logged and ignored.
func LoadConfig(path string, logger *logrus.Logger) (*Config, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logger.WithField("key", key.String()).Debug("ignoring unknown config key")
	}
	if cfg.TaskType != "" {
		if _, err := ParseTaskType(cfg.TaskType); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	return cfg, nil
}
