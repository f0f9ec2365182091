package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"oncoscope/ml"
)

// EnvPath overrides the config file location.
const EnvPath = "ONCOSCOPE_CONFIG"

const DefaultPath = "config.yaml"

type Config struct {
	Http struct {
		Port             int           `yaml:"port"`
		Timeout          time.Duration `yaml:"timeout"`
		AllowedOrigins   []string      `yaml:"allowed_origins"`
		RetrainPerMinute int           `yaml:"retrain_per_minute"` // across all clients
		MaxBatch         int           `yaml:"max_batch"`
	} `yaml:"http"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	Models struct {
		Dir              string   `yaml:"dir"`
		Enabled          []string `yaml:"enabled"`
		GRUSVMEnabled    bool     `yaml:"gru_svm_enabled"`
		BootstrapMissing bool     `yaml:"bootstrap_missing"`
		Watch            bool     `yaml:"watch"`
	} `yaml:"models"`
	Dataset struct {
		Path      string  `yaml:"path"`
		TestRatio float64 `yaml:"test_ratio"`
		Seed      int     `yaml:"seed"`
	} `yaml:"dataset"`
	Retrain struct {
		Timeout  time.Duration `yaml:"timeout"`
		Parallel int           `yaml:"parallel"`
	} `yaml:"retrain"`
	Serving struct {
		CacheSize   int `yaml:"cache_size"`
		MaxParallel int `yaml:"max_parallel"`
	} `yaml:"serving"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Alerts struct {
		MinAccuracy     float64       `yaml:"min_accuracy"`
		MaxAccuracyDrop float64       `yaml:"max_accuracy_drop"`
		Cooldown        time.Duration `yaml:"cooldown"`
		WebhookURL      string        `yaml:"webhook_url"`
	} `yaml:"alerts"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() *Config {
	c := &Config{}
	c.Http.Port = 8000
	c.Http.Timeout = 30 * time.Second
	c.Http.RetrainPerMinute = 6
	c.Http.MaxBatch = 1000
	c.Log.Level = "info"
	c.Log.File = "logs/oncoscope.log"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 5
	c.Log.MaxAgeDays = 30
	c.Models.Dir = "models"
	c.Models.BootstrapMissing = true
	c.Models.Watch = true
	c.Dataset.Path = "data/wdbc.csv"
	c.Dataset.TestRatio = 0.2
	c.Dataset.Seed = ml.DefaultSeed
	c.Retrain.Timeout = 10 * time.Minute
	c.Retrain.Parallel = 2
	c.Serving.CacheSize = 4096
	c.Serving.MaxParallel = 4
	c.Database.Path = "oncoscope.db"
	c.Alerts.MinAccuracy = 0.9
	c.Alerts.MaxAccuracyDrop = 0.03
	c.Alerts.Cooldown = 15 * time.Minute
	return c
}

// Path returns the config path from the environment, or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, config.Validate()
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.Http.Port))
	}
	if c.Http.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.Http.MaxBatch <= 0 {
		errs = append(errs, errors.New("http.max_batch must be positive"))
	}
	if c.Retrain.Timeout <= 0 {
		errs = append(errs, errors.New("retrain.timeout must be positive"))
	}
	if c.Dataset.TestRatio <= 0 || c.Dataset.TestRatio >= 1 {
		errs = append(errs, fmt.Errorf("dataset.test_ratio %v must be in (0, 1)", c.Dataset.TestRatio))
	}
	if c.Alerts.MinAccuracy < 0 || c.Alerts.MinAccuracy > 1 {
		errs = append(errs, fmt.Errorf("alerts.min_accuracy %v must be in [0, 1]", c.Alerts.MinAccuracy))
	}
	if c.Alerts.MaxAccuracyDrop < 0 || c.Alerts.MaxAccuracyDrop > 1 {
		errs = append(errs, fmt.Errorf("alerts.max_accuracy_drop %v must be in [0, 1]", c.Alerts.MaxAccuracyDrop))
	}
	if c.Models.Dir == "" {
		errs = append(errs, errors.New("models.dir is required"))
	}
	if _, err := c.EnabledModels(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EnabledModels resolves models.enabled; empty means every model. gru_svm is
// dropped unless models.gru_svm_enabled is set.
func (c *Config) EnabledModels() ([]ml.ModelID, error) {
	want := make(map[ml.ModelID]bool)
	for _, name := range c.Models.Enabled {
		id, err := ml.ParseModelID(name)
		if err != nil {
			return nil, fmt.Errorf("models.enabled: %w", err)
		}
		want[id] = true
	}
	var ids []ml.ModelID
	for _, id := range ml.ModelIDs() {
		if len(want) > 0 && !want[id] {
			continue
		}
		if id == ml.GRUSVM && !c.Models.GRUSVMEnabled {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("models.enabled leaves no model to serve")
	}
	return ids, nil
}
