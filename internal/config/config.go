// Package config loads agent settings from defaults, an optional yaml file,
// a .env file and GPSAGENT_ environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "GPSAGENT"

type Config struct {
	Host          string        `mapstructure:"host"`
	BackendScheme string        `mapstructure:"backend_scheme" validate:"oneof=http https"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout" validate:"gt=0"`

	StoreDriver string `mapstructure:"store_driver" validate:"oneof=sqlite postgres memory"`
	StorePath   string `mapstructure:"store_path" validate:"required_if=StoreDriver sqlite"`
	StoreURL    string `mapstructure:"store_url" validate:"required_if=StoreDriver postgres"`

	Locator         string  `mapstructure:"locator" validate:"oneof=gpsd static"`
	GpsdAddr        string  `mapstructure:"gpsd_addr" validate:"required_if=Locator gpsd"`
	StaticLatitude  float64 `mapstructure:"static_latitude" validate:"gte=-90,lte=90"`
	StaticLongitude float64 `mapstructure:"static_longitude" validate:"gte=-180,lte=180"`

	SampleInterval time.Duration `mapstructure:"sample_interval" validate:"gt=0"`
	FixTimeout     time.Duration `mapstructure:"fix_timeout" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	RetryCapacity  int           `mapstructure:"retry_capacity" validate:"gte=1"`
	RetryInitial   time.Duration `mapstructure:"retry_initial" validate:"gt=0"`
	RetryMax       time.Duration `mapstructure:"retry_max" validate:"gtefield=RetryInitial"`

	ControlAddr  string `mapstructure:"control_addr" validate:"required"`
	ControlToken string `mapstructure:"control_token"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFile  string `mapstructure:"log_file"`

	NatsURL     string `mapstructure:"nats_url"`
	NatsSubject string `mapstructure:"nats_subject" validate:"required_with=NatsURL"`
}

// New returns a viper instance carrying every key with its default.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("host", "")
	v.SetDefault("backend_scheme", "http")
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("store_driver", "sqlite")
	v.SetDefault("store_path", defaultStorePath())
	v.SetDefault("store_url", "")
	v.SetDefault("locator", "gpsd")
	v.SetDefault("gpsd_addr", "localhost:2947")
	v.SetDefault("static_latitude", 0.0)
	v.SetDefault("static_longitude", 0.0)
	v.SetDefault("sample_interval", 5*time.Second)
	v.SetDefault("fix_timeout", 10*time.Second)
	v.SetDefault("poll_interval", 10*time.Second)
	v.SetDefault("retry_capacity", 16)
	v.SetDefault("retry_initial", 5*time.Second)
	v.SetDefault("retry_max", 2*time.Minute)
	v.SetDefault("control_addr", "127.0.0.1:8765")
	v.SetDefault("control_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "gpsagent.samples")
	return v
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "gpsagent.db"
	}
	return filepath.Join(dir, "gpsagent", "session.db")
}

// Load reads cfgFile, or gpsagent.yaml from the working directory or the
// user config directory when cfgFile is empty. A missing file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("gpsagent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "gpsagent"))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Source reports the config file in use, if any.
func Source(v *viper.Viper) string {
	return v.ConfigFileUsed()
}
