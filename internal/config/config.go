package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"port"`
	ModelPath       string        `mapstructure:"model_path"`
	ONNXRuntimeLib  string        `mapstructure:"onnxruntime_lib"`
	ModelInputName  string        `mapstructure:"model_input_name"`
	ModelOutputName string        `mapstructure:"model_output_name"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	MaxImagePixels  int64         `mapstructure:"max_image_pixels"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	GinMode         string        `mapstructure:"gin_mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StatsdAddr      string        `mapstructure:"statsd_addr"`
}

var defaults = map[string]any{
	"port":              "5000",
	"model_path":        "model/sugarcane_disease_model.onnx",
	"onnxruntime_lib":   "",
	"model_input_name":  "input",
	"model_output_name": "output",
	"max_upload_bytes":  int64(10 << 20),
	"max_image_pixels":  int64(178956970),
	"log_level":         "info",
	"log_format":        "console",
	"gin_mode":          "release",
	"shutdown_timeout":  "10s",
	"statsd_addr":       "",
}

// Load reads an optional .env file from the working directory and then
// resolves every key from the environment, falling back to defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the config from the process environment only.
func FromEnv() (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if c.ModelPath == "" {
		return errors.New("MODEL_PATH must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive, got %d", c.MaxImagePixels)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

func (c *Config) Addr() string {
	return ":" + c.Port
}
