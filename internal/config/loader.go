// Package config loads gend settings from a file, the environment and flags.
// Precedence, lowest first: Defaults, config file, GEND_* environment, flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// DefaultModel is used when a request omits its model and the kind's
	// class has no entry in DefaultModels.
	DefaultModel  string            `json:"default_model" yaml:"default_model" toml:"default_model"`
	DefaultModels map[string]string `json:"default_models" yaml:"default_models" toml:"default_models"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	// CacheMode is multi or single; CacheClassModes overrides it per class.
	CacheMode       string            `json:"cache_mode" yaml:"cache_mode" toml:"cache_mode"`
	CacheClassModes map[string]string `json:"cache_class_modes" yaml:"cache_class_modes" toml:"cache_class_modes"`
	Provider        string            `json:"provider" yaml:"provider" toml:"provider"`
	DeviceID        int               `json:"device_id" yaml:"device_id" toml:"device_id"`

	TextBackend  string `json:"text_backend" yaml:"text_backend" toml:"text_backend"`
	LlamaCtx     int    `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads int    `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`

	SimConstructDelayMS int `json:"sim_construct_delay_ms" yaml:"sim_construct_delay_ms" toml:"sim_construct_delay_ms"`
	SimStepDelayMS      int `json:"sim_step_delay_ms" yaml:"sim_step_delay_ms" toml:"sim_step_delay_ms"`

	// JobRetentionSec > 0 clears terminal jobs older than this periodically.
	JobRetentionSec    int `json:"job_retention_sec" yaml:"job_retention_sec" toml:"job_retention_sec"`
	ShutdownTimeoutSec int `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" toml:"shutdown_timeout_sec"`

	MaxBodyBytes    int64   `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	SubmitRateLimit float64 `json:"submit_rate_limit" yaml:"submit_rate_limit" toml:"submit_rate_limit"`
	SubmitBurst     int     `json:"submit_burst" yaml:"submit_burst" toml:"submit_burst"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:               ":8080",
		ModelsDir:          "~/models",
		LogLevel:           "info",
		LogFormat:          "json",
		CacheMode:          "multi",
		Provider:           "cuda",
		TextBackend:        "sim",
		LlamaCtx:           2048,
		LlamaThreads:       4,
		SimStepDelayMS:     50,
		JobRetentionSec:    3600,
		ShutdownTimeoutSec: 10,
		MaxBodyBytes:       32 << 20,
		SubmitRateLimit:    0,
		SubmitBurst:        10,
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithDefaults overlays the file at path (if any) onto Defaults.
func LoadWithDefaults(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	f, err := Load(path)
	if err != nil {
		return cfg, err
	}
	cfg.Merge(f)
	return cfg, nil
}

// Merge copies every non-zero field of o onto c.
func (c *Config) Merge(o Config) {
	setS(&c.Addr, o.Addr)
	setS(&c.ModelsDir, o.ModelsDir)
	setS(&c.DefaultModel, o.DefaultModel)
	if len(o.DefaultModels) > 0 {
		c.DefaultModels = o.DefaultModels
	}
	setS(&c.LogLevel, o.LogLevel)
	setS(&c.LogFormat, o.LogFormat)
	setS(&c.CacheMode, o.CacheMode)
	if len(o.CacheClassModes) > 0 {
		c.CacheClassModes = o.CacheClassModes
	}
	setS(&c.Provider, o.Provider)
	setI(&c.DeviceID, o.DeviceID)
	setS(&c.TextBackend, o.TextBackend)
	setI(&c.LlamaCtx, o.LlamaCtx)
	setI(&c.LlamaThreads, o.LlamaThreads)
	setI(&c.SimConstructDelayMS, o.SimConstructDelayMS)
	setI(&c.SimStepDelayMS, o.SimStepDelayMS)
	setI(&c.JobRetentionSec, o.JobRetentionSec)
	setI(&c.ShutdownTimeoutSec, o.ShutdownTimeoutSec)
	if o.MaxBodyBytes != 0 {
		c.MaxBodyBytes = o.MaxBodyBytes
	}
	if o.SubmitRateLimit != 0 {
		c.SubmitRateLimit = o.SubmitRateLimit
	}
	setI(&c.SubmitBurst, o.SubmitBurst)
	if o.CORSEnabled {
		c.CORSEnabled = true
	}
	if len(o.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = o.CORSAllowedOrigins
	}
	if len(o.CORSAllowedMethods) > 0 {
		c.CORSAllowedMethods = o.CORSAllowedMethods
	}
	if len(o.CORSAllowedHeaders) > 0 {
		c.CORSAllowedHeaders = o.CORSAllowedHeaders
	}
}

func setS(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setI(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch strings.ToLower(c.CacheMode) {
	case "", "multi", "single":
	default:
		return fmt.Errorf("cache_mode must be multi or single, got %q", c.CacheMode)
	}
	for class, m := range c.CacheClassModes {
		switch strings.ToLower(m) {
		case "multi", "single":
		default:
			return fmt.Errorf("cache_class_modes[%s] must be multi or single, got %q", class, m)
		}
	}
	switch c.TextBackend {
	case "", "sim", "llama":
	default:
		return fmt.Errorf("text_backend must be sim or llama, got %q", c.TextBackend)
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if c.SubmitRateLimit < 0 || c.SubmitBurst < 0 {
		return fmt.Errorf("submit rate limit and burst must not be negative")
	}
	return nil
}
