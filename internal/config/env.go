package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GEND_"

// LoadDotEnv loads each existing file into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays GEND_* variables onto c. lookup defaults to os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}
	e.strVar("ADDR", &c.Addr)
	e.strVar("MODELS_DIR", &c.ModelsDir)
	e.strVar("DEFAULT_MODEL", &c.DefaultModel)
	e.strVar("LOG_LEVEL", &c.LogLevel)
	e.strVar("LOG_FORMAT", &c.LogFormat)
	e.strVar("CACHE_MODE", &c.CacheMode)
	e.strVar("PROVIDER", &c.Provider)
	e.intVar("DEVICE_ID", &c.DeviceID)
	e.strVar("TEXT_BACKEND", &c.TextBackend)
	e.intVar("LLAMA_CTX", &c.LlamaCtx)
	e.intVar("LLAMA_THREADS", &c.LlamaThreads)
	e.intVar("SIM_CONSTRUCT_DELAY_MS", &c.SimConstructDelayMS)
	e.intVar("SIM_STEP_DELAY_MS", &c.SimStepDelayMS)
	e.intVar("JOB_RETENTION_SEC", &c.JobRetentionSec)
	e.intVar("SHUTDOWN_TIMEOUT_SEC", &c.ShutdownTimeoutSec)
	e.int64Var("MAX_BODY_BYTES", &c.MaxBodyBytes)
	e.floatVar("SUBMIT_RATE_LIMIT", &c.SubmitRateLimit)
	e.intVar("SUBMIT_BURST", &c.SubmitBurst)
	e.boolVar("CORS_ENABLED", &c.CORSEnabled)
	e.listVar("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)
	e.listVar("CORS_ALLOWED_METHODS", &c.CORSAllowedMethods)
	e.listVar("CORS_ALLOWED_HEADERS", &c.CORSAllowedHeaders)
	return e.err
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
}

func (e *envReader) strVar(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) intVar(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(name string, dst *int64) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) floatVar(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolVar(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) listVar(name string, dst *[]string) {
	if v, ok := e.get(name); ok {
		*dst = SplitCSV(v)
	}
}

// SplitCSV splits a comma-separated list, trimming blanks and dropping empties.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
