package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"gend/internal/config"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	addr       string
	modelsDir  string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "gend",
		Short:         "GPU generation coordinator: one job at a time, shared model cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", os.Getenv("GEND_CONFIG"), "Config file (.yaml, .json or .toml); defaults to GEND_CONFIG")
	pf.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading GEND_* variables")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&f.logFormat, "log-format", "", "Log format: json|console")
	pf.StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	pf.StringVar(&f.modelsDir, "models-dir", "", "Directory to scan for model files")

	root.AddCommand(newServeCmd(f), newModelsCmd(f))
	return root
}

// resolveConfig applies, lowest first: Defaults, the config file, the dotenv
// file and GEND_* variables, then explicitly set flags.
func resolveConfig(f *rootFlags, flags *pflag.FlagSet, lookup func(string) (string, bool)) (config.Config, error) {
	cfg, err := config.LoadWithDefaults(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.envFile != "" {
		if err := config.LoadDotEnv(f.envFile); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}
	changed := func(name string) bool {
		fl := flags.Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("models-dir") {
		cfg.ModelsDir = f.modelsDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log level and format.
func newLogger(cfg config.Config, out io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if s := strings.TrimSpace(cfg.LogLevel); s != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
		}
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "gend").Logger(), nil
}
