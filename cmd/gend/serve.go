package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"gend/internal/common/fsutil"
	"gend/internal/config"
	"gend/internal/engine"
	"gend/internal/httpapi"
	"gend/internal/registry"
	"gend/internal/rescache"
	"gend/internal/service"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP server",
		Example: "  gend serve --models-dir ~/models --addr :8080",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(f, cmd.Flags(), os.LookupEnv)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return serve(cfg, log)
		},
	}
}

// buildEngine registers one engine per resource class. Diffusion and
// upscaling run on the simulator; text uses llama.cpp when selected.
func buildEngine(cfg config.Config, log zerolog.Logger) (engine.Engine, error) {
	sim := engine.NewSim(engine.SimOptions{
		ConstructDelay: time.Duration(cfg.SimConstructDelayMS) * time.Millisecond,
		StepDelay:      time.Duration(cfg.SimStepDelayMS) * time.Millisecond,
		Logger:         log,
	})
	engines := map[rescache.Class]engine.Engine{
		rescache.ClassDiffusion: sim,
		rescache.ClassUpscaler:  sim,
		rescache.ClassText:      sim,
	}
	if cfg.TextBackend == "llama" {
		if !engine.LlamaBuilt {
			return nil, engine.ErrDependencyUnavailable("text_backend=llama needs a binary built with -tags=llama")
		}
		engines[rescache.ClassText] = engine.NewLlama(cfg.LlamaCtx, cfg.LlamaThreads)
	}
	return engine.NewRouter(engines), nil
}

// cacheOptions translates the configured residency modes.
func cacheOptions(cfg config.Config) (rescache.Options, error) {
	var opts rescache.Options
	if cfg.CacheMode != "" {
		m, err := rescache.ParseMode(strings.ToLower(cfg.CacheMode))
		if err != nil {
			return opts, err
		}
		opts.DefaultMode = m
	}
	for class, mode := range cfg.CacheClassModes {
		c, err := rescache.ParseClass(class)
		if err != nil {
			return opts, err
		}
		m, err := rescache.ParseMode(strings.ToLower(mode))
		if err != nil {
			return opts, err
		}
		if opts.ClassModes == nil {
			opts.ClassModes = map[rescache.Class]rescache.Mode{}
		}
		opts.ClassModes[c] = m
	}
	return opts, nil
}

// buildService wires registry, engine and cache from cfg.
func buildService(cfg config.Config, log zerolog.Logger) (*service.Service, error) {
	dir, err := fsutil.ResolveDir(cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("models dir: %w", err)
	}
	reg, err := registry.New(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return nil, err
	}
	co, err := cacheOptions(cfg)
	if err != nil {
		return nil, err
	}
	return service.New(service.Options{
		Registry:      reg,
		Engine:        eng,
		CacheOptions:  co,
		Tracer:        otel.Tracer("gend/queue"),
		DefaultModel:  cfg.DefaultModel,
		DefaultModels: cfg.DefaultModels,
		Provider:      cfg.Provider,
		DeviceID:      cfg.DeviceID,
		JobRetention:  time.Duration(cfg.JobRetentionSec) * time.Second,
		Logger:        log,
	}), nil
}

// configureHTTP pushes cfg into the httpapi package settings.
func configureHTTP(cfg config.Config, log zerolog.Logger) {
	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetSubmitRateLimit(cfg.SubmitRateLimit, cfg.SubmitBurst)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
}

func serve(cfg config.Config, log zerolog.Logger) error {
	svc, err := buildService(cfg, log)
	if err != nil {
		return err
	}
	svc.Start()
	configureHTTP(cfg, log)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(service.NewAPI(svc)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Int("models", len(svc.Models())).Msg("gend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	var serveErr error
	select {
	case <-stop:
	case serveErr = <-errCh:
	}

	timeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	// Streams and waits end first so Shutdown does not wait on them.
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := svc.Close(timeout); err != nil {
		log.Warn().Err(err).Msg("service close")
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	log.Info().Msg("gend stopped")
	return nil
}
