// Package bootstrap wires configuration into a running transcription service.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"transcript-server/internal/artifact"
	"transcript-server/internal/config"
	"transcript-server/internal/diagnostics"
	"transcript-server/internal/domain"
	"transcript-server/internal/fetch"
	"transcript-server/internal/jobs"
	"transcript-server/internal/pipeline"
	"transcript-server/internal/retention"
	"transcript-server/internal/server"
	"transcript-server/internal/transcribe"
	"transcript-server/internal/worker"
)

const (
	serviceName     = "transcript-server"
	eventBacklog    = 1000
	shutdownTimeout = 30 * time.Second
)

// App holds every long-lived component of the service.
type App struct {
	Config    *config.Config
	Jobs      *jobs.Store
	Artifacts *artifact.Store
	Pool      *worker.Pool
	Pipeline  *pipeline.Orchestrator
	Sweeper   *retention.Sweeper
	Server    *server.Server

	checker *diagnostics.Checker
	log     logrus.FieldLogger
}

// New builds the service from cfg. Nothing is started until Run.
func New(cfg *config.Config, version string, log logrus.FieldLogger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	for _, dir := range []string{cfg.Storage.OutputDir, cfg.Storage.TempDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare directory %s: %w", dir, err)
		}
	}

	fetcher, err := fetch.New(cfg.Fetcher.Backend, cfg.Fetcher.YTDLPPath, &http.Client{Timeout: cfg.Fetcher.HTTPTimeout})
	if err != nil {
		return nil, err
	}
	transcriber, err := transcribe.New(transcribe.Config{
		Backend:       cfg.Transcriber.Backend,
		FFmpegPath:    cfg.Transcriber.FFmpegPath,
		WhisperPath:   cfg.Transcriber.WhisperPath,
		ModelPath:     cfg.Transcriber.ModelPath,
		Threads:       cfg.Transcriber.Threads,
		OpenAIBaseURL: cfg.Transcriber.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.Transcriber.OpenAI.APIKey,
		OpenAIModel:   cfg.Transcriber.OpenAI.Model,
	})
	if err != nil {
		return nil, err
	}

	store := jobs.NewStore(jobs.NewEventBus(eventBacklog))
	artifacts := artifact.NewStore(cfg.Storage.OutputDir)
	pool := worker.NewPool(worker.Config{
		MaxWorkers: cfg.Workers.MaxConcurrent,
		QueueSize:  cfg.Workers.QueueSize,
	}, log.WithField("component", "worker"))

	orchestrator := pipeline.New(pipeline.Deps{
		Store:       store,
		Fetcher:     fetcher,
		Transcriber: transcriber,
		Artifacts:   artifacts,
		Pool:        pool,
		Log:         log.WithField("component", "pipeline"),
	}, pipeline.Config{
		TempDir:           cfg.Storage.TempDir,
		JobTimeout:        cfg.Jobs.Timeout,
		FetchTimeout:      cfg.Jobs.FetchTimeout,
		TranscribeTimeout: cfg.Jobs.TranscribeTimeout,
	})

	app := &App{
		Config:    cfg,
		Jobs:      store,
		Artifacts: artifacts,
		Pool:      pool,
		Pipeline:  orchestrator,
		Sweeper:   retention.New(store, artifacts, cfg.Retention.TTL, cfg.Retention.Schedule, log),
		checker:   diagnostics.NewChecker(),
		log:       log,
	}

	banner := server.Banner{
		Name:        serviceName,
		Version:     version,
		Fetcher:     cfg.Fetcher.Backend,
		Transcriber: transcriber.Name(),
	}
	if cfg.Transcriber.Backend == "openai" {
		banner.Model = cfg.Transcriber.OpenAI.Model
	} else {
		banner.Model = cfg.Transcriber.ModelPath
	}

	app.Server = server.New(server.Deps{
		Jobs:      store,
		Submitter: orchestrator,
		Artifacts: artifacts,
		Diagnose:  app.Diagnose,
		Log:       log.WithField("component", "http"),
	}, server.Config{
		MaxUploadMB:    cfg.Server.MaxUploadMB,
		UploadDir:      cfg.Storage.TempDir,
		DefaultTimeout: cfg.Jobs.Timeout,
		Banner:         banner,
	})
	return app, nil
}

// Diagnose checks the tools and paths the configured backends need.
func (a *App) Diagnose() domain.DiagnosticReport {
	return a.checker.Run(a.Config)
}

// Addr is the listen address built from the server config.
func (a *App) Addr() string {
	return net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port))
}

// Run serves until ctx is cancelled or the listener fails, then shuts the
// server, the pool and the sweeper down in that order.
func (a *App) Run(ctx context.Context) error {
	report := a.Diagnose()
	if report.HasFailures {
		a.log.Warn("startup diagnostics reported failures; jobs may fail until fixed")
	}

	a.Pool.Start()
	if err := a.Sweeper.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Pool.Stop(stopCtx)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start(a.Addr())
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.log.WithError(serveErr).Error("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http shutdown")
	}
	a.Pool.Stop(shutdownCtx)
	a.Sweeper.Stop()
	return serveErr
}
