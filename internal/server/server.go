// Package server exposes the transcription service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"transcript-server/internal/artifact"
	"transcript-server/internal/domain"
	"transcript-server/internal/jobs"
	"transcript-server/internal/pipeline"
)

// Submitter starts transcription jobs.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (string, error)
}

// Banner is what the index route reports about the running service.
type Banner struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Fetcher     string `json:"fetcher"`
	Transcriber string `json:"transcriber"`
	Model       string `json:"model,omitempty"`
}

// Config holds transport limits.
type Config struct {
	MaxUploadMB int
	// UploadDir receives uploaded files before they are handed to a job.
	UploadDir      string
	DefaultTimeout time.Duration
	Banner         Banner
}

// Deps are the collaborators of the server.
type Deps struct {
	Jobs      *jobs.Store
	Submitter Submitter
	Artifacts *artifact.Store
	Diagnose  func() domain.DiagnosticReport
	Log       logrus.FieldLogger
}

// Server wires routes onto an echo instance.
type Server struct {
	echo      *echo.Echo
	jobs      *jobs.Store
	submitter Submitter
	artifacts *artifact.Store
	diagnose  func() domain.DiagnosticReport
	log       logrus.FieldLogger
	cfg       Config
	poll      time.Duration
}

// requestValidator adapts go-playground/validator to echo.
type requestValidator struct {
	validate *validator.Validate
}

// Validate checks struct tags of i.
func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// New builds the server and registers every route.
func New(deps Deps, cfg Config) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 512
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	s := &Server{
		echo:      e,
		jobs:      deps.Jobs,
		submitter: deps.Submitter,
		artifacts: deps.Artifacts,
		diagnose:  deps.Diagnose,
		log:       log,
		cfg:       cfg,
		poll:      250 * time.Millisecond,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))

	e.GET("/", s.handleIndex)
	e.GET("/health", s.handleHealth)
	e.GET("/diagnostics", s.handleDiagnostics)
	e.POST("/transcribe", s.handleTranscribe, middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadMB)))
	e.GET("/progress/:job_id", s.handleProgress)
	e.GET("/ws/progress/:job_id", s.handleProgressStream)
	e.GET("/download/:job_id/:filename", s.handleDownload)
	e.GET("/download-all/:job_id", s.handleDownloadAll)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("http server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
