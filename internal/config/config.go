// Package config loads service settings from defaults, file and environment.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server      Server
	Logger      Logger
	Storage     Storage
	Workers     Workers
	Jobs        Jobs
	Fetcher     Fetcher
	Transcriber Transcriber
	Retention   Retention
}

// Server is the HTTP listener config.
type Server struct {
	Host        string
	Port        int `validate:"min=1,max=65535"`
	MaxUploadMB int `validate:"min=1"`
}

// Logger config struct
type Logger struct {
	Level  string `validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `validate:"oneof=auto text json"`
}

// Storage holds artifact and scratch locations.
type Storage struct {
	OutputDir string `validate:"required"`
	TempDir   string
}

// Workers sizes the job pool. MaxConcurrent <= 0 means unbounded.
type Workers struct {
	MaxConcurrent int
	QueueSize     int `validate:"min=1"`
}

// Jobs holds per-job deadlines. Zero disables a deadline.
type Jobs struct {
	Timeout           time.Duration `validate:"min=0"`
	FetchTimeout      time.Duration `validate:"min=0"`
	TranscribeTimeout time.Duration `validate:"min=0"`
}

// Fetcher selects how URLs are downloaded.
type Fetcher struct {
	Backend     string `validate:"oneof=ytdlp http"`
	YTDLPPath   string
	HTTPTimeout time.Duration `validate:"min=0"`
}

// Transcriber selects and configures the speech-to-text backend.
type Transcriber struct {
	Backend     string `validate:"oneof=whispercpp openai"`
	FFmpegPath  string
	WhisperPath string
	ModelPath   string
	Threads     int `validate:"min=0"`
	OpenAI      OpenAI
}

// OpenAI configures an OpenAI-compatible transcription API.
type OpenAI struct {
	BaseURL string `validate:"omitempty,url"`
	APIKey  string
	Model   string
}

// Retention controls the sweeper of finished jobs. TTL 0 disables it.
type Retention struct {
	TTL      time.Duration `validate:"min=0"`
	Schedule string
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: Server{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			MaxUploadMB: v.GetInt("server.max_upload_mb"),
		},
		Logger: Logger{
			Level:  v.GetString("logger.level"),
			Format: v.GetString("logger.format"),
		},
		Storage: Storage{
			OutputDir: v.GetString("storage.output_dir"),
			TempDir:   v.GetString("storage.temp_dir"),
		},
		Workers: Workers{
			MaxConcurrent: v.GetInt("workers.max_concurrent"),
			QueueSize:     v.GetInt("workers.queue_size"),
		},
		Jobs: Jobs{
			Timeout:           v.GetDuration("jobs.timeout"),
			FetchTimeout:      v.GetDuration("jobs.fetch_timeout"),
			TranscribeTimeout: v.GetDuration("jobs.transcribe_timeout"),
		},
		Fetcher: Fetcher{
			Backend:     v.GetString("fetcher.backend"),
			YTDLPPath:   v.GetString("fetcher.ytdlp_path"),
			HTTPTimeout: v.GetDuration("fetcher.http_timeout"),
		},
		Transcriber: Transcriber{
			Backend:     v.GetString("transcriber.backend"),
			FFmpegPath:  v.GetString("transcriber.ffmpeg_path"),
			WhisperPath: v.GetString("transcriber.whisper_path"),
			ModelPath:   v.GetString("transcriber.model_path"),
			Threads:     v.GetInt("transcriber.threads"),
			OpenAI: OpenAI{
				BaseURL: v.GetString("transcriber.openai.base_url"),
				APIKey:  v.GetString("transcriber.openai.api_key"),
				Model:   v.GetString("transcriber.openai.model"),
			},
		},
		Retention: Retention{
			TTL:      v.GetDuration("retention.ttl"),
			Schedule: v.GetString("retention.schedule"),
		},
	}
}

// toViper writes every key of c into v.
func toViper(v *viper.Viper, c *Config) {
	v.Set("server.host", c.Server.Host)
	v.Set("server.port", c.Server.Port)
	v.Set("server.max_upload_mb", c.Server.MaxUploadMB)
	v.Set("logger.level", c.Logger.Level)
	v.Set("logger.format", c.Logger.Format)
	v.Set("storage.output_dir", c.Storage.OutputDir)
	v.Set("storage.temp_dir", c.Storage.TempDir)
	v.Set("workers.max_concurrent", c.Workers.MaxConcurrent)
	v.Set("workers.queue_size", c.Workers.QueueSize)
	v.Set("jobs.timeout", c.Jobs.Timeout.String())
	v.Set("jobs.fetch_timeout", c.Jobs.FetchTimeout.String())
	v.Set("jobs.transcribe_timeout", c.Jobs.TranscribeTimeout.String())
	v.Set("fetcher.backend", c.Fetcher.Backend)
	v.Set("fetcher.ytdlp_path", c.Fetcher.YTDLPPath)
	v.Set("fetcher.http_timeout", c.Fetcher.HTTPTimeout.String())
	v.Set("transcriber.backend", c.Transcriber.Backend)
	v.Set("transcriber.ffmpeg_path", c.Transcriber.FFmpegPath)
	v.Set("transcriber.whisper_path", c.Transcriber.WhisperPath)
	v.Set("transcriber.model_path", c.Transcriber.ModelPath)
	v.Set("transcriber.threads", c.Transcriber.Threads)
	v.Set("transcriber.openai.base_url", c.Transcriber.OpenAI.BaseURL)
	v.Set("transcriber.openai.api_key", c.Transcriber.OpenAI.APIKey)
	v.Set("transcriber.openai.model", c.Transcriber.OpenAI.Model)
	v.Set("retention.ttl", c.Retention.TTL.String())
	v.Set("retention.schedule", c.Retention.Schedule)
}
