package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultModelDir is where pulled whisper.cpp models are stored.
func DefaultModelDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".transcript-server", "models")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_upload_mb", 512)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "auto")
	v.SetDefault("storage.output_dir", "transcripts")
	v.SetDefault("storage.temp_dir", os.TempDir())
	v.SetDefault("workers.max_concurrent", 2)
	v.SetDefault("workers.queue_size", 64)
	v.SetDefault("jobs.timeout", time.Duration(0))
	v.SetDefault("jobs.fetch_timeout", 30*time.Minute)
	v.SetDefault("jobs.transcribe_timeout", 2*time.Hour)
	v.SetDefault("fetcher.backend", "ytdlp")
	v.SetDefault("fetcher.ytdlp_path", "yt-dlp")
	v.SetDefault("fetcher.http_timeout", 10*time.Minute)
	v.SetDefault("transcriber.backend", "whispercpp")
	v.SetDefault("transcriber.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcriber.whisper_path", "whisper-cli")
	v.SetDefault("transcriber.model_path", DefaultModelDir())
	v.SetDefault("transcriber.threads", 0)
	v.SetDefault("transcriber.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("transcriber.openai.api_key", "")
	v.SetDefault("transcriber.openai.model", "whisper-1")
	v.SetDefault("retention.ttl", 24*time.Hour)
	v.SetDefault("retention.schedule", "@every 15m")
}

// DefaultConfig returns baseline configuration with no file or environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}
