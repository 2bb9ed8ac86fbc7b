// Package transcribe turns an audio file into timed transcript segments.
package transcribe

import (
	"context"
	"fmt"
	"strings"

	"transcript-server/internal/domain"
)

// Request contains input audio and execution callbacks for one run.
type Request struct {
	AudioPath string
	// WorkDir receives intermediate files; it is owned by the caller.
	WorkDir  string
	Language string
	// OnProgress receives transcription completion in [0,1] when the backend
	// can report it.
	OnProgress func(fraction float64)
}

// Result is the transcript and what the backend learned about the audio.
type Result struct {
	Segments        []domain.Segment
	Language        string
	Confidence      float64
	DurationSeconds float64
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
	// Name identifies the backend in job stats and logs.
	Name() string
}

// Config selects and configures a backend.
type Config struct {
	Backend       string
	FFmpegPath    string
	WhisperPath   string
	ModelPath     string
	Threads       int
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
}

// New builds the transcriber selected by cfg.Backend.
func New(cfg Config) (Transcriber, error) {
	switch cfg.Backend {
	case "", "whispercpp":
		return NewWhisperCPP(cfg.FFmpegPath, cfg.WhisperPath, cfg.ModelPath, cfg.Threads), nil
	case "openai":
		return NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, nil), nil
	default:
		return nil, fmt.Errorf("unsupported transcriber backend: %s", cfg.Backend)
	}
}

// normalizeLanguage maps "auto" and empty language to no override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// cleanSegments drops blank text and repairs inverted timestamps.
func cleanSegments(in []domain.Segment) []domain.Segment {
	out := make([]domain.Segment, 0, len(in))
	for _, seg := range in {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.Start < 0 {
			seg.Start = 0
		}
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		seg.Text = text
		out = append(out, seg)
	}
	return out
}

func emitProgress(cb func(float64), fraction float64) {
	if cb != nil {
		cb(fraction)
	}
}
