// Package fetch resolves a remote media source into a local audio file.
package fetch

import (
	"context"
	"fmt"
)

// Request describes one source to retrieve into WorkDir.
type Request struct {
	URL     string
	WorkDir string
	// OnProgress receives download completion as a fraction in [0,1].
	OnProgress func(fraction float64)
}

// Result is the downloaded audio and what is known about it.
type Result struct {
	AudioPath       string
	Title           string
	DurationSeconds float64
}

// Fetcher retrieves remote media.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// New builds the fetcher selected by backend.
func New(backend string, ytdlpPath string, httpClient HTTPDoer) (Fetcher, error) {
	switch backend {
	case "", "ytdlp":
		return NewYTDLP(ytdlpPath), nil
	case "http":
		return NewHTTP(httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported fetcher backend: %s", backend)
	}
}

func emitProgress(cb func(float64), fraction float64) {
	if cb != nil {
		cb(fraction)
	}
}
