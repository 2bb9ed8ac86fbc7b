package fetch

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// HTTPDoer is the subset of *http.Client used for direct downloads.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTP downloads a direct media link without any extraction step.
type HTTP struct {
	client HTTPDoer
}

// NewHTTP constructs a direct-download fetcher.
func NewHTTP(client HTTPDoer) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

// Fetch streams the response body into WorkDir and reports byte progress.
func (f *HTTP) Fetch(ctx context.Context, req Request) (Result, error) {
	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Result{}, errors.Errorf("unsupported source url: %q", req.URL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Result{}, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("User-Agent", "transcript-server")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, errors.Wrap(err, "request source")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, errors.Errorf("unexpected HTTP status: %s", resp.Status)
	}

	name := sourceFileName(parsed, resp.Header.Get("Content-Disposition"))
	audioPath := filepath.Join(req.WorkDir, "audio"+strings.ToLower(filepath.Ext(name)))
	out, err := os.OpenFile(audioPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, errors.Wrap(err, "create audio file")
	}

	counter := &progressWriter{total: resp.ContentLength, onProgress: req.OnProgress}
	_, copyErr := io.Copy(out, io.TeeReader(resp.Body, counter))
	closeErr := out.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, errors.Wrap(copyErr, "download body")
	}
	if closeErr != nil {
		return Result{}, errors.Wrap(closeErr, "close audio file")
	}
	emitProgress(req.OnProgress, 1)

	return Result{
		AudioPath: audioPath,
		Title:     strings.TrimSuffix(name, filepath.Ext(name)),
	}, nil
}

// sourceFileName prefers the server-provided filename over the URL path.
func sourceFileName(u *url.URL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

// progressWriter counts bytes passing through and reports the fraction done.
type progressWriter struct {
	total      int64
	written    int64
	lastPct    int
	onProgress func(float64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.total > 0 {
		pct := int(w.written * 100 / w.total)
		if pct != w.lastPct {
			w.lastPct = pct
			emitProgress(w.onProgress, float64(w.written)/float64(w.total))
		}
	}
	return len(p), nil
}
