package fetch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"transcript-server/internal/command"
)

var downloadPercent = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)

// YTDLP downloads audio through the yt-dlp CLI.
type YTDLP struct {
	path    string
	runner  command.Runner
	readDir func(name string) ([]os.DirEntry, error)
}

// NewYTDLP constructs the production yt-dlp fetcher.
func NewYTDLP(path string) *YTDLP {
	if strings.TrimSpace(path) == "" {
		path = "yt-dlp"
	}
	return &YTDLP{
		path:    path,
		runner:  &command.ExecRunner{},
		readDir: os.ReadDir,
	}
}

// NewYTDLPForTests constructs a fetcher with an injectable runner.
func NewYTDLPForTests(path string, runner command.Runner) *YTDLP {
	f := NewYTDLP(path)
	f.runner = runner
	return f
}

type ytdlpInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Fetch reads source metadata, then downloads the best audio stream.
func (f *YTDLP) Fetch(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Result{}, errors.New("source url is required")
	}

	metaArgs := []string{"--dump-single-json", "--no-playlist", "--no-warnings", req.URL}
	metaRes, err := f.runner.Run(ctx, f.path, metaArgs...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &command.Error{
			Message: "could not read source metadata",
			Log:     command.NewLog(f.path, metaArgs, metaRes),
			Err:     err,
		}
	}

	var info ytdlpInfo
	if err := json.Unmarshal([]byte(metaRes.Stdout), &info); err != nil {
		return Result{}, errors.Wrap(err, "decode yt-dlp metadata")
	}
	if strings.TrimSpace(info.Title) == "" {
		info.Title = "Unknown Video"
	}

	args := buildDownloadArgs(req.URL, filepath.Join(req.WorkDir, "audio.%(ext)s"))
	dlRes, err := f.runner.Stream(ctx, func(line string) {
		if percent, ok := parseDownloadPercent(line); ok {
			emitProgress(req.OnProgress, percent/100)
		}
	}, f.path, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &command.Error{
			Message: "download failed",
			Log:     command.NewLog(f.path, args, dlRes),
			Err:     err,
		}
	}

	audioPath, err := f.findAudio(req.WorkDir)
	if err != nil {
		return Result{}, err
	}
	emitProgress(req.OnProgress, 1)

	return Result{
		AudioPath:       audioPath,
		Title:           info.Title,
		DurationSeconds: info.Duration,
	}, nil
}

// findAudio locates the file yt-dlp produced from the audio.%(ext)s template.
func (f *YTDLP) findAudio(dir string) (string, error) {
	entries, err := f.readDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "read download directory %s", dir)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "audio.") || strings.HasSuffix(name, ".part") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", errors.New("audio file not found after download")
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

// buildDownloadArgs builds yt-dlp args for a low-bitrate mp3 extraction.
func buildDownloadArgs(url, outTemplate string) []string {
	return []string{
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "5",
		"--no-playlist",
		"--newline",
		"-o", outTemplate,
		url,
	}
}

// parseDownloadPercent extracts the percentage from a yt-dlp progress line.
func parseDownloadPercent(line string) (float64, bool) {
	m := downloadPercent.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
