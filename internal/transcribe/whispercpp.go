package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"transcript-server/internal/command"
	"transcript-server/internal/domain"
)

var whisperProgress = regexp.MustCompile(`progress\s*=\s*(\d+)%`)

// WhisperCPP transcodes with ffmpeg and transcribes with the whisper.cpp CLI.
type WhisperCPP struct {
	ffmpegPath  string
	whisperPath string
	modelPath   string
	threads     int
	runner      command.Runner
	stat        func(name string) (os.FileInfo, error)
	readDir     func(name string) ([]os.DirEntry, error)
	readFile    func(name string) ([]byte, error)
}

// NewWhisperCPP constructs the production backend with OS dependencies.
func NewWhisperCPP(ffmpegPath, whisperPath, modelPath string, threads int) *WhisperCPP {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(whisperPath) == "" {
		whisperPath = "whisper.cpp"
	}
	return &WhisperCPP{
		ffmpegPath:  ffmpegPath,
		whisperPath: whisperPath,
		modelPath:   modelPath,
		threads:     threads,
		runner:      &command.ExecRunner{},
		stat:        os.Stat,
		readDir:     os.ReadDir,
		readFile:    os.ReadFile,
	}
}

// NewWhisperCPPForTests constructs a backend with an injectable runner.
func NewWhisperCPPForTests(ffmpegPath, whisperPath, modelPath string, runner command.Runner) *WhisperCPP {
	w := NewWhisperCPP(ffmpegPath, whisperPath, modelPath, 0)
	w.runner = runner
	return w
}

// Name identifies the backend.
func (w *WhisperCPP) Name() string {
	return "whisper.cpp"
}

// Transcribe converts audio to 16 kHz mono WAV, runs whisper.cpp with full
// JSON output and parses the timed segments.
func (w *WhisperCPP) Transcribe(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("input audio path is required")
	}
	if _, err := w.stat(req.AudioPath); err != nil {
		return Result{}, fmt.Errorf("cannot access input audio: %s: %w", req.AudioPath, err)
	}
	if strings.TrimSpace(req.WorkDir) == "" {
		return Result{}, errors.New("work directory is required")
	}

	modelPath, err := w.resolveModelPath(w.modelPath)
	if err != nil {
		return Result{}, err
	}

	wavPath := filepath.Join(req.WorkDir, "preprocessed-16k-mono.wav")
	ffArgs := buildFFmpegArgs(req.AudioPath, wavPath)
	ffRes, err := w.runner.Run(ctx, w.ffmpegPath, ffArgs...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &command.Error{
			Message: "ffmpeg audio conversion failed",
			Log:     command.NewLog(w.ffmpegPath, ffArgs, ffRes),
			Err:     err,
		}
	}
	if _, err := w.stat(wavPath); err != nil {
		return Result{}, fmt.Errorf("ffmpeg completed but output file is missing: %w", err)
	}

	outBase := filepath.Join(req.WorkDir, "transcript")
	args := buildWhisperArgs(modelPath, wavPath, outBase, req.Language, w.threads)
	wRes, err := w.runner.Stream(ctx, func(line string) {
		if pct, ok := parseWhisperProgress(line); ok {
			emitProgress(req.OnProgress, pct/100)
		}
	}, w.whisperPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &command.Error{
			Message: "whisper.cpp transcription failed",
			Log:     command.NewLog(w.whisperPath, args, wRes),
			Err:     err,
		}
	}

	data, err := w.readFile(outBase + ".json")
	if err != nil {
		return Result{}, fmt.Errorf("whisper.cpp completed but transcript .json file is missing: %w", err)
	}
	result, err := parseWhisperJSON(data)
	if err != nil {
		return Result{}, err
	}
	emitProgress(req.OnProgress, 1)
	return result, nil
}

type whisperToken struct {
	Text string  `json:"text"`
	P    float64 `json:"p"`
}

type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text   string         `json:"text"`
		Tokens []whisperToken `json:"tokens"`
	} `json:"transcription"`
}

// parseWhisperJSON reads whisper.cpp -ojf output. Offsets are milliseconds.
func parseWhisperJSON(data []byte) (Result, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("decode whisper.cpp json: %w", err)
	}

	segments := make([]domain.Segment, 0, len(out.Transcription))
	var pSum float64
	var pCount int
	for _, item := range out.Transcription {
		segments = append(segments, domain.Segment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  item.Text,
		})
		for _, tok := range item.Tokens {
			// Special tokens look like [_BEG_] or [_TT_150].
			if strings.HasPrefix(tok.Text, "[_") {
				continue
			}
			pSum += tok.P
			pCount++
		}
	}

	res := Result{
		Segments: cleanSegments(segments),
		Language: out.Result.Language,
	}
	if pCount > 0 {
		res.Confidence = pSum / float64(pCount)
	}
	if n := len(res.Segments); n > 0 {
		res.DurationSeconds = res.Segments[n-1].End
	}
	return res, nil
}

// resolveModelPath returns model file path from file or directory input.
func (w *WhisperCPP) resolveModelPath(rawPath string) (string, error) {
	modelPath := strings.TrimSpace(rawPath)
	if modelPath == "" {
		return "", fmt.Errorf("model path is required")
	}

	info, err := w.stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	entries, err := w.readDir(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", modelPath)
	}

	modelNames := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			modelNames = append(modelNames, entry.Name())
		}
	}
	if len(modelNames) == 0 {
		return "", fmt.Errorf("no .bin or .gguf model files found in: %s", modelPath)
	}

	sort.Strings(modelNames)
	return filepath.Join(modelPath, modelNames[0]), nil
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for full JSON export with progress.
func buildWhisperArgs(modelPath, audioPath, outBase, language string, threads int) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-ojf",
		"-pp",
	}

	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	} else {
		args = append(args, "-l", "auto")
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}

	return args
}

// parseWhisperProgress extracts the percentage from a -pp progress line.
func parseWhisperProgress(line string) (float64, bool) {
	m := whisperProgress.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return float64(v), true
}
