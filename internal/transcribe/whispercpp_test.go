package transcribe

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transcript-server/internal/command"
)

// fakeRunner simulates command execution order and outcomes.
type fakeRunner struct {
	run    func(ctx context.Context, name string, args ...string) (command.Result, error)
	stream func(ctx context.Context, onLine func(string), name string, args ...string) (command.Result, error)
}

// Run delegates to injected behavior.
func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	if f.run == nil {
		return command.Result{}, nil
	}
	return f.run(ctx, name, args...)
}

// Stream delegates to injected behavior.
func (f *fakeRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) (command.Result, error) {
	if f.stream == nil {
		return command.Result{}, nil
	}
	return f.stream(ctx, onLine, name, args...)
}

const sampleWhisperJSON = `{
  "result": {"language": "en"},
  "transcription": [
    {"offsets": {"from": 0, "to": 1500}, "text": " Hello world",
     "tokens": [{"text": "[_BEG_]", "p": 0.1}, {"text": " Hello", "p": 0.9}, {"text": " world", "p": 0.7}]},
    {"offsets": {"from": 1500, "to": 1500}, "text": "   ", "tokens": []},
    {"offsets": {"from": 2000, "to": 3250}, "text": " Second line", "tokens": [{"text": " Second", "p": 0.8}]}
  ]
}`

// TestWhisperCPPTranscribeSuccess checks the happy path with auto language.
func TestWhisperCPPTranscribeSuccess(t *testing.T) {
	root := t.TempDir()
	inputPath := filepath.Join(root, "audio.mp3")
	modelPath := filepath.Join(root, "ggml-base.bin")
	mustWriteFile(t, inputPath, "media")
	mustWriteFile(t, modelPath, "model")

	var whisperArgs []string
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (command.Result, error) {
			if name != "ffmpeg-custom" {
				t.Fatalf("run name = %q, want ffmpeg-custom", name)
			}
			mustWriteFile(t, args[len(args)-1], "wav")
			return command.Result{}, nil
		},
		stream: func(ctx context.Context, onLine func(string), name string, args ...string) (command.Result, error) {
			if name != "whisper-custom" {
				t.Fatalf("stream name = %q, want whisper-custom", name)
			}
			whisperArgs = append([]string{}, args...)
			onLine("whisper_print_progress_callback: progress =  40%")
			onLine("whisper_print_progress_callback: progress = 80%")
			mustWriteFile(t, argValue(args, "-of")+".json", sampleWhisperJSON)
			return command.Result{}, nil
		},
	}

	var progress []float64
	w := NewWhisperCPPForTests("ffmpeg-custom", "whisper-custom", modelPath, runner)
	res, err := w.Transcribe(context.Background(), Request{
		AudioPath:  inputPath,
		WorkDir:    root,
		Language:   "auto",
		OnProgress: func(f float64) { progress = append(progress, f) },
	})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(res.Segments))
	}
	if res.Segments[0].Text != "Hello world" || res.Segments[0].End != 1.5 {
		t.Fatalf("segment[0] = %+v", res.Segments[0])
	}
	if res.Segments[1].Start != 2 || res.Segments[1].End != 3.25 {
		t.Fatalf("segment[1] = %+v", res.Segments[1])
	}
	if res.Language != "en" {
		t.Fatalf("language = %q, want en", res.Language)
	}
	if math.Abs(res.Confidence-0.8) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.8", res.Confidence)
	}
	if res.DurationSeconds != 3.25 {
		t.Fatalf("duration = %v, want 3.25", res.DurationSeconds)
	}
	if got := argValue(whisperArgs, "-l"); got != "auto" {
		t.Fatalf("language arg = %q, want auto", got)
	}
	if !hasArg(whisperArgs, "-ojf") || !hasArg(whisperArgs, "-pp") {
		t.Fatalf("expected -ojf and -pp in args: %v", whisperArgs)
	}
	want := []float64{0.4, 0.8, 1}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
}

// TestWhisperCPPFFmpegFailure checks conversion error path.
func TestWhisperCPPFFmpegFailure(t *testing.T) {
	root := t.TempDir()
	inputPath := filepath.Join(root, "clip.mp4")
	modelPath := filepath.Join(root, "model.bin")
	mustWriteFile(t, inputPath, "media")
	mustWriteFile(t, modelPath, "model")

	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (command.Result, error) {
			return command.Result{Stderr: "ffmpeg failed", ExitCode: 1}, errors.New("exit status 1")
		},
	}

	w := NewWhisperCPPForTests("ffmpeg", "whisper.cpp", modelPath, runner)
	_, err := w.Transcribe(context.Background(), Request{AudioPath: inputPath, WorkDir: root})
	if err == nil {
		t.Fatal("expected error")
	}

	var cErr *command.Error
	if !errors.As(err, &cErr) {
		t.Fatalf("error type = %T, want *command.Error", err)
	}
	if cErr.Log.Command != "ffmpeg" {
		t.Fatalf("command = %q, want ffmpeg", cErr.Log.Command)
	}
	if cErr.Log.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", cErr.Log.ExitCode)
	}
	if !strings.Contains(err.Error(), "ffmpeg failed") {
		t.Fatalf("error = %q, want stderr detail", err.Error())
	}
}

// TestWhisperCPPWhisperFailure checks transcription error path.
func TestWhisperCPPWhisperFailure(t *testing.T) {
	root := t.TempDir()
	inputPath := filepath.Join(root, "clip.mp4")
	modelPath := filepath.Join(root, "model.bin")
	mustWriteFile(t, inputPath, "media")
	mustWriteFile(t, modelPath, "model")

	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (command.Result, error) {
			mustWriteFile(t, args[len(args)-1], "wav")
			return command.Result{}, nil
		},
		stream: func(ctx context.Context, onLine func(string), name string, args ...string) (command.Result, error) {
			return command.Result{Stderr: "whisper failed", ExitCode: 1}, errors.New("exit status 1")
		},
	}

	w := NewWhisperCPPForTests("ffmpeg", "whisper.cpp", modelPath, runner)
	_, err := w.Transcribe(context.Background(), Request{AudioPath: inputPath, WorkDir: root})

	var cErr *command.Error
	if !errors.As(err, &cErr) {
		t.Fatalf("error type = %T, want *command.Error", err)
	}
	if cErr.Log.Command != "whisper.cpp" {
		t.Fatalf("command = %q, want whisper.cpp", cErr.Log.Command)
	}
}

// TestWhisperCPPModelDirectory checks model discovery and fixed language.
func TestWhisperCPPModelDirectory(t *testing.T) {
	root := t.TempDir()
	inputPath := filepath.Join(root, "clip.mov")
	modelDir := filepath.Join(root, "models")
	mustWriteFile(t, inputPath, "media")
	// lexical sort should pick this first.
	mustWriteFile(t, filepath.Join(modelDir, "a-small.gguf"), "model")
	mustWriteFile(t, filepath.Join(modelDir, "z-large.bin"), "model")

	var usedModel, usedLanguage string
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (command.Result, error) {
			mustWriteFile(t, args[len(args)-1], "wav")
			return command.Result{}, nil
		},
		stream: func(ctx context.Context, onLine func(string), name string, args ...string) (command.Result, error) {
			usedModel = argValue(args, "-m")
			usedLanguage = argValue(args, "-l")
			mustWriteFile(t, argValue(args, "-of")+".json", `{"transcription":[]}`)
			return command.Result{}, nil
		},
	}

	w := NewWhisperCPPForTests("ffmpeg", "whisper.cpp", modelDir, runner)
	res, err := w.Transcribe(context.Background(), Request{AudioPath: inputPath, WorkDir: root, Language: "fr"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if want := filepath.Join(modelDir, "a-small.gguf"); usedModel != want {
		t.Fatalf("used model = %q, want %q", usedModel, want)
	}
	if usedLanguage != "fr" {
		t.Fatalf("used language = %q, want fr", usedLanguage)
	}
	if len(res.Segments) != 0 || res.Confidence != 0 {
		t.Fatalf("result = %+v, want empty", res)
	}
}

// TestWhisperCPPRequiresModelPath checks validation for missing model path.
func TestWhisperCPPRequiresModelPath(t *testing.T) {
	root := t.TempDir()
	inputPath := filepath.Join(root, "clip.mp3")
	mustWriteFile(t, inputPath, "media")

	w := NewWhisperCPPForTests("ffmpeg", "whisper.cpp", "", &fakeRunner{})
	_, err := w.Transcribe(context.Background(), Request{AudioPath: inputPath, WorkDir: root})
	if err == nil || !strings.Contains(err.Error(), "model path is required") {
		t.Fatalf("error = %v, want model path validation", err)
	}
}

// TestBuildFFmpegArgs verifies deterministic ffmpeg command arguments.
func TestBuildFFmpegArgs(t *testing.T) {
	args := buildFFmpegArgs("/in.mp4", "/tmp/out.wav")
	want := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", "/in.mp4",
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"/tmp/out.wav",
	}

	if len(args) != len(want) {
		t.Fatalf("args len = %d, want %d", len(args), len(want))
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

// TestBuildWhisperArgsThreads verifies the thread flag is optional.
func TestBuildWhisperArgsThreads(t *testing.T) {
	if args := buildWhisperArgs("/m.bin", "/a.wav", "/out/base", "", 0); hasArg(args, "-t") {
		t.Fatalf("did not expect -t in args: %v", args)
	}
	args := buildWhisperArgs("/m.bin", "/a.wav", "/out/base", "de", 4)
	if got := argValue(args, "-t"); got != "4" {
		t.Fatalf("threads arg = %q, want 4", got)
	}
}

// TestParseWhisperProgress checks -pp line parsing.
func TestParseWhisperProgress(t *testing.T) {
	if v, ok := parseWhisperProgress("whisper_print_progress_callback: progress =  55%"); !ok || v != 55 {
		t.Fatalf("parse = %v, %v; want 55, true", v, ok)
	}
	if _, ok := parseWhisperProgress("[00:00.000 --> 00:01.000] hello"); ok {
		t.Fatal("segment line should not parse as progress")
	}
}

// mustWriteFile creates parent directory and writes file content.
func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}

// argValue returns value for key-style CLI args.
func argValue(args []string, key string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == key {
			return args[i+1]
		}
	}
	return ""
}

// hasArg reports whether args include the target flag.
func hasArg(args []string, key string) bool {
	for _, arg := range args {
		if arg == key {
			return true
		}
	}
	return false
}
