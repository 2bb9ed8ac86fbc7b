package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"transcript-server/internal/config"
	"transcript-server/internal/domain"
)

const modelDownloadTimeout = 45 * time.Minute

// ConfigSaver persists configuration after a model pull.
type ConfigSaver interface {
	Save(cfg *config.Config) error
}

// HTTPDoer is the subset of *http.Client used for model downloads.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

var whisperModelCatalog = []domain.WhisperModelOption{
	{
		ID:          "tiny.en",
		Name:        "Tiny (English)",
		FileName:    "ggml-tiny.en.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.en.bin",
		SizeLabel:   "~75 MB",
		Description: "Fastest, English-only model.",
	},
	{
		ID:          "tiny",
		Name:        "Tiny (Multilingual)",
		FileName:    "ggml-tiny.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SizeLabel:   "~75 MB",
		Description: "Fastest multilingual model.",
	},
	{
		ID:          "base.en",
		Name:        "Base (English)",
		FileName:    "ggml-base.en.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin",
		SizeLabel:   "~142 MB",
		Description: "Balanced speed/quality, English-only.",
	},
	{
		ID:          "base",
		Name:        "Base (Multilingual)",
		FileName:    "ggml-base.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SizeLabel:   "~142 MB",
		Description: "Balanced speed/quality, multilingual.",
	},
	{
		ID:          "small.en",
		Name:        "Small (English)",
		FileName:    "ggml-small.en.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.en.bin",
		SizeLabel:   "~466 MB",
		Description: "Higher quality, English-only.",
	},
	{
		ID:          "small",
		Name:        "Small (Multilingual)",
		FileName:    "ggml-small.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		SizeLabel:   "~466 MB",
		Description: "Higher quality multilingual model.",
	},
	{
		ID:          "medium.en",
		Name:        "Medium (English)",
		FileName:    "ggml-medium.en.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.en.bin",
		SizeLabel:   "~1.5 GB",
		Description: "High quality, English-only.",
	},
	{
		ID:          "medium",
		Name:        "Medium (Multilingual)",
		FileName:    "ggml-medium.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		SizeLabel:   "~1.5 GB",
		Description: "High quality multilingual model.",
	},
	{
		ID:          "large-v2",
		Name:        "Large v2",
		FileName:    "ggml-large-v2.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v2.bin",
		SizeLabel:   "~2.9 GB",
		Description: "Very high quality multilingual model.",
	},
	{
		ID:          "large-v3",
		Name:        "Large v3",
		FileName:    "ggml-large-v3.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		SizeLabel:   "~2.9 GB",
		Description: "Latest large multilingual model.",
	},
	{
		ID:          "large-v3-turbo",
		Name:        "Large v3 Turbo",
		FileName:    "ggml-large-v3-turbo.bin",
		URL:         "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3-turbo.bin",
		SizeLabel:   "~1.6 GB",
		Description: "Faster large-v3 variant.",
	},
}

// Models returns the built-in whisper.cpp model presets, marking the ones
// already present next to the configured model path or in the default dir.
func Models(cfg *config.Config) []domain.WhisperModelOption {
	models := make([]domain.WhisperModelOption, len(whisperModelCatalog))
	copy(models, whisperModelCatalog)

	modelPath := ""
	if cfg != nil {
		modelPath = cfg.Transcriber.ModelPath
	}
	markDownloadedModels(models, resolveKnownModelDirs(modelPath))
	return models
}

// PullModel downloads the catalog model id, points the transcriber at it and
// saves cfg. A nil client uses http.DefaultClient.
func PullModel(ctx context.Context, saver ConfigSaver, cfg *config.Config, id string, client HTTPDoer) (domain.WhisperModelOption, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.WhisperModelOption{}, fmt.Errorf("model id is required")
	}
	model, found := getWhisperModelByID(id)
	if !found {
		return domain.WhisperModelOption{}, fmt.Errorf("unknown model id: %s", id)
	}
	return pullModel(ctx, saver, cfg, model, client)
}

func pullModel(ctx context.Context, saver ConfigSaver, cfg *config.Config, model domain.WhisperModelOption, client HTTPDoer) (domain.WhisperModelOption, error) {
	if cfg == nil || saver == nil {
		return domain.WhisperModelOption{}, fmt.Errorf("config store is not configured")
	}
	if client == nil {
		client = http.DefaultClient
	}

	downloadDir, err := resolveModelDownloadDirectory(cfg.Transcriber.ModelPath)
	if err != nil {
		return domain.WhisperModelOption{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, modelDownloadTimeout)
	defer cancel()

	targetPath := filepath.Join(downloadDir, model.FileName)
	if err := downloadURLToFile(ctx, client, targetPath, model.URL); err != nil {
		return domain.WhisperModelOption{}, fmt.Errorf("download model %s: %w", model.Name, err)
	}

	cfg.Transcriber.ModelPath = targetPath
	if err := saver.Save(cfg); err != nil {
		return domain.WhisperModelOption{}, fmt.Errorf("save config: %w", err)
	}

	model.Downloaded = true
	model.LocalPath = targetPath
	return model, nil
}

func getWhisperModelByID(id string) (domain.WhisperModelOption, bool) {
	for _, model := range whisperModelCatalog {
		if model.ID == id {
			return model, true
		}
	}
	return domain.WhisperModelOption{}, false
}

func isModelFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".bin" || ext == ".gguf"
}

func resolveModelDownloadDirectory(modelPath string) (string, error) {
	trimmed := strings.TrimSpace(modelPath)
	if trimmed == "" {
		return config.DefaultModelDir(), nil
	}

	info, err := os.Stat(trimmed)
	if err == nil {
		if info.IsDir() {
			return trimmed, nil
		}
		if isModelFile(trimmed) {
			return filepath.Dir(trimmed), nil
		}
		return "", fmt.Errorf("model path points to non-model file: %s", trimmed)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("check model path: %w", err)
	}
	if isModelFile(trimmed) {
		return filepath.Dir(trimmed), nil
	}
	return trimmed, nil
}

func resolveKnownModelDirs(modelPath string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	add := func(path string) {
		p := strings.TrimSpace(path)
		if p == "" {
			return
		}
		clean := filepath.Clean(p)
		if clean == "." {
			return
		}
		if _, ok := seen[clean]; ok {
			return
		}
		seen[clean] = struct{}{}
		result = append(result, clean)
	}

	modelPath = strings.TrimSpace(modelPath)
	if modelPath != "" {
		info, statErr := os.Stat(modelPath)
		switch {
		case statErr == nil && info.IsDir():
			add(modelPath)
		case statErr == nil:
			add(filepath.Dir(modelPath))
		case errors.Is(statErr, os.ErrNotExist) && isModelFile(modelPath):
			add(filepath.Dir(modelPath))
		case errors.Is(statErr, os.ErrNotExist):
			add(modelPath)
		}
	}
	add(config.DefaultModelDir())
	return result
}

func markDownloadedModels(models []domain.WhisperModelOption, modelDirs []string) {
	for i := range models {
		for _, dir := range modelDirs {
			candidate := filepath.Join(dir, models[i].FileName)
			info, err := os.Stat(candidate)
			if err != nil || info.IsDir() {
				continue
			}
			models[i].Downloaded = true
			models[i].LocalPath = candidate
			break
		}
	}
}

// downloadURLToFile streams sourceURL into a sibling temp file and renames it
// over destinationPath once complete.
func downloadURLToFile(ctx context.Context, client HTTPDoer, destinationPath string, sourceURL string) error {
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o755); err != nil {
		return fmt.Errorf("prepare destination directory: %w", err)
	}

	tmpPath := destinationPath + ".download"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale temp file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", serviceName)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write destination file: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close destination file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, destinationPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move downloaded file into place: %w", err)
	}
	return nil
}
