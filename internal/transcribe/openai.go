package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"transcript-server/internal/domain"
)

// HTTPDoer is the subset of *http.Client used by the OpenAI backend.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAI transcribes through an OpenAI-compatible /audio/transcriptions API.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  HTTPDoer
	breaker *gobreaker.CircuitBreaker
}

// NewOpenAI creates an OpenAI-compatible backend. A nil client uses
// http.DefaultClient.
func NewOpenAI(baseURL, apiKey, model string, client HTTPDoer) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "openai-transcription",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Name identifies the backend.
func (o *OpenAI) Name() string {
	return "openai"
}

type openAISegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

type openAIResponse struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Duration float64         `json:"duration"`
	Segments []openAISegment `json:"segments"`
}

// Transcribe uploads the audio and converts the verbose_json response.
func (o *OpenAI) Transcribe(ctx context.Context, req Request) (Result, error) {
	out, err := o.breaker.Execute(func() (interface{}, error) {
		return o.post(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	resp := out.(*openAIResponse)

	segments := make([]domain.Segment, 0, len(resp.Segments))
	var logprob float64
	for _, seg := range resp.Segments {
		segments = append(segments, domain.Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
		logprob += seg.AvgLogprob
	}
	if len(segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		segments = append(segments, domain.Segment{Start: 0, End: resp.Duration, Text: resp.Text})
	}

	res := Result{
		Segments:        cleanSegments(segments),
		Language:        resp.Language,
		DurationSeconds: resp.Duration,
	}
	if n := len(resp.Segments); n > 0 {
		res.Confidence = math.Exp(logprob / float64(n))
	}
	emitProgress(req.OnProgress, 1)
	return res, nil
}

func (o *OpenAI) endpoint() string {
	url := strings.TrimSuffix(o.baseURL, "/")
	if strings.HasSuffix(url, "/audio/transcriptions") {
		return url
	}
	return url + "/audio/transcriptions"
}

func (o *OpenAI) post(ctx context.Context, req Request) (*openAIResponse, error) {
	file, err := os.Open(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy audio to form: %w", err)
	}
	_ = writer.WriteField("model", o.model)
	_ = writer.WriteField("response_format", "verbose_json")
	_ = writer.WriteField("timestamp_granularities[]", "segment")
	if lang := normalizeLanguage(req.Language); lang != "" {
		_ = writer.WriteField("language", lang)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("transcription API error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}
	return &out, nil
}
