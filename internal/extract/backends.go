package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mnemo/internal/models"
)

// Default backend configuration values.
const (
	DefaultVisionURL      = "http://localhost:11434"
	DefaultVisionModel    = "llava"
	DefaultWhisperURL     = "http://localhost:8000"
	DefaultWhisperModel   = "whisper-1"
	DefaultBackendTimeout = 120 * time.Second
)

// VisionBackend describes images in text.
type VisionBackend interface {
	Describe(ctx context.Context, prompt string, images [][]byte) (string, error)
	Ping(ctx context.Context) error
	Name() string
}

// Segment is one timed piece of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is a speech-to-text result.
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// TranscriptionBackend turns audio into text.
type TranscriptionBackend interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (Transcript, error)
	Ping(ctx context.Context) error
	Name() string
}

// BackendConfig holds connection settings for an HTTP model backend.
type BackendConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	// RatePerMinute bounds outgoing requests; zero disables the limit.
	RatePerMinute int
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// OllamaVision talks to an Ollama server's /api/generate endpoint.
type OllamaVision struct {
	client  *http.Client
	baseURL string
	model   string
	limiter *rate.Limiter
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Stream bool     `json:"stream"`
	Images []string `json:"images,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaVision creates a vision backend.
func NewOllamaVision(cfg BackendConfig) *OllamaVision {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultVisionURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultVisionModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultBackendTimeout
	}
	return &OllamaVision{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		limiter: newLimiter(cfg.RatePerMinute),
	}
}

func (o *OllamaVision) Name() string { return "ollama:" + o.model }

func (o *OllamaVision) Describe(ctx context.Context, prompt string, images [][]byte) (string, error) {
	if err := wait(ctx, o.limiter); err != nil {
		return "", err
	}
	body := generateRequest{Model: o.model, Prompt: prompt}
	for _, img := range images {
		body.Images = append(body.Images, base64.StdEncoding.EncodeToString(img))
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", unavailable("ollama", err)
	}
	defer resp.Body.Close()
	if err := statusError("ollama", resp); err != nil {
		return "", err
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

func (o *OllamaVision) Ping(ctx context.Context) error {
	return ping(ctx, o.client, o.baseURL+"/api/tags", "ollama")
}

// WhisperClient talks to an OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperClient struct {
	client  *http.Client
	baseURL string
	model   string
	limiter *rate.Limiter
}

// NewWhisperClient creates a transcription backend.
func NewWhisperClient(cfg BackendConfig) *WhisperClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultWhisperURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultWhisperModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultBackendTimeout
	}
	return &WhisperClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		limiter: newLimiter(cfg.RatePerMinute),
	}
}

func (w *WhisperClient) Name() string { return "whisper:" + w.model }

func (w *WhisperClient) Transcribe(ctx context.Context, filename string, audio []byte) (Transcript, error) {
	if err := wait(ctx, w.limiter); err != nil {
		return Transcript{}, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("model", w.model)
	_ = mw.WriteField("response_format", "verbose_json")
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Transcript{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Transcript{}, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return Transcript{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return Transcript{}, unavailable("whisper", err)
	}
	defer resp.Body.Close()
	if err := statusError("whisper", resp); err != nil {
		return Transcript{}, err
	}

	var out Transcript
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcript{}, fmt.Errorf("decode response: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

func (w *WhisperClient) Ping(ctx context.Context) error {
	return ping(ctx, w.client, w.baseURL+"/v1/models", "whisper")
}

func ping(ctx context.Context, client *http.Client, url, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return unavailable(name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s status %d: %w", name, resp.StatusCode, models.ErrBackendUnavailable)
	}
	return nil
}

func unavailable(name string, err error) error {
	return fmt.Errorf("%s: %v: %w", name, err, models.ErrBackendUnavailable)
}

// statusError maps 5xx and 429 to ErrBackendUnavailable, other non-2xx to ErrExtractionFailed.
func statusError(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s error (status %d): %s: %w", name, resp.StatusCode, msg, models.ErrBackendUnavailable)
	}
	return fmt.Errorf("%s error (status %d): %s: %w", name, resp.StatusCode, msg, models.ErrExtractionFailed)
}
