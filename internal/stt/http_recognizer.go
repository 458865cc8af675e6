package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
)

// HTTPRecognizer posts each inference window to a faster-whisper style
// sidecar exposing POST /transcribe and GET /health.
type HTTPRecognizer struct {
	cfg    config.EngineConfig
	base   string
	client *http.Client
}

const defaultWhisperURL = "http://localhost:8387"

type whisperResponse struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Text string `json:"text"`
}

func NewHTTPRecognizer(cfg config.EngineConfig, timeout time.Duration) *HTTPRecognizer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = defaultWhisperURL
	}
	return &HTTPRecognizer{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

// IsAvailable reports whether the sidecar answers its health check.
func (r *HTTPRecognizer) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (r *HTTPRecognizer) Transcribe(ctx context.Context, pcm []float32, sampleRate int) (Result, error) {
	path, err := audio.WriteWAVFile(pcm, sampleRate)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(path)
	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open audio: %w", err)
	}
	defer file.Close()

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(r.writeForm(form, file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/transcribe", body)
	if err != nil {
		body.Close()
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("whisper error (status %d): %s", resp.StatusCode, string(msg))
	}

	var result whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode whisper response: %w", err)
	}
	text := result.Text
	if text == "" && len(result.Segments) > 0 {
		var b strings.Builder
		for _, seg := range result.Segments {
			b.WriteString(seg.Text)
		}
		text = b.String()
	}
	return Result{Text: text}, nil
}

func (r *HTTPRecognizer) writeForm(form *multipart.Writer, file io.Reader) error {
	part, err := form.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if r.cfg.ModelPath != "" {
		if err := form.WriteField("model", r.cfg.ModelPath); err != nil {
			return err
		}
	}
	if r.cfg.Language != "" {
		if err := form.WriteField("language", r.cfg.Language); err != nil {
			return err
		}
	}
	return form.Close()
}
