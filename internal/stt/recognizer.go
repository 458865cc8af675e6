package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-caption/internal/config"
)

// ErrUnknownMode is returned for an engine mode with no backend.
var ErrUnknownMode = errors.New("unknown engine mode")

// Result captures recognizer output for one inference pass.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer runs batch inference over mono float32 PCM in [-1, 1].
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []float32, sampleRate int) (Result, error)
}

// NewRecognizer builds the recognizer selected by cfg.Mode. The websocket
// mode streams instead and has no recognizer.
func NewRecognizer(cfg config.EngineConfig, logger *slog.Logger) (Recognizer, error) {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg, timeout), nil
	case "openai":
		return NewOpenAIRecognizer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, cfg.Mode)
	}
}
