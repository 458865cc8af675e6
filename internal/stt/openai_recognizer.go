package stt

import (
	"context"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/sashabaranov/go-openai"
)

// openAIRecognizer uses the hosted transcription API. Endpoint, when set,
// points the client at a compatible server instead of api.openai.com.
type openAIRecognizer struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(cfg config.EngineConfig) Recognizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
	}
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, pcm []float32, sampleRate int) (Result, error) {
	path, err := audio.WriteWAVFile(pcm, sampleRate)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(path)

	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: path,
		Language: r.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai transcription: %w", err)
	}
	return Result{Text: resp.Text}, nil
}
