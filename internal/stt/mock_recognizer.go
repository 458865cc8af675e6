package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []float32, sampleRate int) (Result, error) {
	ms := 0
	if sampleRate > 0 {
		ms = len(pcm) * 1000 / sampleRate
	}
	return Result{
		Text:       fmt.Sprintf("[transcript %dms]", ms),
		Confidence: 0,
	}, nil
}
