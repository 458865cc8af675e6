package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Ingester consumes sample blocks; *Windower implements it.
type Ingester interface {
	Ingest(block SampleBlock)
}

// WriteWAV encodes mono float32 samples in [-1, 1] as 16-bit PCM.
func WriteWAV(w io.WriteSeeker, pcm []float32, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)),
	}
	for i, s := range pcm {
		buffer.Data[i] = int(clampUnit(s) * math.MaxInt16)
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAVFile writes pcm to a new temp file and returns its path. The
// caller removes it.
func WriteWAVFile(pcm []float32, sampleRate int) (string, error) {
	file, err := os.CreateTemp("", "loqa_caption_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	if err := WriteWAV(file, pcm, sampleRate); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return file.Name(), nil
}

func clampUnit(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

type WAVSourceConfig struct {
	Path       string
	SampleRate int
	BlockSize  int
	Realtime   bool
	Loop       bool
}

// WAVSource replays a WAV file as a stream of sample blocks, paced at the
// file's sample rate when Realtime is set.
type WAVSource struct {
	cfg    WAVSourceConfig
	logger *slog.Logger
}

func NewWAVSource(cfg WAVSourceConfig, logger *slog.Logger) *WAVSource {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 128
	}
	return &WAVSource{cfg: cfg, logger: logger.With(slog.String("component", "wav-source"))}
}

// Run feeds dst until the file ends (or forever with Loop) or ctx is done.
func (s *WAVSource) Run(ctx context.Context, dst Ingester) error {
	for {
		blocks, err := s.play(ctx, dst)
		if err != nil {
			return err
		}
		s.logger.Info("wav playback finished", slog.String("path", s.cfg.Path), slog.Int("blocks", blocks))
		if !s.cfg.Loop || ctx.Err() != nil {
			return nil
		}
	}
}

func (s *WAVSource) play(ctx context.Context, dst Ingester) (int, error) {
	file, err := os.Open(s.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file %s", s.cfg.Path)
	}
	channels := int(dec.NumChans)
	if s.cfg.SampleRate > 0 && int(dec.SampleRate) != s.cfg.SampleRate {
		return 0, fmt.Errorf("wav sample rate %d does not match capture rate %d", dec.SampleRate, s.cfg.SampleRate)
	}
	scale := float32(math.Pow(2, float64(dec.BitDepth)-1))

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
		Data:   make([]int, s.cfg.BlockSize*channels),
	}
	block := make(SampleBlock, channels)
	for c := range block {
		block[c] = make([]float32, s.cfg.BlockSize)
	}

	var ticker *time.Ticker
	if s.cfg.Realtime {
		period := time.Duration(s.cfg.BlockSize) * time.Second / time.Duration(dec.SampleRate)
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	blocks := 0
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return blocks, fmt.Errorf("decode wav: %w", err)
		}
		frames := n / channels
		if frames == 0 {
			return blocks, nil
		}
		for c := range block {
			block[c] = block[c][:frames]
			for i := 0; i < frames; i++ {
				block[c][i] = float32(buf.Data[i*channels+c]) / scale
			}
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return blocks, nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return blocks, nil
		}
		dst.Ingest(block)
		blocks++

		for c := range block {
			block[c] = block[c][:cap(block[c])]
		}
	}
}
