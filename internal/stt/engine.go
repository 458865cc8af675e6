package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrEngineClosed is returned by Submit after Close.
var ErrEngineClosed = errors.New("engine closed")

// Engine accepts chunks and yields transcript events on demand. Submit
// must not wait for inference; Poll returns only events already produced
// and drains them.
type Engine interface {
	Submit(chunk audio.Chunk) error
	Poll() []transcript.Event
	Close() error
}

// Healthy reports whether e can currently produce events. Engines without
// a Healthy method are always healthy.
func Healthy(e Engine) bool {
	if h, ok := e.(interface{ Healthy() bool }); ok {
		return h.Healthy()
	}
	return true
}

const idleSleep = 10 * time.Millisecond

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(ctx context.Context, cfg config.EngineConfig, sampleRate int, logger *slog.Logger) (Engine, error) {
	if cfg.Mode == "websocket" {
		return DialStream(ctx, cfg, sampleRate, logger)
	}
	recognizer, err := NewRecognizer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWorker(ctx, cfg, sampleRate, recognizer, logger), nil
}

// Worker drives a batch Recognizer incrementally. Audio accumulates until
// at least TriggerMS is queued; each pass re-transcribes the whole current
// utterance and reports it as partial. The utterance is finalized when it
// grows past IterThresholdMS or the energy detector sees speech end, and
// the last KeepMS carry over into the next one.
type Worker struct {
	cfg        config.EngineConfig
	sampleRate int
	recognizer Recognizer
	logger     *slog.Logger
	tracer     trace.Tracer
	inference  metric.Float64Histogram

	trigger   int
	threshold int
	keep      int
	vadWindow int

	mu     sync.Mutex
	queued []float32
	events []transcript.Event
	closed bool

	backlogLog rate.Sometimes
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewWorker(parent context.Context, cfg config.EngineConfig, sampleRate int, recognizer Recognizer, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(parent)
	samples := func(ms int) int { return ms * sampleRate / 1000 }
	w := &Worker{
		cfg:        cfg,
		sampleRate: sampleRate,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt-worker"), slog.String("mode", cfg.Mode)),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-caption/stt"),
		trigger:    samples(cfg.TriggerMS),
		threshold:  samples(cfg.IterThresholdMS),
		keep:       samples(cfg.KeepMS),
		vadWindow:  samples(cfg.VADWindowMS),
		backlogLog: rate.Sometimes{Interval: 10 * time.Second},
		ctx:        ctx,
		cancel:     cancel,
	}
	hist, err := otel.Meter("github.com/loqalabs/loqa-caption/stt").Float64Histogram("caption.engine.inference",
		metric.WithDescription("Recognizer latency per inference pass"),
		metric.WithUnit("s"))
	if err != nil {
		w.logger.Warn("failed to initialize metrics", slogError(err))
	}
	w.inference = hist

	w.wg.Add(1)
	go w.run()
	return w
}

// Submit queues channel 0 of chunk for recognition.
func (w *Worker) Submit(chunk audio.Chunk) error {
	if len(chunk.Channels) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrEngineClosed
	}
	w.queued = append(w.queued, chunk.Channels[0]...)
	return nil
}

func (w *Worker) Poll() []transcript.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.events
	w.events = nil
	return events
}

func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(idleSleep)
	defer ticker.Stop()

	var pcm []float32
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		w.mu.Lock()
		queued := len(w.queued)
		if queued < w.trigger || queued == 0 {
			w.mu.Unlock()
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if queued > 2*w.threshold {
			w.backlogLog.Do(func() {
				w.logger.Warn("engine falling behind real time", slog.Int("queued_samples", queued))
			})
		}
		pcm = append(pcm, w.queued...)
		w.queued = w.queued[:0]
		w.mu.Unlock()

		result, err := w.transcribe(pcm)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Warn("stt transcription failed", slogError(err))
			if len(pcm) > w.threshold {
				pcm = w.carryOver(pcm)
			}
			continue
		}

		ended := false
		if w.vadWindow > 0 && len(pcm) >= w.vadWindow {
			window := append([]float32(nil), pcm[len(pcm)-w.vadWindow:]...)
			ended = speechEnded(window, w.sampleRate, w.cfg.VADLastMS, w.cfg.VADThreshold, w.cfg.VADFreqThreshold)
		}

		event := transcript.Event{Text: result.Text, Partial: true}
		if len(pcm) > w.threshold || ended {
			event.Partial = false
			w.logger.Debug("utterance finalized",
				slog.Bool("speech_end", ended),
				slog.Int("samples", len(pcm)))
			pcm = w.carryOver(pcm)
		}

		w.mu.Lock()
		w.events = append(w.events, event)
		w.mu.Unlock()
	}
}

func (w *Worker) carryOver(pcm []float32) []float32 {
	keep := min(w.keep, len(pcm))
	return append(make([]float32, 0, w.threshold), pcm[len(pcm)-keep:]...)
}

func (w *Worker) transcribe(pcm []float32) (Result, error) {
	ctx, span := w.tracer.Start(w.ctx, "stt.inference",
		trace.WithAttributes(attribute.Int("samples", len(pcm)), attribute.String("mode", w.cfg.Mode)))
	defer span.End()

	if w.cfg.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(w.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := w.recognizer.Transcribe(ctx, pcm, w.sampleRate)
	if w.inference != nil {
		w.inference.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("mode", w.cfg.Mode)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
