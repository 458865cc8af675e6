package audio

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// MinChunkSize is the smallest chunk the windower will emit.
const MinChunkSize = 128

// SampleBlock holds one callback period of samples, one slice per channel.
// The windower copies what it needs; callers may reuse the slices.
type SampleBlock [][]float32

// Chunk is a fixed-length group of samples per channel. It is never
// modified after emission.
type Chunk struct {
	Seq        uint64
	SampleRate int
	Channels   [][]float32
}

// Len returns the number of samples per channel.
func (c Chunk) Len() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// ChunkSink receives completed chunks. PushChunk must not block.
type ChunkSink interface {
	PushChunk(chunk Chunk) error
}

type WindowerConfig struct {
	ChannelCount int
	ChunkSize    int
	SampleRate   int
}

// WindowerStats is a point-in-time view of the windower counters.
type WindowerStats struct {
	ChunkSize       int    `json:"chunk_size"`
	ChannelCount    int    `json:"channel_count"`
	ChunksEmitted   uint64 `json:"chunks_emitted"`
	ChunksRejected  uint64 `json:"chunks_rejected"`
	BlocksDiscarded uint64 `json:"blocks_discarded"`
	MalformedBlocks uint64 `json:"malformed_blocks"`
	Buffered        int64  `json:"buffered_samples"`
	Paused          bool   `json:"paused"`
}

// Windower turns a stream of variable-size sample blocks into fixed-size
// chunks. Ingest must be called from a single goroutine; Pause, Resume and
// Stats are safe from any goroutine.
type Windower struct {
	channels   int
	chunkSize  int
	sampleRate int
	buffers    []*ring
	sink       ChunkSink
	logger     *slog.Logger

	paused atomic.Bool
	seq    uint64

	emitted   atomic.Uint64
	rejected  atomic.Uint64
	discarded atomic.Uint64
	malformed atomic.Uint64
	buffered  atomic.Int64

	rejectLog    rate.Sometimes
	malformedLog rate.Sometimes
}

func NewWindower(cfg WindowerConfig, sink ChunkSink, logger *slog.Logger) *Windower {
	log := logger.With(slog.String("component", "windower"))
	if cfg.ChannelCount < 1 {
		log.Warn("invalid channel count, using 1", slog.Int("requested", cfg.ChannelCount))
		cfg.ChannelCount = 1
	}
	if cfg.ChunkSize < MinChunkSize {
		log.Warn("chunk size below minimum, clamping",
			slog.Int("requested", cfg.ChunkSize),
			slog.Int("chunk_size", MinChunkSize))
		cfg.ChunkSize = MinChunkSize
	}

	w := &Windower{
		channels:     cfg.ChannelCount,
		chunkSize:    cfg.ChunkSize,
		sampleRate:   cfg.SampleRate,
		buffers:      make([]*ring, cfg.ChannelCount),
		sink:         sink,
		logger:       log,
		rejectLog:    rate.Sometimes{Interval: 5 * time.Second},
		malformedLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	for i := range w.buffers {
		w.buffers[i] = newRing(2 * cfg.ChunkSize)
	}
	if err := w.initMetrics(); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return w
}

func (w *Windower) ChunkSize() int { return w.chunkSize }

func (w *Windower) ChannelCount() int { return w.channels }

// Pause makes Ingest discard incoming blocks until Resume. Samples already
// buffered are kept.
func (w *Windower) Pause() { w.paused.Store(true) }

func (w *Windower) Resume() { w.paused.Store(false) }

func (w *Windower) Paused() bool { return w.paused.Load() }

// Buffered returns the number of samples waiting in each channel buffer.
func (w *Windower) Buffered() int { return int(w.buffered.Load()) }

// Ingest appends block to the channel buffers and emits at most one chunk.
// Channels beyond the configured count are ignored; missing or short
// channels are padded with silence so every buffer advances equally.
// Padding instead of skipping keeps emitted chunks equal-length across
// channels, at the cost of inserting silence into a dropped channel.
func (w *Windower) Ingest(block SampleBlock) {
	if w.paused.Load() {
		if len(block) > 0 {
			w.discarded.Add(1)
		}
		return
	}

	present := min(len(block), w.channels)
	length := 0
	for c := 0; c < present; c++ {
		length = max(length, len(block[c]))
	}
	if length == 0 {
		return
	}

	short := false
	for c := 0; c < w.channels; c++ {
		var samples []float32
		if c < present {
			samples = block[c]
		}
		if len(samples) < length {
			short = true
		}
		w.buffers[c].write(samples)
		w.buffers[c].writeSilence(length - len(samples))
	}
	if short || len(block) != w.channels {
		w.malformed.Add(1)
		w.malformedLog.Do(func() {
			w.logger.Debug("malformed sample block tolerated",
				slog.Int("channels", len(block)),
				slog.Int("expected", w.channels),
				slog.Int("samples", length))
		})
	}

	if w.buffers[0].Len() >= w.chunkSize {
		w.emit()
	}
	w.buffered.Store(int64(w.buffers[0].Len()))
}

func (w *Windower) emit() {
	chunk := Chunk{
		SampleRate: w.sampleRate,
		Channels:   make([][]float32, w.channels),
	}
	for c, buf := range w.buffers {
		chunk.Channels[c] = make([]float32, w.chunkSize)
		buf.read(chunk.Channels[c])
	}
	w.seq++
	chunk.Seq = w.seq
	w.emitted.Add(1)

	if w.sink == nil {
		return
	}
	if err := w.sink.PushChunk(chunk); err != nil {
		w.rejected.Add(1)
		w.rejectLog.Do(func() {
			w.logger.Warn("chunk dropped by sink",
				slog.Uint64("seq", chunk.Seq),
				slog.Uint64("rejected_total", w.rejected.Load()),
				slog.String("error", err.Error()))
		})
	}
}

func (w *Windower) Stats() WindowerStats {
	return WindowerStats{
		ChunkSize:       w.chunkSize,
		ChannelCount:    w.channels,
		ChunksEmitted:   w.emitted.Load(),
		ChunksRejected:  w.rejected.Load(),
		BlocksDiscarded: w.discarded.Load(),
		MalformedBlocks: w.malformed.Load(),
		Buffered:        w.buffered.Load(),
		Paused:          w.paused.Load(),
	}
}

// initMetrics exports the counters through observable instruments so the
// ingest path only touches atomics.
func (w *Windower) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-caption/audio")
	emitted, err := meter.Int64ObservableCounter("caption.chunks.emitted",
		metric.WithDescription("Chunks emitted by the windower"))
	if err != nil {
		return err
	}
	rejected, err := meter.Int64ObservableCounter("caption.chunks.rejected",
		metric.WithDescription("Chunks the sink refused"))
	if err != nil {
		return err
	}
	discarded, err := meter.Int64ObservableCounter("caption.blocks.discarded",
		metric.WithDescription("Sample blocks discarded while paused"))
	if err != nil {
		return err
	}
	buffered, err := meter.Int64ObservableGauge("caption.samples.buffered",
		metric.WithDescription("Samples waiting per channel"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(emitted, int64(w.emitted.Load()))
		obs.ObserveInt64(rejected, int64(w.rejected.Load()))
		obs.ObserveInt64(discarded, int64(w.discarded.Load()))
		obs.ObserveInt64(buffered, w.buffered.Load())
		return nil
	}, emitted, rejected, discarded, buffered)
	return err
}
