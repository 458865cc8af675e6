package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/transcript"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull means the forwarder is behind; the chunk was not queued.
	ErrQueueFull = errors.New("chunk queue full")
	// ErrClosed means the client no longer accepts chunks.
	ErrClosed = errors.New("client closed")
)

// Liveness is the client's view of the engine.
type Liveness int32

const (
	LivenessUnknown Liveness = iota
	LivenessUp
	LivenessDown
)

func (l Liveness) String() string {
	switch l {
	case LivenessUp:
		return "up"
	case LivenessDown:
		return "down"
	default:
		return "unknown"
	}
}

func (l Liveness) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Client is the transcription client seen by the pipeline. PushChunk never
// blocks. PollEvents returns events produced since the previous call; an
// empty result is normal and, when the engine is unreachable, Liveness
// reports down.
type Client interface {
	audio.ChunkSink
	PollEvents(ctx context.Context) []transcript.Event
	Liveness() Liveness
	Stats() Stats
	Close() error
}

type Stats struct {
	Queued    int    `json:"queued"`
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// forwarder hands chunks to send, one at a time, in push order.
type forwarder struct {
	queue  chan audio.Chunk
	send   func(audio.Chunk) error
	logger *slog.Logger

	// mu orders push against close so nothing is queued after the drain.
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
	forwarded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	failLog   rate.Sometimes
}

func newForwarder(depth int, send func(audio.Chunk) error, logger *slog.Logger) *forwarder {
	if depth <= 0 {
		depth = 1
	}
	f := &forwarder{
		queue:   make(chan audio.Chunk, depth),
		send:    send,
		logger:  logger,
		done:    make(chan struct{}),
		failLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *forwarder) push(chunk audio.Chunk) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.rejected.Add(1)
		return ErrClosed
	}
	select {
	case f.queue <- chunk:
		return nil
	default:
		f.rejected.Add(1)
		return ErrQueueFull
	}
}

func (f *forwarder) run() {
	defer f.wg.Done()
	for {
		select {
		case chunk := <-f.queue:
			f.forward(chunk)
		case <-f.done:
			for {
				select {
				case chunk := <-f.queue:
					f.forward(chunk)
				default:
					return
				}
			}
		}
	}
}

func (f *forwarder) forward(chunk audio.Chunk) {
	if err := f.send(chunk); err != nil {
		f.failed.Add(1)
		f.failLog.Do(func() {
			f.logger.Warn("chunk dropped by engine",
				slog.Uint64("seq", chunk.Seq),
				slog.Uint64("failed_total", f.failed.Load()),
				slog.String("error", err.Error()))
		})
		return
	}
	f.forwarded.Add(1)
}

// close stops accepting chunks and waits for the queued ones to be sent.
func (f *forwarder) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
	f.wg.Wait()
}

func (f *forwarder) stats() Stats {
	return Stats{
		Queued:    len(f.queue),
		Forwarded: f.forwarded.Load(),
		Failed:    f.failed.Load(),
		Rejected:  f.rejected.Load(),
	}
}

// liveness tracks transitions so they are logged once.
type liveness struct {
	state  atomic.Int32
	logger *slog.Logger
}

func (l *liveness) set(next Liveness, err error) {
	prev := Liveness(l.state.Swap(int32(next)))
	if prev == next {
		return
	}
	attrs := []any{slog.String("from", prev.String()), slog.String("to", next.String())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if next == LivenessDown {
		l.logger.Warn("engine unavailable", attrs...)
		return
	}
	l.logger.Info("engine liveness changed", attrs...)
}

func (l *liveness) get() Liveness {
	return Liveness(l.state.Load())
}
