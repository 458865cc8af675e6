package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/transcript"
)

// EngineDirectory reports whether any engine node is heartbeating.
type EngineDirectory interface {
	RoleHealthy(role string) bool
}

type BusOptions struct {
	SessionID   string
	QueueDepth  int
	PollTimeout time.Duration
	Directory   EngineDirectory
}

// Bus reaches a remote engine host: chunks are published on stt.chunk and
// polls are NATS requests on stt.transcribed.get.
type Bus struct {
	bus  *bus.Client
	opts BusOptions
	fwd  *forwarder
	live liveness
}

func NewBus(busClient *bus.Client, opts BusOptions) *Bus {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 250 * time.Millisecond
	}
	log := busClient.Logger().With(slog.String("component", "client"), slog.String("transport", "bus"))
	b := &Bus{
		bus:  busClient,
		opts: opts,
		live: liveness{logger: log},
	}
	b.fwd = newForwarder(opts.QueueDepth, b.publish, log)
	return b
}

func (b *Bus) PushChunk(chunk audio.Chunk) error {
	return b.fwd.push(chunk)
}

func (b *Bus) publish(chunk audio.Chunk) error {
	return b.bus.PublishJSON(protocol.SubjectChunk, protocol.ChunkFrame{
		SessionID:  b.opts.SessionID,
		Seq:        chunk.Seq,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
	})
}

// PollEvents asks the engine host for new events. Any failure yields an
// empty batch and marks the engine down.
func (b *Bus) PollEvents(ctx context.Context) []transcript.Event {
	ctx, cancel := context.WithTimeout(ctx, b.opts.PollTimeout)
	defer cancel()

	var batch protocol.TranscriptBatch
	if err := b.bus.RequestJSON(ctx, protocol.SubjectPoll, protocol.PollRequest{SessionID: b.opts.SessionID}, &batch); err != nil {
		b.live.set(LivenessDown, err)
		return nil
	}
	b.live.set(LivenessUp, nil)
	return batch.Events
}

// Liveness combines the last poll outcome with engine heartbeats.
func (b *Bus) Liveness() Liveness {
	state := b.live.get()
	if b.opts.Directory != nil && state == LivenessUp && !b.opts.Directory.RoleHealthy("engine") {
		return LivenessDown
	}
	return state
}

func (b *Bus) Stats() Stats { return b.fwd.stats() }

func (b *Bus) Close() error {
	b.fwd.close()
	return b.bus.Conn().Flush()
}
