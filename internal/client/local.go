package client

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/stt"
	"github.com/loqalabs/loqa-caption/internal/transcript"
)

// Local drives an in-process engine.
type Local struct {
	engine stt.Engine
	fwd    *forwarder
	live   liveness
}

func NewLocal(engine stt.Engine, queueDepth int, logger *slog.Logger) *Local {
	log := logger.With(slog.String("component", "client"), slog.String("transport", "local"))
	l := &Local{
		engine: engine,
		live:   liveness{logger: log},
	}
	l.fwd = newForwarder(queueDepth, engine.Submit, log)
	return l
}

func (l *Local) PushChunk(chunk audio.Chunk) error {
	return l.fwd.push(chunk)
}

// PollEvents drains what the engine has already produced, even while it
// reports itself unhealthy.
func (l *Local) PollEvents(_ context.Context) []transcript.Event {
	if stt.Healthy(l.engine) {
		l.live.set(LivenessUp, nil)
	} else {
		l.live.set(LivenessDown, nil)
	}
	return l.engine.Poll()
}

func (l *Local) Liveness() Liveness { return l.live.get() }

func (l *Local) Stats() Stats { return l.fwd.stats() }

// Close flushes queued chunks into the engine and closes it.
func (l *Local) Close() error {
	l.fwd.close()
	return l.engine.Close()
}
