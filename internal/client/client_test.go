package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/natsserver"
	"github.com/loqalabs/loqa-caption/internal/stt"
	"github.com/loqalabs/loqa-caption/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingEngine struct {
	mu      sync.Mutex
	seqs    []uint64
	events  []transcript.Event
	gate    chan struct{}
	fail    error
	healthy bool
	closed  bool
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{healthy: true}
}

func (e *recordingEngine) Submit(chunk audio.Chunk) error {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.seqs = append(e.seqs, chunk.Seq)
	e.events = append(e.events, transcript.Event{Text: "seen", Partial: true})
	return nil
}

func (e *recordingEngine) Poll() []transcript.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.events
	e.events = nil
	return events
}

func (e *recordingEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *recordingEngine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *recordingEngine) submitted() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.seqs...)
}

func chunk(seq uint64) audio.Chunk {
	return audio.Chunk{Seq: seq, SampleRate: 16000, Channels: [][]float32{{0, 0.5}}}
}

func TestLocalForwardsInPushOrder(t *testing.T) {
	engine := newRecordingEngine()
	c := NewLocal(engine, 128, newLogger())
	for seq := uint64(1); seq <= 100; seq++ {
		if err := c.PushChunk(chunk(seq)); err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	seqs := engine.submitted()
	if len(seqs) != 100 {
		t.Fatalf("expected 100 chunks after close, got %d", len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("position %d holds seq %d", i, seq)
		}
	}
	if !engine.closed {
		t.Fatal("expected engine closed")
	}
	if stats := c.Stats(); stats.Forwarded != 100 || stats.Rejected != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPushNeverBlocksWhenQueueFull(t *testing.T) {
	engine := newRecordingEngine()
	engine.gate = make(chan struct{})
	c := NewLocal(engine, 2, newLogger())

	var full bool
	for seq := uint64(1); seq <= 10; seq++ {
		if err := c.PushChunk(chunk(seq)); errors.Is(err, ErrQueueFull) {
			full = true
			break
		} else if err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull while engine is blocked")
	}
	if c.Stats().Rejected == 0 {
		t.Fatal("expected rejected count")
	}
	close(engine.gate)
	_ = c.Close()
}

func TestPushAfterClose(t *testing.T) {
	c := NewLocal(newRecordingEngine(), 4, newLogger())
	_ = c.Close()
	if err := c.PushChunk(chunk(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubmitFailuresAreCounted(t *testing.T) {
	engine := newRecordingEngine()
	engine.fail = errors.New("engine full")
	c := NewLocal(engine, 4, newLogger())
	_ = c.PushChunk(chunk(1))
	_ = c.PushChunk(chunk(2))
	_ = c.Close()
	if stats := c.Stats(); stats.Failed != 2 || stats.Forwarded != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLocalLivenessFollowsEngineHealth(t *testing.T) {
	engine := newRecordingEngine()
	c := NewLocal(engine, 4, newLogger())
	t.Cleanup(func() { _ = c.Close() })

	if c.Liveness() != LivenessUnknown {
		t.Fatalf("expected unknown before first poll, got %s", c.Liveness())
	}
	c.PollEvents(context.Background())
	if c.Liveness() != LivenessUp {
		t.Fatalf("expected up, got %s", c.Liveness())
	}

	engine.mu.Lock()
	engine.healthy = false
	engine.mu.Unlock()
	c.PollEvents(context.Background())
	if c.Liveness() != LivenessDown {
		t.Fatalf("expected down, got %s", c.Liveness())
	}
}

func TestLocalDrainsBufferedEventsWhileEngineDown(t *testing.T) {
	engine := newRecordingEngine()
	c := NewLocal(engine, 4, newLogger())
	t.Cleanup(func() { _ = c.Close() })

	engine.mu.Lock()
	engine.events = []transcript.Event{{Text: "hello world", Partial: false}}
	engine.healthy = false
	engine.mu.Unlock()

	events := c.PollEvents(context.Background())
	if len(events) != 1 || events[0].Text != "hello world" || events[0].Partial {
		t.Fatalf("expected the buffered final, got %v", events)
	}
	if c.Liveness() != LivenessDown {
		t.Fatalf("expected down, got %s", c.Liveness())
	}
	if events := c.PollEvents(context.Background()); len(events) != 0 {
		t.Fatalf("expected events to be drained once, got %v", events)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.StartEphemeral(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg := config.Default().Bus
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, "client-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusPollWithoutEngineHost(t *testing.T) {
	busClient := startBus(t)
	c := NewBus(busClient, BusOptions{SessionID: "s1", QueueDepth: 4, PollTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })

	if events := c.PollEvents(context.Background()); len(events) != 0 {
		t.Fatalf("expected empty batch, got %v", events)
	}
	if c.Liveness() != LivenessDown {
		t.Fatalf("expected down, got %s", c.Liveness())
	}
}

type staticDirectory bool

func (d staticDirectory) RoleHealthy(string) bool { return bool(d) }

func TestBusRoundTripThroughEngineHost(t *testing.T) {
	busClient := startBus(t)
	engine := newRecordingEngine()
	svc := stt.NewService(busClient, engine)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	c := NewBus(busClient, BusOptions{SessionID: "s1", QueueDepth: 16, PollTimeout: time.Second})
	t.Cleanup(func() { _ = c.Close() })
	for seq := uint64(1); seq <= 5; seq++ {
		if err := c.PushChunk(chunk(seq)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	var events []transcript.Event
	deadline := time.Now().Add(2 * time.Second)
	for len(events) < 5 && time.Now().Before(deadline) {
		events = append(events, c.PollEvents(context.Background())...)
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if c.Liveness() != LivenessUp {
		t.Fatalf("expected up, got %s", c.Liveness())
	}
	seqs := engine.submitted()
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("engine saw seq %d at %d", seq, i)
		}
	}

	c.opts.Directory = staticDirectory(false)
	if c.Liveness() != LivenessDown {
		t.Fatal("expected down when no engine heartbeats")
	}
}

func TestAcceptedChunksSurviveConcurrentClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		engine := newRecordingEngine()
		c := NewLocal(engine, 64, newLogger())

		var accepted atomic.Uint64
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for seq := uint64(0); seq < 32; seq++ {
					if c.PushChunk(chunk(seq)) == nil {
						accepted.Add(1)
					}
				}
			}()
		}
		_ = c.Close()
		wg.Wait()

		if got := uint64(len(engine.submitted())); got != accepted.Load() {
			t.Fatalf("iteration %d: accepted %d chunks but forwarded %d", i, accepted.Load(), got)
		}
	}
}
