package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/client"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/pipeline"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubClient struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (c *stubClient) PushChunk(audio.Chunk) error { return nil }

func (c *stubClient) PollEvents(context.Context) []transcript.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

func (c *stubClient) Liveness() client.Liveness { return client.LivenessUp }

func (c *stubClient) Stats() client.Stats { return client.Stats{} }

func (c *stubClient) Close() error { return nil }

func newHTTPRuntime(t *testing.T) (*Runtime, *stubClient) {
	t.Helper()
	c := &stubClient{}
	w := audio.NewWindower(audio.WindowerConfig{ChannelCount: 1, ChunkSize: 128, SampleRate: 16000}, c, newLogger())
	r := New(config.Default(), newLogger())
	r.pipeline = pipeline.New(pipeline.Options{}, w, c, transcript.NewReconciler(), newLogger())
	return r, c
}

func TestHealthAndReadiness(t *testing.T) {
	r, _ := newHTTPRuntime(t)
	handler := r.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: expected 503, got %d", rec.Code)
	}
}

type switchableEngine struct {
	up atomic.Bool
}

func (e *switchableEngine) Submit(audio.Chunk) error { return nil }

func (e *switchableEngine) Poll() []transcript.Event { return nil }

func (e *switchableEngine) Close() error { return nil }

func (e *switchableEngine) Healthy() bool { return e.up.Load() }

func TestReadinessFollowsEngineConnection(t *testing.T) {
	r := New(config.Default(), newLogger())
	engine := &switchableEngine{}
	r.recognizer = engine
	r.ready.Store(true)
	handler := r.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with engine down: expected 503, got %d", rec.Code)
	}

	engine.up.Store(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz with engine up: expected 200, got %d", rec.Code)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	r, c := newHTTPRuntime(t)
	handler := r.routes()

	c.events = []transcript.Event{{Text: "first", Partial: false}, {Text: "sec", Partial: true}}
	r.pipeline.PollOnce(context.Background())
	version := r.pipeline.History().Version()
	c.events = []transcript.Event{{Text: "second", Partial: false}}
	r.pipeline.PollOnce(context.Background())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcript", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var full transcript.Delta
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(full.Entries) != 2 || full.Entries[1].Text != "second" || full.Entries[1].Partial {
		t.Fatalf("unexpected transcript %+v", full)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcript?since="+strconv.FormatUint(version, 10), nil))
	var delta transcript.Delta
	if err := json.Unmarshal(rec.Body.Bytes(), &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if len(delta.Entries) != 1 || delta.Entries[0].Index != 1 {
		t.Fatalf("expected only the revised entry, got %+v", delta.Entries)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcript?since=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", rec.Code)
	}
}

func TestCaptureControlEndpoints(t *testing.T) {
	r, _ := newHTTPRuntime(t)
	handler := r.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/capture/pause", nil))
	var resp controlResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Paused || !resp.Changed {
		t.Fatalf("unexpected pause response %+v", resp)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/capture/pause", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET pause, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/capture/resume", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Paused {
		t.Fatal("expected resumed")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/capture/stats", nil))
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"engine":"up"`)) {
		t.Fatalf("expected liveness in stats, got %s", rec.Body.String())
	}
}

func TestStartAllInOneCaptionsBusAudio(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Display.PollIntervalMS = 20
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")

	r := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	waitUntil(t, r.healthy)

	block := make([]float32, 1024)
	for i := 0; i < 16; i++ {
		frame := protocol.SampleBlockFrame{SampleRate: cfg.Capture.SampleRate, Channels: [][]float32{block}}
		if err := r.bus.PublishJSON(protocol.SubjectSampleBlock, frame); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	handler := r.routes()
	waitUntil(t, func() bool {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcript", nil))
		var delta transcript.Delta
		return json.Unmarshal(rec.Body.Bytes(), &delta) == nil && len(delta.Entries) > 0
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
