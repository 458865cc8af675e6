package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/client"
	"github.com/loqalabs/loqa-caption/internal/eventstore"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/transcript"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Options struct {
	// SessionID defaults to a random UUID.
	SessionID string

	NodeID       string
	PollInterval time.Duration

	// Bus, when set, receives transcript.update broadcasts and serves the
	// capture control and transcript.get subjects.
	Bus *bus.Client

	// Store records the operational timeline. May be nil.
	Store *eventstore.Store
}

// Stats is what /v1/capture/stats reports.
type Stats struct {
	SessionID string              `json:"session_id"`
	Running   bool                `json:"running"`
	Engine    client.Liveness     `json:"engine"`
	Version   uint64              `json:"transcript_version"`
	Entries   int                 `json:"transcript_entries"`
	Windower  audio.WindowerStats `json:"windower"`
	Client    client.Stats        `json:"client"`
}

// Pipeline owns one capture session: it polls the transcription client on
// a fixed cadence and folds the events into the transcript history.
type Pipeline struct {
	opts      Options
	windower  *audio.Windower
	client    client.Client
	history   *transcript.Reconciler
	log       *slog.Logger
	sessionID string

	ctrlMu       sync.Mutex
	running      atomic.Bool
	subs         []*nats.Subscription
	lastLiveness client.Liveness
	lastRejected uint64

	polled metric.Int64Counter
}

func New(opts Options, windower *audio.Windower, c client.Client, history *transcript.Reconciler, logger *slog.Logger) *Pipeline {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 300 * time.Millisecond
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	p := &Pipeline{
		opts:      opts,
		windower:  windower,
		client:    c,
		history:   history,
		sessionID: sessionID,
		log:       logger.With(slog.String("component", "pipeline"), slog.String("session_id", sessionID)),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

func (p *Pipeline) SessionID() string { return p.sessionID }

func (p *Pipeline) History() *transcript.Reconciler { return p.history }

func (p *Pipeline) Running() bool { return p.running.Load() }

// Run polls until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.subscribeControl(); err != nil {
		return err
	}
	defer p.unsubscribe()

	if err := p.opts.Store.StartSession(ctx, p.sessionID, p.opts.NodeID); err != nil {
		p.log.Warn("failed to record session", slogError(err))
	}
	p.record(ctx, eventstore.KindSessionStarted, map[string]int{
		"chunk_size": p.windower.ChunkSize(),
		"channels":   p.windower.ChannelCount(),
	})

	p.running.Store(true)
	defer p.running.Store(false)
	p.log.Info("pipeline started",
		slog.Duration("poll_interval", p.opts.PollInterval),
		slog.Int("chunk_size", p.windower.ChunkSize()))

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.record(context.Background(), eventstore.KindSessionStopped, p.Stats())
			p.log.Info("pipeline stopped", slog.Int("entries", p.history.Len()))
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs a single poll and reconciliation pass and returns the
// resulting mutations.
func (p *Pipeline) PollOnce(ctx context.Context) []transcript.Mutation {
	events := p.client.PollEvents(ctx)
	p.observeLiveness(ctx)
	p.observeDrops(ctx)
	if len(events) == 0 {
		return nil
	}
	if p.polled != nil {
		p.polled.Add(ctx, int64(len(events)))
	}

	mutations := p.history.Apply(events)
	for _, m := range mutations {
		if !m.Entry.Partial {
			p.log.Info("caption finalized", slog.Int("index", m.Entry.Index), slog.String("text", m.Entry.Text))
		}
	}
	p.broadcast(mutations)
	return mutations
}

func (p *Pipeline) observeLiveness(ctx context.Context) {
	current := p.client.Liveness()
	if current == p.lastLiveness {
		return
	}
	previous := p.lastLiveness
	p.lastLiveness = current
	p.record(ctx, eventstore.KindEngineLiveness, map[string]string{
		"from": previous.String(),
		"to":   current.String(),
	})
}

func (p *Pipeline) observeDrops(ctx context.Context) {
	rejected := p.windower.Stats().ChunksRejected
	if rejected <= p.lastRejected {
		return
	}
	p.record(ctx, eventstore.KindChunksDropped, map[string]uint64{
		"dropped": rejected - p.lastRejected,
		"total":   rejected,
	})
	p.lastRejected = rejected
}

func (p *Pipeline) broadcast(mutations []transcript.Mutation) {
	if p.opts.Bus == nil || len(mutations) == 0 {
		return
	}
	update := protocol.TranscriptUpdate{
		SessionID: p.sessionID,
		Version:   p.history.Version(),
		Mutations: mutations,
		Timestamp: time.Now().UTC(),
	}
	if err := p.opts.Bus.PublishJSON(protocol.SubjectTranscriptUpdate, update); err != nil {
		p.log.Warn("failed to publish transcript update", slogError(err))
	}
}

// Pause stops ingestion of new blocks. It reports whether the state changed.
func (p *Pipeline) Pause() bool {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	if p.windower.Paused() {
		return false
	}
	p.windower.Pause()
	p.log.Info("capture paused")
	p.record(context.Background(), eventstore.KindCapturePaused, nil)
	return true
}

// Resume restarts ingestion. It reports whether the state changed.
func (p *Pipeline) Resume() bool {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	if !p.windower.Paused() {
		return false
	}
	p.windower.Resume()
	p.log.Info("capture resumed")
	p.record(context.Background(), eventstore.KindCaptureResumed, nil)
	return true
}

func (p *Pipeline) Paused() bool { return p.windower.Paused() }

func (p *Pipeline) Stats() Stats {
	return Stats{
		SessionID: p.sessionID,
		Running:   p.running.Load(),
		Engine:    p.client.Liveness(),
		Version:   p.history.Version(),
		Entries:   p.history.Len(),
		Windower:  p.windower.Stats(),
		Client:    p.client.Stats(),
	}
}

func (p *Pipeline) record(ctx context.Context, kind string, payload any) {
	p.opts.Store.Record(ctx, p.sessionID, p.opts.NodeID, kind, payload)
}

func (p *Pipeline) subscribeControl() error {
	if p.opts.Bus == nil {
		return nil
	}
	conn := p.opts.Bus.Conn()
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCapturePause:  func(msg *nats.Msg) { p.Pause(); p.replyControl(msg) },
		protocol.SubjectCaptureResume: func(msg *nats.Msg) { p.Resume(); p.replyControl(msg) },
		protocol.SubjectTranscriptGet: p.handleTranscriptGet,
	}
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			p.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		p.subs = append(p.subs, sub)
	}
	return conn.Flush()
}

func (p *Pipeline) unsubscribe() {
	for _, sub := range p.subs {
		_ = sub.Drain()
	}
	p.subs = nil
}

func (p *Pipeline) replyControl(msg *nats.Msg) {
	p.opts.Bus.RespondJSON(msg, protocol.ControlReply{Paused: p.Paused()})
}

type transcriptRequest struct {
	Since uint64 `json:"since,omitempty"`
}

func (p *Pipeline) handleTranscriptGet(msg *nats.Msg) {
	var req transcriptRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			p.log.Debug("invalid transcript request", slogError(err))
		}
	}
	var snapshot protocol.TranscriptSnapshot
	snapshot.SessionID = p.sessionID
	if req.Since > 0 {
		delta := p.history.Since(req.Since)
		snapshot.Version, snapshot.Entries = delta.Version, delta.Entries
	} else {
		snapshot.Version, snapshot.Entries = p.history.Version(), p.history.Snapshot()
	}
	if snapshot.Entries == nil {
		snapshot.Entries = []transcript.Entry{}
	}
	p.opts.Bus.RespondJSON(msg, snapshot)
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-caption/pipeline")
	polled, err := meter.Int64Counter("caption.events.polled",
		metric.WithDescription("Transcript events received from the engine"))
	if err != nil {
		return err
	}
	p.polled = polled

	entries, err := meter.Int64ObservableGauge("caption.transcript.entries",
		metric.WithDescription("Entries in the transcript history"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(entries, int64(p.history.Len()))
		return nil
	}, entries)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
