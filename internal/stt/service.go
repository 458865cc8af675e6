package stt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/transcript"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

// Service hosts an Engine on the bus: chunks arrive on stt.chunk in
// publish order and poll requests on stt.transcribed.get drain the events.
// One service serves one capture stream.
type Service struct {
	bus     *bus.Client
	engine  Engine
	log     *slog.Logger
	subs    []*nats.Subscription
	mu      sync.Mutex
	ready   atomic.Bool
	session atomic.Value // string
	lastSeq atomic.Uint64

	submitLog rate.Sometimes
	orderLog  rate.Sometimes
}

func NewService(busClient *bus.Client, engine Engine) *Service {
	return &Service{
		bus:       busClient,
		engine:    engine,
		log:       busClient.Logger().With(slog.String("component", "stt-service")),
		submitLog: rate.Sometimes{Interval: 5 * time.Second},
		orderLog:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	chunkSub, err := conn.Subscribe(protocol.SubjectChunk, s.handleChunk)
	if err != nil {
		return fmt.Errorf("subscribe chunks: %w", err)
	}
	s.subs = append(s.subs, chunkSub)

	pollSub, err := conn.Subscribe(protocol.SubjectPoll, s.handlePoll)
	if err != nil {
		s.unsubscribe()
		return fmt.Errorf("subscribe poll: %w", err)
	}
	s.subs = append(s.subs, pollSub)
	if err := conn.Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	s.ready.Store(true)
	s.log.Info("engine host listening", slog.String("chunks", protocol.SubjectChunk), slog.String("poll", protocol.SubjectPoll))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.unsubscribe()
	if err := s.engine.Close(); err != nil {
		s.log.Warn("engine close failed", slogError(err))
	}
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && Healthy(s.engine)
}

func (s *Service) unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleChunk(msg *nats.Msg) {
	var frame protocol.ChunkFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode chunk frame", slogError(err))
		return
	}
	s.trackSession(frame.SessionID, frame.Seq)

	chunk := audio.Chunk{Seq: frame.Seq, SampleRate: frame.SampleRate, Channels: frame.Channels}
	if err := s.engine.Submit(chunk); err != nil {
		s.submitLog.Do(func() {
			s.log.Warn("engine rejected chunk", slog.Uint64("seq", frame.Seq), slogError(err))
		})
	}
}

func (s *Service) trackSession(sessionID string, seq uint64) {
	if prev, _ := s.session.Load().(string); prev != sessionID {
		s.session.Store(sessionID)
		s.lastSeq.Store(seq)
		s.log.Info("capture session attached", slog.String("session_id", sessionID))
		return
	}
	if last := s.lastSeq.Swap(seq); seq != last+1 {
		s.orderLog.Do(func() {
			s.log.Warn("chunk sequence gap", slog.Uint64("expected", last+1), slog.Uint64("got", seq))
		})
	}
}

func (s *Service) handlePoll(msg *nats.Msg) {
	events := s.engine.Poll()
	if events == nil {
		events = []transcript.Event{}
	}
	s.bus.RespondJSON(msg, protocol.TranscriptBatch{Events: events})
}
