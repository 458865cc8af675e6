package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

// BusSource feeds sample blocks published on audio.block into an Ingester.
// NATS delivers a subscription's messages on one goroutine, so Ingest is
// never called concurrently.
type BusSource struct {
	bus        *bus.Client
	dst        audio.Ingester
	sampleRate int
	log        *slog.Logger
	sub        *nats.Subscription

	blocks  atomic.Uint64
	dropped atomic.Uint64
	warnLog rate.Sometimes
}

func NewBusSource(busClient *bus.Client, dst audio.Ingester, sampleRate int) *BusSource {
	return &BusSource{
		bus:        busClient,
		dst:        dst,
		sampleRate: sampleRate,
		log:        busClient.Logger().With(slog.String("component", "bus-source")),
		warnLog:    rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *BusSource) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSampleBlock, s.handleBlock)
	if err != nil {
		return fmt.Errorf("subscribe sample blocks: %w", err)
	}
	s.sub = sub
	if err := s.bus.Conn().Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	s.log.Info("listening for sample blocks", slog.String("subject", protocol.SubjectSampleBlock))
	return nil
}

func (s *BusSource) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
		s.sub = nil
	}
}

func (s *BusSource) Healthy() bool {
	return s.sub != nil && s.sub.IsValid() && s.bus.Healthy()
}

// Blocks returns the number of blocks ingested and dropped.
func (s *BusSource) Blocks() (ingested, dropped uint64) {
	return s.blocks.Load(), s.dropped.Load()
}

func (s *BusSource) handleBlock(msg *nats.Msg) {
	var frame protocol.SampleBlockFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.drop("undecodable sample block", slog.String("error", err.Error()))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.sampleRate {
		s.drop("sample rate mismatch",
			slog.Int("expected", s.sampleRate),
			slog.Int("got", frame.SampleRate),
			slog.String("source_id", frame.SourceID))
		return
	}
	s.dst.Ingest(audio.SampleBlock(frame.Channels))
	s.blocks.Add(1)
}

func (s *BusSource) drop(reason string, attrs ...any) {
	s.dropped.Add(1)
	s.warnLog.Do(func() {
		s.log.Warn("dropping sample block: "+reason, attrs...)
	})
}
