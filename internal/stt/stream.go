package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/transcript"
	"golang.org/x/time/rate"
)

const streamBacklog = 64

var (
	errStreamBacklog = errors.New("stream send queue full")
	errStreamDown    = errors.New("stream disconnected")
)

// streamMessage accepts both a flat {"text", "is_final"} shape and the
// Deepgram-style channel.alternatives shape.
type streamMessage struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (m streamMessage) event() (transcript.Event, bool) {
	text := m.Text
	if text == "" && len(m.Channel.Alternatives) > 0 {
		text = m.Channel.Alternatives[0].Transcript
	}
	if text == "" && !m.IsFinal {
		return transcript.Event{}, false
	}
	return transcript.Event{Text: text, Partial: !m.IsFinal}, true
}

// Stream is an Engine backed by a remote streaming recognizer. Chunks go
// out as binary frames of little-endian float32 (channel 0); transcript
// messages come back as JSON text frames.
type Stream struct {
	cfg        config.EngineConfig
	sampleRate int
	logger     *slog.Logger
	target     string
	header     http.Header

	connMu sync.Mutex
	conn   *websocket.Conn

	out chan []byte

	mu     sync.Mutex
	events []transcript.Event
	closed bool
	down   bool

	sendLog rate.Sometimes
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DialStream connects to cfg.Endpoint, retrying with exponential backoff up
// to cfg.DialAttempts times. After a drop the stream reconnects until it is
// closed; only an auth rejection gives up for good.
func DialStream(parent context.Context, cfg config.EngineConfig, sampleRate int, logger *slog.Logger) (*Stream, error) {
	target, err := streamURL(cfg, sampleRate)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Token "+cfg.APIKey)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		cfg:        cfg,
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "stt-stream")),
		target:     target,
		header:     header,
		out:        make(chan []byte, streamBacklog),
		sendLog:    rate.Sometimes{Interval: 5 * time.Second},
		ctx:        ctx,
		cancel:     cancel,
	}

	attempts := cfg.DialAttempts
	if attempts <= 0 {
		attempts = 1
	}
	conn, err := s.dial(uint(attempts))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial stream engine: %w", err)
	}
	s.conn = conn
	s.logger.Info("connected to streaming engine", slog.String("endpoint", cfg.Endpoint))

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func streamURL(cfg config.EngineConfig, sampleRate int) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse engine endpoint: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "f32le")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Stream) dial(attempts uint) (*websocket.Conn, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("stream dial failed, retrying", slogError(err), slog.Duration("wait", wait))
		}),
	}
	if attempts > 0 {
		opts = append(opts, backoff.WithMaxTries(attempts))
	} else {
		opts = append(opts, backoff.WithMaxElapsedTime(0))
	}
	return backoff.Retry(s.ctx, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(s.ctx, s.target, s.header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}, opts...)
}

// Submit encodes channel 0 and queues it for the writer.
func (s *Stream) Submit(chunk audio.Chunk) error {
	if len(chunk.Channels) == 0 {
		return nil
	}
	s.mu.Lock()
	closed, down := s.closed, s.down
	s.mu.Unlock()
	if closed {
		return ErrEngineClosed
	}
	if down {
		return errStreamDown
	}
	frame := encodeFloat32LE(chunk.Channels[0])
	select {
	case s.out <- frame:
		return nil
	default:
		return errStreamBacklog
	}
}

func (s *Stream) Poll() []transcript.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

// Healthy reports whether the connection is up.
func (s *Stream) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.down
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn := s.current(); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Stream) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.out:
			conn := s.current()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.sendLog.Do(func() {
					s.logger.Warn("failed to send audio frame", slogError(err))
				})
			}
		}
	}
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	for {
		conn := s.current()
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream read failed, reconnecting", slogError(err))
			if !s.reconnect() {
				return
			}
			continue
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring undecodable stream message", slogError(err))
			continue
		}
		if event, ok := msg.event(); ok {
			s.mu.Lock()
			s.events = append(s.events, event)
			s.mu.Unlock()
		}
	}
}

func (s *Stream) reconnect() bool {
	s.setDown(true)
	_ = s.current().Close()
	conn, err := s.dial(0)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("streaming engine unreachable", slogError(err))
		}
		return false
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	s.setDown(false)
	s.logger.Info("reconnected to streaming engine")
	return true
}

func (s *Stream) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func encodeFloat32LE(samples []float32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
