package protocol

import (
	"time"

	"github.com/loqalabs/loqa-caption/internal/transcript"
)

// SampleBlockFrame carries one capture callback period from an edge device.
type SampleBlockFrame struct {
	SourceID   string      `json:"source_id,omitempty"`
	SampleRate int         `json:"sample_rate"`
	Channels   [][]float32 `json:"channels"`
}

// ChunkFrame is a windowed chunk forwarded to an engine node.
type ChunkFrame struct {
	SessionID  string      `json:"session_id"`
	Seq        uint64      `json:"seq"`
	SampleRate int         `json:"sample_rate"`
	Channels   [][]float32 `json:"channels"`
}

// PollRequest asks an engine node for events accumulated since the
// previous poll.
type PollRequest struct {
	SessionID string `json:"session_id"`
}

// TranscriptBatch answers a PollRequest. An empty batch is normal.
type TranscriptBatch struct {
	Events []transcript.Event `json:"events"`
}

// TranscriptUpdate is broadcast after each reconciliation pass that changed
// the history.
type TranscriptUpdate struct {
	SessionID string                `json:"session_id"`
	Version   uint64                `json:"version"`
	Mutations []transcript.Mutation `json:"mutations"`
	Timestamp time.Time             `json:"timestamp"`
}

// TranscriptSnapshot answers transcript.get requests.
type TranscriptSnapshot struct {
	SessionID string             `json:"session_id"`
	Version   uint64             `json:"version"`
	Entries   []transcript.Entry `json:"entries"`
}

// ControlReply answers pause/resume requests.
type ControlReply struct {
	Paused bool   `json:"paused"`
	Error  string `json:"error,omitempty"`
}

const (
	SubjectSampleBlock       = "audio.block"
	SubjectChunk             = "stt.chunk"
	SubjectPoll              = "stt.transcribed.get"
	SubjectTranscriptUpdate  = "transcript.update"
	SubjectTranscriptGet     = "transcript.get"
	SubjectCapturePause      = "ctrl.capture.pause"
	SubjectCaptureResume     = "ctrl.capture.resume"
	SubjectNodeAnnounce      = "ctrl.node.announce"
	SubjectNodeHeartbeatBase = "ctrl.node.heartbeat"
)
