package audio

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	chunks []Chunk
	err    error
}

func (s *recordingSink) PushChunk(chunk Chunk) error {
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestIngestScenario(t *testing.T) {
	sink := &recordingSink{}
	w := NewWindower(WindowerConfig{ChannelCount: 1, ChunkSize: 128, SampleRate: 16000}, sink, newLogger())

	w.Ingest(SampleBlock{ramp(0, 50)})
	w.Ingest(SampleBlock{ramp(50, 50)})
	if len(sink.chunks) != 0 {
		t.Fatalf("expected no chunks after 100 samples, got %d", len(sink.chunks))
	}
	w.Ingest(SampleBlock{ramp(100, 60)})
	if len(sink.chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(sink.chunks))
	}
	if got := sink.chunks[0].Len(); got != 128 {
		t.Fatalf("expected 128 samples, got %d", got)
	}
	if w.Buffered() != 32 {
		t.Fatalf("expected 32 buffered samples, got %d", w.Buffered())
	}
	if sink.chunks[0].Seq != 1 || sink.chunks[0].SampleRate != 16000 {
		t.Fatalf("unexpected chunk header: %+v", sink.chunks[0])
	}
}

func TestChunksReproduceInput(t *testing.T) {
	sink := &recordingSink{}
	w := NewWindower(WindowerConfig{ChannelCount: 2, ChunkSize: 256}, sink, newLogger())

	// 1280 samples = 5 chunks, delivered in uneven blocks that each emit at
	// most one chunk; the final sizes leave nothing behind.
	sizes := []int{200, 100, 300, 250, 256, 174}
	offset := 0
	for _, n := range sizes {
		left := ramp(offset, n)
		right := ramp(-offset-n, n)
		w.Ingest(SampleBlock{left, right})
		offset += n
	}
	if offset != 1280 {
		t.Fatalf("test setup: expected 1280 samples, got %d", offset)
	}
	if len(sink.chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(sink.chunks))
	}
	if w.Buffered() != 0 {
		t.Fatalf("expected empty buffers, got %d", w.Buffered())
	}

	var left, right []float32
	for i, chunk := range sink.chunks {
		if chunk.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, chunk.Seq)
		}
		left = append(left, chunk.Channels[0]...)
		right = append(right, chunk.Channels[1]...)
	}
	offset = 0
	for _, n := range sizes {
		wantRight := ramp(-offset-n, n)
		for i := 0; i < n; i++ {
			if left[offset+i] != float32(offset+i) {
				t.Fatalf("left sample %d: got %v", offset+i, left[offset+i])
			}
			if right[offset+i] != wantRight[i] {
				t.Fatalf("right sample %d: got %v want %v", offset+i, right[offset+i], wantRight[i])
			}
		}
		offset += n
	}
}

func TestOneChunkPerIngest(t *testing.T) {
	sink := &recordingSink{}
	w := NewWindower(WindowerConfig{ChannelCount: 1, ChunkSize: 128}, sink, newLogger())

	w.Ingest(SampleBlock{ramp(0, 400)})
	if len(sink.chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(sink.chunks))
	}
	if w.Buffered() != 272 {
		t.Fatalf("expected 272 buffered, got %d", w.Buffered())
	}
	w.Ingest(SampleBlock{{}})
	if len(sink.chunks) != 1 {
		t.Fatalf("empty block must not emit, got %d chunks", len(sink.chunks))
	}
	w.Ingest(SampleBlock{ramp(400, 1)})
	if len(sink.chunks) != 2 || sink.chunks[1].Channels[0][0] != 128 {
		t.Fatalf("expected second chunk to continue at sample 128")
	}
}

func TestPauseDiscardsInput(t *testing.T) {
	sink := &recordingSink{}
	w := NewWindower(WindowerConfig{ChannelCount: 1, ChunkSize: 128}, sink, newLogger())

	w.Ingest(SampleBlock{ramp(0, 100)})
	w.Pause()
	for i := 0; i < 10; i++ {
		w.Ingest(SampleBlock{ramp(1000, 128)})
	}
	if len(sink.chunks) != 0 || w.Buffered() != 100 {
		t.Fatalf("paused ingest changed state: chunks=%d buffered=%d", len(sink.chunks), w.Buffered())
	}
	if !w.Stats().Paused || w.Stats().BlocksDiscarded != 10 {
		t.Fatalf("unexpected stats: %+v", w.Stats())
	}

	w.Resume()
	w.Ingest(SampleBlock{ramp(100, 28)})
	if len(sink.chunks) != 1 {
		t.Fatalf("expected chunk after resume, got %d", len(sink.chunks))
	}
	for i, s := range sink.chunks[0].Channels[0] {
		if s != float32(i) {
			t.Fatalf("sample %d: paused data leaked into chunk (%v)", i, s)
		}
	}
}

func TestConfigurationClamped(t *testing.T) {
	for _, requested := range []int{-5, 0, 1, 64, 127} {
		w := NewWindower(WindowerConfig{ChannelCount: 0, ChunkSize: requested}, nil, newLogger())
		if w.ChunkSize() != MinChunkSize {
			t.Fatalf("chunk size %d: expected clamp to %d, got %d", requested, MinChunkSize, w.ChunkSize())
		}
		if w.ChannelCount() != 1 {
			t.Fatalf("expected channel count 1, got %d", w.ChannelCount())
		}
	}
	w := NewWindower(WindowerConfig{ChannelCount: 1, ChunkSize: 4096}, nil, newLogger())
	if w.ChunkSize() != 4096 {
		t.Fatalf("expected chunk size preserved, got %d", w.ChunkSize())
	}
}

func TestMalformedBlocksKeepChannelsAligned(t *testing.T) {
	sink := &recordingSink{}
	w := NewWindower(WindowerConfig{ChannelCount: 2, ChunkSize: 128}, sink, newLogger())

	w.Ingest(SampleBlock{ramp(0, 64)})                     // missing channel 1
	w.Ingest(SampleBlock{ramp(64, 64), ramp(0, 10), {9}}) // short channel 1, extra channel
	if len(sink.chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(sink.chunks))
	}
	chunk := sink.chunks[0]
	if len(chunk.Channels) != 2 || len(chunk.Channels[1]) != 128 {
		t.Fatalf("unexpected chunk shape")
	}
	for i := 0; i < 64; i++ {
		if chunk.Channels[1][i] != 0 {
			t.Fatalf("expected silence for missing channel at %d", i)
		}
	}
	if chunk.Channels[1][64] != 0 || chunk.Channels[1][73] != 9 || chunk.Channels[1][74] != 0 {
		t.Fatalf("short channel not padded after its samples")
	}
	if w.Stats().MalformedBlocks != 2 {
		t.Fatalf("expected 2 malformed blocks, got %d", w.Stats().MalformedBlocks)
	}

	w.Ingest(nil)
	w.Ingest(SampleBlock{nil, nil})
	if w.Buffered() != 0 || len(sink.chunks) != 1 {
		t.Fatalf("empty blocks must be no-ops")
	}
}

func TestSinkRejectionDropsChunk(t *testing.T) {
	sink := &recordingSink{err: errors.New("queue full")}
	w := NewWindower(WindowerConfig{ChannelCount: 1, ChunkSize: 128}, sink, newLogger())

	w.Ingest(SampleBlock{ramp(0, 128)})
	if w.Stats().ChunksRejected != 1 || w.Buffered() != 0 {
		t.Fatalf("unexpected stats after rejection: %+v", w.Stats())
	}

	sink.err = nil
	w.Ingest(SampleBlock{ramp(128, 128)})
	if len(sink.chunks) != 1 {
		t.Fatalf("expected next chunk to be delivered")
	}
	if sink.chunks[0].Seq != 2 || sink.chunks[0].Channels[0][0] != 128 {
		t.Fatalf("expected chunk 2 starting at sample 128, got seq=%d first=%v",
			sink.chunks[0].Seq, sink.chunks[0].Channels[0][0])
	}
}

func TestIngestDoesNotRetainBlock(t *testing.T) {
	sink := &recordingSink{}
	w := NewWindower(WindowerConfig{ChannelCount: 1, ChunkSize: 128}, sink, newLogger())

	block := SampleBlock{ramp(0, 128)}
	w.Ingest(block)
	block[0][0] = 42
	if sink.chunks[0].Channels[0][0] != 0 {
		t.Fatalf("chunk aliases caller block")
	}
}
