package audio_test

import (
	"bytes"
	"testing"

	"github.com/voxist/voxist-go/pkg/audio"
)

func TestChunkBytes(t *testing.T) {
	// 100ms of 16kHz mono int16 is 3200 bytes.
	if got := audio.ChunkBytes(16000, 100); got != 3200 {
		t.Errorf("ChunkBytes(16000, 100) = %d, want 3200", got)
	}
	if got := audio.ChunkBytes(48000, 20); got != 1920 {
		t.Errorf("ChunkBytes(48000, 20) = %d, want 1920", got)
	}
}

func TestChunker_EmitsOnBoundary(t *testing.T) {
	c := audio.NewChunker(10)

	if chunks := c.Write(make([]byte, 4)); chunks != nil {
		t.Fatalf("expected no chunk below boundary, got %d", len(chunks))
	}
	chunks := c.Write(make([]byte, 8))
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0]) != 10 {
		t.Errorf("chunk size: got %d, want 10", len(chunks[0]))
	}
	if c.Pending() != 2 {
		t.Errorf("pending: got %d, want 2", c.Pending())
	}
}

func TestChunker_MultipleChunksPerWrite(t *testing.T) {
	c := audio.NewChunker(4)
	chunks := c.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte{1, 2, 3, 4}) || !bytes.Equal(chunks[1], []byte{5, 6, 7, 8}) {
		t.Errorf("chunk contents wrong: %v", chunks)
	}
	if c.Pending() != 1 {
		t.Errorf("pending: got %d, want 1", c.Pending())
	}
}

func TestChunker_FlushPadsRemainder(t *testing.T) {
	c := audio.NewChunker(8)
	c.Write([]byte{1, 2, 3})
	chunk := c.Flush()
	if chunk == nil {
		t.Fatal("expected padded chunk")
	}
	want := []byte{1, 2, 3, 0, 0, 0, 0, 0}
	if !bytes.Equal(chunk, want) {
		t.Errorf("flush: got %v, want %v", chunk, want)
	}
	if c.Pending() != 0 {
		t.Errorf("pending after flush: got %d, want 0", c.Pending())
	}
}

func TestChunker_FlushEmpty(t *testing.T) {
	c := audio.NewChunker(8)
	if chunk := c.Flush(); chunk != nil {
		t.Errorf("expected nil flush with empty buffer, got %v", chunk)
	}
}

func TestChunker_ZeroLengthWrite(t *testing.T) {
	c := audio.NewChunker(8)
	if chunks := c.Write(nil); chunks != nil {
		t.Errorf("expected no chunks for empty write, got %d", len(chunks))
	}
}

func TestChunker_Reset(t *testing.T) {
	c := audio.NewChunker(8)
	c.Write([]byte{1, 2, 3})
	c.Reset()
	if c.Pending() != 0 {
		t.Errorf("pending after reset: got %d, want 0", c.Pending())
	}
	if chunk := c.Flush(); chunk != nil {
		t.Errorf("expected nil flush after reset, got %v", chunk)
	}
}

func TestChunker_TotalCount(t *testing.T) {
	// N writes totalling T ms produce floor(T/chunk) chunks plus at most one
	// padded chunk on flush.
	c := audio.NewChunker(audio.ChunkBytes(16000, 100))
	frame := make([]byte, audio.ChunkBytes(16000, 50)) // 50ms each
	total := 0
	for range 5 { // 250ms
		total += len(c.Write(frame))
	}
	if total != 2 {
		t.Errorf("full chunks: got %d, want 2", total)
	}
	if c.Flush() == nil {
		t.Error("expected one padded final chunk")
	}
}
