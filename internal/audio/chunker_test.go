package audio

import (
	"bytes"
	"testing"
)

func TestChunkAlignsSizeDown(t *testing.T) {
	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}

	chunks := Chunk(payload, 1000)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	// 1000 aligns down to 960.
	if len(chunks[0]) != 960 || len(chunks[1]) != 960 || len(chunks[2]) != 80 {
		t.Fatalf("chunk sizes = %d/%d/%d, want 960/960/80",
			len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestChunkConcatenationReproducesPayload(t *testing.T) {
	payload := make([]byte, 1234)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	var joined []byte
	for _, c := range Chunk(payload, 640) {
		if len(c) > 640 {
			t.Fatalf("chunk larger than aligned size: %d", len(c))
		}
		joined = append(joined, c...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatalf("concatenated chunks differ from payload")
	}
}

func TestChunkBelowAlignmentThreshold(t *testing.T) {
	payload := make([]byte, 320)
	chunks := Chunk(payload, 1000)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if len(chunks[0]) != 320 {
		t.Fatalf("chunk size = %d, want 320", len(chunks[0]))
	}
}

func TestChunkTinySizeLiftedToOneFrame(t *testing.T) {
	payload := make([]byte, 700)
	chunks := Chunk(payload, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != FrameAlign || len(chunks[1]) != FrameAlign || len(chunks[2]) != 60 {
		t.Fatalf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestChunkEmptyPayload(t *testing.T) {
	chunks := Chunk(nil, 960)
	if len(chunks) != 0 {
		t.Fatalf("chunks = %d, want 0", len(chunks))
	}
}
