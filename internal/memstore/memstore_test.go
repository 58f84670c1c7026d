package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, New())
}

func TestHooksAbortBeforeMutation(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InsertFile(ctx, &chunkstore.FileRecord{Key: "k", ChunkSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	injected := errors.New("injected")
	s.BeforeIncrementSize = func(key string, delta int64) error {
		return injected
	}

	err = s.InsertChunk(ctx, "k", chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("abcd")})
	if err != nil {
		t.Fatal(err)
	}
	err = s.IncrementSize(ctx, "k", 0, 4)
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}

	rec, err := s.FindFile(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size != 0 {
		t.Fatalf("size changed despite hook failure: %d", rec.Size)
	}
	if s.ChunkCount("k") != 1 {
		t.Fatalf("chunk count: got %d want 1", s.ChunkCount("k"))
	}
}

func TestChunkDataNotRetained(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InsertFile(ctx, &chunkstore.FileRecord{Key: "k", ChunkSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	buf := []byte("abcd")
	err = s.InsertChunk(ctx, "k", chunkstore.Chunk{Seq: 0, Offset: 0, Data: buf})
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, "zzzz")

	chunks := s.Chunks("k")
	if string(chunks[0].Data) != "abcd" {
		t.Fatalf("stored chunk aliased caller buffer: %q", chunks[0].Data)
	}
}
