// Package storetest is a conformance suite run against every
// chunkstore.ChunkStore implementation.
package storetest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/psanford/donutupload/chunkstore"
)

// Run exercises s. Each subtest uses its own random keys so a shared
// backing table is fine.
func Run(t *testing.T, s chunkstore.ChunkStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s chunkstore.ChunkStore)
	}{
		{"FileRoundTrip", testFileRoundTrip},
		{"FileExists", testFileExists},
		{"FileNotFound", testFileNotFound},
		{"ChunkExists", testChunkExists},
		{"IncrementSize", testIncrementSize},
		{"MaxChunkSequence", testMaxChunkSequence},
		{"DeclaredLength", testDeclaredLength},
		{"ReadChunks", testReadChunks},
		{"ReadDetectsGap", testReadDetectsGap},
		{"Partitions", testPartitions},
		{"Delete", testDelete},
		{"DeleteOrphans", testDeleteOrphans},
		{"Append", testAppend},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, s)
		})
	}
}

var timeEqual = cmp.Comparer(func(a, b time.Time) bool {
	return a.Equal(b)
})

func randKey(t *testing.T) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(b)
}

func newFile(t *testing.T, s chunkstore.ChunkStore) *chunkstore.FileRecord {
	rec := &chunkstore.FileRecord{
		ExternalID: "ext-" + randKey(t),
		Key:        randKey(t),
		ChunkSize:  8,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.InsertFile(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func mustChunk(t *testing.T, s chunkstore.ChunkStore, key string, c chunkstore.Chunk) {
	if err := s.InsertChunk(context.Background(), key, c); err != nil {
		t.Fatalf("insert chunk seq=%d: %s", c.Seq, err)
	}
}

func readAll(t *testing.T, s chunkstore.ChunkStore, key string) ([]chunkstore.Chunk, error) {
	iter, err := s.OpenChunkReader(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	var out []chunkstore.Chunk
	for iter.Next() {
		c := iter.Chunk()
		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		c.Data = data
		out = append(out, c)
	}
	return out, iter.Close()
}

func testFileRoundTrip(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()
	declared := int64(1234)
	rec := &chunkstore.FileRecord{
		ExternalID:     "ext-" + randKey(t),
		Key:            randKey(t),
		DeclaredLength: &declared,
		Metadata: map[string]string{
			"filename": "photo.jpg",
			"type":     "image/jpeg",
		},
		ChunkSize: 4096,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := s.InsertFile(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindFile(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(rec, got, timeEqual); diff != "" {
		t.Fatalf("file record mismatch (-want +got):\n%s", diff)
	}

	deferred := &chunkstore.FileRecord{
		ExternalID:  "ext-" + randKey(t),
		Key:         randKey(t),
		DeferLength: true,
		ChunkSize:   4096,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.InsertFile(ctx, deferred); err != nil {
		t.Fatal(err)
	}
	got, err = s.FindFile(ctx, deferred.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.DeferLength || got.DeclaredLength != nil {
		t.Fatalf("expected deferred length with no declared length, got defer=%t declared=%v", got.DeferLength, got.DeclaredLength)
	}
	if len(got.Metadata) != 0 {
		t.Fatalf("expected empty metadata, got %v", got.Metadata)
	}
}

func testFileExists(t *testing.T, s chunkstore.ChunkStore) {
	rec := newFile(t, s)

	dup := *rec
	dup.ExternalID = "other"
	err := s.InsertFile(context.Background(), &dup)
	if !errors.Is(err, chunkstore.ErrFileExists) {
		t.Fatalf("expected ErrFileExists, got %v", err)
	}

	got, err := s.FindFile(context.Background(), rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExternalID != rec.ExternalID {
		t.Fatalf("duplicate insert overwrote record: %q", got.ExternalID)
	}
}

func testFileNotFound(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()
	key := randKey(t)

	if _, err := s.FindFile(ctx, key); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("FindFile: expected ErrFileNotFound, got %v", err)
	}
	if err := s.IncrementSize(ctx, key, 0, 10); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("IncrementSize: expected ErrFileNotFound, got %v", err)
	}
	if err := s.SetDeclaredLength(ctx, key, 10); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("SetDeclaredLength: expected ErrFileNotFound, got %v", err)
	}
	if err := s.DeleteFileAndChunks(ctx, key); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("DeleteFileAndChunks: expected ErrFileNotFound, got %v", err)
	}
	if _, err := s.OpenChunkReader(ctx, key); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("OpenChunkReader: expected ErrFileNotFound, got %v", err)
	}
}

func testChunkExists(t *testing.T, s chunkstore.ChunkStore) {
	rec := newFile(t, s)

	mustChunk(t, s, rec.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("original")})

	err := s.InsertChunk(context.Background(), rec.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("replaced")})
	if !errors.Is(err, chunkstore.ErrChunkExists) {
		t.Fatalf("expected ErrChunkExists, got %v", err)
	}

	chunks, err := readAll(t, s, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || string(chunks[0].Data) != "original" {
		t.Fatalf("chunk was modified: %+v", chunks)
	}
}

func testIncrementSize(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()
	rec := newFile(t, s)

	var size int64
	for _, delta := range []int64{8, 8, 3} {
		if err := s.IncrementSize(ctx, rec.Key, size, delta); err != nil {
			t.Fatal(err)
		}
		size += delta
	}

	// a second increment for the chunk at offset 8 must not apply
	err := s.IncrementSize(ctx, rec.Key, 8, 8)
	if !errors.Is(err, chunkstore.ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}

	got, err := s.FindFile(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 19 {
		t.Fatalf("size: got %d want 19", got.Size)
	}
}

func testMaxChunkSequence(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()
	rec := newFile(t, s)

	_, found, err := s.FindMaxChunkSequence(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no chunks for new file")
	}

	var off int64
	for seq := int64(0); seq < 12; seq++ {
		data := bytes.Repeat([]byte{byte(seq)}, 8)
		if seq == 11 {
			data = data[:5]
		}
		mustChunk(t, s, rec.Key, chunkstore.Chunk{Seq: seq, Offset: off, Data: data})
		off += int64(len(data))
	}

	info, found, err := s.FindMaxChunkSequence(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected chunks")
	}

	want := chunkstore.ChunkInfo{Seq: 11, Offset: 88, Length: 5}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("max chunk mismatch (-want +got):\n%s", diff)
	}
	if info.End() != off {
		t.Fatalf("End(): got %d want %d", info.End(), off)
	}
}

func testDeclaredLength(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()
	rec := &chunkstore.FileRecord{
		ExternalID:  "ext-" + randKey(t),
		Key:         randKey(t),
		DeferLength: true,
		ChunkSize:   8,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.InsertFile(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := s.SetDeclaredLength(ctx, rec.Key, 42); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindFile(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeferLength {
		t.Fatal("defer flag still set")
	}
	if got.DeclaredLength == nil || *got.DeclaredLength != 42 {
		t.Fatalf("declared length: got %v want 42", got.DeclaredLength)
	}

	err = s.SetDeclaredLength(ctx, rec.Key, 50)
	if !errors.Is(err, chunkstore.ErrLengthDeclared) {
		t.Fatalf("expected ErrLengthDeclared, got %v", err)
	}
	got, err = s.FindFile(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if *got.DeclaredLength != 42 {
		t.Fatalf("declared length overwritten: %d", *got.DeclaredLength)
	}
}

func testReadChunks(t *testing.T, s chunkstore.ChunkStore) {
	rec := newFile(t, s)

	// enough chunks to span several read pages
	var (
		want []chunkstore.Chunk
		off  int64
	)
	for seq := int64(0); seq < 40; seq++ {
		data := []byte(fmt.Sprintf("chunk-%02d", seq))
		c := chunkstore.Chunk{Seq: seq, Offset: off, Data: data}
		mustChunk(t, s, rec.Key, c)
		want = append(want, c)
		off += int64(len(data))
	}

	got, err := readAll(t, s, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}

	empty := newFile(t, s)
	got, err = readAll(t, s, empty.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}

func testReadDetectsGap(t *testing.T, s chunkstore.ChunkStore) {
	rec := newFile(t, s)

	mustChunk(t, s, rec.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("aaaa")})
	mustChunk(t, s, rec.Key, chunkstore.Chunk{Seq: 2, Offset: 4, Data: []byte("cccc")})

	got, err := readAll(t, s, rec.Key)
	var gapErr *chunkstore.GapError
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected GapError, got %v", err)
	}
	if gapErr.WantSeq != 1 || gapErr.GotSeq != 2 {
		t.Fatalf("unexpected gap: %+v", gapErr)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 chunk before gap, got %d", len(got))
	}
}

func testPartitions(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()
	a := newFile(t, s)
	b := newFile(t, s)

	mustChunk(t, s, a.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("from-a")})
	mustChunk(t, s, b.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("from-b")})
	mustChunk(t, s, b.Key, chunkstore.Chunk{Seq: 1, Offset: 6, Data: []byte("more-b")})

	if err := s.IncrementSize(ctx, b.Key, 0, 12); err != nil {
		t.Fatal(err)
	}

	gotA, err := s.FindFile(ctx, a.Key)
	if err != nil {
		t.Fatal(err)
	}
	if gotA.Size != 0 {
		t.Fatalf("size of a changed: %d", gotA.Size)
	}

	info, _, err := s.FindMaxChunkSequence(ctx, a.Key)
	if err != nil {
		t.Fatal(err)
	}
	if info.Seq != 0 {
		t.Fatalf("max seq of a: got %d want 0", info.Seq)
	}

	chunks, err := readAll(t, s, a.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || string(chunks[0].Data) != "from-a" {
		t.Fatalf("unexpected chunks for a: %+v", chunks)
	}
}

func testDelete(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()
	rec := newFile(t, s)
	other := newFile(t, s)

	for seq := int64(0); seq < 30; seq++ {
		mustChunk(t, s, rec.Key, chunkstore.Chunk{Seq: seq, Offset: seq * 4, Data: []byte("data")})
	}
	mustChunk(t, s, other.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("keep")})

	if err := s.DeleteFileAndChunks(ctx, rec.Key); err != nil {
		t.Fatal(err)
	}

	if _, err := s.FindFile(ctx, rec.Key); !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound after delete, got %v", err)
	}
	_, found, err := s.FindMaxChunkSequence(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("chunks remain after delete")
	}

	chunks, err := readAll(t, s, other.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("delete touched another file: %d chunks", len(chunks))
	}
}

func testDeleteOrphans(t *testing.T, s chunkstore.ChunkStore) {
	ctx := context.Background()

	// chunks with no record, as left by a delete that stopped part way
	orphanKey := randKey(t)
	for seq := int64(0); seq < 3; seq++ {
		mustChunk(t, s, orphanKey, chunkstore.Chunk{Seq: seq, Offset: seq * 4, Data: []byte("left")})
	}

	err := s.DeleteFileAndChunks(ctx, orphanKey)
	if !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	_, found, err := s.FindMaxChunkSequence(ctx, orphanKey)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("orphaned chunks remain after delete")
	}

	rec := newFile(t, s)
	mustChunk(t, s, rec.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("data")})

	if err := s.DeleteChunks(ctx, rec.Key); err != nil {
		t.Fatal(err)
	}
	_, found, err = s.FindMaxChunkSequence(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("chunks remain after DeleteChunks")
	}
	if _, err := s.FindFile(ctx, rec.Key); err != nil {
		t.Fatalf("DeleteChunks removed the record: %s", err)
	}
}

func testAppend(t *testing.T, s chunkstore.ChunkStore) {
	appender, ok := s.(chunkstore.Appender)
	if !ok {
		t.Skip("store does not implement Appender")
	}

	ctx := context.Background()
	rec := newFile(t, s)

	if err := appender.AppendChunk(ctx, rec.Key, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("12345678")}); err != nil {
		t.Fatal(err)
	}
	if err := appender.AppendChunk(ctx, rec.Key, chunkstore.Chunk{Seq: 1, Offset: 8, Data: []byte("abc")}); err != nil {
		t.Fatal(err)
	}

	err := appender.AppendChunk(ctx, rec.Key, chunkstore.Chunk{Seq: 1, Offset: 8, Data: []byte("zzzzzz")})
	if !errors.Is(err, chunkstore.ErrChunkExists) {
		t.Fatalf("expected ErrChunkExists, got %v", err)
	}

	got, err := s.FindFile(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 11 {
		t.Fatalf("size: got %d want 11 (failed append must not bump size)", got.Size)
	}

	// a new chunk at an offset the size has moved past
	err = appender.AppendChunk(ctx, rec.Key, chunkstore.Chunk{Seq: 2, Offset: 8, Data: []byte("late")})
	if !errors.Is(err, chunkstore.ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	info, found, err := s.FindMaxChunkSequence(ctx, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !found || info.Seq != 1 {
		t.Fatalf("refused append stored a chunk: %+v", info)
	}

	orphanKey := randKey(t)
	err = appender.AppendChunk(ctx, orphanKey, chunkstore.Chunk{Seq: 0, Offset: 0, Data: []byte("orphan")})
	if !errors.Is(err, chunkstore.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound for missing file, got %v", err)
	}
	_, found, err = s.FindMaxChunkSequence(ctx, orphanKey)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("append to a missing file stored a chunk")
	}
}
