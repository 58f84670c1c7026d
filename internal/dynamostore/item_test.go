package dynamostore

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/psanford/donutupload/chunkstore"
)

func TestFileRecordItem(t *testing.T) {
	declared := int64(99)
	rec := &chunkstore.FileRecord{
		ExternalID:     "abc",
		Key:            "0011aabb",
		DeclaredLength: &declared,
		Metadata:       map[string]string{"filename": "a.txt"},
		Size:           17,
		ChunkSize:      4096,
		CreatedAt:      time.Date(2021, 8, 1, 12, 0, 0, 5, time.UTC),
	}

	got, err := itemToFileRecord(rec.Key, fileRecordToItem(rec))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestFileRecordItemMissingSize(t *testing.T) {
	item := fileRecordToItem(&chunkstore.FileRecord{Key: "k"})
	delete(item, "file_size")

	_, err := itemToFileRecord("k", item)
	if err == nil {
		t.Fatal("expected error for item without file_size")
	}
}

func TestChunkItem(t *testing.T) {
	s := New(nil, "tbl")

	data := bytes.Repeat([]byte("donut"), 1000)
	item, err := s.chunkItem("k", chunkstore.Chunk{Seq: 3, Offset: 15000, Data: data})
	if err != nil {
		t.Fatal(err)
	}

	info, err := itemToChunkInfo(item)
	if err != nil {
		t.Fatal(err)
	}
	want := chunkstore.ChunkInfo{Seq: 3, Offset: 15000, Length: 5000}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("chunk info mismatch (-want +got):\n%s", diff)
	}

	out, err := uncompressFunc(item["bytes"].B, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("payload did not survive compression")
	}
}

func TestChunkItemTooLarge(t *testing.T) {
	s := New(nil, "tbl")

	// random-ish data that zstd cannot shrink below the item limit
	data := noise(maxChunkItemBytes + 1024)

	_, err := s.chunkItem("k", chunkstore.Chunk{Seq: 0, Data: data})
	if err == nil {
		t.Fatal("expected oversized chunk to be rejected")
	}
}

func TestChunkItemMaxSize(t *testing.T) {
	s := New(nil, "tbl")

	data := noise(int(s.MaxChunkSize()))
	if _, err := s.chunkItem("k", chunkstore.Chunk{Seq: 0, Data: data}); err != nil {
		t.Fatalf("incompressible chunk of MaxChunkSize rejected: %s", err)
	}
}

func noise(n int) []byte {
	data := make([]byte, n)
	x := uint32(2463534242)
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	return data
}
