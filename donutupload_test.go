package donutupload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/changelog"
	"github.com/psanford/donutupload/internal/dynamostore"
	"github.com/psanford/donutupload/internal/memstore"
	"github.com/psanford/donutupload/internal/sqlitestore"
	"github.com/psanford/donutupload/writelock"
	"github.com/sirupsen/logrus"
)

var testSecret = []byte("donutupload-test-secret")

func newMemStore(t *testing.T, chunkSize int64, opts ...Option) (*Store, *memstore.Store) {
	ms := memstore.New()
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)

	opts = append([]Option{
		WithSecret(testSecret),
		WithChunkSize(chunkSize),
		WithLogger(logger),
	}, opts...)

	return NewWithChunkStore(ms, opts...), ms
}

func deferred(t *testing.T, s *Store, id string) {
	_, err := s.Create(context.Background(), id, nil, true, nil)
	if err != nil {
		t.Fatal(err)
	}
}

func readUpload(t *testing.T, s *Store, id string) string {
	r, err := s.OpenRead(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestExampleScenario(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 8)
	deferred(t, s, "example")
	key := s.Key("example")

	size, err := s.Write(ctx, "example", strings.NewReader("ABCDEFGHIJ"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if size != 10 {
		t.Fatalf("size: got %d want 10", size)
	}

	want := []string{"ABCDEFGH", "IJ"}
	if diff := cmp.Diff(want, chunkStrings(ms.Chunks(key))); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Write(ctx, "example", strings.NewReader("KLMNO"), 9)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.Claimed != 9 || conflict.Actual != 10 {
		t.Fatalf("conflict: %+v", conflict)
	}
	if ms.ChunkCount(key) != 2 {
		t.Fatalf("conflicting write stored chunks: %d", ms.ChunkCount(key))
	}

	size, err = s.Write(ctx, "example", strings.NewReader("KLMNO"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if size != 15 {
		t.Fatalf("size: got %d want 15", size)
	}

	chunks := ms.Chunks(key)
	if len(chunks) != 3 || chunks[2].Seq != 2 || string(chunks[2].Data) != "KLMNO" {
		t.Fatalf("unexpected chunks: %v", chunkStrings(chunks))
	}

	if got := readUpload(t, s, "example"); got != "ABCDEFGHIJKLMNO" {
		t.Fatalf("read: got %q", got)
	}
}

func TestPartitionIndependence(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	data := make([]byte, 1000)
	rng.Read(data)

	for _, chunkSize := range []int64{1, 7, 64, 4096} {
		for trial := 0; trial < 5; trial++ {
			s, ms := newMemStore(t, chunkSize)
			deferred(t, s, "p")

			var off int64
			for off < int64(len(data)) {
				n := int64(rng.Intn(200))
				if off+n > int64(len(data)) {
					n = int64(len(data)) - off
				}
				size, err := s.Write(ctx, "p", bytes.NewReader(data[off:off+n]), off)
				if err != nil {
					t.Fatal(err)
				}
				off += n
				if size != off {
					t.Fatalf("size after write: got %d want %d", size, off)
				}
			}

			got := readUpload(t, s, "p")
			if got != string(data) {
				t.Fatalf("chunk=%d trial=%d: read back mismatch", chunkSize, trial)
			}

			var sum int64
			for i, c := range ms.Chunks(s.Key("p")) {
				if c.Seq != int64(i) {
					t.Fatalf("seq gap at %d: %d", i, c.Seq)
				}
				if int64(len(c.Data)) > chunkSize || len(c.Data) == 0 {
					t.Fatalf("chunk %d has %d bytes, capacity %d", i, len(c.Data), chunkSize)
				}
				sum += int64(len(c.Data))
			}

			info, err := s.GetOffset(ctx, "p")
			if err != nil {
				t.Fatal(err)
			}
			if info.Size != sum {
				t.Fatalf("size %d != sum of chunk lengths %d", info.Size, sum)
			}
		}
	}
}

func TestResumeAfterIncrementFailure(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 8)
	deferred(t, s, "resume")

	injected := errors.New("injected increment failure")
	var calls int
	ms.BeforeIncrementSize = func(key string, delta int64) error {
		calls++
		if calls == 2 {
			return injected
		}
		return nil
	}

	data := "0123456789abcdefghij"
	size, err := s.Write(ctx, "resume", strings.NewReader(data), 0)
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || !errors.Is(err, injected) {
		t.Fatalf("expected StorageError wrapping injected error, got %v", err)
	}
	if storageErr.Op != "increment_size" {
		t.Fatalf("op: got %q", storageErr.Op)
	}

	// the second chunk is stored but not counted in the record
	if size != 16 {
		t.Fatalf("resumable size: got %d want 16", size)
	}
	info, err := s.GetOffset(ctx, "resume")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 16 {
		t.Fatalf("offset: got %d want 16", info.Size)
	}

	// a stale offset is rejected without repairing the record
	_, err = s.Write(ctx, "resume", strings.NewReader(data[8:]), 8)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Actual != 16 {
		t.Fatalf("conflict actual: got %d want 16", conflict.Actual)
	}
	rec, err := ms.FindFile(ctx, s.Key("resume"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size != 8 {
		t.Fatalf("rejected write changed recorded size to %d", rec.Size)
	}

	size, err = s.Write(ctx, "resume", strings.NewReader(data[info.Size:]), info.Size)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(data)) {
		t.Fatalf("final size: got %d want %d", size, len(data))
	}

	if got := readUpload(t, s, "resume"); got != data {
		t.Fatalf("read: got %q want %q", got, data)
	}
}

func TestResumeAfterInsertFailure(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 8)
	deferred(t, s, "resume")

	injected := errors.New("injected insert failure")
	var calls int
	ms.BeforeInsertChunk = func(key string, c chunkstore.Chunk) error {
		calls++
		if calls == 2 {
			return injected
		}
		return nil
	}

	data := "0123456789abcdefghij"
	size, err := s.Write(ctx, "resume", strings.NewReader(data), 0)
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if size != 8 {
		t.Fatalf("resumable size: got %d want 8", size)
	}

	size, err = s.Write(ctx, "resume", strings.NewReader(data[size:]), size)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(data)) {
		t.Fatalf("final size: got %d", size)
	}
	if got := readUpload(t, s, "resume"); got != data {
		t.Fatalf("read: got %q want %q", got, data)
	}
}

func TestStreamFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 8)
	deferred(t, s, "stream")

	readErr := errors.New("client went away")
	size, err := s.Write(ctx, "stream", &failingReader{data: []byte("0123456789"), err: readErr}, 0)

	var streamErr *StreamError
	if !errors.As(err, &streamErr) || !errors.Is(err, readErr) {
		t.Fatalf("expected StreamError, got %v", err)
	}
	if size != 8 {
		t.Fatalf("size: got %d want 8 (partial buffer discarded)", size)
	}

	info, err := s.GetOffset(ctx, "stream")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 8 {
		t.Fatalf("recorded size: got %d want 8", info.Size)
	}
}

type cancelingReader struct {
	data   []byte
	cancel context.CancelFunc
}

func (r *cancelingReader) Read(p []byte) (int, error) {
	n := copy(p, r.data)
	r.data = r.data[n:]
	if len(r.data) == 0 {
		r.cancel()
	}
	return n, nil
}

func TestContextCancel(t *testing.T) {
	s, _ := newMemStore(t, 4)
	deferred(t, s, "cancel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	size, err := s.Write(ctx, "cancel", &cancelingReader{data: []byte("abcdef"), cancel: cancel}, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected StreamError, got %T", err)
	}
	if size != 4 {
		t.Fatalf("size: got %d want 4", size)
	}
}

func TestDeclaredLength(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 4)

	length := int64(10)
	info, err := s.Create(ctx, "fixed", &length, false, map[string]string{"filename": "a.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if info.DeclaredLength == nil || *info.DeclaredLength != 10 {
		t.Fatalf("declared length: %v", info.DeclaredLength)
	}

	size, err := s.Write(ctx, "fixed", strings.NewReader("0123456789extra"), 0)
	if !errors.Is(err, ErrExceedsLength) {
		t.Fatalf("expected ErrExceedsLength, got %v", err)
	}
	if size != 10 {
		t.Fatalf("size: got %d want 10", size)
	}
	if got := readUpload(t, s, "fixed"); got != "0123456789" {
		t.Fatalf("read: got %q", got)
	}

	size, err = s.Write(ctx, "fixed", strings.NewReader(""), 10)
	if err != nil {
		t.Fatalf("empty write at end: %s", err)
	}
	if size != 10 {
		t.Fatalf("size: got %d", size)
	}

	_, err = s.Write(ctx, "fixed", strings.NewReader("x"), 10)
	if !errors.Is(err, ErrExceedsLength) {
		t.Fatalf("expected ErrExceedsLength past end, got %v", err)
	}

	info, err = s.GetOffset(ctx, "fixed")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"filename": "a.bin"}, info.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestDeclareLength(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 4)
	deferred(t, s, "later")

	if _, err := s.Write(ctx, "later", strings.NewReader("abcdef"), 0); err != nil {
		t.Fatal(err)
	}

	if err := s.DeclareLength(ctx, "later", 5); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("length below size: got %v", err)
	}
	if err := s.DeclareLength(ctx, "later", 8); err != nil {
		t.Fatal(err)
	}
	if err := s.DeclareLength(ctx, "later", 9); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("second declare: got %v", err)
	}

	info, err := s.GetOffset(ctx, "later")
	if err != nil {
		t.Fatal(err)
	}
	if info.DeferLength || info.DeclaredLength == nil || *info.DeclaredLength != 8 {
		t.Fatalf("unexpected length state: defer=%t declared=%v", info.DeferLength, info.DeclaredLength)
	}

	_, err = s.Write(ctx, "later", strings.NewReader("ghij"), 6)
	if !errors.Is(err, ErrExceedsLength) {
		t.Fatalf("expected ErrExceedsLength, got %v", err)
	}
	if got := readUpload(t, s, "later"); got != "abcdefgh" {
		t.Fatalf("read: got %q", got)
	}

	if err := s.DeclareLength(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing upload: got %v", err)
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 4)

	neg := int64(-1)
	zero := int64(0)

	tests := []struct {
		name     string
		id       string
		length   *int64
		deferLen bool
		wantErr  error
	}{
		{name: "neither", id: "a", wantErr: ErrInvalidLength},
		{name: "both", id: "b", length: &zero, deferLen: true, wantErr: ErrInvalidLength},
		{name: "negative", id: "c", length: &neg, wantErr: ErrInvalidLength},
		{name: "zero", id: "d", length: &zero},
		{name: "deferred", id: "e", deferLen: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info, err := s.Create(ctx, tc.id, tc.length, tc.deferLen, nil)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if info.Size != 0 || info.ExternalID != tc.id || info.ChunkSize != 4 {
				t.Fatalf("unexpected info: %+v", info)
			}
		})
	}

	if _, err := s.Create(ctx, "d", &zero, false, nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v", err)
	}
}

func TestCreateWithUpload(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 4)

	length := int64(6)
	info, err := s.CreateWithUpload(ctx, "cwu", &length, false, nil, strings.NewReader("abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 6 {
		t.Fatalf("size: got %d want 6", info.Size)
	}
	if got := readUpload(t, s, "cwu"); got != "abcdef" {
		t.Fatalf("read: got %q", got)
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 4)

	if _, err := s.GetOffset(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetOffset: got %v", err)
	}
	if _, err := s.OpenRead(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("OpenRead: got %v", err)
	}
	if _, err := s.Write(ctx, "nope", strings.NewReader("x"), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Write: got %v", err)
	}
	if err := s.Remove(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove: got %v", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	deferred(t, s, "gone")
	deferred(t, s, "kept")

	if _, err := s.Write(ctx, "gone", strings.NewReader("0123456789"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, "kept", strings.NewReader("abc"), 0); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if ms.ChunkCount(s.Key("gone")) != 0 {
		t.Fatal("chunks remain after remove")
	}
	if _, err := s.GetOffset(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetOffset after remove: got %v", err)
	}
	if got := readUpload(t, s, "kept"); got != "abc" {
		t.Fatalf("other upload affected: %q", got)
	}

	// a removed id can be created again from scratch
	deferred(t, s, "gone")
	info, err := s.GetOffset(ctx, "gone")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 0 {
		t.Fatalf("recreated size: %d", info.Size)
	}
}

func TestInconsistentSize(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	deferred(t, s, "broken")

	if _, err := s.Write(ctx, "broken", strings.NewReader("abcdef"), 0); err != nil {
		t.Fatal(err)
	}

	if err := ms.IncrementSize(ctx, s.Key("broken"), 6, 3); err != nil {
		t.Fatal(err)
	}

	_, err := s.Write(ctx, "broken", strings.NewReader("x"), 9)
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
	if ms.ChunkCount(s.Key("broken")) != 2 {
		t.Fatal("inconsistent write mutated chunks")
	}
}

func TestSecretIsolation(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()

	s1 := NewWithChunkStore(ms, WithSecret([]byte("secret-one")), WithChunkSize(4))
	s2 := NewWithChunkStore(ms, WithSecret([]byte("secret-two")), WithChunkSize(4))

	deferred(t, s1, "shared-id")

	if _, err := s2.GetOffset(ctx, "shared-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("upload visible under another secret: %v", err)
	}

	s3 := NewWithChunkStore(ms, WithSecret([]byte("secret-one")), WithChunkSize(4))
	if _, err := s3.GetOffset(ctx, "shared-id"); err != nil {
		t.Fatalf("same secret should find upload: %s", err)
	}
}

// gatedReader blocks its first Read until release is closed, after
// signaling on started.
type gatedReader struct {
	started chan struct{}
	release chan struct{}
	r       io.Reader
	once    bool
}

func newGatedReader(data string) *gatedReader {
	return &gatedReader{
		started: make(chan struct{}),
		release: make(chan struct{}),
		r:       strings.NewReader(data),
	}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	if !g.once {
		g.once = true
		close(g.started)
		<-g.release
	}
	return g.r.Read(p)
}

func TestUnlockedWritersInterleave(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	deferred(t, s, "race")

	slow := newGatedReader("BBBBBBBB")
	slowErr := make(chan error, 1)
	go func() {
		_, err := s.Write(ctx, "race", slow, 0)
		slowErr <- err
	}()

	<-slow.started

	// both writers passed the offset gate at 0; the fast one wins
	if _, err := s.Write(ctx, "race", strings.NewReader("AAAAAAAA"), 0); err != nil {
		t.Fatal(err)
	}
	close(slow.release)

	err := <-slowErr
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || !errors.Is(err, chunkstore.ErrChunkExists) {
		t.Fatalf("expected StorageError wrapping ErrChunkExists, got %v", err)
	}

	if got := readUpload(t, s, "race"); got != "AAAAAAAA" {
		t.Fatalf("content corrupted by second writer: %q", got)
	}
	if ms.ChunkCount(s.Key("race")) != 2 {
		t.Fatalf("chunk count: %d", ms.ChunkCount(s.Key("race")))
	}
}

func TestWriteLockerRejectsSecondWriter(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 4, WithWriteLocker(writelock.NewLocal()))
	deferred(t, s, "locked")

	slow := newGatedReader("BBBBBBBB")
	slowErr := make(chan error, 1)
	go func() {
		_, err := s.Write(ctx, "locked", slow, 0)
		slowErr <- err
	}()

	<-slow.started

	_, err := s.Write(ctx, "locked", strings.NewReader("AAAAAAAA"), 0)
	if !errors.Is(err, ErrWriteLocked) {
		t.Fatalf("expected ErrWriteLocked, got %v", err)
	}
	close(slow.release)

	if err := <-slowErr; err != nil {
		t.Fatal(err)
	}
	if got := readUpload(t, s, "locked"); got != "BBBBBBBB" {
		t.Fatalf("read: got %q", got)
	}

	// lock is released after the session
	if _, err := s.Write(ctx, "locked", strings.NewReader("CC"), 8); err != nil {
		t.Fatal(err)
	}
}

func TestChangeLog(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	s, _ := newMemStore(t, 4, WithChangeLogWriter(&buf))

	deferred(t, s, "logged")
	if _, err := s.Write(ctx, "logged", strings.NewReader("abcdef"), 0); err != nil {
		t.Fatal(err)
	}
	s.Write(ctx, "logged", strings.NewReader("x"), 1)

	var got []changelog.Record
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var r changelog.Record
		if err := dec.Decode(&r); err != nil {
			t.Fatal(err)
		}
		got = append(got, r)
	}

	var actions []string
	for _, r := range got {
		actions = append(actions, r.Action)
	}
	want := []string{"CreateStart", "CreateComplete", "WriteStart", "WriteComplete", "WriteStart", "WriteComplete"}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}

	if got[3].RetSize != 6 || got[3].RetError != "" {
		t.Fatalf("write complete record: %+v", got[3])
	}
	if got[5].Off != 1 || !strings.Contains(got[5].RetError, "offset conflict") {
		t.Fatalf("conflict record: %+v", got[5])
	}
	if got[2].Key != s.Key("logged") {
		t.Fatalf("record key: %q", got[2].Key)
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cs, err := sqlitestore.Open(filepath.Join(t.TempDir(), "uploads.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	s := NewWithChunkStore(cs, WithSecret(testSecret), WithChunkSize(5))
	deferred(t, s, "sql")

	size, err := s.Write(ctx, "sql", strings.NewReader("hello world, "), 0)
	if err != nil {
		t.Fatal(err)
	}
	size, err = s.Write(ctx, "sql", strings.NewReader("from sqlite"), size)
	if err != nil {
		t.Fatal(err)
	}
	if size != 24 {
		t.Fatalf("size: got %d want 24", size)
	}

	if got := readUpload(t, s, "sql"); got != "hello world, from sqlite" {
		t.Fatalf("read: got %q", got)
	}

	if err := s.Remove(ctx, "sql"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenRead(ctx, "sql"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after remove: %v", err)
	}
}

func TestReaderClose(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemStore(t, 2)
	deferred(t, s, "r")

	if _, err := s.Write(ctx, "r", strings.NewReader("abcdef"), 0); err != nil {
		t.Fatal(err)
	}

	r, err := s.OpenRead(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}

	p := make([]byte, 3)
	if _, err := io.ReadFull(r, p); err != nil {
		t.Fatal(err)
	}
	if string(p) != "abc" {
		t.Fatalf("partial read: %q", p)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read(p); err != errReaderClosed {
		t.Fatalf("read after close: %v", err)
	}
}

func TestLateSizeIncrement(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	deferred(t, s, "late")

	// hold back the first session's size increment until a second
	// session has resumed after it
	blocked := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	ms.BeforeIncrementSize = func(key string, delta int64) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(blocked)
			<-release
		}
		return nil
	}

	type result struct {
		size int64
		err  error
	}
	first := make(chan result, 1)
	go func() {
		size, err := s.Write(ctx, "late", strings.NewReader("abcd"), 0)
		first <- result{size, err}
	}()
	<-blocked

	info, err := s.GetOffset(ctx, "late")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 4 {
		t.Fatalf("offset while increment in flight: got %d want 4", info.Size)
	}

	size, err := s.Write(ctx, "late", strings.NewReader("efgh"), 4)
	if err != nil {
		t.Fatal(err)
	}
	if size != 8 {
		t.Fatalf("second session size: got %d want 8", size)
	}

	close(release)
	res := <-first
	if res.err != nil {
		t.Fatalf("first session: %s", res.err)
	}

	rec, err := ms.FindFile(ctx, s.Key("late"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size != 8 {
		t.Fatalf("recorded size: got %d want 8", rec.Size)
	}
	if got := readUpload(t, s, "late"); got != "abcdefgh" {
		t.Fatalf("read: got %q", got)
	}

	size, err = s.Write(ctx, "late", strings.NewReader("ijkl"), 8)
	if err != nil {
		t.Fatalf("write after late increment: %s", err)
	}
	if size != 12 {
		t.Fatalf("size: got %d want 12", size)
	}
}

func TestRepairLosesToLateIncrement(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	deferred(t, s, "late")

	blocked := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	var calls int32
	ms.BeforeIncrementSize = func(key string, delta int64) error {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			close(blocked)
			<-release
		case 2:
			// the repair is about to run; let the original increment
			// land first
			close(release)
			if err := <-firstDone; err != nil {
				t.Errorf("first session: %s", err)
			}
		}
		return nil
	}

	go func() {
		_, err := s.Write(ctx, "late", strings.NewReader("abcd"), 0)
		firstDone <- err
	}()
	<-blocked

	size, err := s.Write(ctx, "late", strings.NewReader("efgh"), 4)
	if err != nil {
		t.Fatal(err)
	}
	if size != 8 {
		t.Fatalf("size: got %d want 8", size)
	}

	rec, err := ms.FindFile(ctx, s.Key("late"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size != 8 {
		t.Fatalf("recorded size: got %d want 8", rec.Size)
	}
	if got := readUpload(t, s, "late"); got != "abcdefgh" {
		t.Fatalf("read: got %q", got)
	}
}

func TestCreateClearsOrphanChunks(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		orphans []string
	}{
		{name: "one", orphans: []string{"STALE"}},
		{name: "several", orphans: []string{"OLD1", "OLD2", "OLD3"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, ms := newMemStore(t, 8)
			key := s.Key("reused")

			// chunks left behind by a remove that stopped after
			// deleting the record
			var off int64
			for i, data := range tc.orphans {
				err := ms.InsertChunk(ctx, key, chunkstore.Chunk{Seq: int64(i), Offset: off, Data: []byte(data)})
				if err != nil {
					t.Fatal(err)
				}
				off += int64(len(data))
			}

			deferred(t, s, "reused")
			if n := ms.ChunkCount(key); n != 0 {
				t.Fatalf("orphaned chunks survived create: %d", n)
			}

			info, err := s.GetOffset(ctx, "reused")
			if err != nil {
				t.Fatal(err)
			}
			if info.Size != 0 {
				t.Fatalf("new upload offset: got %d want 0", info.Size)
			}

			size, err := s.Write(ctx, "reused", strings.NewReader("fresh"), 0)
			if err != nil {
				t.Fatal(err)
			}
			if size != 5 {
				t.Fatalf("size: got %d want 5", size)
			}
			if got := readUpload(t, s, "reused"); got != "fresh" {
				t.Fatalf("read: got %q want %q", got, "fresh")
			}
		})
	}
}

func TestCreateExistingKeepsChunks(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	deferred(t, s, "live")

	if _, err := s.Write(ctx, "live", strings.NewReader("abcdef"), 0); err != nil {
		t.Fatal(err)
	}

	_, err := s.Create(ctx, "live", nil, true, nil)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if n := ms.ChunkCount(s.Key("live")); n != 2 {
		t.Fatalf("create on a live upload touched its chunks: %d", n)
	}
}

func TestRemoveFinishesOrphanDelete(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	key := s.Key("half-removed")

	for i, data := range []string{"abcd", "efgh"} {
		err := ms.InsertChunk(ctx, key, chunkstore.Chunk{Seq: int64(i), Offset: int64(i * 4), Data: []byte(data)})
		if err != nil {
			t.Fatal(err)
		}
	}

	err := s.Remove(ctx, "half-removed")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := ms.ChunkCount(key); n != 0 {
		t.Fatalf("chunks remain after retried remove: %d", n)
	}
}

func TestConcurrentDeclareLength(t *testing.T) {
	ctx := context.Background()
	s, ms := newMemStore(t, 4)
	deferred(t, s, "racy")

	// a second caller declares between our check and our update
	var raced bool
	ms.BeforeSetDeclaredLength = func(key string, length int64) error {
		if !raced {
			raced = true
			if err := s.DeclareLength(ctx, "racy", 20); err != nil {
				t.Errorf("competing declare: %s", err)
			}
		}
		return nil
	}

	err := s.DeclareLength(ctx, "racy", 10)
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}

	info, err := s.GetOffset(ctx, "racy")
	if err != nil {
		t.Fatal(err)
	}
	if info.DeclaredLength == nil || *info.DeclaredLength != 20 {
		t.Fatalf("declared length: got %v want 20", info.DeclaredLength)
	}
}

func TestChunkSizeLimit(t *testing.T) {
	ds := dynamostore.New(nil, "tbl")

	if err := CheckChunkSize(ds, DefaultChunkSize); err != nil {
		t.Fatalf("default chunk size rejected: %s", err)
	}
	if err := CheckChunkSize(ds, ds.MaxChunkSize()+1); err == nil {
		t.Fatal("expected oversized chunk size to be rejected")
	}
	if err := CheckChunkSize(memstore.New(), 1<<30); err != nil {
		t.Fatalf("unbounded store rejected chunk size: %s", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected NewWithChunkStore to panic")
		}
	}()
	NewWithChunkStore(ds, WithSecret(testSecret), WithChunkSize(1<<20))
}
