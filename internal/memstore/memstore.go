// Package memstore is an in-memory chunkstore.ChunkStore. It does not
// implement chunkstore.Appender, so chunk insert and size increment are
// two separate steps, and it exposes fault hooks so tests can fail
// either of them.
package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/psanford/donutupload/chunkstore"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Store struct {
	mu     sync.Mutex
	files  map[string]*chunkstore.FileRecord
	chunks map[string]map[int64]chunkstore.Chunk

	// Fault hooks. A non-nil error returned by a hook aborts the call
	// before anything is mutated.
	BeforeInsertChunk       func(key string, c chunkstore.Chunk) error
	BeforeIncrementSize     func(key string, delta int64) error
	BeforeSetDeclaredLength func(key string, length int64) error
	BeforeDelete            func(key string) error
}

func New() *Store {
	return &Store{
		files:  make(map[string]*chunkstore.FileRecord),
		chunks: make(map[string]map[int64]chunkstore.Chunk),
	}
}

func (s *Store) InsertFile(ctx context.Context, rec *chunkstore.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[rec.Key]; exists {
		return chunkstore.ErrFileExists
	}
	s.files[rec.Key] = copyRecord(rec)
	return nil
}

func (s *Store) InsertChunk(ctx context.Context, key string, c chunkstore.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.BeforeInsertChunk != nil {
		if err := s.BeforeInsertChunk(key, c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fileChunks := s.chunks[key]
	if fileChunks == nil {
		fileChunks = make(map[int64]chunkstore.Chunk)
		s.chunks[key] = fileChunks
	}
	if _, exists := fileChunks[c.Seq]; exists {
		return chunkstore.ErrChunkExists
	}

	data := make([]byte, len(c.Data))
	copy(data, c.Data)
	c.Data = data
	fileChunks[c.Seq] = c
	return nil
}

func (s *Store) IncrementSize(ctx context.Context, key string, expected, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.BeforeIncrementSize != nil {
		if err := s.BeforeIncrementSize(key, delta); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[key]
	if !ok {
		return chunkstore.ErrFileNotFound
	}
	if rec.Size != expected {
		return chunkstore.ErrSizeMismatch
	}
	rec.Size += delta
	return nil
}

func (s *Store) FindFile(ctx context.Context, key string) (*chunkstore.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[key]
	if !ok {
		return nil, chunkstore.ErrFileNotFound
	}
	return copyRecord(rec), nil
}

func (s *Store) FindMaxChunkSequence(ctx context.Context, key string) (chunkstore.ChunkInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return chunkstore.ChunkInfo{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fileChunks := s.chunks[key]
	if len(fileChunks) == 0 {
		return chunkstore.ChunkInfo{}, false, nil
	}

	seqs := maps.Keys(fileChunks)
	slices.Sort(seqs)
	last := fileChunks[seqs[len(seqs)-1]]

	return chunkstore.ChunkInfo{
		Seq:    last.Seq,
		Offset: last.Offset,
		Length: int64(len(last.Data)),
	}, true, nil
}

func (s *Store) SetDeclaredLength(ctx context.Context, key string, length int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.BeforeSetDeclaredLength != nil {
		if err := s.BeforeSetDeclaredLength(key, length); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[key]
	if !ok {
		return chunkstore.ErrFileNotFound
	}
	if rec.DeclaredLength != nil {
		return chunkstore.ErrLengthDeclared
	}
	rec.DeclaredLength = &length
	rec.DeferLength = false
	return nil
}

func (s *Store) DeleteFileAndChunks(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.BeforeDelete != nil {
		if err := s.BeforeDelete(key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.files[key]
	delete(s.files, key)
	delete(s.chunks, key)
	if !ok {
		return chunkstore.ErrFileNotFound
	}
	return nil
}

func (s *Store) DeleteChunks(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.BeforeDelete != nil {
		if err := s.BeforeDelete(key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks, key)
	return nil
}

// ChunkCount reports how many chunks are stored for key, including
// orphans whose file record is gone.
func (s *Store) ChunkCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[key])
}

// Chunks returns a copy of all chunks for key in sequence order.
func (s *Store) Chunks(key string) []chunkstore.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileChunks := s.chunks[key]
	seqs := maps.Keys(fileChunks)
	slices.Sort(seqs)

	out := make([]chunkstore.Chunk, 0, len(seqs))
	for _, seq := range seqs {
		c := fileChunks[seq]
		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		c.Data = data
		out = append(out, c)
	}
	return out
}

func (s *Store) OpenChunkReader(ctx context.Context, key string) (chunkstore.ChunkIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[key]; !ok {
		return nil, chunkstore.ErrFileNotFound
	}

	seqs := maps.Keys(s.chunks[key])
	slices.Sort(seqs)

	return &chunkIterator{
		ctx:  ctx,
		s:    s,
		key:  key,
		seqs: seqs,
	}, nil
}

type chunkIterator struct {
	ctx  context.Context
	s    *Store
	key  string
	seqs []int64

	cur  chunkstore.Chunk
	prev *chunkstore.ChunkInfo
	err  error
}

func (i *chunkIterator) Next() bool {
	if i.err != nil {
		return false
	}
	if len(i.seqs) == 0 {
		return false
	}
	if err := i.ctx.Err(); err != nil {
		i.err = err
		return false
	}

	seq := i.seqs[0]
	i.seqs = i.seqs[1:]

	i.s.mu.Lock()
	c, ok := i.s.chunks[i.key][seq]
	i.s.mu.Unlock()
	if !ok {
		i.err = errors.New("chunk removed during read")
		return false
	}

	if err := chunkstore.CheckContiguous(i.prev, c); err != nil {
		i.err = err
		return false
	}

	i.cur = c
	i.prev = &chunkstore.ChunkInfo{Seq: c.Seq, Offset: c.Offset, Length: int64(len(c.Data))}
	return true
}

func (i *chunkIterator) Chunk() chunkstore.Chunk {
	return i.cur
}

func (i *chunkIterator) Close() error {
	if i.err != nil {
		return i.err
	}

	i.err = errors.New("iter closed")
	return nil
}

func copyRecord(rec *chunkstore.FileRecord) *chunkstore.FileRecord {
	out := *rec
	if rec.DeclaredLength != nil {
		l := *rec.DeclaredLength
		out.DeclaredLength = &l
	}
	if rec.Metadata != nil {
		out.Metadata = maps.Clone(rec.Metadata)
	}
	return &out
}
