// Package chunkstore defines the storage collaborator used by donutupload.
// A ChunkStore keeps one record per upload plus an append-only list of
// sequence numbered chunks for that upload.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileExists   = errors.New("file already exists")
	ErrChunkExists  = errors.New("chunk already exists")

	// ErrSizeMismatch is returned by a conditional size update when the
	// recorded size is not the expected one.
	ErrSizeMismatch = errors.New("file size does not match expected size")

	// ErrLengthDeclared is returned by SetDeclaredLength when the file
	// already has a declared length.
	ErrLengthDeclared = errors.New("declared length already set")
)

type FileRecord struct {
	ExternalID     string
	Key            string
	DeclaredLength *int64
	DeferLength    bool
	Metadata       map[string]string
	Size           int64
	ChunkSize      int64
	CreatedAt      time.Time
}

type Chunk struct {
	Seq    int64
	Offset int64
	Data   []byte
}

type ChunkInfo struct {
	Seq    int64
	Offset int64
	Length int64
}

func (c ChunkInfo) End() int64 {
	return c.Offset + c.Length
}

// ChunkStore is the backing store. Every method must be individually
// atomic. Implementations must not retain Chunk.Data after InsertChunk
// or AppendChunk returns; the writer reuses the buffer.
type ChunkStore interface {
	InsertFile(ctx context.Context, rec *FileRecord) error
	InsertChunk(ctx context.Context, key string, c Chunk) error
	// IncrementSize adds delta to the file size if, and only if, the
	// size is currently expected. Otherwise it returns ErrSizeMismatch
	// and changes nothing. The compare and the add must happen in one
	// server side step.
	IncrementSize(ctx context.Context, key string, expected, delta int64) error
	FindFile(ctx context.Context, key string) (*FileRecord, error)
	// FindMaxChunkSequence returns the chunk with the highest sequence
	// number. found is false if the file has no chunks.
	FindMaxChunkSequence(ctx context.Context, key string) (info ChunkInfo, found bool, err error)
	// SetDeclaredLength sets the length of a file that has none yet.
	// It returns ErrLengthDeclared if one is already set.
	SetDeclaredLength(ctx context.Context, key string, length int64) error
	// DeleteFileAndChunks removes the file record, then every chunk.
	// Chunks are removed even if the record is already gone, in which
	// case ErrFileNotFound is returned once they are.
	DeleteFileAndChunks(ctx context.Context, key string) error
	// DeleteChunks removes every chunk stored under key and leaves the
	// file record alone.
	DeleteChunks(ctx context.Context, key string) error
	OpenChunkReader(ctx context.Context, key string) (ChunkIterator, error)
}

// Appender is implemented by stores that can insert a chunk and bump
// the file size by len(c.Data) in a single atomic step. The size is
// only bumped if it currently equals c.Offset; otherwise nothing is
// written and ErrSizeMismatch is returned.
type Appender interface {
	AppendChunk(ctx context.Context, key string, c Chunk) error
}

// SizeLimiter is implemented by stores that cannot hold chunks larger
// than MaxChunkSize bytes.
type SizeLimiter interface {
	MaxChunkSize() int64
}

// ChunkIterator yields chunks in ascending sequence order.
// Close must be called and its error checked once Next returns false.
type ChunkIterator interface {
	Next() bool
	Chunk() Chunk
	Close() error
}

// CheckContiguous validates that c directly follows prev. prev is nil
// for the first chunk of a file.
func CheckContiguous(prev *ChunkInfo, c Chunk) error {
	if prev == nil {
		if c.Seq != 0 || c.Offset != 0 {
			return &GapError{WantSeq: 0, GotSeq: c.Seq, WantOffset: 0, GotOffset: c.Offset}
		}
		return nil
	}
	if c.Seq != prev.Seq+1 || c.Offset != prev.End() {
		return &GapError{WantSeq: prev.Seq + 1, GotSeq: c.Seq, WantOffset: prev.End(), GotOffset: c.Offset}
	}
	return nil
}

type GapError struct {
	WantSeq    int64
	GotSeq     int64
	WantOffset int64
	GotOffset  int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("unexpected chunk: want seq=%d off=%d got seq=%d off=%d", e.WantSeq, e.WantOffset, e.GotSeq, e.GotOffset)
}
