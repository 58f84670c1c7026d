// Package donutupload is a resumable upload store. Uploads are written
// as append-only streams of fixed size chunks into a chunk store
// (DynamoDB by default) and can be resumed after an interruption by
// asking for the current offset and writing from there.
package donutupload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/psanford/donutupload/internal/changelog"
	"github.com/psanford/donutupload/internal/dynamolock"
	"github.com/psanford/donutupload/internal/dynamostore"
	"github.com/psanford/donutupload/writelock"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// New returns a Store backed by a DynamoDB table with a string hash_key
// and a numeric range_key. It panics if an option is invalid.
func New(dynamoClient *dynamodb.DynamoDB, table string, opts ...Option) *Store {
	return NewWithChunkStore(dynamostore.New(dynamoClient, table), opts...)
}

// NewDynamoWriteLocker returns a writelock.Locker that keeps a lease
// row per upload in the same table New uses.
func NewDynamoWriteLocker(dynamoClient *dynamodb.DynamoDB, table string) writelock.Locker {
	return dynamolock.New(dynamoClient, table)
}

// NewWithChunkStore returns a Store on top of an arbitrary chunk store.
// It panics if an option is invalid, including a chunk size larger than
// cs can hold.
func NewWithChunkStore(cs chunkstore.ChunkStore, opts ...Option) *Store {
	options := options{
		chunkSize: DefaultChunkSize,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		err := opt.setOption(&options)
		if err != nil {
			panic(err)
		}
	}

	if err := CheckChunkSize(cs, options.chunkSize); err != nil {
		panic(err)
	}

	if options.secret == nil {
		secret, err := GenerateSecret()
		if err != nil {
			panic(err)
		}
		options.secret = secret
		options.logger.Warn("no key derivation secret configured, using a random per-process secret; existing uploads will be unreachable after restart")
	}

	keys, err := NewKeyDeriver(options.secret)
	if err != nil {
		panic(err)
	}

	s := Store{
		cs:        cs,
		keys:      keys,
		chunkSize: options.chunkSize,
		logger:    options.logger,
		locker:    options.locker,
	}

	if options.changeLogWriter != nil {
		s.changeLogWriter = json.NewEncoder(options.changeLogWriter)
	}

	return &s
}

// Store is safe for concurrent use across different uploads. Writes to
// the same upload must be serialized by the caller unless a write
// locker is configured.
type Store struct {
	cs        chunkstore.ChunkStore
	keys      *KeyDeriver
	chunkSize int64
	logger    logrus.FieldLogger
	locker    writelock.Locker

	changeLogMu     sync.Mutex
	changeLogWriter *json.Encoder
}

type FileInfo struct {
	ExternalID     string
	Size           int64
	DeclaredLength *int64
	DeferLength    bool
	Metadata       map[string]string
	ChunkSize      int64
	CreatedAt      time.Time
}

// CheckChunkSize reports whether chunkSize fits in a single chunk of cs.
func CheckChunkSize(cs chunkstore.ChunkStore, chunkSize int64) error {
	limiter, ok := cs.(chunkstore.SizeLimiter)
	if !ok {
		return nil
	}
	if limit := limiter.MaxChunkSize(); chunkSize > limit {
		return fmt.Errorf("chunk size %d is larger than the store maximum of %d", chunkSize, limit)
	}
	return nil
}

// Extensions lists the tus protocol extensions the store supports.
func Extensions() []string {
	return []string{"creation", "creation-with-upload", "creation-defer-length", "termination"}
}

// Key returns the internal storage key for externalID.
func (s *Store) Key(externalID string) string {
	return s.keys.Derive(externalID)
}

// Create registers a new upload with size 0. Exactly one of
// declaredLength and deferLength must be set.
func (s *Store) Create(ctx context.Context, externalID string, declaredLength *int64, deferLength bool, metadata map[string]string) (retInfo *FileInfo, retErr error) {
	key := s.keys.Derive(externalID)
	if s.changeLogWriter != nil {
		s.logChange(changelog.Record{
			Action:     "CreateStart",
			ExternalID: externalID,
			Key:        key,
		})
		defer func() {
			s.logChange(changelog.Record{
				Action:     "CreateComplete",
				ExternalID: externalID,
				Key:        key,
				RetError:   changelog.ErrString(retErr),
			})
		}()
	}

	if externalID == "" {
		return nil, errors.New("upload id must not be empty")
	}
	if declaredLength == nil && !deferLength {
		return nil, fmt.Errorf("%w: length must be declared or deferred", ErrInvalidLength)
	}
	if declaredLength != nil && deferLength {
		return nil, fmt.Errorf("%w: length cannot be both declared and deferred", ErrInvalidLength)
	}
	if declaredLength != nil && *declaredLength < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, *declaredLength)
	}

	rec := &chunkstore.FileRecord{
		ExternalID:  externalID,
		Key:         key,
		DeferLength: deferLength,
		ChunkSize:   s.chunkSize,
		CreatedAt:   time.Now().UTC(),
	}
	if declaredLength != nil {
		l := *declaredLength
		rec.DeclaredLength = &l
	}
	if metadata != nil {
		rec.Metadata = maps.Clone(metadata)
	}

	if err := s.removeOrphans(ctx, key); err != nil {
		return nil, err
	}

	err := s.cs.InsertFile(ctx, rec)
	if errors.Is(err, chunkstore.ErrFileExists) {
		return nil, ErrAlreadyExists
	} else if err != nil {
		return nil, &StorageError{Op: "insert_file", Key: key, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"upload_id": externalID,
		"key":       key,
	}).Debug("upload created")

	return fileInfo(rec), nil
}

// removeOrphans deletes chunks left under key by a Remove that did not
// finish. The key is derived from the upload id, so without this a new
// upload with the same id would pick them up.
func (s *Store) removeOrphans(ctx context.Context, key string) error {
	// Chunks are only written while a record exists, so chunks seen
	// before a missing record belong to an upload that is gone.
	last, hasChunks, err := s.cs.FindMaxChunkSequence(ctx, key)
	if err != nil {
		return &StorageError{Op: "find_max_chunk_sequence", Key: key, Err: err}
	}

	_, err = s.cs.FindFile(ctx, key)
	if err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, chunkstore.ErrFileNotFound) {
		return &StorageError{Op: "find_file", Key: key, Err: err}
	}

	if !hasChunks {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"key":      key,
		"last_seq": last.Seq,
	}).Warn("removing orphaned chunks before create")

	if err := s.cs.DeleteChunks(ctx, key); err != nil {
		return &StorageError{Op: "delete_chunks", Key: key, Err: err}
	}
	orphanCleanupCount.Inc()
	return nil
}

// CreateWithUpload creates an upload and writes r to it at offset 0.
// If the write fails the upload still exists and can be resumed.
func (s *Store) CreateWithUpload(ctx context.Context, externalID string, declaredLength *int64, deferLength bool, metadata map[string]string, r io.Reader) (*FileInfo, error) {
	info, err := s.Create(ctx, externalID, declaredLength, deferLength, metadata)
	if err != nil {
		return nil, err
	}

	size, err := s.Write(ctx, externalID, r, 0)
	info.Size = size
	return info, err
}

// GetOffset returns the current state of an upload. It never mutates
// anything. A stored chunk whose size increment has not landed yet is
// counted in Size, since a write at that offset would be accepted.
func (s *Store) GetOffset(ctx context.Context, externalID string) (*FileInfo, error) {
	key := s.keys.Derive(externalID)

	last, hasChunks, err := s.cs.FindMaxChunkSequence(ctx, key)
	if err != nil {
		return nil, &StorageError{Op: "find_max_chunk_sequence", Key: key, Err: err}
	}

	rec, err := s.findFile(ctx, key)
	if err != nil {
		return nil, err
	}

	if hasChunks && last.Offset == rec.Size {
		rec.Size = last.End()
	}
	return fileInfo(rec), nil
}

// DeclareLength sets the total length of an upload created with a
// deferred length. It can be called once.
func (s *Store) DeclareLength(ctx context.Context, externalID string, length int64) (retErr error) {
	key := s.keys.Derive(externalID)
	if s.changeLogWriter != nil {
		s.logChange(changelog.Record{
			Action:     "DeclareLengthStart",
			ExternalID: externalID,
			Key:        key,
			Off:        length,
		})
		defer func() {
			s.logChange(changelog.Record{
				Action:     "DeclareLengthComplete",
				ExternalID: externalID,
				Key:        key,
				RetError:   changelog.ErrString(retErr),
			})
		}()
	}

	rec, err := s.findFile(ctx, key)
	if err != nil {
		return err
	}

	if !rec.DeferLength || rec.DeclaredLength != nil {
		return fmt.Errorf("%w: length already declared", ErrInvalidLength)
	}
	if length < rec.Size {
		return fmt.Errorf("%w: %d is smaller than current size %d", ErrInvalidLength, length, rec.Size)
	}

	err = s.cs.SetDeclaredLength(ctx, key, length)
	if errors.Is(err, chunkstore.ErrFileNotFound) {
		return ErrNotFound
	} else if errors.Is(err, chunkstore.ErrLengthDeclared) {
		return fmt.Errorf("%w: length already declared", ErrInvalidLength)
	} else if err != nil {
		return &StorageError{Op: "set_declared_length", Key: key, Err: err}
	}
	return nil
}

// OpenRead returns the upload's bytes as they are currently stored. The
// reader is lazy and forward only; chunks are fetched as it advances.
func (s *Store) OpenRead(ctx context.Context, externalID string) (io.ReadCloser, error) {
	key := s.keys.Derive(externalID)

	iter, err := s.cs.OpenChunkReader(ctx, key)
	if errors.Is(err, chunkstore.ErrFileNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, &StorageError{Op: "open_chunk_reader", Key: key, Err: err}
	}

	return &chunkReader{
		key:  key,
		iter: iter,
	}, nil
}

// Remove deletes the upload record and then its chunks. If the process
// dies in between, calling Remove again returns ErrNotFound but still
// deletes the remaining chunks. Create also clears them.
func (s *Store) Remove(ctx context.Context, externalID string) (retErr error) {
	key := s.keys.Derive(externalID)
	if s.changeLogWriter != nil {
		s.logChange(changelog.Record{
			Action:     "RemoveStart",
			ExternalID: externalID,
			Key:        key,
		})
		defer func() {
			s.logChange(changelog.Record{
				Action:     "RemoveComplete",
				ExternalID: externalID,
				Key:        key,
				RetError:   changelog.ErrString(retErr),
			})
		}()
	}

	err := s.cs.DeleteFileAndChunks(ctx, key)
	if errors.Is(err, chunkstore.ErrFileNotFound) {
		return ErrNotFound
	} else if err != nil {
		return &StorageError{Op: "delete_file_and_chunks", Key: key, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"upload_id": externalID,
		"key":       key,
	}).Debug("upload removed")
	return nil
}

// Write appends r to the upload. claimedOffset must equal the upload's
// current size or the write fails with a *ConflictError and nothing is
// changed. It returns the upload size after the write.
//
// On a storage or stream failure everything flushed before the failure
// stays, the returned size is the offset the upload can be resumed
// from, and the error is a *StorageError or *StreamError.
func (s *Store) Write(ctx context.Context, externalID string, r io.Reader, claimedOffset int64) (retSize int64, retErr error) {
	key := s.keys.Derive(externalID)
	if s.changeLogWriter != nil {
		s.logChange(changelog.Record{
			Action:     "WriteStart",
			ExternalID: externalID,
			Key:        key,
			Off:        claimedOffset,
		})
		defer func() {
			s.logChange(changelog.Record{
				Action:     "WriteComplete",
				ExternalID: externalID,
				Key:        key,
				Off:        claimedOffset,
				RetSize:    retSize,
				RetError:   changelog.ErrString(retErr),
			})
		}()
	}
	defer func() {
		writeSessionCount.WithLabelValues(sessionResult(retErr)).Inc()
	}()

	log := s.logger.WithFields(logrus.Fields{
		"upload_id": externalID,
		"key":       key,
		"offset":    claimedOffset,
	})

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, key)
		if errors.Is(err, writelock.ErrLocked) {
			return 0, ErrWriteLocked
		} else if err != nil {
			return 0, &StorageError{Op: "lock", Key: key, Err: err}
		}
		defer func() {
			err := unlock()
			if err != nil {
				log.WithError(err).Error("release write lock")
				if retErr == nil {
					retErr = &StorageError{Op: "unlock", Key: key, Err: err}
				}
			}
		}()
	}

	// The last chunk must be read before the file record. A record that
	// lags its last chunk then means the chunk's size increment was
	// lost or is still in flight.
	last, hasChunks, err := s.cs.FindMaxChunkSequence(ctx, key)
	if err != nil {
		return 0, &StorageError{Op: "find_max_chunk_sequence", Key: key, Err: err}
	}

	rec, err := s.findFile(ctx, key)
	if err != nil {
		return 0, err
	}

	lagging, err := reconcileSize(rec, last, hasChunks)
	if err != nil {
		return 0, err
	}

	// The gate runs against the reconciled size before anything is
	// written, so a rejected write leaves the stored size alone.
	if err := checkOffset(rec, claimedOffset); err != nil {
		offsetConflictCount.Inc()
		log.WithField("actual", rec.Size).Warn("write rejected, offset mismatch")
		return 0, err
	}

	if lagging {
		if err := s.repairSize(ctx, log, key, last, claimedOffset); err != nil {
			return 0, err
		}
	}

	var next int64
	if hasChunks {
		next = last.Seq + 1
	}

	chunkSize := rec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.chunkSize
	}

	log.WithFields(logrus.Fields{
		"next_seq":   next,
		"chunk_size": chunkSize,
	}).Debug("write session start")

	w := newChunkWriter(ctx, s.cs, key, chunkSize, next, rec.Size)

	src := r
	var limited *io.LimitedReader
	if rec.DeclaredLength != nil {
		limited = &io.LimitedReader{
			R: r,
			N: *rec.DeclaredLength - rec.Size,
		}
		src = limited
	}

	_, err = w.ReadFrom(src)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		log.WithError(err).WithField("flushed", w.flushed).Warn("write session aborted")
		return rec.Size + w.flushed, err
	}

	if limited != nil && limited.N == 0 {
		more, err := hasMoreData(r)
		if err != nil {
			return rec.Size + w.flushed, &StreamError{Err: err}
		}
		if more {
			return rec.Size + w.flushed, fmt.Errorf("%w: declared=%d", ErrExceedsLength, *rec.DeclaredLength)
		}
	}

	final, err := s.findFile(ctx, key)
	if err != nil {
		return rec.Size + w.flushed, err
	}

	log.WithFields(logrus.Fields{
		"flushed": w.flushed,
		"size":    final.Size,
	}).Debug("write session complete")

	return final.Size, nil
}

// reconcileSize sets rec.Size to the number of bytes actually stored.
// lagging reports that the last chunk is stored but not yet counted in
// the record.
func reconcileSize(rec *chunkstore.FileRecord, last chunkstore.ChunkInfo, hasChunks bool) (lagging bool, err error) {
	if !hasChunks {
		if rec.Size == 0 {
			return false, nil
		}
		return false, fmt.Errorf("%w: size=%d but no chunks stored", ErrInconsistent, rec.Size)
	}

	if last.End() == rec.Size {
		return false, nil
	}

	if last.Offset == rec.Size {
		rec.Size = last.End()
		return true, nil
	}

	return false, fmt.Errorf("%w: size=%d last chunk seq=%d offset=%d length=%d", ErrInconsistent, rec.Size, last.Seq, last.Offset, last.Length)
}

// repairSize counts the last chunk in the record. The increment is
// conditional on the size still being the chunk's offset, so if the
// chunk's own late increment lands first the repair is a no-op.
func (s *Store) repairSize(ctx context.Context, log logrus.FieldLogger, key string, last chunkstore.ChunkInfo, claimedOffset int64) error {
	log.WithFields(logrus.Fields{
		"seq":    last.Seq,
		"length": last.Length,
	}).Warn("size increment for last chunk missing, repairing")

	err := s.cs.IncrementSize(ctx, key, last.Offset, last.Length)
	if errors.Is(err, chunkstore.ErrSizeMismatch) {
		rec, err := s.findFile(ctx, key)
		if err != nil {
			return err
		}
		if rec.Size == last.End() {
			log.Debug("size increment landed before repair")
			return nil
		}
		offsetConflictCount.Inc()
		return &ConflictError{
			Claimed: claimedOffset,
			Actual:  rec.Size,
		}
	} else if err != nil {
		return &StorageError{Op: "repair_size", Key: key, Err: err}
	}

	sizeRepairCount.Inc()
	return nil
}

func (s *Store) findFile(ctx context.Context, key string) (*chunkstore.FileRecord, error) {
	rec, err := s.cs.FindFile(ctx, key)
	if errors.Is(err, chunkstore.ErrFileNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, &StorageError{Op: "find_file", Key: key, Err: err}
	}
	return rec, nil
}

func (s *Store) logChange(r changelog.Record) {
	r.TS = time.Now()
	s.changeLogMu.Lock()
	defer s.changeLogMu.Unlock()
	s.changeLogWriter.Encode(r)
}

func fileInfo(rec *chunkstore.FileRecord) *FileInfo {
	info := FileInfo{
		ExternalID:  rec.ExternalID,
		Size:        rec.Size,
		DeferLength: rec.DeferLength,
		ChunkSize:   rec.ChunkSize,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.DeclaredLength != nil {
		l := *rec.DeclaredLength
		info.DeclaredLength = &l
	}
	if rec.Metadata != nil {
		info.Metadata = maps.Clone(rec.Metadata)
	}
	return &info
}

func hasMoreData(r io.Reader) (bool, error) {
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n > 0 {
			return true, nil
		}
		if err == io.EOF {
			return false, nil
		} else if err != nil {
			return false, err
		}
	}
}

func sessionResult(err error) string {
	var (
		storageErr *StorageError
		streamErr  *StreamError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.As(err, &storageErr):
		return "storage_error"
	case errors.As(err, &streamErr):
		return "stream_error"
	default:
		return "rejected"
	}
}
