// Package sqlitestore is a chunkstore.ChunkStore backed by a local
// SQLite database. It implements chunkstore.Appender by wrapping the
// chunk insert and size update in one transaction.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/psanford/donutupload/chunkstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_file (
  key             TEXT PRIMARY KEY,
  external_id     TEXT NOT NULL,
  declared_length INTEGER,
  defer_length    INTEGER NOT NULL,
  metadata        TEXT NOT NULL,
  size            INTEGER NOT NULL,
  chunk_size      INTEGER NOT NULL,
  created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS upload_chunk (
  key  TEXT NOT NULL,
  seq  INTEGER NOT NULL,
  off  INTEGER NOT NULL,
  data BLOB NOT NULL,
  PRIMARY KEY (key, seq)
);
`

type Store struct {
	db *sql.DB

	// chunks fetched per query while reading
	readPageSize int
}

// Open opens (creating if needed) the database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New applies the schema to an already open sqlite3 handle.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema err: %w", err)
	}
	return &Store{
		db:           db,
		readPageSize: 16,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (s *Store) InsertFile(ctx context.Context, rec *chunkstore.FileRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}

	var declared sql.NullInt64
	if rec.DeclaredLength != nil {
		declared = sql.NullInt64{Int64: *rec.DeclaredLength, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_file (key, external_id, declared_length, defer_length, metadata, size, chunk_size, created_at)
     VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.ExternalID, declared, rec.DeferLength, string(meta), rec.Size, rec.ChunkSize, rec.CreatedAt.UnixNano())
	if isConstraintErr(err) {
		return chunkstore.ErrFileExists
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertChunk(ctx context.Context, db execer, key string, c chunkstore.Chunk) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO upload_chunk (key, seq, off, data) VALUES (?, ?, ?, ?)`,
		key, c.Seq, c.Offset, c.Data)
	if isConstraintErr(err) {
		return chunkstore.ErrChunkExists
	}
	return err
}

type querier interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// fileExists tells a missing file apart from a failed condition after
// an UPDATE matched no rows.
func fileExists(ctx context.Context, db querier, key string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM upload_file WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func incrementSize(ctx context.Context, db querier, key string, expected, delta int64) error {
	res, err := db.ExecContext(ctx, `UPDATE upload_file SET size = size + ? WHERE key = ? AND size = ?`, delta, key, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	exists, err := fileExists(ctx, db, key)
	if err != nil {
		return err
	}
	if !exists {
		return chunkstore.ErrFileNotFound
	}
	return chunkstore.ErrSizeMismatch
}

func (s *Store) InsertChunk(ctx context.Context, key string, c chunkstore.Chunk) error {
	return insertChunk(ctx, s.db, key, c)
}

func (s *Store) IncrementSize(ctx context.Context, key string, expected, delta int64) error {
	return incrementSize(ctx, s.db, key, expected, delta)
}

func (s *Store) AppendChunk(ctx context.Context, key string, c chunkstore.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	err = insertChunk(ctx, tx, key, c)
	if err == nil {
		err = incrementSize(ctx, tx, key, c.Offset, int64(len(c.Data)))
	}
	if err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const fileColumns = `key, external_id, declared_length, defer_length, metadata, size, chunk_size, created_at`

func scanFile(row rowScanner) (*chunkstore.FileRecord, error) {
	var (
		rec       chunkstore.FileRecord
		declared  sql.NullInt64
		meta      string
		createdAt int64
	)
	err := row.Scan(&rec.Key, &rec.ExternalID, &declared, &rec.DeferLength, &meta, &rec.Size, &rec.ChunkSize, &createdAt)
	if err != nil {
		return nil, err
	}

	if declared.Valid {
		l := declared.Int64
		rec.DeclaredLength = &l
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata err: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

func (s *Store) FindFile(ctx context.Context, key string) (*chunkstore.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM upload_file WHERE key = ?`, key)
	rec, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, chunkstore.ErrFileNotFound
	}
	return rec, err
}

func (s *Store) FindMaxChunkSequence(ctx context.Context, key string) (chunkstore.ChunkInfo, bool, error) {
	var info chunkstore.ChunkInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, off, length(data) FROM upload_chunk WHERE key = ? ORDER BY seq DESC LIMIT 1`, key).
		Scan(&info.Seq, &info.Offset, &info.Length)
	if err == sql.ErrNoRows {
		return chunkstore.ChunkInfo{}, false, nil
	}
	if err != nil {
		return chunkstore.ChunkInfo{}, false, err
	}
	return info, true, nil
}

func (s *Store) SetDeclaredLength(ctx context.Context, key string, length int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_file SET declared_length = ?, defer_length = 0 WHERE key = ? AND declared_length IS NULL`, length, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	exists, err := fileExists(ctx, s.db, key)
	if err != nil {
		return err
	}
	if !exists {
		return chunkstore.ErrFileNotFound
	}
	return chunkstore.ErrLengthDeclared
}

func (s *Store) DeleteFileAndChunks(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM upload_file WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunk WHERE key = ?`, key); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if n == 0 {
		return chunkstore.ErrFileNotFound
	}
	return nil
}

func (s *Store) DeleteChunks(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_chunk WHERE key = ?`, key)
	return err
}

func (s *Store) OpenChunkReader(ctx context.Context, key string) (chunkstore.ChunkIterator, error) {
	if _, err := s.FindFile(ctx, key); err != nil {
		return nil, err
	}

	return &chunkIterator{
		ctx:     ctx,
		s:       s,
		key:     key,
		nextSeq: 0,
	}, nil
}

// List calls fn for every upload in key order until fn returns false.
func (s *Store) List(ctx context.Context, fn func(rec *chunkstore.FileRecord) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM upload_file ORDER BY key`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return rows.Err()
}

// chunkIterator reads chunks a page at a time using seq as the
// pagination cursor, so no query holds the database open across Next
// calls.
type chunkIterator struct {
	ctx     context.Context
	s       *Store
	key     string
	nextSeq int64

	cachedChunks []chunkstore.Chunk
	done         bool

	cur  chunkstore.Chunk
	prev *chunkstore.ChunkInfo
	err  error
}

func (i *chunkIterator) Next() bool {
	if i.err != nil {
		return false
	}

	if len(i.cachedChunks) == 0 {
		if i.done {
			return false
		}
		if err := i.fetchPage(); err != nil {
			i.err = err
			return false
		}
		if len(i.cachedChunks) == 0 {
			return false
		}
	}

	c := i.cachedChunks[0]
	i.cachedChunks = i.cachedChunks[1:]

	if err := chunkstore.CheckContiguous(i.prev, c); err != nil {
		i.err = err
		return false
	}

	i.cur = c
	i.prev = &chunkstore.ChunkInfo{Seq: c.Seq, Offset: c.Offset, Length: int64(len(c.Data))}
	return true
}

func (i *chunkIterator) fetchPage() error {
	rows, err := i.s.db.QueryContext(i.ctx,
		`SELECT seq, off, data FROM upload_chunk WHERE key = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		i.key, i.nextSeq, i.s.readPageSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	var n int
	for rows.Next() {
		var c chunkstore.Chunk
		if err := rows.Scan(&c.Seq, &c.Offset, &c.Data); err != nil {
			return err
		}
		i.cachedChunks = append(i.cachedChunks, c)
		i.nextSeq = c.Seq + 1
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if n < i.s.readPageSize {
		i.done = true
	}
	return nil
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
