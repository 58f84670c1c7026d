package donutupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/psanford/donutupload/chunkstore"
)

var errWriterClosed = errors.New("chunk writer closed")

// chunkWriter buffers a byte stream into fixed size chunks and appends
// each full chunk to the store. Close flushes the final partial chunk.
// A chunkWriter is one write session and must not be shared between
// goroutines.
//
// Every flush persists the chunk and then bumps the file size by the
// chunk length. The bump is conditional on the size still being the
// chunk's offset, so it is never applied on top of a repair that
// already counted the chunk. flushed counts every stored chunk,
// including one whose bump failed.
type chunkWriter struct {
	ctx      context.Context
	store    chunkstore.ChunkStore
	appender chunkstore.Appender
	key      string

	buf  []byte
	fill int

	// next is the sequence number of the next flushed chunk and offset is
	// the file position of buf[0].
	next   int64
	offset int64

	flushed int64
	err     error
}

func newChunkWriter(ctx context.Context, store chunkstore.ChunkStore, key string, chunkSize int64, next, offset int64) *chunkWriter {
	w := &chunkWriter{
		ctx:    ctx,
		store:  store,
		key:    key,
		buf:    make([]byte, chunkSize),
		next:   next,
		offset: offset,
	}
	if a, ok := store.(chunkstore.Appender); ok {
		w.appender = a
	}
	return w
}

// Write copies p into the chunk buffer, flushing every time the buffer
// fills up. p may span any number of chunk boundaries. On error, n
// counts the bytes of p that were flushed or are still buffered.
func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}

	var n int
	for len(p) > 0 {
		c := copy(w.buf[w.fill:], p)
		w.fill += c
		p = p[c:]
		n += c

		if w.fill == len(w.buf) {
			if err := w.flush(); err != nil {
				return n - c, err
			}
		}
	}

	return n, nil
}

// ReadFrom drains r into the chunk buffer until io.EOF. Any other read
// error, or cancellation of the session context, aborts the session
// with a *StreamError and drops the unflushed partial buffer.
func (w *chunkWriter) ReadFrom(r io.Reader) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}

	var total int64
	for {
		if err := w.ctx.Err(); err != nil {
			w.abort(&StreamError{Err: err})
			return total, w.err
		}

		n, err := r.Read(w.buf[w.fill:])
		if n > 0 {
			w.fill += n
			total += int64(n)
		}

		if w.fill == len(w.buf) {
			if ferr := w.flush(); ferr != nil {
				return total, ferr
			}
		}

		if err == io.EOF {
			return total, nil
		} else if err != nil {
			w.abort(&StreamError{Err: err})
			return total, w.err
		}
	}
}

// Close ends the session normally. A non-empty partial buffer is
// flushed as a short chunk; it is never padded.
func (w *chunkWriter) Close() error {
	if w.err != nil {
		if w.err == errWriterClosed {
			return nil
		}
		return w.err
	}

	if w.fill > 0 {
		if err := w.flush(); err != nil {
			return err
		}
	}

	w.err = errWriterClosed
	w.buf = nil
	return nil
}

func (w *chunkWriter) flush() error {
	c := chunkstore.Chunk{
		Seq:    w.next,
		Offset: w.offset,
		Data:   w.buf[:w.fill],
	}

	t0 := time.Now()
	if w.appender != nil {
		if err := w.appender.AppendChunk(w.ctx, w.key, c); err != nil {
			return w.fail("append_chunk", err)
		}
	} else {
		if err := w.store.InsertChunk(w.ctx, w.key, c); err != nil {
			return w.fail("insert_chunk", err)
		}
		err := w.store.IncrementSize(w.ctx, w.key, c.Offset, int64(w.fill))
		if errors.Is(err, chunkstore.ErrSizeMismatch) {
			err = w.checkCounted(c)
		}
		if err != nil {
			// the chunk is stored, and the next session counts it
			w.flushed += int64(w.fill)
			return w.fail("increment_size", err)
		}
	}
	flushHist.Observe(time.Since(t0).Seconds())
	chunksFlushedCount.Inc()
	bytesFlushedCount.Add(float64(w.fill))

	w.next++
	w.offset += int64(w.fill)
	w.flushed += int64(w.fill)
	w.fill = 0
	return nil
}

// checkCounted is called when the size bump for c was refused. The size
// can only move past c.Offset by counting the chunk stored at that
// offset, which is c, so a size at or past c's end means another
// session already repaired it.
func (w *chunkWriter) checkCounted(c chunkstore.Chunk) error {
	rec, err := w.store.FindFile(w.ctx, w.key)
	if err != nil {
		return err
	}
	if rec.Size >= c.Offset+int64(len(c.Data)) {
		return nil
	}
	return fmt.Errorf("%w: size=%d chunk seq=%d offset=%d", chunkstore.ErrSizeMismatch, rec.Size, c.Seq, c.Offset)
}

func (w *chunkWriter) fail(op string, err error) error {
	w.abort(&StorageError{
		Op:  op,
		Key: w.key,
		Err: err,
	})
	return w.err
}

func (w *chunkWriter) abort(err error) {
	w.err = err
	w.fill = 0
	w.buf = nil
}
