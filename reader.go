package donutupload

import (
	"errors"
	"io"

	"github.com/psanford/donutupload/chunkstore"
)

var errReaderClosed = errors.New("read on closed upload reader")

// chunkReader concatenates chunk payloads in sequence order.
type chunkReader struct {
	key  string
	iter chunkstore.ChunkIterator

	cur        []byte
	iterClosed bool
	err        error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		if !r.iter.Next() {
			r.iterClosed = true
			if err := r.iter.Close(); err != nil {
				r.err = &StorageError{Op: "read_chunks", Key: r.key, Err: err}
			} else {
				r.err = io.EOF
			}
			continue
		}

		r.cur = r.iter.Chunk().Data
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.cur = nil
	if r.err == nil || r.err == io.EOF {
		r.err = errReaderClosed
	}

	if r.iterClosed {
		return nil
	}
	r.iterClosed = true
	return r.iter.Close()
}
