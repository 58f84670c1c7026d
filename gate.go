package donutupload

import "github.com/psanford/donutupload/chunkstore"

// checkOffset accepts a write only if it starts exactly at the number of
// bytes already persisted. It never mutates anything.
//
// The check is not atomic with the write that follows it. Two writers
// that pass it for the same file before either flushes can interleave,
// so callers must serialize writers per upload (see WithWriteLocker).
func checkOffset(rec *chunkstore.FileRecord, claimed int64) error {
	if claimed != rec.Size {
		return &ConflictError{
			Claimed: claimed,
			Actual:  rec.Size,
		}
	}
	return nil
}
