package donutupload

import (
	"errors"
	"io"

	"github.com/psanford/donutupload/writelock"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the chunk capacity used when WithChunkSize is not
// given.
const DefaultChunkSize = 256 * 1024

type Option interface {
	setOption(*options) error
}

type options struct {
	chunkSize       int64
	secret          []byte
	changeLogWriter io.Writer
	logger          logrus.FieldLogger
	locker          writelock.Locker
}

type chunkSizeOption struct {
	chunkSize int64
}

func (o chunkSizeOption) setOption(opts *options) error {
	if o.chunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}
	opts.chunkSize = o.chunkSize
	return nil
}

// WithChunkSize sets the capacity of each stored chunk in bytes.
func WithChunkSize(s int64) Option {
	return chunkSizeOption{
		chunkSize: s,
	}
}

type secretOption struct {
	secret []byte
}

func (o secretOption) setOption(opts *options) error {
	if len(o.secret) == 0 {
		return errors.New("secret must not be empty")
	}
	opts.secret = o.secret
	return nil
}

// WithSecret sets the key derivation secret. The same secret must be
// used for the lifetime of the backing store, across restarts, or
// existing uploads can no longer be found.
func WithSecret(secret []byte) Option {
	return secretOption{
		secret: secret,
	}
}

type changeLogOption struct {
	changeLogWriter io.Writer
}

func (o changeLogOption) setOption(opts *options) error {
	opts.changeLogWriter = o.changeLogWriter
	return nil
}

func WithChangeLogWriter(w io.Writer) Option {
	return &changeLogOption{
		changeLogWriter: w,
	}
}

type loggerOption struct {
	logger logrus.FieldLogger
}

func (o loggerOption) setOption(opts *options) error {
	if o.logger == nil {
		return errors.New("logger must not be nil")
	}
	opts.logger = o.logger
	return nil
}

func WithLogger(l logrus.FieldLogger) Option {
	return &loggerOption{
		logger: l,
	}
}

type writeLockerOption struct {
	locker writelock.Locker
}

func (o writeLockerOption) setOption(opts *options) error {
	opts.locker = o.locker
	return nil
}

// WithWriteLocker makes Write hold an exclusive per-upload lock for the
// whole session. Without it the caller must ensure there is only one
// active writer per upload.
func WithWriteLocker(l writelock.Locker) Option {
	return &writeLockerOption{
		locker: l,
	}
}
