// Package redislock is a writelock.Locker backed by Redis. Each lock is
// a key set with NX and a TTL; the holder extends the TTL while the
// lock is held and releases it only if it still owns the key.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/psanford/donutupload/writelock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "donutupload:lock:"

var (
	defaultTTL      = 10 * time.Second
	refreshInterval = 3 * time.Second
)

// ErrLeaseLost is returned by unlock when the key expired or was taken
// by another owner while the lock was held.
var ErrLeaseLost = errors.New("redis lock lost while held")

const scriptRelease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const scriptRefresh = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

var (
	releaseScript = redis.NewScript(scriptRelease)
	refreshScript = redis.NewScript(scriptRefresh)
)

type Locker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

var _ writelock.Locker = (*Locker)(nil)

func New(rdb redis.UniversalClient) *Locker {
	return &Locker{
		rdb: rdb,
		ttl: defaultTTL,
	}
}

// NewFromURL connects using a redis:// url as accepted by
// redis.ParseURL.
func NewFromURL(url string) (*Locker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opt)), nil
}

func (l *Locker) Lock(ctx context.Context, key string) (func() error, error) {
	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(tokenBytes)
	lockKey := keyPrefix + key

	ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, writelock.ErrLocked
	}

	h := &held{
		l:       l,
		lockKey: lockKey,
		token:   token,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.refreshLoop()

	return h.release, nil
}

type held struct {
	l       *Locker
	lockKey string
	token   string

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func (h *held) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
			n, err := refreshScript.Run(ctx, h.l.rdb, []string{h.lockKey}, h.token, h.l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				logrus.WithField("lock", h.lockKey).WithError(err).Warn("error refreshing redis lock")
				continue
			}
			if n == 0 {
				logrus.WithField("lock", h.lockKey).Error("lost redis lock while refreshing")
				h.err = ErrLeaseLost
				return
			}
		}
	}
}

func (h *held) release() error {
	var retErr error
	h.once.Do(func() {
		close(h.stop)
		<-h.done

		if h.err != nil {
			retErr = h.err
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		n, err := releaseScript.Run(ctx, h.l.rdb, []string{h.lockKey}, h.token).Int64()
		if err != nil {
			retErr = err
			return
		}
		if n == 0 {
			retErr = ErrLeaseLost
		}
	})
	return retErr
}
