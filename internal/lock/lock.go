// Package lock serialises enrollment and deauthentication, either within one
// process or across every process sharing a PKI directory.
package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"obf-bridge/internal/config"
)

// ErrNotAcquired is returned when the context ends before the lock is taken
var ErrNotAcquired = errors.New("lock not acquired")

// Unlock releases a held lock
type Unlock func() error

// Locker hands out named exclusive locks
type Locker interface {
	Acquire(ctx context.Context, name string) (Unlock, error)
}

// Local is an in-process Locker
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[name] = ch
	}
	return ch
}

// Acquire blocks until the named lock is free or ctx is done
func (l *Local) Acquire(ctx context.Context, name string) (Unlock, error) {
	ch := l.slot(name)

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

// New returns a Redis locker when the config names a server, otherwise a
// Local one. The returned close func releases the Redis connection.
func New(cfg *config.Config, logger *logrus.Logger) (Locker, func() error, error) {
	if !cfg.UsesRedisLock() {
		return NewLocal(), func() error { return nil }, nil
	}

	r, err := NewRedis(RedisConfig{
		Addr:     cfg.LockRedisAddr,
		Password: cfg.LockRedisPassword,
		TTL:      cfg.LockTTLDuration(),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}
