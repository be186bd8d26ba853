package lock

import (
	"context"
	"sync"
	"time"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu      sync.Mutex
	holders map[string]string
	allowed map[string]time.Time
	now     func() time.Time
}

// NewLocalLocker returns an in-process Locker. Local locks don't expire:
// the holder is in the same process and releases them.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		holders: map[string]string{},
		allowed: map[string]time.Time{},
		now:     time.Now,
	}
}

type localLock struct {
	key    string
	token  string
	locker *LocalLocker
}

// TryAcquire implements Locker.
func (l *LocalLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holders[key]; held {
		return nil, errdomain.ErrLockNotAcquired
	}
	l.holders[key] = token
	return &localLock{key: key, token: token, locker: l}, nil
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	return acquire(ctx, l, key, ttl, timeout)
}

// Allow implements Locker.
func (l *LocalLocker) Allow(_ context.Context, key string, period time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.allowed[key]; ok && now.Before(until) {
		return false, nil
	}
	l.allowed[key] = now.Add(period)
	return true, nil
}

func (lk *localLock) Key() string { return lk.key }

func (lk *localLock) Release(context.Context) error {
	lk.locker.mu.Lock()
	defer lk.locker.mu.Unlock()
	if lk.locker.holders[lk.key] == lk.token {
		delete(lk.locker.holders, lk.key)
	}
	return nil
}
