// Package lock provides cluster-wide mutual exclusion for the indexing
// workers.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

// Locker hands out named, expiring locks.
type Locker interface {
	// TryAcquire takes the lock if it's free. It returns
	// errdomain.ErrLockNotAcquired if someone else holds it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// Acquire waits until the lock is free or the timeout elapses.
	Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error)
	// Allow returns true at most once per period for a key. It rate-limits
	// work shared by all the workers of a cluster.
	Allow(ctx context.Context, key string, period time.Duration) (bool, error)
}

// Lock is a held lock. The holder keeps it alive until Release.
type Lock interface {
	Key() string
	// Release frees the lock. Releasing a lock that expired and was taken
	// by someone else leaves the new holder untouched.
	Release(ctx context.Context) error
}

// retryInterval is the polling period of Acquire.
const retryInterval = 100 * time.Millisecond

func acquire(ctx context.Context, l Locker, key string, ttl, timeout time.Duration) (Lock, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		lk, err := l.TryAcquire(ctx, key, ttl)
		if err == nil {
			return lk, nil
		}
		if !errors.Is(err, errdomain.ErrLockNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("waiting %s for lock %s: %w", timeout, key, errdomain.ErrLockNotAcquired)
		case <-ticker.C:
		}
	}
}

func newToken() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generating lock token: %w", err)
	}
	return id.String(), nil
}
