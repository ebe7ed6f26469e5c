// Package lock serializes workflows that touch the same key.
package lock

import (
	"context"
)

// Release frees a held lock. Calling it more than once is a no-op.
type Release func()

// Locker grants exclusive access to a key. Acquire blocks until the lock is
// held or ctx is done, in which case it returns an ErrTransient error.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}
