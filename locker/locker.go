// Package locker describes the advisory locks that serialize chantal's
// per-repository work.
//
// Locks must be consistent system-wide to provide any benefit: if several
// processes manage one pool and database, implementations must be backed by a
// shared resource, like [Postgres]. A single-process deployment can use
// [Local].
package locker

import "context"

// Locker hands out exclusive locks scoped to contexts.
//
// Lock and TryLock return a Context that is canceled when the parent Context
// is canceled or the lock is lost. TryLock returns an already-canceled
// Context if it would need to wait. The CancelFunc releases the lock and must
// always be called.
type Locker interface {
	Lock(ctx context.Context, key string) (context.Context, context.CancelFunc)
	TryLock(ctx context.Context, key string) (context.Context, context.CancelFunc)
}
