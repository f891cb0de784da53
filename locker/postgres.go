package locker

import (
	"context"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quay/zlog"
)

// Postgres provides system-wide locks via session-scoped advisory locks.
//
// Every held lock pins one connection from the pool; the server releases the
// lock if that connection dies, so a crashed process never wedges its peers.
// A watchdog pings the pinned connection and cancels the derived Context if
// confidence in the lock is lost.
type Postgres struct {
	p *pgxpool.Pool
	// watchdog cadence, settable in tests
	interval time.Duration
}

// Assert [*Postgres] implements the interface.
var _ Locker = (*Postgres)(nil)

// NewPostgres returns a Locker drawing connections from p.
//
// The pool should have headroom for one connection per concurrently held
// lock in addition to the query workload.
func NewPostgres(p *pgxpool.Pool) *Postgres {
	return &Postgres{p: p, interval: 15 * time.Second}
}

// Keyify maps a lock name onto the advisory lock keyspace.
func keyify(key string) int64 {
	h := fnv.New64a()
	io.WriteString(h, key)
	return int64(h.Sum64())
}

// Lock implements [Locker]. It blocks until the lock is acquired or ctx is
// done.
func (s *Postgres) Lock(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	return s.lock(ctx, key, `SELECT pg_advisory_lock($1)`, nil)
}

// TryLock implements [Locker].
func (s *Postgres) TryLock(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	var ok bool
	return s.lock(ctx, key, `SELECT pg_try_advisory_lock($1)`, &ok)
}

func (s *Postgres) lock(ctx context.Context, key string, query string, got *bool) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancel(ctx)
	conn, err := s.p.Acquire(ctx)
	if err != nil {
		cancel()
		return child, func() {}
	}
	k := keyify(key)
	row := conn.QueryRow(ctx, query, k)
	if got != nil {
		err = row.Scan(got)
	} else {
		var discard any
		err = row.Scan(&discard)
	}
	if err != nil || (got != nil && !*got) {
		conn.Release()
		cancel()
		return child, func() {}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go s.watch(child, cancel, conn, key, stop, &wg)

	once := sync.Once{}
	return child, func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			// Scope the unlock independently of the (possibly canceled)
			// parent.
			uctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock($1)`, k); err != nil {
				zlog.Warn(uctx).
					Str("component", "locker/Postgres").
					Str("key", key).
					Err(err).
					Msg("advisory unlock failed; connection will be discarded")
				conn.Conn().Close(uctx)
			}
			conn.Release()
			cancel()
		})
	}
}

// Watch pings the pinned connection until stopped, canceling the lock's
// Context on failure.
func (s *Postgres) watch(ctx context.Context, cancel context.CancelFunc, conn *pgxpool.Conn, key string, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.Ping(ctx); err != nil {
				zlog.Warn(ctx).
					Str("component", "locker/Postgres").
					Str("key", key).
					Err(err).
					Msg("lost confidence in advisory lock")
				cancel()
				return
			}
		}
	}
}
