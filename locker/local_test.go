package locker

import (
	"context"
	"testing"
	"time"
)

func TestTryLockContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &Local{}

	c1, f1 := l.TryLock(ctx, "repo:a")
	if c1.Err() != nil {
		t.Fatalf("first TryLock failed: %v", c1.Err())
	}

	c2, f2 := l.TryLock(ctx, "repo:a")
	if c2.Err() == nil {
		t.Error("second TryLock should have returned a canceled Context")
	}
	f2()

	// a different key is independent
	c3, f3 := l.TryLock(ctx, "repo:b")
	if c3.Err() != nil {
		t.Errorf("unrelated TryLock failed: %v", c3.Err())
	}
	f3()

	f1()
	c4, f4 := l.TryLock(ctx, "repo:a")
	defer f4()
	if c4.Err() != nil {
		t.Errorf("TryLock after release failed: %v", c4.Err())
	}
}

func TestLockWaits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &Local{}

	c1, f1 := l.TryLock(ctx, "repo:a")
	if c1.Err() != nil {
		t.Fatal(c1.Err())
	}

	acquired := make(chan struct{})
	go func() {
		c, f := l.Lock(ctx, "repo:a")
		defer f()
		if c.Err() == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("Lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	f1()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("Lock never acquired after release")
	}
}

func TestLockRespectsContext(t *testing.T) {
	t.Parallel()
	l := &Local{}
	_, f1 := l.TryLock(context.Background(), "repo:a")
	defer f1()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c, f := l.Lock(ctx, "repo:a")
	defer f()
	if c.Err() == nil {
		t.Error("expected a canceled Context")
	}
}

func TestKeyifyStable(t *testing.T) {
	t.Parallel()
	if keyify("sync:rocky9-baseos") != keyify("sync:rocky9-baseos") {
		t.Error("keyify not deterministic")
	}
	if keyify("sync:a") == keyify("sync:b") {
		t.Error("suspicious collision")
	}
}
