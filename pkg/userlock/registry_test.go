package userlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireSerializesSameUser(test *testing.T) {
	test.Parallel()
	registry := NewRegistry()
	guard, err := registry.Acquire(context.Background(), "alice")
	if err != nil {
		test.Fatalf("first acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := registry.Acquire(ctx, "alice"); !errors.Is(err, ErrLockTimeout) {
		test.Fatalf("expected ErrLockTimeout while held, got %v", err)
	}

	guard.Release()
	second, err := registry.Acquire(context.Background(), "alice")
	if err != nil {
		test.Fatalf("acquire after release failed: %v", err)
	}
	second.Release()
}

func TestAcquireDistinctUsersDoNotBlock(test *testing.T) {
	test.Parallel()
	registry := NewRegistry()
	guardAlice, err := registry.Acquire(context.Background(), "alice")
	if err != nil {
		test.Fatalf("acquire alice failed: %v", err)
	}
	defer guardAlice.Release()

	guardBob, err := registry.Acquire(context.Background(), "bob")
	if err != nil {
		test.Fatalf("acquire bob failed: %v", err)
	}
	guardBob.Release()
}

func TestAcquireManyAvoidsDeadlockOnOppositeOrder(test *testing.T) {
	test.Parallel()
	registry := NewRegistry()
	const rounds = 200
	var waitGroup sync.WaitGroup
	waitGroup.Add(2)
	run := func(first, second string) {
		defer waitGroup.Done()
		for round := 0; round < rounds; round++ {
			guard, err := registry.AcquireMany(context.Background(), first, second)
			if err != nil {
				test.Errorf("acquire %s/%s failed: %v", first, second, err)
				return
			}
			guard.Release()
		}
	}
	go run("alice", "bob")
	go run("bob", "alice")

	done := make(chan struct{})
	go func() {
		waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		test.Fatalf("opposite-order acquisitions deadlocked")
	}
}

func TestAcquireManyReleasesPartialHoldsOnTimeout(test *testing.T) {
	test.Parallel()
	registry := NewRegistry()
	guardBob, err := registry.Acquire(context.Background(), "bob")
	if err != nil {
		test.Fatalf("acquire bob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := registry.AcquireMany(ctx, "alice", "bob"); !errors.Is(err, ErrLockTimeout) {
		test.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	// The failed call must have released alice.
	guardAlice, err := registry.Acquire(context.Background(), "alice")
	if err != nil {
		test.Fatalf("alice still held after failed AcquireMany: %v", err)
	}
	guardAlice.Release()
	guardBob.Release()
}

func TestGuardReleaseIsIdempotent(test *testing.T) {
	test.Parallel()
	registry := NewRegistry()
	guard, err := registry.Acquire(context.Background(), "alice")
	if err != nil {
		test.Fatalf("acquire failed: %v", err)
	}
	guard.Release()
	guard.Release()

	again, err := registry.Acquire(context.Background(), "alice")
	if err != nil {
		test.Fatalf("acquire after double release failed: %v", err)
	}
	again.Release()
}

func TestAcquireManyDeduplicatesIdentities(test *testing.T) {
	test.Parallel()
	registry := NewRegistry()
	guard, err := registry.AcquireMany(context.Background(), "alice", "alice")
	if err != nil {
		test.Fatalf("acquire failed: %v", err)
	}
	guard.Release()

	again, err := registry.Acquire(context.Background(), "alice")
	if err != nil {
		test.Fatalf("lock not fully released after duplicate acquire: %v", err)
	}
	again.Release()
}
