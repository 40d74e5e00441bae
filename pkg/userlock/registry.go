// Package userlock serializes balance-changing commands per user. Every
// command path acquires the lock of each involved user before touching the
// ledger, so concurrent games cannot interleave reads and writes for the
// same account.
package userlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout reports that the context expired while waiting for a lock.
var ErrLockTimeout = errors.New("user lock wait timed out")

// Registry owns one lock per user identity. Locks are created lazily and
// kept for the lifetime of the process.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{locks: map[string]*semaphore.Weighted{}}
}

func (registry *Registry) lockFor(identity string) *semaphore.Weighted {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	lock, ok := registry.locks[identity]
	if !ok {
		lock = semaphore.NewWeighted(1)
		registry.locks[identity] = lock
	}
	return lock
}

// Acquire takes the lock for one user, waiting until the context expires.
func (registry *Registry) Acquire(ctx context.Context, identity string) (*Guard, error) {
	return registry.AcquireMany(ctx, identity)
}

// AcquireMany takes the locks for every listed user. Identities are
// deduplicated and acquired in sorted order so that two overlapping calls
// can never deadlock each other.
func (registry *Registry) AcquireMany(ctx context.Context, identities ...string) (*Guard, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: no identities", ErrLockTimeout)
	}
	ordered := uniqueSorted(identities)
	acquired := make([]*semaphore.Weighted, 0, len(ordered))
	for _, identity := range ordered {
		lock := registry.lockFor(identity)
		if err := lock.Acquire(ctx, 1); err != nil {
			for index := len(acquired) - 1; index >= 0; index-- {
				acquired[index].Release(1)
			}
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, identity)
		}
		acquired = append(acquired, lock)
	}
	return &Guard{held: acquired}, nil
}

func uniqueSorted(identities []string) []string {
	seen := make(map[string]struct{}, len(identities))
	ordered := make([]string, 0, len(identities))
	for _, identity := range identities {
		if _, ok := seen[identity]; ok {
			continue
		}
		seen[identity] = struct{}{}
		ordered = append(ordered, identity)
	}
	sort.Strings(ordered)
	return ordered
}

// Guard releases held locks. Release is safe to call more than once.
type Guard struct {
	held []*semaphore.Weighted
	once sync.Once
}

// Release frees every lock the guard holds, in reverse acquisition order.
func (guard *Guard) Release() {
	guard.once.Do(func() {
		for index := len(guard.held) - 1; index >= 0; index-- {
			guard.held[index].Release(1)
		}
	})
}
