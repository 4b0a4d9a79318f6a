package store

import (
	"sort"
	"sync"
	"time"

	"virtualworld/internal/apperr"
)

// LockManager hands out row mutexes identified by entity kind and id,
// e.g. "user:<uuid>", and always acquires a caller's requested set in a
// single deterministic order (entity kind, then ascending id) so any two
// operations that lock overlapping rows can never deadlock against each
// other.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sync.Mutex)}
}

func (m *LockManager) mutexFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	return mu
}

// RowKey formats a lock key from an entity kind and id.
func RowKey(kind, id string) string {
	return kind + ":" + id
}

// Unlocker releases a set of rows acquired via Lock, in reverse acquisition
// order.
type Unlocker struct {
	mus []*sync.Mutex
}

// Unlock releases every row this Unlocker holds.
func (u *Unlocker) Unlock() {
	for i := len(u.mus) - 1; i >= 0; i-- {
		u.mus[i].Unlock()
	}
}

// Lock acquires every given row key, deduplicated and sorted so concurrent
// callers requesting overlapping sets always acquire in the same order.
func (m *LockManager) Lock(keys ...string) *Unlocker {
	uniq := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, seen := uniq[k]; seen {
			continue
		}
		uniq[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	mus := make([]*sync.Mutex, 0, len(ordered))
	for _, k := range ordered {
		mu := m.mutexFor(k)
		mu.Lock()
		mus = append(mus, mu)
	}
	return &Unlocker{mus: mus}
}

// spinWait bounds how long LockTimeout polls a single mutex before
// reconsidering its overall deadline.
const spinWait = 2 * time.Millisecond

// LockTimeout behaves like Lock but fails with a Conflict error instead of
// blocking forever if the full set cannot be acquired within timeout.
// Partially acquired locks are released before returning an error.
func (m *LockManager) LockTimeout(timeout time.Duration, keys ...string) (*Unlocker, error) {
	uniq := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, seen := uniq[k]; seen {
			continue
		}
		uniq[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	deadline := time.Now().Add(timeout)
	mus := make([]*sync.Mutex, 0, len(ordered))
	for _, k := range ordered {
		mu := m.mutexFor(k)
		for !mu.TryLock() {
			if time.Now().After(deadline) {
				u := &Unlocker{mus: mus}
				u.Unlock()
				return nil, apperr.New(apperr.KindConflict, "lock acquisition timed out on %s", k)
			}
			time.Sleep(spinWait)
		}
		mus = append(mus, mu)
	}
	return &Unlocker{mus: mus}, nil
}
