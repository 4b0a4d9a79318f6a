// Package presence tracks per-user online state, last-seen, and current
// coordinate, backed by cache.Cache's short-TTL presence rows with a
// write-through to the durable store for last-seen. Proximity queries are
// a linear scan over online users rather than a spatial index, which is
// adequate at this granularity.
package presence

import (
	"context"
	"sync"
	"time"

	"virtualworld/internal/cache"
	"virtualworld/internal/store"
)

// DefaultRadius is Nearby's default Chebyshev radius.
const DefaultRadius = 5

// Tracker is the presence & location service.
type Tracker struct {
	cache       *cache.Cache
	store       *store.Store
	presenceTTL time.Duration
	graceWindow time.Duration

	mu            sync.Mutex
	offlineTimers map[string]context.CancelFunc
}

// New builds a presence tracker. presenceTTL bounds how long a presence
// row survives without a refresh (heartbeat interval is the natural
// choice); graceWindow is the reconnect grace period before a user with no
// remaining connections goes offline.
func New(ch *cache.Cache, st *store.Store, presenceTTL, graceWindow time.Duration) *Tracker {
	return &Tracker{
		cache:         ch,
		store:         st,
		presenceTTL:   presenceTTL,
		graceWindow:   graceWindow,
		offlineTimers: make(map[string]context.CancelFunc),
	}
}

// MarkOnline records a user as online at (x,y), cancelling any pending
// "mark offline" timer from a recent disconnect.
func (t *Tracker) MarkOnline(ctx context.Context, userID string, x, y int) error {
	t.mu.Lock()
	if cancel, ok := t.offlineTimers[userID]; ok {
		cancel()
		delete(t.offlineTimers, userID)
	}
	t.mu.Unlock()

	// A reconnect within the grace window keeps the position the user
	// already had; the caller's (x,y) is only a starting point for users
	// with no live presence row.
	if rec, ok, err := t.cache.GetPresence(ctx, userID); err == nil && ok {
		x, y = rec.X, rec.Y
	}

	now := time.Now()
	if err := t.cache.SetPresence(ctx, userID, cache.PresenceRecord{Online: true, X: x, Y: y, LastSeen: now}, t.presenceTTL); err != nil {
		return err
	}
	return t.writeThroughLastSeen(userID, now)
}

// UpdateLocation records a new coordinate for an already-online user,
// refreshing the presence TTL.
func (t *Tracker) UpdateLocation(ctx context.Context, userID string, x, y int) error {
	now := time.Now()
	return t.cache.SetPresence(ctx, userID, cache.PresenceRecord{Online: true, X: x, Y: y, LastSeen: now}, t.presenceTTL)
}

// MarkOfflineAfterGrace schedules the user offline after the grace window,
// cancellable by a subsequent MarkOnline (a reconnect). Call when a
// connection hub user has zero remaining connections.
func (t *Tracker) MarkOfflineAfterGrace(userID string) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if prior, ok := t.offlineTimers[userID]; ok {
		prior()
	}
	t.offlineTimers[userID] = cancel
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.graceWindow):
		}
		t.mu.Lock()
		delete(t.offlineTimers, userID)
		t.mu.Unlock()
		_ = t.cache.DeletePresence(context.Background(), userID)
	}()
}

// IsOnline reports whether the user currently has a live presence row.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	rec, ok, err := t.cache.GetPresence(ctx, userID)
	if err != nil {
		return false, err
	}
	return ok && rec.Online, nil
}

// Location returns the user's last known coordinate, ok=false if offline.
func (t *Tracker) Location(ctx context.Context, userID string) (x, y int, ok bool, err error) {
	rec, present, err := t.cache.GetPresence(ctx, userID)
	if err != nil {
		return 0, 0, false, err
	}
	if !present {
		return 0, 0, false, nil
	}
	return rec.X, rec.Y, true, nil
}

// Nearby returns the ids of online users whose position is within
// Chebyshev distance radius of (x,y). O(users-online).
func (t *Tracker) Nearby(ctx context.Context, x, y, radius int) ([]string, error) {
	ids, err := t.cache.AllOnlineUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		rec, ok, err := t.cache.GetPresence(ctx, id)
		if err != nil || !ok {
			continue
		}
		if chebyshev(rec.X, rec.Y, x, y) <= radius {
			out = append(out, id)
		}
	}
	return out, nil
}

func chebyshev(x1, y1, x2, y2 int) int {
	dx := abs(x1 - x2)
	dy := abs(y1 - y2)
	if dx > dy {
		return dx
	}
	return dy
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (t *Tracker) writeThroughLastSeen(userID string, seenAt time.Time) error {
	unlock := t.store.Locks.Lock(store.RowKey("user", userID))
	defer unlock.Unlock()

	u, err := t.store.GetUser(userID)
	if err != nil {
		return err
	}
	u.LastSeenAt = seenAt
	return t.store.PutUser(u)
}
