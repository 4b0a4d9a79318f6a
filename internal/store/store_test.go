package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestUserRoundTrip(t *testing.T) {
	st := newTestStore(t)

	u := domain.User{
		ID:          "u1",
		DisplayName: "alice",
		Role:        domain.RoleUser,
		Balance:     decimal.NewFromInt(500),
		CreatedAt:   time.Now().Truncate(time.Second),
	}
	if err := st.PutUser(u); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.GetUser("u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "alice" || !got.Balance.Equal(u.Balance) {
		t.Errorf("got %+v, want %+v", got, u)
	}

	_, err = st.GetUser("missing")
	if e, ok := apperr.As(err); !ok || e.Kind != apperr.KindNotFound {
		t.Errorf("missing user error = %v, want NotFound", err)
	}
}

func TestActiveListingIndex(t *testing.T) {
	st := newTestStore(t)

	l := domain.Listing{
		ID:       "listing-1",
		SellerID: "seller",
		LandID:   "land-1",
		Kind:     domain.ListingFixedPrice,
		Status:   domain.ListingActive,
	}
	if err := st.PutListing(l); err != nil {
		t.Fatalf("put: %v", err)
	}

	id, ok := st.HasActiveListing("land-1")
	if !ok || id != "listing-1" {
		t.Fatalf("active listing = (%q,%v), want (listing-1,true)", id, ok)
	}

	l.Status = domain.ListingSold
	if err := st.PutListing(l); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := st.HasActiveListing("land-1"); ok {
		t.Error("index survived terminal transition")
	}

	active, err := st.ListActiveListings()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active listings = %d, want 0", len(active))
	}
}

func TestLandCoordIndex(t *testing.T) {
	st := newTestStore(t)

	if err := st.PutLand(domain.Land{ID: "land-1", OwnerID: "o", X: -4, Y: 12, Biome: domain.BiomeSnow}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.GetLandByCoord(-4, 12)
	if err != nil {
		t.Fatalf("get by coord: %v", err)
	}
	if got.ID != "land-1" {
		t.Errorf("land id = %q, want land-1", got.ID)
	}
	if _, err := st.GetLandByCoord(0, 0); err == nil {
		t.Error("expected NotFound for empty coordinate")
	}
}

func putMsg(t *testing.T, st *Store, session, id string, at time.Time) {
	t.Helper()
	err := st.PutMessage(domain.Message{
		ID:        id,
		SessionID: session,
		SenderID:  "s",
		Content:   []byte(id),
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("put message %s: %v", id, err)
	}
}

func TestHistoryBeforeOrdersNewestFirst(t *testing.T) {
	st := newTestStore(t)
	base := time.Now()
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		putMsg(t, st, "sess", id, base.Add(time.Duration(i)*time.Second))
	}

	all, err := st.HistoryBefore("sess", "", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 4 || all[0].ID != "m4" || all[3].ID != "m1" {
		t.Errorf("history order = %v", ids(all))
	}

	page, err := st.HistoryBefore("sess", "m3", 10)
	if err != nil {
		t.Fatalf("history cursor: %v", err)
	}
	if len(page) != 2 || page[0].ID != "m2" || page[1].ID != "m1" {
		t.Errorf("cursor page = %v, want [m2 m1]", ids(page))
	}

	limited, err := st.HistoryBefore("sess", "", 1)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "m4" {
		t.Errorf("limited = %v, want [m4]", ids(limited))
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSessionParticipants(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 2; i++ { // idempotent
		if err := st.AddSessionParticipant("sess-1", "alice"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := st.AddSessionParticipant("sess-2", "alice"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.AddSessionParticipant("sess-1", "bob"); err != nil {
		t.Fatalf("add: %v", err)
	}

	sessions, err := st.SessionIDsForUser("alice")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("alice sessions = %v, want 2", sessions)
	}
	users, err := st.ParticipantIDsForSession("sess-1")
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("sess-1 participants = %v, want 2", users)
	}
}

func TestLockOrderingIsDeterministic(t *testing.T) {
	lm := NewLockManager()

	// Two goroutines locking the same pair in opposite argument order
	// must not deadlock, because the manager sorts before acquiring.
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		keys := []string{RowKey("user", "a"), RowKey("user", "b")}
		if i == 1 {
			keys[0], keys[1] = keys[1], keys[0]
		}
		go func(keys []string) {
			for n := 0; n < 100; n++ {
				u := lm.Lock(keys...)
				u.Unlock()
			}
			done <- struct{}{}
		}(keys)
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("deadlock: lock ordering is not deterministic")
		}
	}
}

func TestLockTimeout(t *testing.T) {
	lm := NewLockManager()
	key := RowKey("listing", "x")

	held := lm.Lock(key)
	defer held.Unlock()

	_, err := lm.LockTimeout(50*time.Millisecond, key)
	if err == nil {
		t.Fatal("expected timeout acquiring a held lock")
	}
	if e, ok := apperr.As(err); !ok || e.Kind != apperr.KindConflict {
		t.Errorf("timeout error = %v, want Conflict", err)
	}
}

func TestLockDuplicateKeys(t *testing.T) {
	lm := NewLockManager()
	key := RowKey("user", "a")

	// The same key passed twice is acquired once, not self-deadlocked.
	u := lm.Lock(key, key)
	u.Unlock()
}

func TestDeleteMessagesBefore(t *testing.T) {
	st := newTestStore(t)
	base := time.Now()
	putMsg(t, st, "sess", "old-1", base.Add(-2*time.Hour))
	putMsg(t, st, "sess", "old-2", base.Add(-90*time.Minute))
	putMsg(t, st, "sess", "fresh", base)

	n, err := st.DeleteMessagesBefore("sess", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	left, err := st.HistoryBefore("sess", "", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(left) != 1 || left[0].ID != "fresh" {
		t.Errorf("remaining = %v, want [fresh]", ids(left))
	}
}

func TestTransactionsBySource(t *testing.T) {
	st := newTestStore(t)
	base := time.Now()

	put := func(id string, src domain.TxSource, at time.Time) {
		t.Helper()
		err := st.PutTransaction(domain.Transaction{
			ID:          id,
			Source:      src,
			Type:        domain.TxTopup,
			GrossAmount: decimal.NewFromInt(1),
			CreatedAt:   at,
		})
		if err != nil {
			t.Fatalf("put tx: %v", err)
		}
	}
	put("t1", domain.TxSourceMarketplace, base)
	put("t2", domain.TxSourceBiome, base.Add(time.Second))
	put("t3", domain.TxSourceMarketplace, base.Add(2*time.Second))

	mkt, err := st.ListTransactions(domain.TxSourceMarketplace, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mkt) != 2 || mkt[0].ID != "t3" {
		t.Errorf("marketplace txs = %d (first %s), want 2 newest-first", len(mkt), mkt[0].ID)
	}

	all, err := st.ListTransactions("", 2)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "t3" || all[1].ID != "t2" {
		t.Errorf("limited txs = %v", all)
	}
}
