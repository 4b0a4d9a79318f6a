package txn

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"virtualworld/internal/apperr"
	"virtualworld/internal/config"
	"virtualworld/internal/domain"
	"virtualworld/internal/store"
)

func testFees() config.FeesConfig {
	return config.FeesConfig{MarketplacePct: 0.05, BiomePct: 0.02}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, testFees()), st
}

func mustPutUser(t *testing.T, st *store.Store, id string, balance int64) {
	t.Helper()
	err := st.PutUser(domain.User{
		ID:          id,
		DisplayName: id,
		Role:        domain.RoleUser,
		Balance:     decimal.NewFromInt(balance),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("put user %s: %v", id, err)
	}
}

func mustPutLand(t *testing.T, st *store.Store, id, ownerID string) {
	t.Helper()
	if err := st.PutLand(domain.Land{ID: id, OwnerID: ownerID, X: 1, Y: 2, Biome: domain.BiomeForest}); err != nil {
		t.Fatalf("put land %s: %v", id, err)
	}
}

func balanceOf(t *testing.T, st *store.Store, id string) decimal.Decimal {
	t.Helper()
	u, err := st.GetUser(id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u.Balance
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	e, ok := apperr.As(err)
	if !ok {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
	if e.Kind != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", e.Kind, kind, err)
	}
}

func eq(t *testing.T, got decimal.Decimal, want int64, label string) {
	t.Helper()
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Errorf("%s = %s, want %d", label, got, want)
	}
}

func TestFixedPriceSale(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller-a", 10000)
	mustPutUser(t, st, "buyer-b", 2000)
	mustPutLand(t, st, "land-1", "seller-a")

	listing, err := e.CreateListing(ctx, CreateListingParams{
		SellerID:  "seller-a",
		LandID:    "land-1",
		Kind:      domain.ListingFixedPrice,
		BasePrice: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	tx, err := e.CreateFixedPriceSale(ctx, "buyer-b", listing.ID)
	if err != nil {
		t.Fatalf("fixed price sale: %v", err)
	}

	eq(t, balanceOf(t, st, "buyer-b"), 1000, "buyer balance")
	eq(t, balanceOf(t, st, "seller-a"), 10950, "seller balance")
	eq(t, balanceOf(t, st, PlatformAccountID), 50, "platform balance")
	eq(t, tx.GrossAmount, 1000, "gross")
	eq(t, tx.PlatformFee, 50, "fee")
	if tx.Type != domain.TxFixedPriceSale {
		t.Errorf("tx type = %s, want fixed_price_sale", tx.Type)
	}

	land, err := st.GetLand("land-1")
	if err != nil {
		t.Fatalf("get land: %v", err)
	}
	if land.OwnerID != "buyer-b" {
		t.Errorf("land owner = %s, want buyer-b", land.OwnerID)
	}

	got, err := st.GetListing(listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Status != domain.ListingSold {
		t.Errorf("listing status = %s, want sold", got.Status)
	}
}

func TestFixedPriceSaleInsufficientFunds(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller", 0)
	mustPutUser(t, st, "buyer", 500)
	mustPutLand(t, st, "land-1", "seller")

	listing, err := e.CreateListing(ctx, CreateListingParams{
		SellerID:  "seller",
		LandID:    "land-1",
		Kind:      domain.ListingFixedPrice,
		BasePrice: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	_, err = e.CreateFixedPriceSale(ctx, "buyer", listing.ID)
	wantKind(t, err, apperr.KindInsufficientFunds)
	eq(t, balanceOf(t, st, "buyer"), 500, "buyer balance unchanged")
}

func TestOneActiveListingPerLand(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller", 0)
	mustPutLand(t, st, "land-1", "seller")

	params := CreateListingParams{
		SellerID:  "seller",
		LandID:    "land-1",
		Kind:      domain.ListingFixedPrice,
		BasePrice: decimal.NewFromInt(100),
	}
	if _, err := e.CreateListing(ctx, params); err != nil {
		t.Fatalf("first listing: %v", err)
	}
	_, err := e.CreateListing(ctx, params)
	wantKind(t, err, apperr.KindConflict)
}

func TestCreateListingNotOwner(t *testing.T) {
	e, st := newTestEngine(t)
	mustPutUser(t, st, "seller", 0)
	mustPutLand(t, st, "land-1", "someone-else")

	_, err := e.CreateListing(context.Background(), CreateListingParams{
		SellerID:  "seller",
		LandID:    "land-1",
		Kind:      domain.ListingFixedPrice,
		BasePrice: decimal.NewFromInt(100),
	})
	wantKind(t, err, apperr.KindPermission)
}

// newAuction creates an auction listing ending at now+60s with reserve 500
// and increment 50, using a fixed clock the test controls.
func newAuction(t *testing.T, e *Engine, now time.Time) domain.Listing {
	t.Helper()
	listing, err := e.CreateListing(context.Background(), CreateListingParams{
		SellerID:     "seller",
		LandID:       "land-1",
		Kind:         domain.ListingAuction,
		BasePrice:    decimal.NewFromInt(500),
		ReservePrice: decimal.NewFromInt(500),
		Duration:     60 * time.Second,
		AutoExtend:   10 * time.Second,
		BidIncrement: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	return listing
}

func TestAuctionOutbidRefundAndAutoExtend(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }

	mustPutUser(t, st, "seller", 0)
	mustPutUser(t, st, "bidder-x", 1000)
	mustPutUser(t, st, "bidder-y", 2000)
	mustPutLand(t, st, "land-1", "seller")

	listing := newAuction(t, e, base)

	// X bids reserve at T+10.
	e.now = func() time.Time { return base.Add(10 * time.Second) }
	if _, err := e.PlaceBid(ctx, listing.ID, "bidder-x", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	eq(t, balanceOf(t, st, "bidder-x"), 500, "x reserved")

	// Y outbids at T+55, inside the 10s auto-extend window.
	e.now = func() time.Time { return base.Add(55 * time.Second) }
	if _, err := e.PlaceBid(ctx, listing.ID, "bidder-y", decimal.NewFromInt(600)); err != nil {
		t.Fatalf("second bid: %v", err)
	}
	eq(t, balanceOf(t, st, "bidder-x"), 1000, "x refunded on outbid")
	eq(t, balanceOf(t, st, "bidder-y"), 1400, "y reserved")

	got, err := st.GetListing(listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	wantEnd := base.Add(65 * time.Second)
	if !got.EndAt.Equal(wantEnd) {
		t.Errorf("auto-extended end = %v, want %v", got.EndAt, wantEnd)
	}

	// Settlement at T+65.
	e.now = func() time.Time { return base.Add(65 * time.Second) }
	tx, err := e.CompleteAuction(ctx, listing.ID)
	if err != nil {
		t.Fatalf("complete auction: %v", err)
	}
	if tx == nil || tx.Type != domain.TxAuctionSale {
		t.Fatalf("tx = %+v, want auction_sale", tx)
	}

	eq(t, balanceOf(t, st, "seller"), 570, "seller receives net")
	eq(t, balanceOf(t, st, "bidder-y"), 1400, "winner pays reserved amount only")
	eq(t, balanceOf(t, st, "bidder-x"), 1000, "loser fully refunded")

	land, _ := st.GetLand("land-1")
	if land.OwnerID != "bidder-y" {
		t.Errorf("land owner = %s, want bidder-y", land.OwnerID)
	}

	// Settling twice is a conflict.
	if _, err := e.CompleteAuction(ctx, listing.ID); err == nil {
		t.Error("second settlement should fail")
	}
}

func TestBidBoundaries(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller", 0)
	mustPutUser(t, st, "bidder-x", 10000)
	mustPutUser(t, st, "bidder-y", 10000)
	mustPutLand(t, st, "land-1", "seller")
	listing := newAuction(t, e, time.Now())

	// Below reserve is rejected.
	_, err := e.PlaceBid(ctx, listing.ID, "bidder-x", decimal.NewFromInt(499))
	wantKind(t, err, apperr.KindConflict)

	if _, err := e.PlaceBid(ctx, listing.ID, "bidder-x", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("reserve bid: %v", err)
	}

	// One unit below top+increment is rejected; exactly top+increment is
	// accepted.
	_, err = e.PlaceBid(ctx, listing.ID, "bidder-y", decimal.NewFromInt(549))
	wantKind(t, err, apperr.KindConflict)
	if _, err := e.PlaceBid(ctx, listing.ID, "bidder-y", decimal.NewFromInt(550)); err != nil {
		t.Fatalf("increment bid: %v", err)
	}

	// The seller cannot bid on their own listing.
	_, err = e.PlaceBid(ctx, listing.ID, "seller", decimal.NewFromInt(600))
	wantKind(t, err, apperr.KindValidation)
}

func TestAuctionNoReserveMetExpires(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }

	mustPutUser(t, st, "seller", 0)
	mustPutLand(t, st, "land-1", "seller")
	listing := newAuction(t, e, base)

	e.now = func() time.Time { return base.Add(61 * time.Second) }
	tx, err := e.CompleteAuction(ctx, listing.ID)
	if err != nil {
		t.Fatalf("complete auction: %v", err)
	}
	if tx != nil {
		t.Fatalf("expected no transaction for reserve-not-met, got %+v", tx)
	}

	got, _ := st.GetListing(listing.ID)
	if got.Status != domain.ListingExpired {
		t.Errorf("listing status = %s, want expired", got.Status)
	}
	land, _ := st.GetLand("land-1")
	if land.OwnerID != "seller" {
		t.Errorf("land owner = %s, want seller", land.OwnerID)
	}
}

func TestBuyNowRefundsTopBidder(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller", 0)
	mustPutUser(t, st, "bidder", 1000)
	mustPutUser(t, st, "buyer", 3000)
	mustPutLand(t, st, "land-1", "seller")

	listing, err := e.CreateListing(ctx, CreateListingParams{
		SellerID:     "seller",
		LandID:       "land-1",
		Kind:         domain.ListingAuctionWithBuyNow,
		BasePrice:    decimal.NewFromInt(500),
		BuyNowPrice:  decimal.NewFromInt(2000),
		ReservePrice: decimal.NewFromInt(500),
		Duration:     time.Hour,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := e.PlaceBid(ctx, listing.ID, "bidder", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	eq(t, balanceOf(t, st, "bidder"), 500, "bidder reserved")

	tx, err := e.BuyNow(ctx, listing.ID, "buyer")
	if err != nil {
		t.Fatalf("buy now: %v", err)
	}
	if tx.Type != domain.TxBuyNow {
		t.Errorf("tx type = %s, want buy_now", tx.Type)
	}

	eq(t, balanceOf(t, st, "bidder"), 1000, "bidder refunded")
	eq(t, balanceOf(t, st, "buyer"), 1000, "buyer debited")
	eq(t, balanceOf(t, st, "seller"), 1900, "seller credited net")
}

func TestBidMeetingBuyNowSettlesImmediately(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller", 0)
	mustPutUser(t, st, "bidder", 5000)
	mustPutLand(t, st, "land-1", "seller")

	listing, err := e.CreateListing(ctx, CreateListingParams{
		SellerID:     "seller",
		LandID:       "land-1",
		Kind:         domain.ListingAuctionWithBuyNow,
		BasePrice:    decimal.NewFromInt(500),
		BuyNowPrice:  decimal.NewFromInt(2000),
		ReservePrice: decimal.NewFromInt(500),
		Duration:     time.Hour,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := e.PlaceBid(ctx, listing.ID, "bidder", decimal.NewFromInt(2000)); err != nil {
		t.Fatalf("buy-now bid: %v", err)
	}

	got, _ := st.GetListing(listing.ID)
	if got.Status != domain.ListingSold {
		t.Errorf("listing status = %s, want sold", got.Status)
	}
	eq(t, balanceOf(t, st, "bidder"), 3000, "bidder paid buy-now price once")
	eq(t, balanceOf(t, st, "seller"), 1900, "seller credited net")
	land, _ := st.GetLand("land-1")
	if land.OwnerID != "bidder" {
		t.Errorf("land owner = %s, want bidder", land.OwnerID)
	}
}

func TestCancelListingRefundsReservation(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller", 0)
	mustPutUser(t, st, "bidder", 1000)
	mustPutLand(t, st, "land-1", "seller")
	listing := newAuction(t, e, time.Now())

	if _, err := e.PlaceBid(ctx, listing.ID, "bidder", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if err := e.CancelListing(ctx, "bidder", listing.ID); err == nil {
		t.Fatal("non-seller cancel should fail")
	}
	if err := e.CancelListing(ctx, "seller", listing.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	eq(t, balanceOf(t, st, "bidder"), 1000, "bidder refunded on cancel")

	got, _ := st.GetListing(listing.ID)
	if got.Status != domain.ListingCancelled {
		t.Errorf("listing status = %s, want cancelled", got.Status)
	}
}

func seedBiome(t *testing.T, st *store.Store, b domain.Biome, pool, price int64) {
	t.Helper()
	err := st.PutBiomeMarket(domain.BiomeMarket{
		Biome:          b,
		TotalShares:    decimal.NewFromInt(pool).Div(decimal.NewFromInt(price)),
		PricePerShare:  decimal.NewFromInt(price),
		MarketCashPool: decimal.NewFromInt(pool),
	})
	if err != nil {
		t.Fatalf("seed biome %s: %v", b, err)
	}
}

func TestBiomeBuySellRoundTrip(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "trader", 10000)
	seedBiome(t, st, domain.BiomeForest, 1000000, 100)

	buyTx, err := e.BiomeBuy(ctx, "trader", domain.BiomeForest, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("biome buy: %v", err)
	}
	eq(t, buyTx.PlatformFee, 20, "buy fee")
	if buyTx.Shares == nil || !buyTx.Shares.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("shares = %v, want 10", buyTx.Shares)
	}
	eq(t, balanceOf(t, st, "trader"), 9000, "trader debited")

	h, err := st.GetHolding("trader", domain.BiomeForest)
	if err != nil {
		t.Fatalf("get holding: %v", err)
	}

	sellTx, err := e.BiomeSell(ctx, "trader", domain.BiomeForest, h.Shares)
	if err != nil {
		t.Fatalf("biome sell: %v", err)
	}
	eq(t, sellTx.PlatformFee, 20, "sell fee")

	// Round-trip loss stays within the two fees (price unchanged between
	// the trades, the sell-side fee is what the trader gives up).
	eq(t, balanceOf(t, st, "trader"), 9980, "round-trip loss within 2x fee")

	h, _ = st.GetHolding("trader", domain.BiomeForest)
	if !h.Shares.IsZero() {
		t.Errorf("holding after full sell = %s, want 0", h.Shares)
	}
}

func TestBiomeBuySafeguardBoundary(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "whale", 1000000)
	seedBiome(t, st, domain.BiomeOcean, 1000000, 100)

	// Exactly 10% of the pool is accepted.
	if _, err := e.BiomeBuy(ctx, "whale", domain.BiomeOcean, decimal.NewFromInt(100000)); err != nil {
		t.Fatalf("10%% buy should pass: %v", err)
	}

	st2Pool, _ := st.GetBiomeMarket(domain.BiomeOcean)
	over := st2Pool.MarketCashPool.Mul(decimal.NewFromFloat(0.10)).Add(decimal.NewFromInt(1))
	_, err := e.BiomeBuy(ctx, "whale", domain.BiomeOcean, over)
	wantKind(t, err, apperr.KindSafeguard)
}

func TestBiomeSellMoreThanHeld(t *testing.T) {
	e, st := newTestEngine(t)
	mustPutUser(t, st, "trader", 1000)
	seedBiome(t, st, domain.BiomePlains, 1000000, 100)

	_, err := e.BiomeSell(context.Background(), "trader", domain.BiomePlains, decimal.NewFromInt(5))
	wantKind(t, err, apperr.KindInsufficientFunds)
}

func TestBiomeBuyUnknownBiome(t *testing.T) {
	e, st := newTestEngine(t)
	mustPutUser(t, st, "trader", 1000)

	_, err := e.BiomeBuy(context.Background(), "trader", "swamp", decimal.NewFromInt(100))
	wantKind(t, err, apperr.KindValidation)
}

// Ledger conservation: user balances + biome pools + platform accrual is
// invariant across any sequence of operations.
func TestLedgerConservation(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustPutUser(t, st, "seller", 5000)
	mustPutUser(t, st, "buyer", 5000)
	mustPutLand(t, st, "land-1", "seller")
	seedBiome(t, st, domain.BiomeForest, 1000000, 100)

	total := func() decimal.Decimal {
		sum := decimal.Zero
		users, err := st.ListUsers()
		if err != nil {
			t.Fatalf("list users: %v", err)
		}
		for _, u := range users {
			sum = sum.Add(u.Balance)
		}
		m, err := st.GetBiomeMarket(domain.BiomeForest)
		if err != nil {
			t.Fatalf("get biome: %v", err)
		}
		return sum.Add(m.MarketCashPool)
	}

	before := total()

	listing, err := e.CreateListing(ctx, CreateListingParams{
		SellerID:  "seller",
		LandID:    "land-1",
		Kind:      domain.ListingFixedPrice,
		BasePrice: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := e.CreateFixedPriceSale(ctx, "buyer", listing.ID); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := e.BiomeBuy(ctx, "buyer", domain.BiomeForest, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("biome buy: %v", err)
	}

	if after := total(); !after.Equal(before) {
		t.Errorf("ledger total changed: before %s, after %s", before, after)
	}
}

func TestSweepExpiredAuctions(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }

	mustPutUser(t, st, "seller", 0)
	mustPutUser(t, st, "bidder", 1000)
	mustPutLand(t, st, "land-1", "seller")
	listing := newAuction(t, e, base)

	if _, err := e.PlaceBid(ctx, listing.ID, "bidder", decimal.NewFromInt(500)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	// Before the end time the sweep leaves the auction alone.
	if err := e.SweepExpiredAuctions(ctx); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	got, _ := st.GetListing(listing.ID)
	if got.Status != domain.ListingActive {
		t.Fatalf("sweep settled a live auction")
	}

	e.now = func() time.Time { return base.Add(61 * time.Second) }
	if err := e.SweepExpiredAuctions(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ = st.GetListing(listing.ID)
	if got.Status != domain.ListingSold {
		t.Errorf("listing status after sweep = %s, want sold", got.Status)
	}
	land, _ := st.GetLand("land-1")
	if land.OwnerID != "bidder" {
		t.Errorf("land owner = %s, want bidder", land.OwnerID)
	}

	// Sweeping again is a no-op.
	if err := e.SweepExpiredAuctions(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
}

func TestTopup(t *testing.T) {
	e, st := newTestEngine(t)
	mustPutUser(t, st, "user", 100)

	tx, err := e.Topup(context.Background(), "user", decimal.NewFromInt(900))
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if tx.Source != domain.TxSourceWallet || tx.Type != domain.TxTopup {
		t.Errorf("tx = %s/%s, want wallet/topup", tx.Source, tx.Type)
	}
	eq(t, balanceOf(t, st, "user"), 1000, "balance after topup")
}
