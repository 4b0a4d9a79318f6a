// Package txn implements the transaction engine: the sole writer of user
// balances, biome market cash pools, and share quantities. Every operation
// acquires its rows through store.LockManager in a single deterministic
// order, validates preconditions, mutates state, and writes an audit entry,
// all as one logical unit. Settlements, biome trades and top-ups also append
// an append-only transaction row; listing creation, cancellation, bids and
// auction expiry do not.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"virtualworld/internal/apperr"
	"virtualworld/internal/config"
	"virtualworld/internal/domain"
	"virtualworld/internal/store"
)

// PlatformAccountID is the sentinel user id platform fees accrue to.
const PlatformAccountID = "platform"

// lockTimeout bounds row-lock acquisition inside a single operation;
// expiry surfaces as a Conflict.
const lockTimeout = 5 * time.Second

// Engine is the transaction engine.
type Engine struct {
	store *store.Store
	fees  config.FeesConfig
	now   func() time.Time
}

// New builds a transaction engine over st, charging the configured
// marketplace/biome fee percentages.
func New(st *store.Store, fees config.FeesConfig) *Engine {
	return &Engine{store: st, fees: fees, now: time.Now}
}

func (e *Engine) lock(keys ...string) (*store.Unlocker, error) {
	return e.store.Locks.LockTimeout(lockTimeout, keys...)
}

func userLockKey(id string) string       { return store.RowKey("user", id) }
func listingLockKey(id string) string    { return store.RowKey("listing", id) }
func landLockKey(id string) string       { return store.RowKey("land", id) }
func biomeLockKey(b domain.Biome) string { return store.RowKey("biomemarket", string(b)) }
func holdingLockKey(userID string, b domain.Biome) string {
	return store.RowKey("holding", userID+":"+string(b))
}

func newID() string { return uuid.NewString() }

// ensurePlatformAccount lazily creates the sentinel fee-collection user the
// first time a fee is accrued.
func (e *Engine) ensurePlatformAccount() (domain.User, error) {
	u, err := e.store.GetUser(PlatformAccountID)
	if err == nil {
		return u, nil
	}
	if ae, ok := apperr.As(err); !ok || ae.Kind != apperr.KindNotFound {
		return domain.User{}, err
	}
	u = domain.User{
		ID:          PlatformAccountID,
		DisplayName: "platform",
		Role:        domain.RoleAdmin,
		Balance:     decimal.Zero,
		CreatedAt:   e.now(),
	}
	if err := e.store.PutUser(u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e *Engine) audit(actorID, action, subjectKind, subjectID, detail string) {
	_ = e.store.AppendAudit(domain.AuditEntry{
		ID:          newID(),
		ActorID:     actorID,
		Action:      action,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		Detail:      detail,
		CreatedAt:   e.now(),
	})
}

// CreateFixedPriceSale settles a fixed-price listing: buyer pays the
// listing's base price, seller receives it minus the marketplace fee, land
// ownership transfers, and the listing closes.
func (e *Engine) CreateFixedPriceSale(ctx context.Context, buyerID, listingID string) (domain.Transaction, error) {
	listing, err := e.store.GetListing(listingID)
	if err != nil {
		return domain.Transaction{}, err
	}
	land, err := e.store.GetLand(listing.LandID)
	if err != nil {
		return domain.Transaction{}, err
	}

	unlock, err := e.lock(userLockKey(buyerID), userLockKey(listing.SellerID), listingLockKey(listingID), landLockKey(listing.LandID))
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock.Unlock()

	// Re-read under lock: another operation may have mutated these rows
	// between our unlocked reads above and acquiring the locks.
	listing, err = e.store.GetListing(listingID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if listing.Kind != domain.ListingFixedPrice {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "listing %s is not a fixed-price listing", listingID)
	}
	if listing.Status != domain.ListingActive {
		return domain.Transaction{}, apperr.New(apperr.KindConflict, "listing %s is not active", listingID)
	}
	if buyerID == listing.SellerID {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "buyer cannot be the seller")
	}

	buyer, err := e.store.GetUser(buyerID)
	if err != nil {
		return domain.Transaction{}, err
	}
	seller, err := e.store.GetUser(listing.SellerID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if buyer.Balance.LessThan(listing.BasePrice) {
		return domain.Transaction{}, apperr.New(apperr.KindInsufficientFunds, "buyer balance insufficient for %s", listing.BasePrice)
	}

	tx, err := e.settleLandSale(buyer, seller, land, listing, listing.BasePrice, domain.TxFixedPriceSale)
	if err != nil {
		return domain.Transaction{}, err
	}
	e.audit(buyerID, "fixed_price_sale", "listing", listingID, fmt.Sprintf("buyer=%s seller=%s price=%s", buyerID, listing.SellerID, listing.BasePrice))
	return tx, nil
}

// settleLandSale is the shared commit path for fixed-price, buy-now, and
// auction settlement: move funds (minus platform fee), transfer the land,
// close the listing, and append the ledger row.
func (e *Engine) settleLandSale(buyer, seller domain.User, land domain.Land, listing domain.Listing, gross decimal.Decimal, txType domain.TxType) (domain.Transaction, error) {
	fee := gross.Mul(decimal.NewFromFloat(e.fees.MarketplacePct)).Round(0)
	net := gross.Sub(fee)

	buyer.Balance = buyer.Balance.Sub(gross)
	seller.Balance = seller.Balance.Add(net)
	if buyer.Balance.IsNegative() {
		return domain.Transaction{}, apperr.New(apperr.KindInsufficientFunds, "buyer balance would go negative")
	}

	platform, err := e.ensurePlatformAccount()
	if err != nil {
		return domain.Transaction{}, err
	}
	platform.Balance = platform.Balance.Add(fee)

	land.OwnerID = buyer.ID
	listing.Status = domain.ListingSold

	if err := e.store.PutUser(buyer); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutUser(seller); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutUser(platform); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutLand(land); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutListing(listing); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.DeleteBidsForListing(listing.ID); err != nil {
		return domain.Transaction{}, err
	}

	tx := domain.Transaction{
		ID:          newID(),
		Source:      domain.TxSourceMarketplace,
		Type:        txType,
		BuyerID:     buyer.ID,
		SellerID:    seller.ID,
		LandID:      land.ID,
		ListingID:   listing.ID,
		GrossAmount: gross,
		PlatformFee: fee,
		NetAmount:   net,
		CreatedAt:   e.now(),
	}
	if err := e.store.PutTransaction(tx); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// currentTopBid returns the highest-amount bid against a listing. Because
// PlaceBid always un-reserves the prior top bidder before reserving a new
// one, at most one bid ever holds a live balance reservation at a time:
// the current top.
func currentTopBid(bids []domain.Bid) (domain.Bid, bool) {
	var top domain.Bid
	found := false
	for _, b := range bids {
		if !found || b.Amount.GreaterThan(top.Amount) {
			top = b
			found = true
		}
	}
	return top, found
}

// PlaceBid accepts a new bid against an active auction, reserving its
// amount from the bidder's balance and releasing the prior top bidder's
// reservation.
func (e *Engine) PlaceBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (domain.Bid, error) {
	if amount.Sign() <= 0 {
		return domain.Bid{}, apperr.New(apperr.KindValidation, "bid amount must be positive")
	}

	// Peek at the listing and its current top bid to learn the full lock
	// set, then acquire everything in one deterministic-order pass and
	// re-validate. The top bidder's row must be held too: an outbid
	// refunds their reservation.
	listing, err := e.store.GetListing(listingID)
	if err != nil {
		return domain.Bid{}, err
	}
	peekUnlock, err := e.lock(listingLockKey(listingID))
	if err != nil {
		return domain.Bid{}, err
	}
	peekBids, err := e.store.BidsForListing(listingID)
	peekUnlock.Unlock()
	if err != nil {
		return domain.Bid{}, err
	}

	keys := []string{listingLockKey(listingID), userLockKey(bidderID), userLockKey(listing.SellerID), landLockKey(listing.LandID)}
	if top, ok := currentTopBid(peekBids); ok {
		keys = append(keys, userLockKey(top.BidderID))
	}
	unlock, err := e.lock(keys...)
	if err != nil {
		return domain.Bid{}, err
	}
	defer unlock.Unlock()

	listing, err = e.store.GetListing(listingID)
	if err != nil {
		return domain.Bid{}, err
	}
	if listing.Status != domain.ListingActive {
		return domain.Bid{}, apperr.New(apperr.KindConflict, "listing %s is not active", listingID)
	}
	if listing.Kind != domain.ListingAuction && listing.Kind != domain.ListingAuctionWithBuyNow {
		return domain.Bid{}, apperr.New(apperr.KindValidation, "listing %s does not accept bids", listingID)
	}
	now := e.now()
	if now.After(listing.EndAt) {
		return domain.Bid{}, apperr.New(apperr.KindConflict, "auction %s has ended", listingID)
	}
	if bidderID == listing.SellerID {
		return domain.Bid{}, apperr.New(apperr.KindValidation, "seller cannot bid on their own listing")
	}

	bids, err := e.store.BidsForListing(listingID)
	if err != nil {
		return domain.Bid{}, err
	}
	top, hasTop := currentTopBid(bids)
	if peekTop, hadTop := currentTopBid(peekBids); hasTop && (!hadTop || peekTop.BidderID != top.BidderID) {
		// The top bidder changed between the peek and acquiring the lock
		// set, so their row is not held. Surface a conflict; the caller
		// retries against the new top.
		return domain.Bid{}, apperr.New(apperr.KindConflict, "listing %s was outbid concurrently, retry", listingID)
	}

	minAmount := listing.ReservePrice
	if hasTop {
		floor := top.Amount.Add(listing.BidIncrement)
		if floor.GreaterThan(minAmount) {
			minAmount = floor
		}
	}
	if amount.LessThan(minAmount) {
		return domain.Bid{}, apperr.New(apperr.KindConflict, "bid %s below minimum %s", amount, minAmount)
	}

	bidder, err := e.store.GetUser(bidderID)
	if err != nil {
		return domain.Bid{}, err
	}
	if bidder.Balance.LessThan(amount) {
		return domain.Bid{}, apperr.New(apperr.KindInsufficientFunds, "bidder balance insufficient for %s", amount)
	}

	// Un-reserve the prior top bidder (if a different user than the new
	// bidder; a bidder raising their own top bid just pays the delta).
	if hasTop && top.BidderID != bidderID {
		prior, err := e.store.GetUser(top.BidderID)
		if err != nil {
			return domain.Bid{}, err
		}
		prior.Balance = prior.Balance.Add(top.Amount)
		if err := e.store.PutUser(prior); err != nil {
			return domain.Bid{}, err
		}
		bidder.Balance = bidder.Balance.Sub(amount)
	} else if hasTop {
		bidder.Balance = bidder.Balance.Sub(amount.Sub(top.Amount))
	} else {
		bidder.Balance = bidder.Balance.Sub(amount)
	}
	if err := e.store.PutUser(bidder); err != nil {
		return domain.Bid{}, err
	}

	bid := domain.Bid{ID: newID(), ListingID: listingID, BidderID: bidderID, Amount: amount, CreatedAt: now}
	if err := e.store.PutBid(bid); err != nil {
		return domain.Bid{}, err
	}

	// Auto-extend: a bid within the extend window before the current end
	// time moves the end to the bid time plus that window.
	if listing.EndAt.Sub(now) < listing.AutoExtend {
		listing.EndAt = now.Add(listing.AutoExtend)
		if err := e.store.PutListing(listing); err != nil {
			return domain.Bid{}, err
		}
	}

	e.audit(bidderID, "place_bid", "listing", listingID, fmt.Sprintf("amount=%s", amount))

	// Buy-now short-circuit: a bid meeting the buy-now threshold on an
	// auction_with_buynow listing settles immediately.
	if listing.Kind == domain.ListingAuctionWithBuyNow && !listing.BuyNowPrice.IsZero() && amount.GreaterThanOrEqual(listing.BuyNowPrice) {
		if _, err := e.buyNowLocked(listing, bidderID); err != nil {
			return bid, err
		}
	}

	return bid, nil
}

// BuyNow settles a listing at its buy-now price immediately, refunding
// any outstanding bid reservation.
func (e *Engine) BuyNow(ctx context.Context, listingID, buyerID string) (domain.Transaction, error) {
	listing, err := e.store.GetListing(listingID)
	if err != nil {
		return domain.Transaction{}, err
	}
	peekUnlock, err := e.lock(listingLockKey(listingID))
	if err != nil {
		return domain.Transaction{}, err
	}
	peekBids, err := e.store.BidsForListing(listingID)
	peekUnlock.Unlock()
	if err != nil {
		return domain.Transaction{}, err
	}

	keys := []string{listingLockKey(listingID), userLockKey(buyerID), userLockKey(listing.SellerID), landLockKey(listing.LandID)}
	peekTop, hadTop := currentTopBid(peekBids)
	if hadTop {
		keys = append(keys, userLockKey(peekTop.BidderID))
	}
	unlock, err := e.lock(keys...)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock.Unlock()

	listing, err = e.store.GetListing(listingID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if bids, err := e.store.BidsForListing(listingID); err != nil {
		return domain.Transaction{}, err
	} else if top, ok := currentTopBid(bids); ok && (!hadTop || top.BidderID != peekTop.BidderID) {
		return domain.Transaction{}, apperr.New(apperr.KindConflict, "listing %s received a bid concurrently, retry", listingID)
	}
	return e.buyNowLocked(listing, buyerID)
}

// buyNowLocked assumes the listing, buyer, seller, land, and (if any) top
// bidder rows are already locked by the caller — BuyNow directly, or
// PlaceBid's buy-now short-circuit, whose newly accepted bid is itself the
// top.
func (e *Engine) buyNowLocked(listing domain.Listing, buyerID string) (domain.Transaction, error) {
	if listing.Status != domain.ListingActive {
		return domain.Transaction{}, apperr.New(apperr.KindConflict, "listing %s is not active", listing.ID)
	}
	if listing.BuyNowPrice.IsZero() {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "listing %s has no buy-now price", listing.ID)
	}
	if buyerID == listing.SellerID {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "buyer cannot be the seller")
	}

	land, err := e.store.GetLand(listing.LandID)
	if err != nil {
		return domain.Transaction{}, err
	}
	buyer, err := e.store.GetUser(buyerID)
	if err != nil {
		return domain.Transaction{}, err
	}
	seller, err := e.store.GetUser(listing.SellerID)
	if err != nil {
		return domain.Transaction{}, err
	}

	bids, err := e.store.BidsForListing(listing.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	top, hasTop := currentTopBid(bids)

	// The buyer may themselves be the reserved top bidder (buy-now
	// short-circuit from PlaceBid): their reservation already covers part
	// of the purchase price, so only charge the remainder.
	gross := listing.BuyNowPrice
	if hasTop && top.BidderID == buyerID {
		if buyer.Balance.Add(top.Amount).LessThan(gross) {
			return domain.Transaction{}, apperr.New(apperr.KindInsufficientFunds, "buyer balance insufficient for buy-now price %s", gross)
		}
		buyer.Balance = buyer.Balance.Add(top.Amount) // release own reservation before settleLandSale debits gross
	} else {
		if buyer.Balance.LessThan(gross) {
			return domain.Transaction{}, apperr.New(apperr.KindInsufficientFunds, "buyer balance insufficient for buy-now price %s", gross)
		}
		if hasTop {
			other, err := e.store.GetUser(top.BidderID)
			if err != nil {
				return domain.Transaction{}, err
			}
			other.Balance = other.Balance.Add(top.Amount)
			if err := e.store.PutUser(other); err != nil {
				return domain.Transaction{}, err
			}
		}
	}

	return e.settleLandSale(buyer, seller, land, listing, gross, domain.TxBuyNow)
}

// CompleteAuction settles an auction once now >= listing.EndAt: to the
// top bidder if it meets reserve, otherwise the listing expires and the
// outstanding reservation is refunded. An auction settles at most once.
func (e *Engine) CompleteAuction(ctx context.Context, listingID string) (*domain.Transaction, error) {
	listing, err := e.store.GetListing(listingID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.lock(listingLockKey(listingID))
	if err != nil {
		return nil, err
	}
	listing, err = e.store.GetListing(listingID)
	if err != nil {
		unlock.Unlock()
		return nil, err
	}
	if listing.Status != domain.ListingActive {
		unlock.Unlock()
		return nil, apperr.New(apperr.KindConflict, "listing %s already settled", listingID)
	}
	if e.now().Before(listing.EndAt) {
		unlock.Unlock()
		return nil, apperr.New(apperr.KindConflict, "auction %s has not ended yet", listingID)
	}

	bids, err := e.store.BidsForListing(listingID)
	if err != nil {
		unlock.Unlock()
		return nil, err
	}
	top, hasTop := currentTopBid(bids)
	unlock.Unlock()

	if !hasTop || top.Amount.LessThan(listing.ReservePrice) {
		return nil, e.expireAuction(listing, top, hasTop)
	}

	unlock2, err := e.lock(listingLockKey(listingID), userLockKey(top.BidderID), userLockKey(listing.SellerID), landLockKey(listing.LandID))
	if err != nil {
		return nil, err
	}
	defer unlock2.Unlock()

	listing, err = e.store.GetListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.ListingActive {
		return nil, apperr.New(apperr.KindConflict, "listing %s already settled", listingID)
	}
	land, err := e.store.GetLand(listing.LandID)
	if err != nil {
		return nil, err
	}
	winner, err := e.store.GetUser(top.BidderID)
	if err != nil {
		return nil, err
	}
	seller, err := e.store.GetUser(listing.SellerID)
	if err != nil {
		return nil, err
	}

	// Winner's bid amount is already reserved (deducted) from their
	// balance; credit it back before settleLandSale debits the gross so
	// the net effect is a single debit of the winning amount.
	winner.Balance = winner.Balance.Add(top.Amount)

	tx, err := e.settleLandSale(winner, seller, land, listing, top.Amount, domain.TxAuctionSale)
	if err != nil {
		return nil, err
	}
	e.audit(top.BidderID, "complete_auction", "listing", listingID, fmt.Sprintf("winner=%s amount=%s", top.BidderID, top.Amount))
	return &tx, nil
}

func (e *Engine) expireAuction(listing domain.Listing, top domain.Bid, hasTop bool) error {
	unlock, err := e.lock(listingLockKey(listing.ID), userLockKey(top.BidderID))
	if err != nil {
		return err
	}
	defer unlock.Unlock()

	listing, err = e.store.GetListing(listing.ID)
	if err != nil {
		return err
	}
	if listing.Status != domain.ListingActive {
		return nil
	}
	if hasTop {
		bidder, err := e.store.GetUser(top.BidderID)
		if err != nil {
			return err
		}
		bidder.Balance = bidder.Balance.Add(top.Amount)
		if err := e.store.PutUser(bidder); err != nil {
			return err
		}
	}
	listing.Status = domain.ListingExpired
	if err := e.store.PutListing(listing); err != nil {
		return err
	}
	if err := e.store.DeleteBidsForListing(listing.ID); err != nil {
		return err
	}
	e.audit("", "expire_auction", "listing", listing.ID, "no bid met reserve")
	return nil
}

// BiomeBuy mints biome shares for a user at the current price. A single
// purchase cannot exceed 10% of the biome's market cash pool.
func (e *Engine) BiomeBuy(ctx context.Context, userID string, biome domain.Biome, amount decimal.Decimal) (domain.Transaction, error) {
	if !domain.ValidBiome(biome) {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "unknown biome %q", biome)
	}
	if amount.Sign() <= 0 {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "amount must be positive")
	}

	unlock, err := e.lock(userLockKey(userID), biomeLockKey(biome), holdingLockKey(userID, biome))
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock.Unlock()

	market, err := e.store.GetBiomeMarket(biome)
	if err != nil {
		return domain.Transaction{}, err
	}
	if market.MarketCashPool.Sign() > 0 {
		maxTx := market.MarketCashPool.Mul(decimal.NewFromFloat(0.10))
		if amount.GreaterThan(maxTx) {
			return domain.Transaction{}, apperr.New(apperr.KindSafeguard, "amount %s exceeds 10%% of %s market cap", amount, biome)
		}
	}

	user, err := e.store.GetUser(userID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if user.Balance.LessThan(amount) {
		return domain.Transaction{}, apperr.New(apperr.KindInsufficientFunds, "balance insufficient for %s", amount)
	}

	fee := amount.Mul(decimal.NewFromFloat(e.fees.BiomePct)).Round(0)
	netToPool := amount.Sub(fee)
	shares := amount.Div(market.PricePerShare)

	user.Balance = user.Balance.Sub(amount)
	market.MarketCashPool = market.MarketCashPool.Add(netToPool)
	market.TotalShares = market.TotalShares.Add(shares)

	holding, err := e.store.GetHolding(userID, biome)
	if err != nil {
		return domain.Transaction{}, err
	}
	holding.Shares = holding.Shares.Add(shares)
	holding.CostBasis = holding.CostBasis.Add(amount)

	platform, err := e.ensurePlatformAccount()
	if err != nil {
		return domain.Transaction{}, err
	}
	platform.Balance = platform.Balance.Add(fee)

	if err := e.store.PutUser(user); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutUser(platform); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutBiomeMarket(market); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutHolding(holding); err != nil {
		return domain.Transaction{}, err
	}

	pricePerShare := market.PricePerShare
	tx := domain.Transaction{
		ID:            newID(),
		Source:        domain.TxSourceBiome,
		Type:          domain.TxBiomeBuy,
		BuyerID:       userID,
		GrossAmount:   amount,
		PlatformFee:   fee,
		NetAmount:     netToPool,
		Biome:         biome,
		Shares:        &shares,
		PricePerShare: &pricePerShare,
		CreatedAt:     e.now(),
	}
	if err := e.store.PutTransaction(tx); err != nil {
		return domain.Transaction{}, err
	}
	e.audit(userID, "biome_buy", "biome", string(biome), fmt.Sprintf("amount=%s shares=%s", amount, shares))
	return tx, nil
}

// BiomeSell redeems a user's biome shares at the current price, minus the
// biome platform fee.
func (e *Engine) BiomeSell(ctx context.Context, userID string, biome domain.Biome, shares decimal.Decimal) (domain.Transaction, error) {
	if !domain.ValidBiome(biome) {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "unknown biome %q", biome)
	}
	if shares.Sign() <= 0 {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "shares must be positive")
	}

	unlock, err := e.lock(userLockKey(userID), biomeLockKey(biome), holdingLockKey(userID, biome))
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock.Unlock()

	holding, err := e.store.GetHolding(userID, biome)
	if err != nil {
		return domain.Transaction{}, err
	}
	if holding.Shares.LessThan(shares) {
		return domain.Transaction{}, apperr.New(apperr.KindInsufficientFunds, "holding has only %s shares", holding.Shares)
	}

	market, err := e.store.GetBiomeMarket(biome)
	if err != nil {
		return domain.Transaction{}, err
	}

	gross := shares.Mul(market.PricePerShare)
	if market.MarketCashPool.Sign() > 0 {
		maxTx := market.MarketCashPool.Mul(decimal.NewFromFloat(0.10))
		if gross.GreaterThan(maxTx) {
			return domain.Transaction{}, apperr.New(apperr.KindSafeguard, "sale proceeds %s exceed 10%% of %s market cap", gross, biome)
		}
	}
	fee := gross.Mul(decimal.NewFromFloat(e.fees.BiomePct)).Round(0)
	net := gross.Sub(fee)
	if market.MarketCashPool.LessThan(gross) {
		return domain.Transaction{}, apperr.New(apperr.KindConflict, "biome market cash pool insufficient to settle sale")
	}

	user, err := e.store.GetUser(userID)
	if err != nil {
		return domain.Transaction{}, err
	}

	// Cost basis shrinks proportionally to the shares sold; it feeds
	// portfolio reporting only, never settlement math.
	soldFraction := shares.Div(holding.Shares)
	holding.CostBasis = holding.CostBasis.Sub(holding.CostBasis.Mul(soldFraction)).Round(0)
	holding.Shares = holding.Shares.Sub(shares)
	if holding.Shares.IsZero() {
		holding.CostBasis = decimal.Zero
	}

	market.TotalShares = market.TotalShares.Sub(shares)
	market.MarketCashPool = market.MarketCashPool.Sub(gross)
	user.Balance = user.Balance.Add(net)

	platform, err := e.ensurePlatformAccount()
	if err != nil {
		return domain.Transaction{}, err
	}
	platform.Balance = platform.Balance.Add(fee)

	if err := e.store.PutUser(user); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutUser(platform); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutBiomeMarket(market); err != nil {
		return domain.Transaction{}, err
	}
	if err := e.store.PutHolding(holding); err != nil {
		return domain.Transaction{}, err
	}

	pricePerShare := market.PricePerShare
	sharesSold := shares
	tx := domain.Transaction{
		ID:            newID(),
		Source:        domain.TxSourceBiome,
		Type:          domain.TxBiomeSell,
		SellerID:      userID,
		GrossAmount:   gross,
		PlatformFee:   fee,
		NetAmount:     net,
		Biome:         biome,
		Shares:        &sharesSold,
		PricePerShare: &pricePerShare,
		CreatedAt:     e.now(),
	}
	if err := e.store.PutTransaction(tx); err != nil {
		return domain.Transaction{}, err
	}
	e.audit(userID, "biome_sell", "biome", string(biome), fmt.Sprintf("shares=%s proceeds=%s", shares, net))
	return tx, nil
}
