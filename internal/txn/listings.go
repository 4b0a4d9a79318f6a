package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

// DefaultBidIncrement applies when a listing is created without one.
var DefaultBidIncrement = decimal.NewFromInt(50)

// DefaultAutoExtend is the auto-extend window applied to auctions created
// without one: a bid landing inside this window before the end time moves
// the end time to the bid time plus this window.
const DefaultAutoExtend = 10 * time.Second

// CreateListingParams carries the caller-supplied fields for CreateListing.
type CreateListingParams struct {
	SellerID     string
	LandID       string
	Kind         domain.ListingKind
	BasePrice    decimal.Decimal
	BuyNowPrice  decimal.Decimal
	ReservePrice decimal.Decimal
	Duration     time.Duration
	AutoExtend   time.Duration
	BidIncrement decimal.Decimal
}

// CreateListing opens a new marketplace listing for a land the seller owns.
// At most one active listing may exist per land at a time.
func (e *Engine) CreateListing(ctx context.Context, p CreateListingParams) (domain.Listing, error) {
	switch p.Kind {
	case domain.ListingFixedPrice, domain.ListingAuction, domain.ListingAuctionWithBuyNow:
	default:
		return domain.Listing{}, apperr.New(apperr.KindValidation, "unknown listing kind %q", p.Kind)
	}
	if p.BasePrice.Sign() <= 0 {
		return domain.Listing{}, apperr.New(apperr.KindValidation, "base price must be positive")
	}
	if p.Kind == domain.ListingAuctionWithBuyNow && p.BuyNowPrice.Sign() <= 0 {
		return domain.Listing{}, apperr.New(apperr.KindValidation, "auction_with_buynow requires a buy-now price")
	}
	if p.ReservePrice.IsNegative() {
		return domain.Listing{}, apperr.New(apperr.KindValidation, "reserve price cannot be negative")
	}

	unlock, err := e.lock(landLockKey(p.LandID), userLockKey(p.SellerID))
	if err != nil {
		return domain.Listing{}, err
	}
	defer unlock.Unlock()

	land, err := e.store.GetLand(p.LandID)
	if err != nil {
		return domain.Listing{}, err
	}
	if land.OwnerID != p.SellerID {
		return domain.Listing{}, apperr.New(apperr.KindPermission, "land %s is not owned by the seller", p.LandID)
	}
	if existing, ok := e.store.HasActiveListing(p.LandID); ok {
		return domain.Listing{}, apperr.New(apperr.KindConflict, "land %s already has an active listing %s", p.LandID, existing)
	}

	now := e.now()
	duration := p.Duration
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	autoExtend := p.AutoExtend
	if autoExtend <= 0 {
		autoExtend = DefaultAutoExtend
	}
	increment := p.BidIncrement
	if increment.Sign() <= 0 {
		increment = DefaultBidIncrement
	}

	l := domain.Listing{
		ID:           newID(),
		SellerID:     p.SellerID,
		LandID:       p.LandID,
		Kind:         p.Kind,
		BasePrice:    p.BasePrice,
		BuyNowPrice:  p.BuyNowPrice,
		ReservePrice: p.ReservePrice,
		StartAt:      now,
		EndAt:        now.Add(duration),
		Status:       domain.ListingActive,
		AutoExtend:   autoExtend,
		BidIncrement: increment,
	}
	if err := e.store.PutListing(l); err != nil {
		return domain.Listing{}, err
	}
	e.audit(p.SellerID, "create_listing", "listing", l.ID, fmt.Sprintf("land=%s kind=%s price=%s", p.LandID, p.Kind, p.BasePrice))
	return l, nil
}

// CancelListing cancels an active listing. Only the seller may cancel; any
// other caller, moderators and admins included, gets a Permission error.
// The current top bidder's reservation is refunded.
func (e *Engine) CancelListing(ctx context.Context, callerID, listingID string) error {
	listing, err := e.store.GetListing(listingID)
	if err != nil {
		return err
	}
	peekUnlock, err := e.lock(listingLockKey(listingID))
	if err != nil {
		return err
	}
	peekBids, err := e.store.BidsForListing(listingID)
	peekUnlock.Unlock()
	if err != nil {
		return err
	}

	keys := []string{listingLockKey(listingID), userLockKey(callerID)}
	peekTop, hadTop := currentTopBid(peekBids)
	if hadTop {
		keys = append(keys, userLockKey(peekTop.BidderID))
	}
	unlock, err := e.lock(keys...)
	if err != nil {
		return err
	}
	defer unlock.Unlock()

	listing, err = e.store.GetListing(listingID)
	if err != nil {
		return err
	}
	if listing.SellerID != callerID {
		return apperr.New(apperr.KindPermission, "only the seller can cancel listing %s", listingID)
	}
	if listing.Status != domain.ListingActive {
		return apperr.New(apperr.KindConflict, "listing %s is not active", listingID)
	}

	bids, err := e.store.BidsForListing(listingID)
	if err != nil {
		return err
	}
	if top, hasTop := currentTopBid(bids); hasTop {
		if !hadTop || top.BidderID != peekTop.BidderID {
			return apperr.New(apperr.KindConflict, "listing %s received a bid concurrently, retry", listingID)
		}
		bidder, err := e.store.GetUser(top.BidderID)
		if err != nil {
			return err
		}
		bidder.Balance = bidder.Balance.Add(top.Amount)
		if err := e.store.PutUser(bidder); err != nil {
			return err
		}
	}

	listing.Status = domain.ListingCancelled
	if err := e.store.PutListing(listing); err != nil {
		return err
	}
	if err := e.store.DeleteBidsForListing(listingID); err != nil {
		return err
	}
	e.audit(callerID, "cancel_listing", "listing", listingID, "")
	return nil
}

// SweepExpiredAuctions settles every active auction whose end time has
// passed. Invoked periodically by RunAuctionSweeper; safe to call
// concurrently with live bidding because CompleteAuction re-checks state
// under lock.
func (e *Engine) SweepExpiredAuctions(ctx context.Context) error {
	listings, err := e.store.ListActiveListings()
	if err != nil {
		return err
	}
	now := e.now()
	for _, l := range listings {
		if l.Kind == domain.ListingFixedPrice || now.Before(l.EndAt) {
			continue
		}
		if _, err := e.CompleteAuction(ctx, l.ID); err != nil {
			// A Conflict here means a bid or a concurrent sweep settled the
			// auction first; anything else is worth surfacing.
			if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindConflict {
				continue
			}
			return err
		}
	}
	return nil
}

// RunAuctionSweeper blocks, sweeping expired auctions every interval until
// ctx is cancelled.
func (e *Engine) RunAuctionSweeper(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepExpiredAuctions(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
