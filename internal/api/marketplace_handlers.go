package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
	"virtualworld/internal/txn"
)

type listingView struct {
	ID           string          `json:"id"`
	SellerID     string          `json:"seller_id"`
	LandID       string          `json:"land_id"`
	Kind         string          `json:"kind"`
	BasePrice    decimal.Decimal `json:"base_price"`
	BuyNowPrice  decimal.Decimal `json:"buy_now_price,omitempty"`
	ReservePrice decimal.Decimal `json:"reserve_price"`
	StartAt      time.Time       `json:"start_at"`
	EndAt        time.Time       `json:"end_at"`
	Status       string          `json:"status"`
}

func toListingView(l domain.Listing) listingView {
	return listingView{
		ID:           l.ID,
		SellerID:     l.SellerID,
		LandID:       l.LandID,
		Kind:         string(l.Kind),
		BasePrice:    l.BasePrice,
		BuyNowPrice:  l.BuyNowPrice,
		ReservePrice: l.ReservePrice,
		StartAt:      l.StartAt,
		EndAt:        l.EndAt,
		Status:       string(l.Status),
	}
}

// GET /marketplace/listings
func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.store.ListActiveListings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]listingView, 0, len(listings))
	for _, l := range listings {
		out = append(out, toListingView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

// POST /marketplace/listings
func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LandID       string          `json:"land_id"`
		Kind         string          `json:"kind"`
		BasePrice    decimal.Decimal `json:"base_price"`
		BuyNowPrice  decimal.Decimal `json:"buy_now_price"`
		ReservePrice decimal.Decimal `json:"reserve_price"`
		DurationSec  int64           `json:"duration_sec"`
		AutoExtSec   int64           `json:"auto_extend_sec"`
		BidIncrement decimal.Decimal `json:"bid_increment"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	listing, err := s.engine.CreateListing(r.Context(), txn.CreateListingParams{
		SellerID:     callerIdentity(r).UserID,
		LandID:       body.LandID,
		Kind:         domain.ListingKind(body.Kind),
		BasePrice:    body.BasePrice,
		BuyNowPrice:  body.BuyNowPrice,
		ReservePrice: body.ReservePrice,
		Duration:     time.Duration(body.DurationSec) * time.Second,
		AutoExtend:   time.Duration(body.AutoExtSec) * time.Second,
		BidIncrement: body.BidIncrement,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toListingView(listing))
}

// POST /marketplace/listings/{id}/bids
func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	bid, err := s.engine.PlaceBid(r.Context(), chi.URLParam(r, "id"), callerIdentity(r).UserID, body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"bid_id":     bid.ID,
		"listing_id": bid.ListingID,
		"amount":     bid.Amount,
		"created_at": bid.CreatedAt,
	})
}

// POST /marketplace/listings/{id}/buy-now
func (s *Server) handleBuyNow(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")
	listing, err := s.store.GetListing(listingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var tx domain.Transaction
	if listing.Kind == domain.ListingFixedPrice {
		tx, err = s.engine.CreateFixedPriceSale(r.Context(), callerIdentity(r).UserID, listingID)
	} else {
		tx, err = s.engine.BuyNow(r.Context(), listingID, callerIdentity(r).UserID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txView(tx))
}

// DELETE /marketplace/listings/{id}
func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelListing(r.Context(), callerIdentity(r).UserID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GET /marketplace/transactions/audit-trail?source=<marketplace|biome|wallet>&limit=<n>
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	source := domain.TxSource(r.URL.Query().Get("source"))
	switch source {
	case "", domain.TxSourceMarketplace, domain.TxSourceBiome, domain.TxSourceWallet:
	default:
		s.writeError(w, r, apperr.New(apperr.KindValidation, "unknown transaction source %q", source))
		return
	}
	limit := queryInt(r, "limit", 100)
	txs, err := s.store.ListTransactions(source, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		out = append(out, txView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func txView(t domain.Transaction) map[string]any {
	v := map[string]any{
		"id":           t.ID,
		"source":       t.Source,
		"type":         t.Type,
		"gross_amount": t.GrossAmount,
		"platform_fee": t.PlatformFee,
		"net_amount":   t.NetAmount,
		"created_at":   t.CreatedAt,
	}
	if t.BuyerID != "" {
		v["buyer_id"] = t.BuyerID
	}
	if t.SellerID != "" {
		v["seller_id"] = t.SellerID
	}
	if t.LandID != "" {
		v["land_id"] = t.LandID
	}
	if t.ListingID != "" {
		v["listing_id"] = t.ListingID
	}
	if t.Biome != "" {
		v["biome"] = t.Biome
	}
	if t.Shares != nil {
		v["shares"] = *t.Shares
	}
	if t.PricePerShare != nil {
		v["price_per_share"] = *t.PricePerShare
	}
	return v
}
