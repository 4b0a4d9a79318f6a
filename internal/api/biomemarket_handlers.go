package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"virtualworld/internal/domain"
)

type marketView struct {
	Biome          domain.Biome    `json:"biome"`
	PricePerShare  decimal.Decimal `json:"price_per_share"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	MarketCashPool decimal.Decimal `json:"market_cash_pool"`
}

func toMarketView(m domain.BiomeMarket) marketView {
	return marketView{
		Biome:          m.Biome,
		PricePerShare:  m.PricePerShare,
		TotalShares:    m.TotalShares,
		MarketCashPool: m.MarketCashPool,
	}
}

// GET /biome-market/markets
func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.AllBiomeMarkets()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]marketView, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// GET /biome-market/markets/{biome}
func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetBiomeMarket(domain.Biome(chi.URLParam(r, "biome")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m))
}

// POST /biome-market/buy — body {biome, amount}
func (s *Server) handleBiomeBuy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Biome  string          `json:"biome"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.engine.BiomeBuy(r.Context(), callerIdentity(r).UserID, domain.Biome(body.Biome), body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txView(tx))
}

// POST /biome-market/sell — body {biome, shares}
func (s *Server) handleBiomeSell(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Biome  string          `json:"biome"`
		Shares decimal.Decimal `json:"shares"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.engine.BiomeSell(r.Context(), callerIdentity(r).UserID, domain.Biome(body.Biome), body.Shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txView(tx))
}

// GET /biome-market/portfolio
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.store.HoldingsForUser(callerIdentity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type holdingView struct {
		Biome     domain.Biome    `json:"biome"`
		Shares    decimal.Decimal `json:"shares"`
		CostBasis decimal.Decimal `json:"cost_basis"`
		Value     decimal.Decimal `json:"value"`
	}
	out := make([]holdingView, 0, len(holdings))
	for _, h := range holdings {
		v := holdingView{Biome: h.Biome, Shares: h.Shares, CostBasis: h.CostBasis}
		if m, err := s.store.GetBiomeMarket(h.Biome); err == nil {
			v.Value = h.Shares.Mul(m.PricePerShare).Round(0)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"holdings": out})
}

// POST /biome-market/track-attention — body {biome, weight}
func (s *Server) handleTrackAttention(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Biome  string  `json:"biome"`
		Weight float64 `json:"weight"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.market.TrackAttention(r.Context(), domain.Biome(body.Biome), body.Weight); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "tracked"})
}
