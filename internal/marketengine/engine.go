// Package marketengine implements the attention-driven redistribution
// loop: a single background loop firing every 500ms±50ms that reallocates
// a fraction of each biome's cash pool by accumulated attention, updates
// prices under a volatility clamp, and broadcasts the result.
package marketengine

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"virtualworld/internal/cache"
	"virtualworld/internal/config"
	"virtualworld/internal/domain"
	"virtualworld/internal/store"
)

// Update is one biome's result for a single cycle, published on the
// broadcast channel after every cycle.
type Update struct {
	Biome          domain.Biome    `json:"biome"`
	Price          decimal.Decimal `json:"price"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	MarketCashPool decimal.Decimal `json:"market_cash_pool"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Engine owns the attention ledger and the redistribution loop.
type Engine struct {
	store  *store.Store
	cache  *cache.Cache
	cfg    config.MarketConfig
	logger *slog.Logger
	now    func() time.Time
	jitter func() time.Duration

	mu        sync.Mutex
	attention map[domain.Biome]float64
}

// New builds a market engine. Seed (if the store has no rows yet for a
// biome) is the caller's responsibility via Seed.
func New(st *store.Store, ch *cache.Cache, cfg config.MarketConfig, logger *slog.Logger) *Engine {
	attn := make(map[domain.Biome]float64, len(domain.Biomes))
	for _, b := range domain.Biomes {
		attn[b] = 0
	}
	return &Engine{
		store:     st,
		cache:     ch,
		cfg:       cfg,
		logger:    logger.With("component", "marketengine"),
		now:       time.Now,
		jitter:    defaultJitter,
		attention: attn,
	}
}

func defaultJitter() time.Duration {
	// ±50ms of scheduling slack, centered on zero.
	return time.Duration(rand.Int63n(int64(100*time.Millisecond))) - 50*time.Millisecond
}

// Seed creates the seven biome market rows with the configured initial
// price/cash pool if they don't already exist, so a fresh deployment has a
// market to redistribute over.
func (e *Engine) Seed() error {
	for _, b := range domain.Biomes {
		if _, err := e.store.GetBiomeMarket(b); err == nil {
			continue
		}
		m := domain.BiomeMarket{
			Biome:          b,
			TotalShares:    decimal.NewFromFloat(e.cfg.InitialCashPool / e.cfg.InitialSharePrice),
			PricePerShare:  decimal.NewFromFloat(e.cfg.InitialSharePrice),
			MarketCashPool: decimal.NewFromFloat(e.cfg.InitialCashPool),
		}
		if err := e.store.PutBiomeMarket(m); err != nil {
			return err
		}
	}
	loaded, err := e.store.LoadAttentionAccumulators()
	if err != nil {
		return err
	}
	e.mu.Lock()
	for b, w := range loaded {
		e.attention[b] = w
	}
	e.mu.Unlock()
	return nil
}

// TrackAttention accumulates weight into the in-memory per-biome counter,
// consumed and reset by the next redistribution cycle. Every call adds its
// weight; calls are not deduplicated, so a repeated call counts again.
func (e *Engine) TrackAttention(_ context.Context, biome domain.Biome, weight float64) error {
	if !domain.ValidBiome(biome) {
		return errInvalidBiome(biome)
	}
	if weight < 0 {
		return errNegativeWeight
	}
	e.mu.Lock()
	e.attention[biome] += weight
	total := e.attention[biome]
	e.mu.Unlock()

	// Mirror the live counter so a restart between cycles does not drop
	// attention already tracked.
	if err := e.store.SaveAttentionAccumulator(biome, total); err != nil {
		e.logger.Warn("persist attention accumulator", "biome", biome, "error", err)
	}
	return nil
}

// Run blocks, firing one redistribution cycle every CycleInterval±jitter
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		interval := e.cfg.CycleInterval + e.jitter()
		if interval <= 0 {
			interval = e.cfg.CycleInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := e.runCycle(ctx); err != nil {
			e.logger.Error("redistribution cycle failed", "error", err)
		}
	}
}

// swapAndReset atomically takes a snapshot of accumulated attention and
// zeroes the live counters at cycle start.
func (e *Engine) swapAndReset() map[domain.Biome]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make(map[domain.Biome]float64, len(e.attention))
	for b, w := range e.attention {
		snap[b] = w
		e.attention[b] = 0
	}
	return snap
}

func (e *Engine) runCycle(ctx context.Context) error {
	attention := e.swapAndReset()

	var total float64
	for _, w := range attention {
		total += w
	}

	// Hold every biome market row for the whole cycle so a concurrent
	// buy/sell in internal/txn observes this cycle's mutation entirely
	// before or entirely after, never mid-computation.
	keys := make([]string, len(domain.Biomes))
	for i, b := range domain.Biomes {
		keys[i] = store.RowKey("biomemarket", string(b))
	}
	unlock := e.store.Locks.Lock(keys...)
	defer unlock.Unlock()

	markets, err := e.store.AllBiomeMarkets()
	if err != nil {
		return err
	}
	byBiome := make(map[domain.Biome]domain.BiomeMarket, len(markets))
	for _, m := range markets {
		byBiome[m.Biome] = m
	}

	if total > 0 {
		e.redistribute(byBiome, attention, total)
	}

	now := e.now()
	for _, b := range domain.Biomes {
		m := byBiome[b]
		oldPrice := m.PricePerShare
		newPrice := decimal.NewFromInt(1)
		if m.TotalShares.Sign() > 0 {
			newPrice = m.MarketCashPool.Div(m.TotalShares).Round(0)
			if newPrice.Sign() < 1 {
				newPrice = decimal.NewFromInt(1)
			}
		}
		newPrice = e.clamp(b, oldPrice, newPrice)
		m.PricePerShare = newPrice
		byBiome[b] = m

		if err := e.store.PutBiomeMarket(m); err != nil {
			return err
		}
		if err := e.store.SaveAttentionAccumulator(b, 0); err != nil {
			e.logger.Warn("persist attention accumulator", "biome", b, "error", err)
		}

		update := Update{
			Biome:          b,
			Price:          m.PricePerShare,
			TotalShares:    m.TotalShares,
			MarketCashPool: m.MarketCashPool,
			Timestamp:      now,
		}
		if e.cache != nil {
			if err := e.cache.Publish(ctx, cache.BiomeMarketUpdateChannel, update); err != nil {
				e.logger.Warn("publish biome market update", "biome", b, "error", err)
			}
		}
	}
	return nil
}

// redistribute performs a uniform withdrawal from every biome's pool
// followed by an attention-weighted redeposit of the pooled total. Cash is
// conserved by construction: the sum withdrawn is fully redeposited.
func (e *Engine) redistribute(byBiome map[domain.Biome]domain.BiomeMarket, attention map[domain.Biome]float64, total float64) {
	frac := decimal.NewFromFloat(e.cfg.RedistribFraction)
	var pooled decimal.Decimal
	for _, b := range domain.Biomes {
		m := byBiome[b]
		withdrawal := m.MarketCashPool.Mul(frac)
		m.MarketCashPool = m.MarketCashPool.Sub(withdrawal)
		pooled = pooled.Add(withdrawal)
		byBiome[b] = m
	}

	for _, b := range domain.Biomes {
		share := attention[b] / total
		deposit := pooled.Mul(decimal.NewFromFloat(share))
		m := byBiome[b]
		m.MarketCashPool = m.MarketCashPool.Add(deposit)
		byBiome[b] = m
	}
}

// clamp bounds a price move to at most MaxPriceMove in either direction
// per cycle.
func (e *Engine) clamp(b domain.Biome, oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.Sign() <= 0 {
		return newPrice
	}
	delta := newPrice.Sub(oldPrice)
	moveFrac, _ := delta.Div(oldPrice).Float64()
	if math.Abs(moveFrac) <= e.cfg.MaxPriceMove {
		return newPrice
	}
	bound := decimal.NewFromFloat(e.cfg.MaxPriceMove)
	var clamped decimal.Decimal
	if moveFrac > 0 {
		clamped = oldPrice.Mul(decimal.NewFromInt(1).Add(bound))
	} else {
		clamped = oldPrice.Mul(decimal.NewFromInt(1).Sub(bound))
	}
	clamped = clamped.Round(0)
	e.logger.Info("price move clamped", "biome", b, "old", oldPrice, "unclamped_new", newPrice, "clamped_new", clamped)
	return clamped
}
