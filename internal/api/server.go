// Package api is the external surface: the chi-routed REST endpoints, the
// WebSocket entry points, and the frame dispatcher that routes inbound
// frames to the chat, signaling, presence, and room services.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"virtualworld/internal/cache"
	"virtualworld/internal/chat"
	"virtualworld/internal/config"
	"virtualworld/internal/hub"
	"virtualworld/internal/marketengine"
	"virtualworld/internal/presence"
	"virtualworld/internal/ratelimit"
	"virtualworld/internal/signaling"
	"virtualworld/internal/store"
	"virtualworld/internal/txn"
)

// restTimeout is the overall deadline every REST handler runs under.
const restTimeout = 30 * time.Second

// Server wires the services behind the REST and WebSocket surface.
type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *store.Store
	cache     *cache.Cache
	hub       *hub.Hub
	presence  *presence.Tracker
	chat      *chat.Service
	signaling *signaling.Service
	engine    *txn.Engine
	market    *marketengine.Engine
	limiter   *ratelimit.PerCaller
	server    *http.Server
}

// NewServer builds the API server and registers the frame dispatcher on
// the hub.
func NewServer(
	cfg config.Config,
	logger *slog.Logger,
	st *store.Store,
	ch *cache.Cache,
	h *hub.Hub,
	pt *presence.Tracker,
	cs *chat.Service,
	sig *signaling.Service,
	eng *txn.Engine,
	mkt *marketengine.Engine,
) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		store:     st,
		cache:     ch,
		hub:       h,
		presence:  pt,
		chat:      cs,
		signaling: sig,
		engine:    eng,
		market:    mkt,
		limiter:   ratelimit.NewPerCaller(float64(cfg.RateLimit.Burst), cfg.RateLimit.RequestsPerSecond),
	}
	h.SetDispatcher(newDispatcher(s))

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// WebSocket upgrades authenticate inside the handler (close code 4001
	// instead of an HTTP status) and run without the REST deadline.
	r.Get("/ws/connect", s.handleWSConnect)
	r.Get("/webrtc/signal", s.handleWSConnect)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(restTimeout))
		r.Use(s.requireAuth)

		r.Route("/chat", func(r chi.Router) {
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}/messages", s.handleSessionHistory)
			r.With(s.rateLimited).Post("/sessions/{id}/messages", s.handleSendMessage)
			r.Post("/sessions/{id}/mark-read", s.handleMarkRead)
			r.Get("/land/{id}/messages", s.handleLandHistory)
			r.Get("/unread-messages", s.handleUnreadMessages)
		})

		r.Route("/marketplace", func(r chi.Router) {
			r.Get("/listings", s.handleListListings)
			r.With(s.rateLimited).Post("/listings", s.handleCreateListing)
			r.With(s.rateLimited).Post("/listings/{id}/bids", s.handlePlaceBid)
			r.With(s.rateLimited).Post("/listings/{id}/buy-now", s.handleBuyNow)
			r.Delete("/listings/{id}", s.handleCancelListing)
			r.Get("/transactions/audit-trail", s.handleAuditTrail)
		})

		r.Route("/biome-market", func(r chi.Router) {
			r.Get("/markets", s.handleListMarkets)
			r.Get("/markets/{biome}", s.handleGetMarket)
			r.With(s.rateLimited).Post("/buy", s.handleBiomeBuy)
			r.With(s.rateLimited).Post("/sell", s.handleBiomeSell)
			r.Get("/portfolio", s.handlePortfolio)
			r.With(s.rateLimited).Post("/track-attention", s.handleTrackAttention)
		})
	})

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving and subscribes the hub to the market-update feed.
// It blocks until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go s.consumeMarketUpdates(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
