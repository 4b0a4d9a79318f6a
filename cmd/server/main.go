// Virtual-world realtime core — the connection hub, chat service, live
// media signaling, marketplace/biome transaction engine, and the
// attention-driven market redistribution loop behind the browser client.
//
// Architecture:
//
//	cmd/server/main.go        — entry point: cobra CLI, config, wiring, signal handling
//	internal/store            — embedded goleveldb persistence + row-lock manager
//	internal/cache            — Redis-backed presence/pub-sub adapter
//	internal/txn              — transaction engine: marketplace sales, auctions, biome trades
//	internal/marketengine     — 500ms attention redistribution loop + price clamp
//	internal/hub              — per-user WebSocket connection registry and pumps
//	internal/rooms            — room membership and fan-out
//	internal/presence         — online state, last-seen, proximity queries
//	internal/chat             — durable messages, leave-messages, read receipts, retention
//	internal/signaling        — live broadcast registry and 1:1 call relay
//	internal/api              — chi REST routes + WebSocket frame dispatcher
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"virtualworld/internal/api"
	"virtualworld/internal/authn"
	"virtualworld/internal/cache"
	"virtualworld/internal/chat"
	"virtualworld/internal/config"
	"virtualworld/internal/hub"
	"virtualworld/internal/marketengine"
	"virtualworld/internal/presence"
	"virtualworld/internal/rooms"
	"virtualworld/internal/signaling"
	"virtualworld/internal/store"
	"virtualworld/internal/txn"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 storage unreachable at
// startup.
const (
	exitConfig  = 1
	exitStorage = 2
)

func main() {
	root := &cobra.Command{
		Use:   "worldd",
		Short: "virtual-world realtime core",
		SilenceUsage: true,
	}

	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the realtime core",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(cfgPath))
		},
	}
	serve.Flags().StringVar(&cfgPath, "config", "configs/config.yaml", "path to config file")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func run(cfgPath string) int {
	// Local-dev convenience; a missing .env is not an error.
	_ = godotenv.Load()

	if p := os.Getenv("WORLD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("store unreachable", "error", err, "dir", cfg.Store.DataDir)
		return exitStorage
	}
	defer st.Close()

	ch, err := cache.Open(cfg.Cache.URL)
	if err != nil {
		logger.Error("invalid cache url", "error", err)
		return exitConfig
	}
	defer ch.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Second)
	if err := ch.Ping(startupCtx); err != nil {
		cancelStartup()
		logger.Error("cache unreachable", "error", err, "url", cfg.Cache.URL)
		return exitStorage
	}
	cancelStartup()

	var verifier authn.Verifier
	if cfg.Auth.VerifierEndpoint != "" {
		verifier = authn.NewRemote(cfg.Auth.VerifierEndpoint, cfg.Auth.VerifyTimeout)
	} else {
		verifier, err = authn.NewLocal(cfg.Auth.Secret)
		if err != nil {
			logger.Error("auth setup failed", "error", err)
			return exitConfig
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rm := rooms.New()
	pt := presence.New(ch, st, cfg.Hub.HeartbeatInterval*2, cfg.Hub.PresenceGracePeriod)
	h := hub.New(cfg.Hub, logger, rm, pt, verifier)

	engine := txn.New(st, cfg.Fees)
	market := marketengine.New(st, ch, cfg.Market, logger)
	if err := market.Seed(); err != nil {
		logger.Error("seed biome markets failed", "error", err)
		return exitStorage
	}

	chatSvc := chat.New(st, pt, rm, h, cfg.Chat, logger)
	sigSvc := signaling.New(h, rm, logger, signaling.DefaultRingingTimeout)

	server := api.NewServer(*cfg, logger, st, ch, h, pt, chatSvc, sigSvc, engine, market)

	go market.Run(ctx)
	go engine.RunAuctionSweeper(ctx, time.Second, func(err error) {
		logger.Error("auction sweep failed", "error", err)
	})
	go chatSvc.RunRetentionSweeper(ctx, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	logger.Info("virtual-world core started",
		"addr", cfg.ListenAddr,
		"cycle_interval", cfg.Market.CycleInterval,
		"marketplace_fee", cfg.Fees.MarketplacePct,
		"biome_fee", cfg.Fees.BiomePct,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", "error", err)
			return exitStorage
		}
	}

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
