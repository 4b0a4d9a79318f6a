package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/hkdf"

	"virtualworld/internal/authn"
	"virtualworld/internal/cache"
	"virtualworld/internal/chat"
	"virtualworld/internal/config"
	"virtualworld/internal/domain"
	"virtualworld/internal/hub"
	"virtualworld/internal/marketengine"
	"virtualworld/internal/presence"
	"virtualworld/internal/rooms"
	"virtualworld/internal/signaling"
	"virtualworld/internal/store"
	"virtualworld/internal/txn"

	"github.com/shopspring/decimal"
)

const testSecret = "test-deployment-secret"

// mintToken signs a bearer token the way the external auth service does.
func mintToken(t *testing.T, sub, role string) string {
	t.Helper()
	kdf := hkdf.New(sha256.New, []byte(testSecret), nil, []byte("virtualworld-bearer-mac"))
	key := make([]byte, 32)
	if _, err := kdf.Read(key); err != nil {
		t.Fatalf("derive key: %v", err)
	}
	payload, err := json.Marshal(map[string]any{"sub": sub, "role": role, "exp": time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr: ":0",
		Auth:       config.AuthConfig{Secret: testSecret},
		Fees:       config.FeesConfig{MarketplacePct: 0.05, BiomePct: 0.02},
		Market: config.MarketConfig{
			CycleInterval:     500 * time.Millisecond,
			RedistribFraction: 0.25,
			MaxPriceMove:      0.05,
			MaxSingleTxFrac:   0.10,
			InitialCashPool:   1000000,
			InitialSharePrice: 100,
		},
		Hub:       config.HubConfig{OutboundQueueDepth: 16, HeartbeatInterval: time.Minute, PresenceGracePeriod: time.Second},
		Chat:      config.ChatConfig{DefaultRetentionTTL: 720 * time.Hour, MaxHistoryLimit: 100},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
}

// newTestServer assembles the full service graph over a throwaway store.
// The Redis client is lazy, so REST paths that never touch the cache work
// without a running Redis.
func newTestServer(t *testing.T) (*Server, *store.Store, *httptest.Server) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ch, err := cache.Open("redis://127.0.0.1:6379/15")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	verifier, err := authn.NewLocal(cfg.Auth.Secret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	rm := rooms.New()
	pt := presence.New(ch, st, time.Minute, time.Second)
	h := hub.New(cfg.Hub, logger, rm, pt, verifier)
	engine := txn.New(st, cfg.Fees)
	market := marketengine.New(st, ch, cfg.Market, logger)
	if err := market.Seed(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	chatSvc := chat.New(st, pt, rm, h, cfg.Chat, logger)
	sigSvc := signaling.New(h, rm, logger, time.Minute)

	srv := NewServer(cfg, logger, st, ch, h, pt, chatSvc, sigSvc, engine, market)
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return srv, st, ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func TestAuthRequired(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/biome-market/markets", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error shape: %v (%s)", err, body)
	}
	if e.Error != "auth_error" {
		t.Errorf("error kind = %q, want auth_error", e.Error)
	}
}

func TestBiomeMarketEndpoints(t *testing.T) {
	_, st, ts := newTestServer(t)
	tok := mintToken(t, "trader", "user")

	if err := st.PutUser(domain.User{ID: "trader", DisplayName: "trader", Role: domain.RoleUser, Balance: decimal.NewFromInt(10000), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/biome-market/markets", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("markets status = %d (%s)", resp.StatusCode, body)
	}
	var markets struct {
		Markets []marketView `json:"markets"`
	}
	if err := json.Unmarshal(body, &markets); err != nil {
		t.Fatalf("decode markets: %v", err)
	}
	if len(markets.Markets) != 7 {
		t.Fatalf("markets = %d, want 7", len(markets.Markets))
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/biome-market/buy", tok, map[string]any{"biome": "forest", "amount": "1000"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("buy status = %d (%s)", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/biome-market/portfolio", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("portfolio status = %d (%s)", resp.StatusCode, body)
	}
	var portfolio struct {
		Holdings []struct {
			Biome  string          `json:"biome"`
			Shares decimal.Decimal `json:"shares"`
		} `json:"holdings"`
	}
	if err := json.Unmarshal(body, &portfolio); err != nil {
		t.Fatalf("decode portfolio: %v", err)
	}
	if len(portfolio.Holdings) != 1 || portfolio.Holdings[0].Biome != "forest" {
		t.Fatalf("portfolio = %+v, want one forest holding", portfolio.Holdings)
	}

	// Unknown biome maps to a 400 with the taxonomy kind.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/biome-market/buy", tok, map[string]any{"biome": "swamp", "amount": "10"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad biome status = %d (%s)", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/biome-market/track-attention", tok, map[string]any{"biome": "forest", "weight": 5.0})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("track-attention status = %d", resp.StatusCode)
	}
}

func TestMarketplaceFlow(t *testing.T) {
	_, st, ts := newTestServer(t)
	sellerTok := mintToken(t, "seller", "user")
	buyerTok := mintToken(t, "buyer", "user")

	for id, bal := range map[string]int64{"seller": 10000, "buyer": 2000} {
		if err := st.PutUser(domain.User{ID: id, DisplayName: id, Role: domain.RoleUser, Balance: decimal.NewFromInt(bal), CreatedAt: time.Now()}); err != nil {
			t.Fatalf("put user: %v", err)
		}
	}
	if err := st.PutLand(domain.Land{ID: "land-1", OwnerID: "seller", X: 3, Y: 4, Biome: domain.BiomeBeach}); err != nil {
		t.Fatalf("put land: %v", err)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/marketplace/listings", sellerTok, map[string]any{
		"land_id":    "land-1",
		"kind":       "fixed_price",
		"base_price": "1000",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create listing status = %d (%s)", resp.StatusCode, body)
	}
	var listing listingView
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/marketplace/listings", buyerTok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("browse status = %d", resp.StatusCode)
	}
	var browse struct {
		Listings []listingView `json:"listings"`
	}
	if err := json.Unmarshal(body, &browse); err != nil {
		t.Fatalf("decode browse: %v", err)
	}
	if len(browse.Listings) != 1 {
		t.Fatalf("browse = %d listings, want 1", len(browse.Listings))
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/marketplace/listings/%s/buy-now", ts.URL, listing.ID), buyerTok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("buy-now status = %d (%s)", resp.StatusCode, body)
	}

	buyer, err := st.GetUser("buyer")
	if err != nil {
		t.Fatalf("get buyer: %v", err)
	}
	if !buyer.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("buyer balance = %s, want 1000", buyer.Balance)
	}
	land, _ := st.GetLand("land-1")
	if land.OwnerID != "buyer" {
		t.Errorf("land owner = %s, want buyer", land.OwnerID)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/marketplace/transactions/audit-trail?source=marketplace", buyerTok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit-trail status = %d", resp.StatusCode)
	}
	var trail struct {
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(body, &trail); err != nil {
		t.Fatalf("decode trail: %v", err)
	}
	if len(trail.Transactions) != 1 {
		t.Errorf("audit trail = %d rows, want 1", len(trail.Transactions))
	}
}

func TestCancelListingPermission(t *testing.T) {
	_, st, ts := newTestServer(t)
	sellerTok := mintToken(t, "seller", "user")
	otherTok := mintToken(t, "other", "user")

	for _, id := range []string{"seller", "other"} {
		if err := st.PutUser(domain.User{ID: id, DisplayName: id, Role: domain.RoleUser, Balance: decimal.Zero, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("put user: %v", err)
		}
	}
	if err := st.PutLand(domain.Land{ID: "land-1", OwnerID: "seller", X: 0, Y: 0, Biome: domain.BiomeDesert}); err != nil {
		t.Fatalf("put land: %v", err)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/marketplace/listings", sellerTok, map[string]any{
		"land_id":    "land-1",
		"kind":       "fixed_price",
		"base_price": "500",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d (%s)", resp.StatusCode, body)
	}
	var listing listingView
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/marketplace/listings/"+listing.ID, otherTok, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-seller cancel status = %d, want 403", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/marketplace/listings/"+listing.ID, sellerTok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("seller cancel status = %d, want 200", resp.StatusCode)
	}
}

func TestChatHistoryRest(t *testing.T) {
	srv, st, ts := newTestServer(t)
	tok := mintToken(t, "alice", "user")

	if err := st.PutLand(domain.Land{ID: "land-1", OwnerID: "", X: 2, Y: 2, Biome: domain.BiomePlains}); err != nil {
		t.Fatalf("put land: %v", err)
	}
	if _, err := srv.chat.SendMessage(httptest.NewRequest("GET", "/", nil).Context(), "alice", "land_2_2", "hello"); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/chat/sessions/land_2_2/messages", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d (%s)", resp.StatusCode, body)
	}
	var hist struct {
		Messages []chat.HistoryEntry `json:"messages"`
	}
	if err := json.Unmarshal(body, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "hello" {
		t.Errorf("history = %+v, want the seeded message", hist.Messages)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/chat/sessions/nope/messages", tok, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/chat/sessions", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("sessions status = %d, want 200", resp.StatusCode)
	}
}
