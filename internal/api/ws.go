package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"virtualworld/internal/apperr"
	"virtualworld/internal/cache"
	"virtualworld/pkg/frame"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers reach this server through the deployment's reverse proxy,
	// which pins allowed origins; the hub re-checks identity via the
	// bearer token either way.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWSConnect serves both hub entry points (`/ws/connect` and the
// signaling-dedicated `/webrtc/signal` alias): upgrade, authenticate the
// token query parameter, then hand the socket to the hub until it closes.
func (s *Server) handleWSConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	token := r.URL.Query().Get("token")
	id, err := s.hub.Authenticate(r.Context(), token)
	if err != nil {
		s.logger.Warn("websocket auth failed", "remote", r.RemoteAddr)
		msg := websocket.FormatCloseMessage(apperr.WSCloseAuthFailed, "authentication failed")
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		ws.Close()
		return
	}

	s.hub.Accept(r.Context(), ws, uuid.NewString(), id.UserID, string(id.Role))
}

// consumeMarketUpdates subscribes to the cross-process market-update
// channel and fans each envelope out to every connection on this hub.
func (s *Server) consumeMarketUpdates(ctx context.Context) {
	updates := s.cache.Subscribe(ctx, cache.BiomeMarketUpdateChannel)
	for raw := range updates {
		s.hub.BroadcastAll(frame.Envelope{Type: frame.TypeBiomeMarketUpdate, Payload: raw})
	}
}
