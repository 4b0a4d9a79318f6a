package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"virtualworld/internal/chat"
	"virtualworld/internal/domain"
)

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

type sessionView struct {
	ID            string `json:"id"`
	LandID        string `json:"land_id,omitempty"`
	Name          string `json:"name"`
	Public        bool   `json:"public"`
	MessageCount  int64  `json:"message_count"`
	LastMessageAt string `json:"last_message_at,omitempty"`
}

func toSessionView(s domain.ChatSession) sessionView {
	v := sessionView{
		ID:           s.ID,
		LandID:       s.LandID,
		Name:         s.Name,
		Public:       s.Public,
		MessageCount: s.MessageCount,
	}
	if !s.LastMessageAt.IsZero() {
		v.LastMessageAt = s.LastMessageAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

// GET /chat/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.chat.ListSessions(r.Context(), callerIdentity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GET /chat/sessions/{id}/messages?cursor=<message id>&limit=<n>
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	cursor := r.URL.Query().Get("cursor")
	limit := queryInt(r, "limit", 0)

	entries, err := s.chat.History(r.Context(), sessionID, cursor, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": entries})
}

// POST /chat/sessions/{id}/messages — REST fallback send.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.chat.SendMessage(r.Context(), callerIdentity(r).UserID, chi.URLParam(r, "id"), body.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message_id": msg.ID,
		"session_id": msg.SessionID,
		"is_leave_message": msg.IsLeaveMessage,
		"created_at": msg.CreatedAt,
	})
}

// POST /chat/sessions/{id}/mark-read
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.chat.MarkRead(r.Context(), callerIdentity(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked_read": n})
}

// GET /chat/land/{id}/messages
func (s *Server) handleLandHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.chat.SessionForLand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.chat.History(r.Context(), sess.ID, r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "messages": entries})
}

// GET /chat/unread-messages
func (s *Server) handleUnreadMessages(w http.ResponseWriter, r *http.Request) {
	counts, err := s.chat.UnreadCounts(r.Context(), callerIdentity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if counts == nil {
		counts = []chat.UnreadCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": counts})
}
