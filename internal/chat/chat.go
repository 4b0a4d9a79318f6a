// Package chat implements the durable messaging service: lazy
// materialization of land-proximity sessions, message persistence with
// leave-message and read-receipt semantics, paginated history, and the
// retention sweep. Broadcast and persistence are deliberately independent:
// a failed write is logged but does not silence the room, and a failed
// broadcast never rolls a stored message back.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"virtualworld/internal/apperr"
	"virtualworld/internal/config"
	"virtualworld/internal/domain"
	"virtualworld/internal/rooms"
	"virtualworld/internal/store"
	"virtualworld/pkg/frame"
)

// softDeleteWindow bounds how long after sending a user may still retract
// their own message (it becomes a tombstone in history).
const softDeleteWindow = 10 * time.Minute

// PresenceSource answers "is this user online right now", used to decide
// whether a message to a land room is a leave-message.
type PresenceSource interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// RoomBroadcaster fans a frame out to a room's current members.
type RoomBroadcaster interface {
	Broadcast(room string, f any, exclude rooms.Conn)
}

// UserDelivery addresses a specific user across all their connections.
type UserDelivery interface {
	Deliver(userID string, env frame.Envelope)
	IsConnected(userID string) bool
}

// Service is the chat service.
type Service struct {
	store    *store.Store
	presence PresenceSource
	rooms    RoomBroadcaster
	delivery UserDelivery
	cfg      config.ChatConfig
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a chat service over the durable store, presence source, room
// broadcaster, and per-user delivery surface.
func New(st *store.Store, ps PresenceSource, rb RoomBroadcaster, ud UserDelivery, cfg config.ChatConfig, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		presence: ps,
		rooms:    rb,
		delivery: ud,
		cfg:      cfg,
		logger:   logger.With("component", "chat"),
		now:      time.Now,
	}
}

// ParseLandRoomID extracts the coordinates from a `land_<x>_<y>` room id,
// ok=false for any other shape (private session ids are UUIDs).
func ParseLandRoomID(roomID string) (x, y int, ok bool) {
	rest, found := strings.CutPrefix(roomID, "land_")
	if !found {
		return 0, 0, false
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(parts[0])
	y, errY := strconv.Atoi(parts[1])
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}

// EnsureSession returns the session for roomID, materializing a
// land-proximity session on first use. Private session ids must already
// exist; an unknown non-land id is NotFound.
func (s *Service) EnsureSession(ctx context.Context, roomID string) (domain.ChatSession, error) {
	sess, err := s.store.GetChatSession(roomID)
	if err == nil {
		if sess.DeletedAt != nil {
			return domain.ChatSession{}, apperr.New(apperr.KindNotFound, "chat session %s not found", roomID)
		}
		return sess, nil
	}
	if ae, ok := apperr.As(err); !ok || ae.Kind != apperr.KindNotFound {
		return domain.ChatSession{}, err
	}

	x, y, isLand := ParseLandRoomID(roomID)
	if !isLand {
		return domain.ChatSession{}, apperr.New(apperr.KindNotFound, "chat session %s not found", roomID)
	}

	// The land row may not exist yet (unclaimed world space still hosts a
	// room); a materialized session for unclaimed land simply has no land
	// reference and therefore no leave-message semantics.
	landID := ""
	if land, err := s.store.GetLandByCoord(x, y); err == nil {
		landID = land.ID
	}

	sess = domain.ChatSession{
		ID:           roomID,
		LandID:       landID,
		Name:         fmt.Sprintf("Land (%d, %d)", x, y),
		Public:       true,
		RetentionTTL: s.cfg.DefaultRetentionTTL,
	}
	if err := s.store.PutChatSession(sess); err != nil {
		return domain.ChatSession{}, err
	}
	s.logger.Info("materialized land session", "session_id", roomID, "land_id", landID)
	return sess, nil
}

// Join registers userID as a participant of roomID, materializing a land
// session if needed.
func (s *Service) Join(ctx context.Context, userID, roomID string) (domain.ChatSession, error) {
	sess, err := s.EnsureSession(ctx, roomID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if err := s.store.AddSessionParticipant(sess.ID, userID); err != nil {
		return domain.ChatSession{}, err
	}
	return sess, nil
}

// SendMessage persists a message into roomID's session and broadcasts it
// to the room. The message is a leave-message iff the session is
// land-proximity, the land has an owner, and that owner is offline at send
// time.
func (s *Service) SendMessage(ctx context.Context, senderID, roomID, content string) (domain.Message, error) {
	if content == "" {
		return domain.Message{}, apperr.New(apperr.KindValidation, "message content must not be empty")
	}

	sess, err := s.EnsureSession(ctx, roomID)
	if err != nil {
		return domain.Message{}, err
	}

	isLeave := false
	if sess.IsLandSession() && sess.LandID != "" {
		land, err := s.store.GetLand(sess.LandID)
		if err == nil && land.OwnerID != "" && land.OwnerID != senderID {
			online, err := s.presence.IsOnline(ctx, land.OwnerID)
			if err != nil {
				s.logger.Warn("presence lookup failed, assuming owner offline", "owner_id", land.OwnerID, "error", err)
			}
			isLeave = !online
		}
	}

	now := s.now()
	msg := domain.Message{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		SenderID:       senderID,
		Content:        []byte(content),
		IsLeaveMessage: isLeave,
		CreatedAt:      now,
	}

	if err := s.store.PutMessage(msg); err != nil {
		// Persistence and broadcast are independent; the room still hears
		// the message.
		s.logger.Error("persist message failed", "session_id", sess.ID, "error", err)
	} else {
		sess.MessageCount++
		sess.LastMessageAt = now
		if err := s.store.PutChatSession(sess); err != nil {
			s.logger.Warn("update session counters failed", "session_id", sess.ID, "error", err)
		}
		if err := s.store.AddSessionParticipant(sess.ID, senderID); err != nil {
			s.logger.Warn("record participant failed", "session_id", sess.ID, "error", err)
		}
	}

	s.rooms.Broadcast(sess.ID, frame.Encode(frame.TypeMessage, frame.MessageOut{
		Room:           sess.ID,
		MessageID:      msg.ID,
		SenderID:       senderID,
		Content:        content,
		IsLeaveMessage: isLeave,
		CreatedAt:      now,
	}), nil)

	return msg, nil
}

// MarkRead marks every unread leave-message in the session as read by the
// land owner, emitting a read_receipt frame to each original sender still
// connected. Only the land owner may mark a session read; calling it twice
// in a row is a no-op the second time.
func (s *Service) MarkRead(ctx context.Context, readerID, sessionID string) (int, error) {
	sess, err := s.store.GetChatSession(sessionID)
	if err != nil {
		return 0, err
	}
	if !sess.IsLandSession() || sess.LandID == "" {
		return 0, apperr.New(apperr.KindValidation, "session %s has no leave-messages to mark read", sessionID)
	}
	land, err := s.store.GetLand(sess.LandID)
	if err != nil {
		return 0, err
	}
	if land.OwnerID != readerID {
		return 0, apperr.New(apperr.KindPermission, "only the land owner can mark leave-messages read")
	}

	unread, err := s.store.UnreadLeaveMessages(sessionID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	bySender := make(map[string][]string)
	count := 0
	for _, m := range unread {
		if m.SenderID == readerID {
			continue
		}
		m.ReadByOwner = true
		m.ReadAt = &now
		if err := s.store.PutMessage(m); err != nil {
			return count, err
		}
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
		count++
	}

	for senderID, msgIDs := range bySender {
		if !s.delivery.IsConnected(senderID) {
			continue
		}
		s.delivery.Deliver(senderID, frame.Encode(frame.TypeReadReceipt, frame.ReadReceipt{
			Room:       sessionID,
			MessageIDs: msgIDs,
			ReaderID:   readerID,
			ReadAt:     now,
		}))
	}
	return count, nil
}

// History returns up to limit messages older than cursorID (exclusive),
// newest first. limit is capped by config; messages soft-deleted by their
// sender come back as tombstones (empty content, Deleted set).
func (s *Service) History(ctx context.Context, sessionID, cursorID string, limit int) ([]HistoryEntry, error) {
	if _, err := s.store.GetChatSession(sessionID); err != nil {
		return nil, err
	}
	max := s.cfg.MaxHistoryLimit
	if max <= 0 || max > 100 {
		max = 100
	}
	if limit <= 0 || limit > max {
		limit = max
	}
	msgs, err := s.store.HistoryBefore(sessionID, cursorID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		e := HistoryEntry{
			MessageID:      m.ID,
			SenderID:       m.SenderID,
			IsLeaveMessage: m.IsLeaveMessage,
			ReadByOwner:    m.ReadByOwner,
			ReadAt:         m.ReadAt,
			CreatedAt:      m.CreatedAt,
		}
		if m.DeletedAt != nil {
			e.Deleted = true
		} else {
			e.Content = string(m.Content)
		}
		out = append(out, e)
	}
	return out, nil
}

// HistoryEntry is one history row; a tombstone when Deleted is true.
type HistoryEntry struct {
	MessageID      string     `json:"message_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
	IsLeaveMessage bool       `json:"is_leave_message"`
	ReadByOwner    bool       `json:"read_by_owner"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeleteMessage soft-deletes the sender's own message within the
// retraction window. History thereafter returns it as a tombstone.
func (s *Service) DeleteMessage(ctx context.Context, callerID, sessionID, messageID string) error {
	m, err := s.store.GetMessageByID(sessionID, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != callerID {
		return apperr.New(apperr.KindPermission, "only the sender can delete a message")
	}
	if s.now().Sub(m.CreatedAt) > softDeleteWindow {
		return apperr.New(apperr.KindConflict, "message is too old to delete")
	}
	now := s.now()
	m.DeletedAt = &now
	return s.store.PutMessage(m)
}

// ListSessions returns every session the user participates in, most
// recently active first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]domain.ChatSession, error) {
	ids, err := s.store.SessionIDsForUser(userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.store.GetChatSession(id)
		if err != nil {
			continue
		}
		if sess.DeletedAt != nil {
			continue
		}
		out = append(out, sess)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].LastMessageAt.After(out[i].LastMessageAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// UnreadCount is one land's unread leave-message tally.
type UnreadCount struct {
	LandID    string `json:"land_id"`
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}

// UnreadCounts returns per-land unread leave-message counts for every land
// the caller owns. Lands whose session has never materialized count zero
// and are omitted.
func (s *Service) UnreadCounts(ctx context.Context, ownerID string) ([]UnreadCount, error) {
	lands, err := s.store.LandsForOwner(ownerID)
	if err != nil {
		return nil, err
	}
	var out []UnreadCount
	for _, land := range lands {
		sessionID := land.RoomID()
		if _, err := s.store.GetChatSession(sessionID); err != nil {
			continue
		}
		n, err := s.store.UnreadCountForSession(sessionID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, UnreadCount{LandID: land.ID, SessionID: sessionID, Count: n})
		}
	}
	return out, nil
}

// SessionForLand resolves the session backing a land's proximity room.
func (s *Service) SessionForLand(ctx context.Context, landID string) (domain.ChatSession, error) {
	land, err := s.store.GetLand(landID)
	if err != nil {
		return domain.ChatSession{}, err
	}
	return s.store.GetChatSession(land.RoomID())
}

// SweepRetention deletes messages older than each session's retention TTL
// (falling back to the configured default), returning how many rows were
// removed.
func (s *Service) SweepRetention(ctx context.Context) (int, error) {
	sessions, err := s.store.ListChatSessions()
	if err != nil {
		return 0, err
	}
	total := 0
	now := s.now()
	for _, sess := range sessions {
		ttl := sess.RetentionTTL
		if ttl <= 0 {
			ttl = s.cfg.DefaultRetentionTTL
		}
		if ttl <= 0 {
			continue
		}
		n, err := s.store.DeleteMessagesBefore(sess.ID, now.Add(-ttl))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RunRetentionSweeper blocks, sweeping expired messages every interval
// until ctx is cancelled.
func (s *Service) RunRetentionSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepRetention(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("retention sweep", "deleted", n)
			}
		}
	}
}
