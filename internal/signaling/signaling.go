// Package signaling implements live media discovery and relay: a per-room
// registry of broadcasters for many-to-many room audio/video, and a 1:1
// call lifecycle (ringing → active → ended). The service never opens or
// modifies SDP/ICE payloads; its sole roles are discovery (who is
// broadcasting where) and point-to-point relay of signaling frames.
package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"virtualworld/internal/apperr"
	"virtualworld/internal/rooms"
	"virtualworld/pkg/frame"
)

// DefaultRingingTimeout bounds how long a call may stay in ringing before
// it auto-ends.
const DefaultRingingTimeout = 60 * time.Second

// MediaAudio and MediaVideo are the recognized broadcast media types.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// CallState is a 1:1 call's lifecycle state.
type CallState string

const (
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

// UserDelivery addresses a specific user across all their connections.
type UserDelivery interface {
	Deliver(userID string, env frame.Envelope)
	IsConnected(userID string) bool
}

// RoomBroadcaster fans a frame out to a room's current members.
type RoomBroadcaster interface {
	Broadcast(room string, f any, exclude rooms.Conn)
}

type liveEntry struct {
	userID string
	connID string
	media  string
}

type call struct {
	id       string
	callerID string
	calleeID string
	state    CallState
	cancel   context.CancelFunc // stops the ringing timeout
}

// Service is the signaling relay.
type Service struct {
	delivery UserDelivery
	rooms    RoomBroadcaster
	logger   *slog.Logger
	timeout  time.Duration

	mu          sync.Mutex
	liveByRoom  map[string]map[string]liveEntry // room -> user -> entry
	liveByConn  map[string]map[string]struct{}  // conn -> rooms it broadcasts in
	calls       map[string]*call
	callsByUser map[string]map[string]struct{} // user -> call ids
}

// New builds a signaling service. ringingTimeout <= 0 selects the default.
func New(ud UserDelivery, rb RoomBroadcaster, logger *slog.Logger, ringingTimeout time.Duration) *Service {
	if ringingTimeout <= 0 {
		ringingTimeout = DefaultRingingTimeout
	}
	return &Service{
		delivery:    ud,
		rooms:       rb,
		logger:      logger.With("component", "signaling"),
		timeout:     ringingTimeout,
		liveByRoom:  make(map[string]map[string]liveEntry),
		liveByConn:  make(map[string]map[string]struct{}),
		calls:       make(map[string]*call),
		callsByUser: make(map[string]map[string]struct{}),
	}
}

// LiveStart registers conn's user as a broadcaster in room and announces
// the new peer to the room.
func (s *Service) LiveStart(conn rooms.Conn, room, media string) error {
	if media != MediaAudio && media != MediaVideo {
		return apperr.New(apperr.KindValidation, "unknown media type %q", media)
	}
	if room == "" {
		return apperr.New(apperr.KindValidation, "live_start requires a room")
	}

	s.mu.Lock()
	entries, ok := s.liveByRoom[room]
	if !ok {
		entries = make(map[string]liveEntry)
		s.liveByRoom[room] = entries
	}
	entries[conn.UserID()] = liveEntry{userID: conn.UserID(), connID: conn.ID(), media: media}

	set, ok := s.liveByConn[conn.ID()]
	if !ok {
		set = make(map[string]struct{})
		s.liveByConn[conn.ID()] = set
	}
	set[room] = struct{}{}
	s.mu.Unlock()

	s.rooms.Broadcast(room, frame.Encode(frame.TypeLivePeerJoined, frame.LivePeerJoined{
		Room:   room,
		UserID: conn.UserID(),
		Media:  media,
	}), conn)
	return nil
}

// LiveStop deregisters conn's user as a broadcaster in room and announces
// the departure.
func (s *Service) LiveStop(conn rooms.Conn, room string) error {
	s.mu.Lock()
	removed := s.removeLiveLocked(room, conn.UserID(), conn.ID())
	s.mu.Unlock()

	if removed {
		s.rooms.Broadcast(room, frame.Encode(frame.TypeLivePeerLeft, frame.LivePeerLeft{
			Room:   room,
			UserID: conn.UserID(),
		}), nil)
	}
	return nil
}

func (s *Service) removeLiveLocked(room, userID, connID string) bool {
	entries, ok := s.liveByRoom[room]
	if !ok {
		return false
	}
	e, ok := entries[userID]
	if !ok || e.connID != connID {
		return false
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(s.liveByRoom, room)
	}
	if set, ok := s.liveByConn[connID]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(s.liveByConn, connID)
		}
	}
	return true
}

// LivePeers returns the broadcasters currently registered in room,
// excluding the asking user — a broadcaster never sees itself in its own
// peer list.
func (s *Service) LivePeers(room, askingUserID string) []frame.LivePeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.liveByRoom[room]
	out := make([]frame.LivePeer, 0, len(entries))
	for userID, e := range entries {
		if userID == askingUserID {
			continue
		}
		out = append(out, frame.LivePeer{UserID: userID, Media: e.media})
	}
	return out
}

// Relay forwards an offer, answer, or ice_candidate frame to its addressee
// with the SDP/candidate payload unchanged and To rewritten to the sender.
// frameType must be one of the three signaling discriminators.
func (s *Service) Relay(fromUserID, frameType string, sig frame.Signal) error {
	if sig.To == "" {
		return apperr.New(apperr.KindValidation, "%s frame missing addressee", frameType)
	}
	if !s.delivery.IsConnected(sig.To) {
		return apperr.New(apperr.KindNotFound, "user %s is not connected", sig.To)
	}
	// Rewrite the addressee to the sender so the receiving client knows
	// who to answer; the SDP/candidate payload passes through untouched.
	out := sig
	out.To = fromUserID
	s.delivery.Deliver(sig.To, frame.Encode(frameType, out))
	return nil
}

// CallInitiate opens a 1:1 call from caller to callee, delivering
// incoming_call to the callee and call_initiated back to the caller. The
// call auto-ends if not accepted within the ringing timeout.
func (s *Service) CallInitiate(callerID, calleeID string) (string, error) {
	if calleeID == "" {
		return "", apperr.New(apperr.KindValidation, "call_initiate requires a callee")
	}
	if calleeID == callerID {
		return "", apperr.New(apperr.KindValidation, "cannot call yourself")
	}
	if !s.delivery.IsConnected(calleeID) {
		return "", apperr.New(apperr.KindNotFound, "user %s is not connected", calleeID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		id:       uuid.NewString(),
		callerID: callerID,
		calleeID: calleeID,
		state:    CallRinging,
		cancel:   cancel,
	}

	s.mu.Lock()
	s.calls[c.id] = c
	s.indexCallLocked(c)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.timeout):
		}
		s.endCall(c.id, "timeout", "")
	}()

	s.delivery.Deliver(callerID, frame.Encode(frame.TypeCallInitiated, frame.CallInitiated{CallID: c.id, CalleeID: calleeID}))
	s.delivery.Deliver(calleeID, frame.Encode(frame.TypeIncomingCall, frame.IncomingCall{CallID: c.id, CallerID: callerID}))
	s.logger.Info("call initiated", "call_id", c.id, "caller", callerID, "callee", calleeID)
	return c.id, nil
}

// CallAccept transitions a ringing call to active. Only the callee may
// accept. Both parties receive call_started naming their peer.
func (s *Service) CallAccept(userID, callID string) error {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "call %s not found", callID)
	}
	if c.calleeID != userID {
		s.mu.Unlock()
		return apperr.New(apperr.KindPermission, "only the callee can accept call %s", callID)
	}
	if c.state != CallRinging {
		s.mu.Unlock()
		return apperr.New(apperr.KindConflict, "call %s is not ringing", callID)
	}
	c.state = CallActive
	c.cancel()
	callerID, calleeID := c.callerID, c.calleeID
	s.mu.Unlock()

	s.delivery.Deliver(callerID, frame.Encode(frame.TypeCallAccepted, frame.CallAccepted{CallID: callID}))
	s.delivery.Deliver(callerID, frame.Encode(frame.TypeCallStarted, frame.CallStarted{CallID: callID, PeerID: calleeID}))
	s.delivery.Deliver(calleeID, frame.Encode(frame.TypeCallStarted, frame.CallStarted{CallID: callID, PeerID: callerID}))
	return nil
}

// CallReject ends a ringing call. Only the callee may reject.
func (s *Service) CallReject(userID, callID string) error {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "call %s not found", callID)
	}
	if c.calleeID != userID {
		s.mu.Unlock()
		return apperr.New(apperr.KindPermission, "only the callee can reject call %s", callID)
	}
	if c.state != CallRinging {
		s.mu.Unlock()
		return apperr.New(apperr.KindConflict, "call %s is not ringing", callID)
	}
	callerID := c.callerID
	s.mu.Unlock()

	s.delivery.Deliver(callerID, frame.Encode(frame.TypeCallRejected, frame.CallRejected{CallID: callID}))
	s.endCall(callID, "rejected", "")
	return nil
}

// CallHangup ends a call from either side.
func (s *Service) CallHangup(userID, callID string) error {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "call %s not found", callID)
	}
	if c.callerID != userID && c.calleeID != userID {
		s.mu.Unlock()
		return apperr.New(apperr.KindPermission, "user %s is not a participant of call %s", userID, callID)
	}
	s.mu.Unlock()

	s.endCall(callID, "hangup", "")
	return nil
}

// endCall transitions a call to ended (idempotent), notifying both
// parties. skipUserID suppresses delivery to a party whose connection is
// already gone.
func (s *Service) endCall(callID, reason, skipUserID string) {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok || c.state == CallEnded {
		s.mu.Unlock()
		return
	}
	c.state = CallEnded
	c.cancel()
	delete(s.calls, callID)
	s.unindexCallLocked(c)
	callerID, calleeID := c.callerID, c.calleeID
	s.mu.Unlock()

	env := frame.Encode(frame.TypeCallEnded, frame.CallEnded{CallID: callID, Reason: reason})
	if callerID != skipUserID {
		s.delivery.Deliver(callerID, env)
	}
	if calleeID != skipUserID {
		s.delivery.Deliver(calleeID, env)
	}
	s.logger.Info("call ended", "call_id", callID, "reason", reason)
}

func (s *Service) indexCallLocked(c *call) {
	for _, u := range []string{c.callerID, c.calleeID} {
		set, ok := s.callsByUser[u]
		if !ok {
			set = make(map[string]struct{})
			s.callsByUser[u] = set
		}
		set[c.id] = struct{}{}
	}
}

func (s *Service) unindexCallLocked(c *call) {
	for _, u := range []string{c.callerID, c.calleeID} {
		if set, ok := s.callsByUser[u]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(s.callsByUser, u)
			}
		}
	}
}

// ConnectionClosed tears down everything the closing connection holds: its
// live registrations (with live_peer_left to each room) and, if its user
// has no remaining connections, every call the user participates in.
func (s *Service) ConnectionClosed(conn rooms.Conn) {
	s.mu.Lock()
	var departed []string
	if set, ok := s.liveByConn[conn.ID()]; ok {
		for room := range set {
			if entries, ok := s.liveByRoom[room]; ok {
				if e, ok := entries[conn.UserID()]; ok && e.connID == conn.ID() {
					delete(entries, conn.UserID())
					if len(entries) == 0 {
						delete(s.liveByRoom, room)
					}
					departed = append(departed, room)
				}
			}
		}
		delete(s.liveByConn, conn.ID())
	}

	var endedCalls []string
	if !s.delivery.IsConnected(conn.UserID()) {
		for callID := range s.callsByUser[conn.UserID()] {
			endedCalls = append(endedCalls, callID)
		}
	}
	s.mu.Unlock()

	for _, room := range departed {
		s.rooms.Broadcast(room, frame.Encode(frame.TypeLivePeerLeft, frame.LivePeerLeft{
			Room:   room,
			UserID: conn.UserID(),
		}), conn)
	}
	for _, callID := range endedCalls {
		s.endCall(callID, "disconnected", conn.UserID())
	}
}
