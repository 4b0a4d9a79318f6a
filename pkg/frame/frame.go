// Package frame defines the WebSocket wire protocol: a tagged union of
// JSON messages keyed by a `type` discriminator. Inbound frames are decoded
// with DecodeInbound; outbound frames are plain structs marshaled directly.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound type discriminators (client -> server).
const (
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeSendMessage    = "send_message"
	TypeUpdateLocation = "update_location"
	TypeTyping         = "typing"
	TypePing           = "ping"
	TypeLiveStart      = "live_start"
	TypeLiveStop       = "live_stop"
	TypeLiveStatus     = "live_status"
	TypeCallInitiate   = "call_initiate"
	TypeCallAccept     = "call_accept"
	TypeCallReject     = "call_reject"
	TypeCallHangup     = "call_hangup"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice_candidate"
)

// Outbound type discriminators (server -> client).
const (
	TypeConnected         = "connected"
	TypeJoinedRoom        = "joined_room"
	TypeLeftRoom          = "left_room"
	TypeMessage           = "message"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypePresenceUpdate    = "presence_update"
	TypeLocationUpdated   = "location_updated"
	TypePong              = "pong"
	TypeError             = "error"
	TypeLivePeers         = "live_peers"
	TypeLivePeerJoined    = "live_peer_joined"
	TypeLivePeerLeft      = "live_peer_left"
	TypeIncomingCall      = "incoming_call"
	TypeCallInitiated     = "call_initiated"
	TypeCallAccepted      = "call_accepted"
	TypeCallRejected      = "call_rejected"
	TypeCallStarted       = "call_started"
	TypeCallEnded         = "call_ended"
	TypeBiomeMarketUpdate = "biome_market_update"
	TypeReadReceipt       = "read_receipt"
)

// Envelope is the common shape every frame (inbound or outbound) shares: a
// discriminator plus an opaque payload decoded by the dispatcher's switch.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payload types, one per client -> server frame.

type JoinRoom struct {
	Room string `json:"room"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

type SendMessage struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

type UpdateLocation struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Typing struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"is_typing"`
}

type LiveStart struct {
	Room  string `json:"room"`
	Media string `json:"media"` // "audio" or "video"
}

type LiveStop struct {
	Room string `json:"room"`
}

type LiveStatus struct {
	Room string `json:"room"`
}

type CallInitiate struct {
	CalleeID string `json:"callee_id"`
}

type CallAccept struct {
	CallID string `json:"call_id"`
}

type CallReject struct {
	CallID string `json:"call_id"`
}

type CallHangup struct {
	CallID string `json:"call_id"`
}

// Signal carries the WebRTC payloads the server relays unopened between
// peers — offer, answer, and ice_candidate all share this shape, addressed
// point-to-point by user id plus a call id (a 1:1 call's id or a live-mesh
// pairing id chosen by the initiating peer).
type Signal struct {
	To        string `json:"to"`
	CallID    string `json:"call_id"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Outbound payload types, one per server -> client frame.

type Connected struct {
	UserID string `json:"user_id"`
}

type JoinedRoom struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
}

type LeftRoom struct {
	Room string `json:"room"`
}

type MessageOut struct {
	Room           string    `json:"room"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	IsLeaveMessage bool      `json:"is_leave_message"`
	CreatedAt      time.Time `json:"created_at"`
}

type UserJoined struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

type UserLeft struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

type PresenceUpdate struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type LocationUpdated struct {
	UserID string `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

type TypingOut struct {
	Room     string `json:"room"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type ErrorOut struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Ref    string `json:"ref,omitempty"`
}

// LivePeer is one broadcaster entry in a live_peers response.
type LivePeer struct {
	UserID string `json:"user_id"`
	Media  string `json:"media"`
}

type LivePeers struct {
	Room  string     `json:"room"`
	Peers []LivePeer `json:"peers"`
}

type LivePeerJoined struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
	Media  string `json:"media"`
}

type LivePeerLeft struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

type IncomingCall struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
}

type CallInitiated struct {
	CallID   string `json:"call_id"`
	CalleeID string `json:"callee_id"`
}

type CallAccepted struct {
	CallID string `json:"call_id"`
}

type CallRejected struct {
	CallID string `json:"call_id"`
}

type CallStarted struct {
	CallID string `json:"call_id"`
	PeerID string `json:"peer_id"`
}

type CallEnded struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

type ReadReceipt struct {
	Room       string    `json:"room"`
	MessageIDs []string  `json:"message_ids"`
	ReaderID   string    `json:"reader_id"`
	ReadAt     time.Time `json:"read_at"`
}

// Encode wraps a payload struct with its type discriminator into an
// Envelope suitable for json.Marshal onto the wire.
func Encode(typ string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		// payload types are all static structs; a marshal failure here is a
		// programmer error, not a runtime condition callers can recover from.
		panic(fmt.Sprintf("frame: encode %s: %v", typ, err))
	}
	return Envelope{Type: typ, Payload: data}
}

// DecodeInbound parses a raw client frame and returns its discriminator
// plus the still-undecoded payload bytes for the caller to unmarshal into
// the matching inbound struct.
func DecodeInbound(raw []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("frame missing type discriminator")
	}
	return env.Type, env.Payload, nil
}
