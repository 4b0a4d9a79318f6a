package api

import (
	"context"
	"encoding/json"

	"virtualworld/internal/apperr"
	"virtualworld/internal/hub"
	"virtualworld/internal/presence"
	"virtualworld/internal/rooms"
	"virtualworld/pkg/frame"
)

// dispatcher routes inbound WebSocket frames to the services behind them.
// It satisfies hub.Dispatcher; per-frame errors surface back to the
// offending connection as error frames without closing it.
type dispatcher struct {
	s *Server
}

func newDispatcher(s *Server) *dispatcher { return &dispatcher{s: s} }

func decodePayload[T any](payload []byte) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, apperr.New(apperr.KindValidation, "frame missing payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, apperr.New(apperr.KindValidation, "malformed frame payload: %v", err)
	}
	return v, nil
}

func (d *dispatcher) Dispatch(ctx context.Context, conn *hub.Connection, frameType string, payload []byte) error {
	switch frameType {
	case frame.TypeJoinRoom:
		p, err := decodePayload[frame.JoinRoom](payload)
		if err != nil {
			return err
		}
		return d.joinRoom(ctx, conn, p.Room)

	case frame.TypeLeaveRoom:
		p, err := decodePayload[frame.LeaveRoom](payload)
		if err != nil {
			return err
		}
		d.s.hub.Rooms().Leave(p.Room, conn)
		conn.Send(frame.TypeLeftRoom, frame.LeftRoom{Room: p.Room})
		d.s.hub.Rooms().Broadcast(p.Room, frame.Encode(frame.TypeUserLeft, frame.UserLeft{Room: p.Room, UserID: conn.UserID()}), nil)
		return nil

	case frame.TypeSendMessage:
		p, err := decodePayload[frame.SendMessage](payload)
		if err != nil {
			return err
		}
		if !d.s.limiter.Allow(conn.UserID()) {
			return apperr.New(apperr.KindRateLimited, "rate limit exceeded")
		}
		_, err = d.s.chat.SendMessage(ctx, conn.UserID(), p.Room, p.Content)
		return err

	case frame.TypeUpdateLocation:
		p, err := decodePayload[frame.UpdateLocation](payload)
		if err != nil {
			return err
		}
		return d.updateLocation(ctx, conn, p.X, p.Y)

	case frame.TypeTyping:
		p, err := decodePayload[frame.Typing](payload)
		if err != nil {
			return err
		}
		d.s.hub.Rooms().Broadcast(p.Room, frame.Encode(frame.TypeTyping, frame.TypingOut{
			Room:     p.Room,
			UserID:   conn.UserID(),
			IsTyping: p.IsTyping,
		}), conn)
		return nil

	case frame.TypeLiveStart:
		p, err := decodePayload[frame.LiveStart](payload)
		if err != nil {
			return err
		}
		return d.s.signaling.LiveStart(conn, p.Room, p.Media)

	case frame.TypeLiveStop:
		p, err := decodePayload[frame.LiveStop](payload)
		if err != nil {
			return err
		}
		return d.s.signaling.LiveStop(conn, p.Room)

	case frame.TypeLiveStatus:
		p, err := decodePayload[frame.LiveStatus](payload)
		if err != nil {
			return err
		}
		conn.Send(frame.TypeLivePeers, frame.LivePeers{
			Room:  p.Room,
			Peers: d.s.signaling.LivePeers(p.Room, conn.UserID()),
		})
		return nil

	case frame.TypeCallInitiate:
		p, err := decodePayload[frame.CallInitiate](payload)
		if err != nil {
			return err
		}
		_, err = d.s.signaling.CallInitiate(conn.UserID(), p.CalleeID)
		return err

	case frame.TypeCallAccept:
		p, err := decodePayload[frame.CallAccept](payload)
		if err != nil {
			return err
		}
		return d.s.signaling.CallAccept(conn.UserID(), p.CallID)

	case frame.TypeCallReject:
		p, err := decodePayload[frame.CallReject](payload)
		if err != nil {
			return err
		}
		return d.s.signaling.CallReject(conn.UserID(), p.CallID)

	case frame.TypeCallHangup:
		p, err := decodePayload[frame.CallHangup](payload)
		if err != nil {
			return err
		}
		return d.s.signaling.CallHangup(conn.UserID(), p.CallID)

	case frame.TypeOffer, frame.TypeAnswer, frame.TypeICECandidate:
		p, err := decodePayload[frame.Signal](payload)
		if err != nil {
			return err
		}
		return d.s.signaling.Relay(conn.UserID(), frameType, p)

	default:
		return apperr.New(apperr.KindValidation, "unknown frame type %q", frameType)
	}
}

// joinRoom materializes the backing chat session (land rooms only; private
// session ids must already exist), adds the connection to the room, and
// answers with the membership and current live broadcasters.
func (d *dispatcher) joinRoom(ctx context.Context, conn *hub.Connection, room string) error {
	if room == "" {
		return apperr.New(apperr.KindValidation, "join_room requires a room")
	}
	if _, err := d.s.chat.Join(ctx, conn.UserID(), room); err != nil {
		return err
	}

	rm := d.s.hub.Rooms()
	rm.Join(room, conn)
	conn.Send(frame.TypeJoinedRoom, frame.JoinedRoom{Room: room, Members: rm.MemberUserIDs(room)})
	rm.Broadcast(room, frame.Encode(frame.TypeUserJoined, frame.UserJoined{Room: room, UserID: conn.UserID()}), conn)

	if peers := d.s.signaling.LivePeers(room, conn.UserID()); len(peers) > 0 {
		conn.Send(frame.TypeLivePeers, frame.LivePeers{Room: room, Peers: peers})
	}
	return nil
}

// updateLocation records the new coordinate and migrates the connection
// between land-proximity rooms.
func (d *dispatcher) updateLocation(ctx context.Context, conn *hub.Connection, x, y int) error {
	if err := d.s.presence.UpdateLocation(ctx, conn.UserID(), x, y); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "record location")
	}

	rm := d.s.hub.Rooms()
	oldRoom := conn.LandRoom()
	newRoom := rooms.LandRoomID(x, y)
	if oldRoom != newRoom {
		if _, err := d.s.chat.Join(ctx, conn.UserID(), newRoom); err != nil {
			return err
		}
		rm.Migrate(oldRoom, newRoom, conn)
		conn.SetLandRoom(newRoom)
		if oldRoom != "" {
			rm.Broadcast(oldRoom, frame.Encode(frame.TypeUserLeft, frame.UserLeft{Room: oldRoom, UserID: conn.UserID()}), nil)
		}
		rm.Broadcast(newRoom, frame.Encode(frame.TypeUserJoined, frame.UserJoined{Room: newRoom, UserID: conn.UserID()}), conn)
		if peers := d.s.signaling.LivePeers(newRoom, conn.UserID()); len(peers) > 0 {
			conn.Send(frame.TypeLivePeers, frame.LivePeers{Room: newRoom, Peers: peers})
		}
	}

	out := frame.Encode(frame.TypeLocationUpdated, frame.LocationUpdated{UserID: conn.UserID(), X: x, Y: y})
	conn.Enqueue(out)
	rm.Broadcast(newRoom, out, conn)

	// Users within the proximity radius but standing in other land rooms
	// still learn the mover is around.
	radius := d.s.cfg.Hub.NearbyRadius
	if radius <= 0 {
		radius = presence.DefaultRadius
	}
	nearby, err := d.s.presence.Nearby(ctx, x, y, radius)
	if err != nil {
		d.s.logger.Warn("nearby lookup failed", "error", err)
		return nil
	}
	update := frame.Encode(frame.TypePresenceUpdate, frame.PresenceUpdate{UserID: conn.UserID(), Online: true})
	for _, userID := range nearby {
		if userID == conn.UserID() {
			continue
		}
		d.s.hub.Deliver(userID, update)
	}
	return nil
}

// ConnectionClosed tears down signaling state tied to the closing
// connection.
func (d *dispatcher) ConnectionClosed(conn *hub.Connection) {
	d.s.signaling.ConnectionClosed(conn)
}
