package server

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/room"
)

// roomNotFoundMessage is the exact text clients match on.
const roomNotFoundMessage = "Room not found"

// Dispatcher interprets inbound envelopes for one connection at a time,
// applies them to the registry and sends the resulting envelopes. Sends
// happen after the registry has released its lock.
//
// mu spans one registry operation and the sends it produces. Sends only
// queue on the connection, so every connection sees envelopes in the order
// the registry changed: a joiner gets roomJoined before any chat from the
// room, and userJoined/userLeft counts arrive in sequence.
type Dispatcher struct {
	mu       sync.Mutex
	registry *room.Registry
	log      *logrus.Entry
	now      func() time.Time
}

// NewDispatcher wires a dispatcher to the registry it mutates.
func NewDispatcher(registry *room.Registry, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		log:      log.WithField("component", "dispatcher"),
		now:      time.Now,
	}
}

// Handle processes one raw inbound payload from conn. Failures are logged
// and confined to this payload.
func (d *Dispatcher) Handle(conn room.Conn, raw []byte) {
	log := d.log.WithField("conn_id", conn.ID())
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Recovered from panic while handling envelope")
		}
	}()

	env, err := protocol.Decode(raw)
	if err != nil {
		log.WithError(err).Warn("Dropping malformed envelope")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch env.Type {
	case protocol.TypeCreateRoom:
		d.createRoom(conn, log)
	case protocol.TypeJoinRoom:
		d.joinRoom(conn, env, log)
	case protocol.TypeChat:
		d.chat(conn, env, log)
	default:
		log.WithField("type", env.Type).Debug("Ignoring envelope of unknown type")
	}
}

// Disconnect removes conn from the registry and tells the remaining members.
func (d *Dispatcher) Disconnect(conn room.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	departure, ok := d.registry.RemoveConnection(conn)
	if !ok {
		return
	}
	d.announceDeparture(&departure, d.log.WithField("conn_id", conn.ID()))
}

func (d *Dispatcher) createRoom(conn room.Conn, log *logrus.Entry) {
	res := d.registry.CreateRoom(conn)
	d.announceDeparture(res.Left, log)

	log.WithFields(logrus.Fields{
		"room_id": res.Member.RoomID,
		"user_id": res.Member.UserID,
	}).Info("Room created")

	d.reply(conn, protocol.TypeRoomCreated, protocol.RoomCreatedPayload{
		RoomID: res.Member.RoomID,
		UserID: res.Member.UserID,
	}, log)
}

func (d *Dispatcher) joinRoom(conn room.Conn, env protocol.Envelope, log *logrus.Entry) {
	var body protocol.JoinRoomPayload
	if err := env.DecodePayload(&body); err != nil {
		log.WithError(err).Warn("Dropping malformed envelope")
		return
	}

	res, err := d.registry.JoinRoom(conn, body.RoomID)
	if errors.Is(err, room.ErrRoomNotFound) {
		log.WithField("room_id", body.RoomID).Info("Join rejected, room not found")
		d.reply(conn, protocol.TypeError, protocol.ErrorPayload{Message: roomNotFoundMessage}, log)
		return
	}
	if err != nil {
		log.WithError(err).Error("Join failed")
		return
	}

	d.announceDeparture(res.Left, log)

	if !res.Already {
		d.broadcast(res.Existing, protocol.TypeUserJoined, protocol.UserCountPayload{UserCount: res.UserCount}, log)
	}

	log.WithFields(logrus.Fields{
		"room_id":    res.Member.RoomID,
		"user_id":    res.Member.UserID,
		"user_count": res.UserCount,
	}).Info("Room joined")

	d.reply(conn, protocol.TypeRoomJoined, protocol.RoomJoinedPayload{
		RoomID:    res.Member.RoomID,
		UserID:    res.Member.UserID,
		UserCount: res.UserCount,
	}, log)
}

func (d *Dispatcher) chat(conn room.Conn, env protocol.Envelope, log *logrus.Entry) {
	var body protocol.ChatPayload
	if err := env.DecodePayload(&body); err != nil {
		log.WithError(err).Warn("Dropping malformed envelope")
		return
	}

	route, err := d.registry.RouteChatMessage(conn)
	if err != nil {
		// The sender gets no error envelope for this.
		log.WithError(err).Warn("Dropping chat from connection outside a room")
		return
	}

	d.broadcast(route.Recipients, protocol.TypeMessage, protocol.MessagePayload{
		Message:   body.Message,
		UserID:    route.Sender.UserID,
		Timestamp: protocol.FormatTimestamp(d.now()),
	}, log.WithField("room_id", route.Sender.RoomID))
}

func (d *Dispatcher) announceDeparture(departure *room.Departure, log *logrus.Entry) {
	if departure == nil {
		return
	}

	log = log.WithFields(logrus.Fields{
		"room_id":    departure.RoomID,
		"user_id":    departure.UserID,
		"user_count": departure.UserCount,
	})

	if departure.Deleted {
		log.Info("Room emptied and deleted")
		return
	}

	log.Info("Member left room")
	d.broadcast(departure.Remaining, protocol.TypeUserLeft, protocol.UserCountPayload{UserCount: departure.UserCount}, log)
}

func (d *Dispatcher) reply(conn room.Conn, envelopeType string, payload any, log *logrus.Entry) {
	d.broadcast([]room.Conn{conn}, envelopeType, payload, log)
}

// broadcast encodes once and queues the envelope on every recipient.
func (d *Dispatcher) broadcast(recipients []room.Conn, envelopeType string, payload any, log *logrus.Entry) {
	if len(recipients) == 0 {
		return
	}

	data, err := protocol.Encode(envelopeType, payload)
	if err != nil {
		log.WithError(err).Error("Failed to encode outbound envelope")
		return
	}

	log.WithFields(logrus.Fields{
		"type":       envelopeType,
		"recipients": len(recipients),
	}).Debug("Sending envelope")

	for _, recipient := range recipients {
		d.send(recipient, data, log)
	}
}

func (d *Dispatcher) send(conn room.Conn, data []byte, log *logrus.Entry) {
	err := conn.Send(data)
	switch {
	case err == nil:
	case errors.Is(err, ErrSendBufferFull):
		log.WithField("recipient", conn.ID()).Warn("Send buffer full, closing slow connection")
		if cerr := conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			log.WithError(cerr).Warn("Error closing slow connection")
		}
	default:
		log.WithError(err).WithField("recipient", conn.ID()).Debug("Dropping envelope for closed connection")
	}
}
