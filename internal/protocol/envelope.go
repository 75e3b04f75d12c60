// Package protocol defines the JSON envelopes exchanged between room relay
// clients and the server.
//
// Every frame on the wire is an Envelope: a "type" discriminator plus an
// optional "payload" object whose shape depends on the type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound envelope types (client to server).
const (
	TypeCreateRoom = "createRoom"
	TypeJoinRoom   = "joinRoom"
	TypeChat       = "chat"
)

// Outbound envelope types (server to client).
const (
	TypeRoomCreated = "roomCreated"
	TypeRoomJoined  = "roomJoined"
	TypeMessage     = "message"
	TypeUserJoined  = "userJoined"
	TypeUserLeft    = "userLeft"
	TypeError       = "error"
)

// TimestampLayout renders UTC instants with millisecond precision and a Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ErrMalformedEnvelope is wrapped by every decode failure.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the frame exchanged over the transport.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRoomPayload is the body of a joinRoom request.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

// ChatPayload is the body of a chat request.
type ChatPayload struct {
	Message string `json:"message"`
}

// RoomCreatedPayload is sent to the creator of a room.
type RoomCreatedPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RoomJoinedPayload is sent to a connection that joined a room.
type RoomJoinedPayload struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	UserCount int    `json:"userCount"`
}

// MessagePayload is broadcast to every member of a room, sender included.
type MessagePayload struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// UserCountPayload carries the member count for userJoined and userLeft.
type UserCountPayload struct {
	UserCount int `json:"userCount"`
}

// ErrorPayload is sent to the caller of a failed request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode parses a raw frame into an Envelope. The payload is left raw so
// the caller can decode it once the type is known.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst. A missing payload
// leaves dst at its zero value.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// Encode marshals an outbound envelope of the given type.
func Encode(envelopeType string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", envelopeType, err)
	}
	return json.Marshal(Envelope{Type: envelopeType, Payload: body})
}

// FormatTimestamp renders t as an ISO-8601 UTC string.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
