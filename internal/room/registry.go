//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_conn.go -package=mocks github.com/Tyrowin/roomrelay/internal/room Conn

// Package room holds the process-wide registry of chat rooms and the
// connections bound to them.
//
// The Registry never performs I/O. Every operation captures, under one
// mutex, the connections that must be told about the change and hands them
// back to the caller, which sends outside the lock.
package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrRoomNotFound is returned when a join targets an unknown room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotInRoom is returned when an unbound connection sends chat.
	ErrNotInRoom = errors.New("connection is not in a room")
)

// Conn is the transport handle a member is bound to. The registry uses it
// only as an identity key; it never sends on it.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Member binds one connection to one room under one display identifier.
type Member struct {
	Conn   Conn
	RoomID string
	UserID string
}

// Room is one live chat room. Members are kept in join order.
type Room struct {
	ID        string
	Members   []*Member
	CreatedAt time.Time
}

func (r *Room) conns() []Conn {
	return lo.Map(r.Members, func(m *Member, _ int) Conn { return m.Conn })
}

// RoomInfo is a read-only copy of a room's state.
type RoomInfo struct {
	ID        string
	UserIDs   []string
	CreatedAt time.Time
}

// Departure describes what happened to the room a connection left.
type Departure struct {
	RoomID    string
	UserID    string
	UserCount int
	// Remaining members to notify; empty when the room was deleted.
	Remaining []Conn
	Deleted   bool
}

// CreateResult is returned by CreateRoom.
type CreateResult struct {
	Member Member
	// Left is set when the connection was bound elsewhere and had to leave.
	Left *Departure
}

// JoinResult is returned by JoinRoom.
type JoinResult struct {
	Member    Member
	UserCount int
	// Existing members, captured before the join, that must receive userJoined.
	Existing []Conn
	Left     *Departure
	// Already is true when the connection was already in the requested room.
	Already bool
}

// ChatRoute is the sender and the recipients of one chat message.
type ChatRoute struct {
	Sender     Member
	Recipients []Conn
}

// Registry is the authoritative store of rooms and connection bindings.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	members map[Conn]*Member

	nextRoomID func() string
	nextUserID func() string
	now        func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithRoomIDs overrides the room identifier source.
func WithRoomIDs(next func() string) Option {
	return func(r *Registry) { r.nextRoomID = next }
}

// WithUserIDs overrides the user identifier source.
func WithUserIDs(next func() string) Option {
	return func(r *Registry) { r.nextUserID = next }
}

// WithClock overrides the clock used for room creation times.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds an empty registry with nanoid-backed identifier sources.
func NewRegistry(opts ...Option) (*Registry, error) {
	roomIDs, err := NewRoomIDGenerator()
	if err != nil {
		return nil, err
	}
	userIDs, err := NewUserIDGenerator()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		rooms:      make(map[string]*Room),
		members:    make(map[Conn]*Member),
		nextRoomID: roomIDs.Next,
		nextUserID: userIDs,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// allocateRoomID draws until the candidate is not a live room. Caller holds mu.
func (r *Registry) allocateRoomID() string {
	for {
		id := r.nextRoomID()
		if _, taken := r.rooms[id]; !taken {
			return id
		}
	}
}

// CreateRoom opens a new room with conn as its only member.
func (r *Registry) CreateRoom(conn Conn) CreateResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := r.detach(conn)

	room := &Room{
		ID:        r.allocateRoomID(),
		CreatedAt: r.now(),
	}
	member := &Member{Conn: conn, RoomID: room.ID, UserID: r.nextUserID()}
	room.Members = append(room.Members, member)

	r.rooms[room.ID] = room
	r.members[conn] = member

	return CreateResult{Member: *member, Left: left}
}

// JoinRoom adds conn to an existing room. Existing holds the members that
// were in the room before the join; UserCount is the count after it.
func (r *Registry) JoinRoom(conn Conn, roomID string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return JoinResult{}, fmt.Errorf("join %q: %w", roomID, ErrRoomNotFound)
	}

	if current, bound := r.members[conn]; bound && current.RoomID == roomID {
		return JoinResult{Member: *current, UserCount: len(room.Members), Already: true}, nil
	}

	left := r.detach(conn)

	existing := room.conns()
	member := &Member{Conn: conn, RoomID: roomID, UserID: r.nextUserID()}
	room.Members = append(room.Members, member)
	r.members[conn] = member

	return JoinResult{
		Member:    *member,
		UserCount: len(room.Members),
		Existing:  existing,
		Left:      left,
	}, nil
}

// RouteChatMessage resolves the room of conn and returns every member of
// it, the sender included.
func (r *Registry) RouteChatMessage(conn Conn) (ChatRoute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.members[conn]
	if !ok {
		return ChatRoute{}, ErrNotInRoom
	}

	room, ok := r.rooms[member.RoomID]
	if !ok {
		return ChatRoute{}, fmt.Errorf("room %q vanished: %w", member.RoomID, ErrNotInRoom)
	}

	return ChatRoute{Sender: *member, Recipients: room.conns()}, nil
}

// RemoveConnection unbinds conn. It reports false when conn was never bound.
func (r *Registry) RemoveConnection(conn Conn) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := r.detach(conn)
	if left == nil {
		return Departure{}, false
	}
	return *left, true
}

// detach removes conn from its room, deleting the room when it empties.
// Caller holds mu.
func (r *Registry) detach(conn Conn) *Departure {
	member, ok := r.members[conn]
	if !ok {
		return nil
	}
	delete(r.members, conn)

	departure := &Departure{RoomID: member.RoomID, UserID: member.UserID}

	room, ok := r.rooms[member.RoomID]
	if !ok {
		departure.Deleted = true
		return departure
	}

	room.Members = lo.Reject(room.Members, func(m *Member, _ int) bool { return m.Conn == conn })
	departure.UserCount = len(room.Members)

	if len(room.Members) == 0 {
		delete(r.rooms, room.ID)
		departure.Deleted = true
		return departure
	}

	departure.Remaining = room.conns()
	return departure
}

// Lookup returns a copy of a live room.
func (r *Registry) Lookup(roomID string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{
		ID:        room.ID,
		UserIDs:   lo.Map(room.Members, func(m *Member, _ int) string { return m.UserID }),
		CreatedAt: room.CreatedAt,
	}, true
}

// Stats reports the number of live rooms and bound connections.
func (r *Registry) Stats() (rooms, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rooms), len(r.members)
}
