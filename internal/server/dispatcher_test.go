package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/roomrelay/internal/mocks"
	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/room"
)

type sent struct {
	to  string
	env protocol.Envelope
}

// outbox records every envelope the dispatcher sends, across connections,
// in send order.
type outbox struct {
	mu   sync.Mutex
	sent []sent
}

func (o *outbox) record(to string, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		panic(err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sent{to: to, env: env})
}

func (o *outbox) drain() []sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.sent
	o.sent = nil
	return out
}

func (o *outbox) types() []string {
	var types []string
	for _, s := range o.drain() {
		types = append(types, s.to+":"+s.env.Type)
	}
	return types
}

type dispatcherFixture struct {
	ctrl       *gomock.Controller
	dispatcher *Dispatcher
	registry   *room.Registry
	out        *outbox
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	var mu sync.Mutex
	n := 0
	registry, err := room.NewRegistry(room.WithUserIDs(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("user-%d", n)
	}))
	require.NoError(t, err)

	d := NewDispatcher(registry, NewDiscardLogger())
	d.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 10_000_000, time.UTC) }

	return &dispatcherFixture{
		ctrl:       gomock.NewController(t),
		dispatcher: d,
		registry:   registry,
		out:        &outbox{},
	}
}

// conn returns a mock connection whose sends land in the fixture outbox.
func (f *dispatcherFixture) conn(id string) *mocks.MockConn {
	c := mocks.NewMockConn(f.ctrl)
	c.EXPECT().ID().Return(id).AnyTimes()
	c.EXPECT().Send(gomock.Any()).DoAndReturn(func(data []byte) error {
		f.out.record(id, data)
		return nil
	}).AnyTimes()
	return c
}

func (f *dispatcherFixture) handle(conn room.Conn, envelopeType string, payload any) {
	data, err := protocol.Encode(envelopeType, payload)
	if err != nil {
		panic(err)
	}
	f.dispatcher.Handle(conn, data)
}

func (f *dispatcherFixture) createRoom(t *testing.T, conn room.Conn) protocol.RoomCreatedPayload {
	t.Helper()
	f.dispatcher.Handle(conn, []byte(`{"type":"createRoom"}`))

	got := f.out.drain()
	require.Len(t, got, 1)
	require.Equal(t, protocol.TypeRoomCreated, got[0].env.Type)

	var body protocol.RoomCreatedPayload
	require.NoError(t, got[0].env.DecodePayload(&body))
	return body
}

func TestDispatcher_CreateRoom(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice := f.conn("alice")

	// When alice creates a room
	body := f.createRoom(t, alice)

	// Then she gets a fresh room id and user id
	req.Len(body.RoomID, room.RoomIDLength)
	req.Equal("user-1", body.UserID)

	info, ok := f.registry.Lookup(body.RoomID)
	req.True(ok)
	req.Equal([]string{"user-1"}, info.UserIDs)
}

func TestDispatcher_CreateRoom_IgnoresPayload(t *testing.T) {
	f := newDispatcherFixture(t)
	alice := f.conn("alice")

	f.dispatcher.Handle(alice, []byte(`{"type":"createRoom","payload":{"roomId":"whatever"}}`))

	got := f.out.drain()
	require.Len(t, got, 1)
	require.Equal(t, protocol.TypeRoomCreated, got[0].env.Type)
}

func TestDispatcher_JoinRoom(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice, bob, carol := f.conn("alice"), f.conn("bob"), f.conn("carol")

	roomID := f.createRoom(t, alice).RoomID

	// When bob joins, alice hears about it before bob gets his reply
	f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	got := f.out.drain()
	req.Len(got, 2)
	req.Equal("alice", got[0].to)
	req.Equal(protocol.TypeUserJoined, got[0].env.Type)
	req.Equal("bob", got[1].to)
	req.Equal(protocol.TypeRoomJoined, got[1].env.Type)

	var count protocol.UserCountPayload
	req.NoError(got[0].env.DecodePayload(&count))
	req.Equal(2, count.UserCount)

	var joined protocol.RoomJoinedPayload
	req.NoError(got[1].env.DecodePayload(&joined))
	req.Equal(protocol.RoomJoinedPayload{RoomID: roomID, UserID: "user-2", UserCount: 2}, joined)

	// When carol joins, both existing members are told the new count
	f.handle(carol, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	req.Equal([]string{"alice:userJoined", "bob:userJoined", "carol:roomJoined"}, f.out.types())
}

func TestDispatcher_JoinRoom_NotFound(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice, bob := f.conn("alice"), f.conn("bob")
	f.createRoom(t, alice)

	f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: "NoSuch12"})

	got := f.out.drain()
	req.Len(got, 1)
	req.Equal("bob", got[0].to)
	req.Equal(protocol.TypeError, got[0].env.Type)

	var body protocol.ErrorPayload
	req.NoError(got[0].env.DecodePayload(&body))
	req.Equal("Room not found", body.Message)

	rooms, conns := f.registry.Stats()
	req.Equal(1, rooms)
	req.Equal(1, conns)
}

func TestDispatcher_JoinRoom_SameRoomTwice(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice, bob := f.conn("alice"), f.conn("bob")
	roomID := f.createRoom(t, alice).RoomID

	f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	f.out.drain()

	// When bob repeats the join, only bob hears back
	f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	got := f.out.drain()
	req.Len(got, 1)
	req.Equal("bob", got[0].to)

	var joined protocol.RoomJoinedPayload
	req.NoError(got[0].env.DecodePayload(&joined))
	req.Equal(2, joined.UserCount)
	req.Equal("user-2", joined.UserID)
}

func TestDispatcher_Rebind(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice, bob := f.conn("alice"), f.conn("bob")
	roomID := f.createRoom(t, alice).RoomID

	f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	f.out.drain()

	// When bob opens his own room, alice sees him leave
	f.handle(bob, protocol.TypeCreateRoom, nil)
	req.Equal([]string{"alice:userLeft", "bob:roomCreated"}, f.out.types())

	rooms, conns := f.registry.Stats()
	req.Equal(2, rooms)
	req.Equal(2, conns)
}

func TestDispatcher_Chat(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice, bob, carol := f.conn("alice"), f.conn("bob"), f.conn("carol")
	outsider := f.conn("outsider")

	roomID := f.createRoom(t, alice).RoomID
	f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	f.handle(carol, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	f.out.drain()
	f.createRoom(t, outsider)

	// When bob chats, every member gets it, bob included
	f.handle(bob, protocol.TypeChat, protocol.ChatPayload{Message: "hi"})

	got := f.out.drain()
	req.Len(got, 3)
	recipients := make([]string, 0, len(got))
	for _, s := range got {
		recipients = append(recipients, s.to)
		req.Equal(protocol.TypeMessage, s.env.Type)

		var msg protocol.MessagePayload
		req.NoError(s.env.DecodePayload(&msg))
		req.Equal(protocol.MessagePayload{
			Message:   "hi",
			UserID:    "user-2",
			Timestamp: "2024-05-06T07:08:09.010Z",
		}, msg)
	}
	req.ElementsMatch([]string{"alice", "bob", "carol"}, recipients)
}

func TestDispatcher_Chat_EmptyMessageIsRelayed(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice := f.conn("alice")
	f.createRoom(t, alice)

	f.dispatcher.Handle(alice, []byte(`{"type":"chat"}`))

	got := f.out.drain()
	req.Len(got, 1)

	var msg protocol.MessagePayload
	req.NoError(got[0].env.DecodePayload(&msg))
	req.Empty(msg.Message)
}

func TestDispatcher_Chat_OutsideRoomIsDropped(t *testing.T) {
	f := newDispatcherFixture(t)
	alice, stranger := f.conn("alice"), f.conn("stranger")
	f.createRoom(t, alice)

	f.handle(stranger, protocol.TypeChat, protocol.ChatPayload{Message: "anyone?"})

	require.Empty(t, f.out.drain())
}

func TestDispatcher_DropsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `hello`},
		{name: "truncated json", raw: `{"type":"chat"`},
		{name: "unknown type", raw: `{"type":"dance"}`},
		{name: "missing type", raw: `{"payload":{"message":"x"}}`},
		{name: "chat payload of wrong shape", raw: `{"type":"chat","payload":{"message":42}}`},
		{name: "join payload of wrong shape", raw: `{"type":"joinRoom","payload":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newDispatcherFixture(t)
			alice, bob := f.conn("alice"), f.conn("bob")
			roomID := f.createRoom(t, alice).RoomID
			f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
			f.out.drain()

			f.dispatcher.Handle(bob, []byte(tt.raw))

			// Nothing is sent and the room is untouched
			req.Empty(f.out.drain())
			info, ok := f.registry.Lookup(roomID)
			req.True(ok)
			req.Len(info.UserIDs, 2)

			// And the connection keeps working
			f.handle(bob, protocol.TypeChat, protocol.ChatPayload{Message: "still here"})
			req.Len(f.out.drain(), 2)
		})
	}
}

func TestDispatcher_Disconnect(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice, bob, carol := f.conn("alice"), f.conn("bob"), f.conn("carol")

	roomID := f.createRoom(t, alice).RoomID
	f.handle(bob, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	f.handle(carol, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
	f.out.drain()

	// When bob drops, the remaining two hear the new count
	f.dispatcher.Disconnect(bob)
	got := f.out.drain()
	req.Len(got, 2)
	for _, s := range got {
		req.Equal(protocol.TypeUserLeft, s.env.Type)
		var count protocol.UserCountPayload
		req.NoError(s.env.DecodePayload(&count))
		req.Equal(2, count.UserCount)
	}

	// When everyone else drops, the room is gone and nobody is told
	f.dispatcher.Disconnect(alice)
	f.dispatcher.Disconnect(carol)
	req.Equal([]string{"carol:userLeft"}, f.out.types())

	_, ok := f.registry.Lookup(roomID)
	req.False(ok)

	// Disconnecting again is harmless
	f.dispatcher.Disconnect(carol)
	req.Empty(f.out.drain())
}

func TestDispatcher_ClosesSlowConnection(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice := f.conn("alice")
	roomID := f.createRoom(t, alice).RoomID

	slow := mocks.NewMockConn(f.ctrl)
	slow.EXPECT().ID().Return("slow").AnyTimes()
	slow.EXPECT().Send(gomock.Any()).Return(ErrSendBufferFull).AnyTimes()
	slow.EXPECT().Close().Return(nil).Times(1)

	f.handle(slow, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})

	// alice still got her userJoined
	req.Equal([]string{"alice:userJoined"}, f.out.types())
}

func TestDispatcher_ClosedConnectionIsNotClosedAgain(t *testing.T) {
	f := newDispatcherFixture(t)
	alice := f.conn("alice")
	roomID := f.createRoom(t, alice).RoomID

	gone := mocks.NewMockConn(f.ctrl)
	gone.EXPECT().ID().Return("gone").AnyTimes()
	gone.EXPECT().Send(gomock.Any()).Return(ErrConnectionClosed).AnyTimes()
	gone.EXPECT().Close().Times(0)

	f.handle(gone, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})

	require.Equal(t, []string{"alice:userJoined"}, f.out.types())
}

func TestDispatcher_ConcurrentJoinsKeepPerConnectionOrder(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t)
	alice := f.conn("alice")
	roomID := f.createRoom(t, alice).RoomID

	const joiners = 16
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		joiner := f.conn(fmt.Sprintf("joiner-%d", i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.handle(joiner, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: roomID})
		}()
		go func() {
			defer wg.Done()
			f.handle(alice, protocol.TypeChat, protocol.ChatPayload{Message: "busy room"})
		}()
	}
	wg.Wait()

	byConn := make(map[string][]protocol.Envelope)
	for _, s := range f.out.drain() {
		byConn[s.to] = append(byConn[s.to], s.env)
	}

	// alice sees every count exactly once, in order
	var counts []int
	for _, env := range byConn["alice"] {
		if env.Type != protocol.TypeUserJoined {
			continue
		}
		var count protocol.UserCountPayload
		req.NoError(env.DecodePayload(&count))
		counts = append(counts, count.UserCount)
	}
	want := make([]int, 0, joiners)
	for n := 2; n <= joiners+1; n++ {
		want = append(want, n)
	}
	req.Equal(want, counts)

	// each joiner hears roomJoined before anything else from the room,
	// then only larger counts
	for i := 0; i < joiners; i++ {
		got := byConn[fmt.Sprintf("joiner-%d", i)]
		req.NotEmpty(got)
		req.Equal(protocol.TypeRoomJoined, got[0].Type)

		var joined protocol.RoomJoinedPayload
		req.NoError(got[0].DecodePayload(&joined))
		last := joined.UserCount
		for _, env := range got[1:] {
			if env.Type != protocol.TypeUserJoined {
				continue
			}
			var count protocol.UserCountPayload
			req.NoError(env.DecodePayload(&count))
			req.Greater(count.UserCount, last)
			last = count.UserCount
		}
	}
}
