package runtime

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/domain"
	"chat-relay/errors"
)

// recordingSink captures everything delivered to one connection.
type recordingSink struct {
	mu        sync.Mutex
	envelopes []domain.Envelope
	fail      bool
}

func (s *recordingSink) Deliver(ctx context.Context, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.ErrSinkClosed
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *recordingSink) Close() {}

func (s *recordingSink) ofType(t domain.MessageType) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, env := range s.envelopes {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = nil
}

type relayFixture struct {
	relay    *Relay
	registry *Registry
	now      time.Time
}

func newRelayFixture() *relayFixture {
	f := &relayFixture{now: time.Unix(1700000000, 0)}
	f.registry = NewRegistry("lobby")
	f.relay = NewRelay(slog.Default(), f.registry,
		90*time.Second, 60*time.Second, func() time.Time { return f.now })
	return f
}

func (f *relayFixture) connect(addr string) (string, *recordingSink) {
	sink := &recordingSink{}
	id := f.relay.Connect(context.Background(), addr, sink)
	return id, sink
}

func (f *relayFixture) send(id string, env domain.Envelope) {
	frame, _ := env.Encode()
	f.relay.HandleFrame(context.Background(), id, frame)
}

func TestRelay_Connect_GreetsAndSnapshotsPresence(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()

	id, sink := f.connect("1.2.3.4:1000")

	req.NotEmpty(id)
	view, ok := f.registry.View(id)
	req.True(ok)
	req.Equal("lobby", view.Room)
	req.False(view.Named())

	notices := sink.ofType(domain.TypeSystem)
	req.Len(notices, 1)
	req.Contains(notices[0].Text, "1.2.3.4:1000")

	lists := sink.ofType(domain.TypeUserList)
	req.Len(lists, 1)
	req.Contains(lists[0].Text, domain.SentinelUsername+":1.2.3.4:1000")
}

func TestRelay_FirstNamedFrame_AnnouncesJoin(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	// When the first envelope carries a real username
	f.send(id, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hello"})

	// Then the session is named and the room hears the announcement and the chat
	view, _ := f.registry.View(id)
	req.Equal("alice", view.Username)

	notices := sink.ofType(domain.TypeSystem)
	req.Len(notices, 1)
	req.Equal("alice joined the chat", notices[0].Text)

	chats := sink.ofType(domain.TypeChat)
	req.Len(chats, 1)
	req.Equal("hello", chats[0].Text)

	lists := sink.ofType(domain.TypeUserList)
	req.Len(lists, 1)
	req.Contains(lists[0].Text, "alice:1.2.3.4:1000")
}

func TestRelay_NamingHappensAtMostOnce(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, _ := f.connect("1.2.3.4:1000")

	f.send(id, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hi"})
	f.send(id, domain.Envelope{Type: domain.TypeChat, Username: "impostor", Text: "hi again"})

	view, _ := f.registry.View(id)
	req.Equal("alice", view.Username)
}

func TestRelay_SentinelUsernameNeverNames(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, _ := f.connect("1.2.3.4:1000")

	f.send(id, domain.Envelope{Type: domain.TypeChat, Username: domain.SentinelUsername, Text: "hi"})

	view, _ := f.registry.View(id)
	req.False(view.Named())
}

func TestRelay_ChatFieldsComeFromSession(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	f.send(id, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "first"})
	sink.reset()

	// Client-supplied identity and room are ignored on every chat.
	f.send(id, domain.Envelope{
		Type: domain.TypeChat, Username: "impostor", Room: "elsewhere", Text: "spoofed",
	})

	chats := sink.ofType(domain.TypeChat)
	req.Len(chats, 1)
	req.Equal("alice", chats[0].Username)
	req.Equal("lobby", chats[0].Room)
	req.Equal(uint64(f.now.Unix()), chats[0].Timestamp)
}

func TestRelay_ChatReachesRoomMembersOnly(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	aliceID, aliceSink := f.connect("1.2.3.4:1000")
	_, bobSink := f.connect("1.2.3.4:1001")
	carolID, carolSink := f.connect("1.2.3.4:1002")
	f.send(carolID, domain.Envelope{Type: domain.TypeJoin, Username: "carol", Room: "games"})
	aliceSink.reset()
	bobSink.reset()
	carolSink.reset()

	f.send(aliceID, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "lobby only"})

	req.Len(aliceSink.ofType(domain.TypeChat), 1)
	req.Len(bobSink.ofType(domain.TypeChat), 1)
	req.Empty(carolSink.ofType(domain.TypeChat))
}

func TestRelay_MalformedFrame_NoticesAndKeepsConnection(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	f.relay.HandleFrame(context.Background(), id, []byte(`{"msg_type":`))

	notices := sink.ofType(domain.TypeSystem)
	req.Len(notices, 1)
	req.Contains(notices[0].Text, "malformed")

	_, stillThere := f.registry.View(id)
	req.True(stillThere)
}

func TestRelay_PrivateMessage_EchoesToBothSides(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	aliceID, aliceSink := f.connect("1.2.3.4:1000")
	bobID, bobSink := f.connect("1.2.3.4:1001")
	f.send(aliceID, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hi"})
	f.send(bobID, domain.Envelope{Type: domain.TypeChat, Username: "bob", Text: "hi"})
	aliceSink.reset()
	bobSink.reset()

	f.send(aliceID, domain.Envelope{Type: domain.TypePrivate, Target: "bob", Text: "psst"})

	received := bobSink.ofType(domain.TypePrivate)
	req.Len(received, 1)
	req.Equal("alice", received[0].Username)
	req.Equal("psst", received[0].Text)

	echoed := aliceSink.ofType(domain.TypePrivate)
	req.Len(echoed, 1)
	req.Equal("psst", echoed[0].Text)
}

func TestRelay_PrivateMessage_UnknownTarget(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	f.send(id, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hi"})
	sink.reset()

	f.send(id, domain.Envelope{Type: domain.TypePrivate, Target: "ghost", Text: "anyone?"})

	notices := sink.ofType(domain.TypeSystem)
	req.Len(notices, 1)
	req.Equal("user ghost is not connected", notices[0].Text)
	req.Empty(sink.ofType(domain.TypePrivate))
}

func TestRelay_PrivateMessage_MissingTarget(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	f.send(id, domain.Envelope{Type: domain.TypePrivate, Text: "to nobody"})

	notices := sink.ofType(domain.TypeSystem)
	req.Len(notices, 1)
	req.Contains(notices[0].Text, "requires a target")
}

func TestRelay_JoinSameRoom_Notices(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	f.send(id, domain.Envelope{Type: domain.TypeJoin, Room: "lobby"})

	notices := sink.ofType(domain.TypeSystem)
	req.Len(notices, 1)
	req.Equal("you are already in room lobby", notices[0].Text)
}

func TestRelay_RoomSwitch_AnnouncesBothSides(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	aliceID, aliceSink := f.connect("1.2.3.4:1000")
	_, bobSink := f.connect("1.2.3.4:1001")
	f.send(aliceID, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hi"})
	aliceSink.reset()
	bobSink.reset()

	f.send(aliceID, domain.Envelope{Type: domain.TypeJoin, Room: "games"})

	// The old room hears the departure with a fresh member list.
	bobNotices := bobSink.ofType(domain.TypeSystem)
	req.Len(bobNotices, 1)
	req.Equal("alice left the room", bobNotices[0].Text)
	bobLists := bobSink.ofType(domain.TypeUserList)
	req.Len(bobLists, 1)
	req.NotContains(bobLists[0].Text, "alice")

	// The mover hears the arrival in the new room.
	arrival := aliceSink.ofType(domain.TypeSystem)
	req.Len(arrival, 1)
	req.Equal("alice joined the room", arrival[0].Text)

	view, _ := f.registry.View(aliceID)
	req.Equal("games", view.Room)
}

func TestRelay_Ping_AnswersWithEchoedBody(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	f.send(id, domain.Envelope{Type: domain.TypePing, Text: "167"})

	pongs := sink.ofType(domain.TypePong)
	req.Len(pongs, 1)
	req.Equal("167", pongs[0].Text)
}

func TestRelay_Pong_RefreshesHeartbeatSilently(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	f.now = f.now.Add(30 * time.Second)
	f.send(id, domain.Envelope{Type: domain.TypePong})

	view, _ := f.registry.View(id)
	req.Equal(f.now, view.LastHeartbeat)
	req.Empty(sink.envelopes)
}

func TestRelay_Disconnect_AnnouncesNamedDeparture(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	aliceID, _ := f.connect("1.2.3.4:1000")
	_, bobSink := f.connect("1.2.3.4:1001")
	f.send(aliceID, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hi"})
	bobSink.reset()

	f.relay.Disconnect(context.Background(), aliceID)

	notices := bobSink.ofType(domain.TypeSystem)
	req.Len(notices, 1)
	req.Equal("alice left the chat", notices[0].Text)
	req.Len(bobSink.ofType(domain.TypeUserList), 1)

	_, gone := f.registry.View(aliceID)
	req.False(gone)
}

func TestRelay_Disconnect_SilentForSentinel(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	unnamedID, _ := f.connect("1.2.3.4:1000")
	_, bobSink := f.connect("1.2.3.4:1001")
	bobSink.reset()

	f.relay.Disconnect(context.Background(), unnamedID)

	req.Empty(bobSink.ofType(domain.TypeSystem))
}

func TestRelay_Disconnect_IsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	aliceID, _ := f.connect("1.2.3.4:1000")
	_, bobSink := f.connect("1.2.3.4:1001")
	f.send(aliceID, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hi"})
	bobSink.reset()

	f.relay.Disconnect(context.Background(), aliceID)
	f.relay.Disconnect(context.Background(), aliceID)

	req.Len(bobSink.ofType(domain.TypeSystem), 1)
}

func TestRelay_Connect_EvictsStaleSameAddress(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	staleID, _ := f.connect("1.2.3.4:1000")

	// The old session from the same address has been silent past the threshold.
	f.now = f.now.Add(2 * time.Minute)
	freshID, _ := f.connect("1.2.3.4:1000")

	_, staleAlive := f.registry.View(staleID)
	req.False(staleAlive)
	_, freshAlive := f.registry.View(freshID)
	req.True(freshAlive)
}

func TestRelay_Connect_KeepsFreshSameAddress(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	firstID, _ := f.connect("1.2.3.4:1000")

	f.now = f.now.Add(10 * time.Second)
	secondID, _ := f.connect("1.2.3.4:1000")

	_, firstAlive := f.registry.View(firstID)
	req.True(firstAlive)
	_, secondAlive := f.registry.View(secondID)
	req.True(secondAlive)
}

func TestRelay_ProbeLiveness(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	// A fresh heartbeat gets a probe ping.
	req.NoError(f.relay.ProbeLiveness(context.Background(), id, f.now.Add(30*time.Second)))
	req.Len(sink.ofType(domain.TypePing), 1)

	// Past the timeout the connection is declared dead.
	err := f.relay.ProbeLiveness(context.Background(), id, f.now.Add(2*time.Minute))
	req.ErrorIs(err, errors.ErrLivenessTimeout)

	// A vanished session is its own failure.
	f.registry.Remove(id)
	err = f.relay.ProbeLiveness(context.Background(), id, f.now)
	req.ErrorIs(err, errors.ErrSessionGone)
}

func TestRelay_ProbeLiveness_FailedDeliveryIsFatal(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.fail = true

	err := f.relay.ProbeLiveness(context.Background(), id, f.now)
	req.ErrorIs(err, errors.ErrSinkClosed)
}

func TestRelay_Broadcast_SkipsFailingRecipient(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	aliceID, aliceSink := f.connect("1.2.3.4:1000")
	_, bobSink := f.connect("1.2.3.4:1001")
	f.send(aliceID, domain.Envelope{Type: domain.TypeChat, Username: "alice", Text: "hi"})
	aliceSink.reset()
	bobSink.reset()
	bobSink.fail = true

	f.send(aliceID, domain.Envelope{Type: domain.TypeChat, Text: "still here"})

	req.Len(aliceSink.ofType(domain.TypeChat), 1)
}

func TestRelay_UnknownType_IsIgnored(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture()
	id, sink := f.connect("1.2.3.4:1000")
	sink.reset()

	f.relay.HandleFrame(context.Background(), id, []byte(`{"msg_type":"telepathy"}`))

	req.Empty(sink.envelopes)
	_, stillThere := f.registry.View(id)
	req.True(stillThere)
}
