package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
)

// Relay is the protocol core, built once at startup and handed to every
// component that needs it. It classifies inbound envelopes, mutates the
// registry, and fans results out to recipients. Recipient sets are always
// read under the registry lock and delivered after it is released.
type Relay struct {
	log              *slog.Logger
	registry         contract.IRegistry
	heartbeatTimeout time.Duration
	staleThreshold   time.Duration
	clock            func() time.Time
}

// NewRelay wires the core. A nil clock falls back to time.Now; tests inject
// their own to drive liveness decisions deterministically.
func NewRelay(log *slog.Logger, registry contract.IRegistry,
	heartbeatTimeout, staleThreshold time.Duration, clock func() time.Time) *Relay {
	if clock == nil {
		clock = time.Now
	}
	return &Relay{
		log:              log,
		registry:         registry,
		heartbeatTimeout: heartbeatTimeout,
		staleThreshold:   staleThreshold,
		clock:            clock,
	}
}

// Connect admits a new connection: evicts stale sessions sharing the same
// peer address, registers a sentinel session in the default room, greets the
// peer, and pushes a presence snapshot. Returns the new connection id.
func (r *Relay) Connect(ctx context.Context, addr string, sink contract.Sink) string {
	now := r.clock()
	for _, staleID := range r.registry.StaleByAddr(addr, r.staleThreshold, now) {
		r.log.Info("Evicting stale connection from same address", "id", staleID, "addr", addr)
		r.Disconnect(ctx, staleID)
	}

	id := uuid.NewString()
	session := domain.NewSession(id, addr, r.registry.DefaultRoom(), now)
	r.registry.Register(session, sink)
	r.log.Info("Connection registered", "id", id, "addr", addr)

	welcome := domain.NewSystem(session.Room,
		fmt.Sprintf("connected to the relay, your address is %s", addr))
	if err := sink.Deliver(ctx, welcome); err != nil {
		r.log.Warn("Welcome delivery failed", "id", id, "error", err)
	}
	r.presence(ctx, session.Room)
	return id
}

// HandleFrame runs one protocol step for one inbound frame. Malformed
// payloads and unknown targets answer with a system notice and keep the
// connection open; only transport-level failures kill a connection.
func (r *Relay) HandleFrame(ctx context.Context, id string, frame []byte) {
	env, err := domain.Decode(frame)
	if err != nil {
		r.log.Warn("Undecodable frame", "id", id, "error", err)
		r.notify(ctx, id, "", "malformed message, please check your client")
		return
	}

	now := r.clock()
	r.registry.Touch(id, now)

	// First envelope carrying a real username names the session, exactly once.
	var named bool
	var view domain.Session
	ok := r.registry.Mutate(id, func(s *domain.Session) {
		if !s.Named() && env.Username != "" && env.Username != domain.SentinelUsername {
			s.Username = env.Username
			named = true
		}
		view = *s
	})
	if !ok {
		// Session vanished between transport accept and dispatch, nothing to do.
		return
	}
	if named {
		r.broadcast(ctx, view.Room, domain.NewSystem(view.Room, view.Username+" joined the chat"))
		r.presence(ctx, view.Room)
	}

	switch env.Type {
	case domain.TypeChat:
		// Identity and room always come from the session, never from the client.
		env.Username = view.Username
		env.Room = view.Room
		env.Timestamp = uint64(now.Unix())
		r.broadcast(ctx, env.Room, env)

	case domain.TypePrivate:
		r.handlePrivate(ctx, id, view, env, now)

	case domain.TypePing:
		r.unicast(ctx, id, domain.NewPong(env.Text))

	case domain.TypePong:
		// Heartbeat already refreshed above, no reply.

	case domain.TypeJoin:
		if env.Room != "" {
			r.switchRoom(ctx, id, env.Room)
		}

	case domain.TypeCommand:
		if resp := r.handleCommand(ctx, id, env.Text); resp != "" {
			r.notify(ctx, id, view.Room, resp)
		}

	default:
		r.log.Warn("Unknown message type", "id", id, "msg_type", env.Type)
	}
}

func (r *Relay) handlePrivate(ctx context.Context, id string, sender domain.Session,
	env domain.Envelope, now time.Time) {
	if env.Target == "" {
		r.notify(ctx, id, sender.Room, "private message requires a target")
		return
	}
	env.Username = sender.Username
	env.Timestamp = uint64(now.Unix())

	targetID, found := r.registry.FindByUsername(env.Target)
	if !found {
		r.notify(ctx, id, sender.Room,
			fmt.Sprintf("user %s is not connected", env.Target))
		return
	}
	// Target gets the message, sender gets an echo copy.
	r.unicast(ctx, targetID, env)
	r.unicast(ctx, id, env)
	r.log.Debug("Private message delivered", "from", sender.Username, "to", env.Target)
}

// switchRoom runs the room-switch protocol: no-op notice when already
// there, otherwise an indivisible move followed by departure and arrival
// announcements and presence snapshots on both sides.
func (r *Relay) switchRoom(ctx context.Context, id, newRoom string) {
	view, ok := r.registry.View(id)
	if !ok {
		return
	}
	if view.Room == newRoom {
		r.notify(ctx, id, view.Room, fmt.Sprintf("you are already in room %s", newRoom))
		return
	}

	old, moved := r.registry.MoveRoom(id, newRoom)
	if !moved {
		return
	}
	r.broadcast(ctx, old, domain.NewSystem(old, view.Username+" left the room"))
	r.broadcast(ctx, newRoom, domain.NewSystem(newRoom, view.Username+" joined the room"))
	r.presence(ctx, old)
	r.presence(ctx, newRoom)
	r.log.Info("Room switch", "id", id, "from", old, "to", newRoom)
}

// Touch refreshes the heartbeat clock, used by transport-level keepalive
// frames that never reach the dispatcher.
func (r *Relay) Touch(id string) {
	r.registry.Touch(id, r.clock())
}

// ProbeLiveness decides on one liveness tick: a heartbeat older than the
// timeout, a vanished session, or a failed probe delivery are all fatal to
// the connection; otherwise an application-level ping goes out.
func (r *Relay) ProbeLiveness(ctx context.Context, id string, now time.Time) error {
	view, ok := r.registry.View(id)
	if !ok {
		return errors.ErrSessionGone
	}
	if now.Sub(view.LastHeartbeat) > r.heartbeatTimeout {
		return fmt.Errorf("%w: silent for %s", errors.ErrLivenessTimeout, now.Sub(view.LastHeartbeat))
	}
	sink, ok := r.registry.Sink(id)
	if !ok {
		return errors.ErrSessionGone
	}
	if err := sink.Deliver(ctx, domain.NewPing("")); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	return nil
}

// Disconnect tears one session down: registry removal, conditional room
// deletion, and a departure announcement plus presence snapshot when the
// session had acquired a real name. Re-invoking on a removed id is a no-op.
func (r *Relay) Disconnect(ctx context.Context, id string) {
	session, removed := r.registry.Remove(id)
	if !removed {
		return
	}
	if session.Named() {
		r.broadcast(ctx, session.Room, domain.NewSystem(session.Room, session.Username+" left the chat"))
		r.presence(ctx, session.Room)
	}
	r.log.Info("Connection closed", "id", id, "username", session.Username)
}

// presence renders and broadcasts the member list of a room.
func (r *Relay) presence(ctx context.Context, room string) {
	views := r.registry.MemberViews(room)
	entries := lo.Map(views, func(s domain.Session, _ int) string {
		return s.DisplayEntry()
	})
	sort.Strings(entries)
	r.broadcast(ctx, room, domain.NewUserList(room, entries))
}

// broadcast delivers to every member of a room, skipping failed recipients.
// One lagging peer never affects delivery to the rest.
func (r *Relay) broadcast(ctx context.Context, room string, env domain.Envelope) {
	for _, sink := range r.registry.SinksFor(room) {
		if err := sink.Deliver(ctx, env); err != nil {
			r.log.Warn("Broadcast delivery skipped", "room", room, "error", err)
		}
	}
}

// unicast delivers to a single session; a vanished session is a no-op.
func (r *Relay) unicast(ctx context.Context, id string, env domain.Envelope) {
	sink, ok := r.registry.Sink(id)
	if !ok {
		return
	}
	if err := sink.Deliver(ctx, env); err != nil {
		r.log.Warn("Unicast delivery failed", "id", id, "error", err)
	}
}

// notify wraps text as a system envelope addressed to one session.
func (r *Relay) notify(ctx context.Context, id, room, text string) {
	r.unicast(ctx, id, domain.NewSystem(room, text))
}
