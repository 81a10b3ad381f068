// Package runtime hosts the relay core: the session registry, the message
// dispatcher, and the liveness machinery. It moves envelopes around without
// owning any transport concern.
package runtime

import (
	"sync"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
)

type Set map[string]struct{}

// member pairs the registry-owned session record with its outbound handle.
type member struct {
	session *domain.Session
	sink    contract.Sink
}

// Registry keeps every live session and a secondary index from room name to
// member ids. One mutex guards both structures: a mutation that touches the
// session and its room is indivisible to any concurrent observer. The
// default room always exists, even empty; any other room lives exactly as
// long as it has members.
type Registry struct {
	mu          sync.RWMutex
	defaultRoom string
	members     map[string]*member
	roomMembers map[string]Set
}

func NewRegistry(defaultRoom string) *Registry {
	return &Registry{
		defaultRoom: defaultRoom,
		members:     map[string]*member{},
		roomMembers: map[string]Set{defaultRoom: {}},
	}
}

func (r *Registry) DefaultRoom() string {
	return r.defaultRoom
}

// Register inserts a session and enrolls it in its room, creating the room
// on first insertion.
func (r *Registry) Register(s *domain.Session, sink contract.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[s.ID] = &member{session: s, sink: sink}
	r.enrollLocked(s.ID, s.Room)
}

// View returns a copy of the session record. Callers never see the
// registry-owned instance.
func (r *Registry) View(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return domain.Session{}, false
	}
	return *m.session, true
}

// Mutate runs fn on the owned session record under the registry lock.
// fn must not change Room; room moves go through MoveRoom so the index
// stays consistent.
func (r *Registry) Mutate(id string, fn func(*domain.Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return false
	}
	fn(m.session)
	return true
}

// Touch refreshes the heartbeat clock. Any inbound traffic counts as life,
// and the clock never moves backwards.
func (r *Registry) Touch(id string, now time.Time) bool {
	return r.Mutate(id, func(s *domain.Session) {
		if now.After(s.LastHeartbeat) {
			s.LastHeartbeat = now
		}
	})
}

// Remove deletes the session and its room membership, dropping the room if
// it emptied and is not the default. Removing an unknown id is a no-op, so
// disconnect cleanup can run from several triggers without double effects.
func (r *Registry) Remove(id string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return domain.Session{}, false
	}
	delete(r.members, id)
	r.withdrawLocked(id, m.session.Room)
	return *m.session, true
}

// MoveRoom relocates the session into newRoom as one indivisible step:
// withdraw from the old room, conditional old-room deletion, enrollment in
// the new room, and the session's own Room field all change under one
// critical section.
func (r *Registry) MoveRoom(id, newRoom string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return "", false
	}
	old := m.session.Room
	if old == newRoom {
		return old, false
	}
	r.withdrawLocked(id, old)
	r.enrollLocked(id, newRoom)
	m.session.Room = newRoom
	return old, true
}

// MemberViews snapshots the sessions of one room, for presence rendering.
func (r *Registry) MemberViews(room string) []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.roomMembers[room]
	if !ok {
		return nil
	}
	views := make([]domain.Session, 0, len(ids))
	for id := range ids {
		if m, exists := r.members[id]; exists {
			views = append(views, *m.session)
		}
	}
	return views
}

// SinksFor collects the recipient set of a room. The caller delivers after
// the lock is released, so a slow peer never stalls registry mutations.
func (r *Registry) SinksFor(room string) []contract.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.roomMembers[room]
	if !ok {
		return nil
	}
	sinks := make([]contract.Sink, 0, len(ids))
	for id := range ids {
		if m, exists := r.members[id]; exists {
			sinks = append(sinks, m.sink)
		}
	}
	return sinks
}

// Sink returns the outbound handle of one session.
func (r *Registry) Sink(id string) (contract.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	return m.sink, true
}

// Rooms lists every live room with its member count.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.roomMembers))
	for name, ids := range r.roomMembers {
		out[name] = len(ids)
	}
	return out
}

// Counts reports live session and room totals.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members), len(r.roomMembers)
}

// FindByUsername resolves a display name to a connection id. Duplicate
// usernames are not rejected; the first match in map order wins.
func (r *Registry) FindByUsername(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m.session.Username == name {
			return id, true
		}
	}
	return "", false
}

// StaleByAddr lists sessions from the given peer address whose heartbeat is
// older than the threshold. Used for duplicate-connection eviction at accept
// time. Address matching is a heuristic: peers behind the same NAT can be
// swept together once they go quiet.
func (r *Registry) StaleByAddr(addr string, threshold time.Duration, now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, m := range r.members {
		if m.session.Addr == addr && now.Sub(m.session.LastHeartbeat) > threshold {
			stale = append(stale, id)
		}
	}
	return stale
}

func (r *Registry) enrollLocked(id, room string) {
	if _, ok := r.roomMembers[room]; !ok {
		r.roomMembers[room] = make(Set)
	}
	r.roomMembers[room][id] = struct{}{}
}

func (r *Registry) withdrawLocked(id, room string) {
	ids, ok := r.roomMembers[room]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 && room != r.defaultRoom {
		delete(r.roomMembers, room)
	}
}
