package domain

import "time"

// SentinelUsername is the placeholder identity every connection starts with.
// A session moves to a real name at most once, on the first envelope that
// carries something else.
const SentinelUsername = "unnamed"

// Session is the server-side record of one live connection. The Registry
// owns it exclusively; everything outside the registry lock works on copies.
type Session struct {
	ID            string
	Username      string
	Room          string
	Addr          string
	LastHeartbeat time.Time
	JoinedAt      time.Time
}

// NewSession creates a sentinel session placed in the given room.
func NewSession(id, addr, room string, now time.Time) *Session {
	return &Session{
		ID:            id,
		Username:      SentinelUsername,
		Room:          room,
		Addr:          addr,
		LastHeartbeat: now,
		JoinedAt:      now,
	}
}

// Named reports whether the client already supplied a real username.
func (s *Session) Named() bool {
	return s.Username != SentinelUsername
}

// DisplayEntry renders the session for presence snapshots.
func (s *Session) DisplayEntry() string {
	return s.Username + ":" + s.Addr
}
