package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"chat-relay/errors"
)

// MessageType is the closed set of envelope tags the relay understands.
// Decoding keeps unknown tags (the dispatcher logs and ignores them),
// so adding a tag client-side never kills a connection.
type MessageType string

const (
	TypeChat     MessageType = "chat"
	TypeSystem   MessageType = "system"
	TypeCommand  MessageType = "command"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeJoin     MessageType = "join"
	TypeUserList MessageType = "userlist"
	TypePrivate  MessageType = "private"
)

// Known reports whether the tag belongs to the recognized set.
func (t MessageType) Known() bool {
	switch t {
	case TypeChat, TypeSystem, TypeCommand, TypePing, TypePong, TypeJoin, TypeUserList, TypePrivate:
		return true
	}
	return false
}

// ServerName is the username carried by every server-issued envelope.
const ServerName = "server"

// Envelope is one structured protocol message exchanged between client and relay.
// Target is only meaningful for private messages and is omitted otherwise.
type Envelope struct {
	Type      MessageType `json:"msg_type" validate:"required"`
	Username  string      `json:"username"`
	Room      string      `json:"room"`
	Text      string      `json:"text"`
	Timestamp uint64      `json:"timestamp"`
	ID        string      `json:"id"`
	Target    string      `json:"target,omitempty"`
}

var validate = validator.New()

// Decode parses a wire frame. Unknown fields are ignored; a missing msg_type
// is reported as errors.ErrDecode so callers can answer with a system notice
// instead of dropping the connection.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errors.ErrDecode, err)
	}
	if err := validate.Struct(e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errors.ErrDecode, err)
	}
	return e, nil
}

// Encode renders the envelope as a wire frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewSystem builds a server notice addressed to a room's audience.
func NewSystem(room, text string) Envelope {
	return newServerEnvelope(TypeSystem, room, text)
}

// NewPing builds an application-level liveness probe.
func NewPing(text string) Envelope {
	return newServerEnvelope(TypePing, "", text)
}

// NewPong answers an application-level ping, echoing its body so the
// client can measure the round trip.
func NewPong(text string) Envelope {
	return newServerEnvelope(TypePong, "", text)
}

// NewUserList wraps a rendered member list as a presence snapshot.
func NewUserList(room string, members []string) Envelope {
	return newServerEnvelope(TypeUserList, room, joinMembers(members))
}

func newServerEnvelope(t MessageType, room, text string) Envelope {
	return Envelope{
		Type:      t,
		Username:  ServerName,
		Room:      room,
		Text:      text,
		Timestamp: uint64(time.Now().Unix()),
		ID:        uuid.NewString(),
	}
}

// UserListSeparator is what clients split presence snapshots on.
const UserListSeparator = ","

func joinMembers(members []string) string {
	return strings.Join(members, UserListSeparator)
}
