//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"time"

	"chat-relay/domain"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Sink is the outbound handle of one connection. Deliver must never block
// forever: a lagging consumer surfaces as ErrDeliveryTimeout so a slow
// recipient cannot stall a broadcast.
type Sink interface {
	Deliver(ctx context.Context, env domain.Envelope) error
	Close()
}

// IRegistry is the session directory plus its room index. The two form a
// single atomicity domain: no caller may observe an id registered but
// roomless, or belonging to two rooms at once.
type IRegistry interface {
	DefaultRoom() string
	Register(s *domain.Session, sink Sink)
	View(id string) (domain.Session, bool)
	Mutate(id string, fn func(*domain.Session)) bool
	Touch(id string, now time.Time) bool
	Remove(id string) (domain.Session, bool)
	MoveRoom(id, newRoom string) (old string, moved bool)
	MemberViews(room string) []domain.Session
	SinksFor(room string) []Sink
	Sink(id string) (Sink, bool)
	Rooms() map[string]int
	Counts() (sessions, rooms int)
	FindByUsername(name string) (string, bool)
	StaleByAddr(addr string, threshold time.Duration, now time.Time) []string
}

// IRelay is the protocol surface the transport layer drives: one call per
// inbound frame, one per liveness tick, one on teardown.
type IRelay interface {
	Connect(ctx context.Context, addr string, sink Sink) string
	HandleFrame(ctx context.Context, id string, frame []byte)
	Touch(id string)
	ProbeLiveness(ctx context.Context, id string, now time.Time) error
	Disconnect(ctx context.Context, id string)
}
