package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chat-relay/domain"
	"chat-relay/errors"
)

// BufferedSink decouples protocol work from socket writes. The dispatcher
// enqueues envelopes here while a writer pump drains Outbound toward the
// peer, so no registry lock is ever held across network I/O.
type BufferedSink struct {
	log       *slog.Logger
	out       chan domain.Envelope
	timeout   time.Duration
	closeOnce sync.Once
	closed    chan struct{}
}

func NewBufferedSink(log *slog.Logger, bufferSize int, timeout time.Duration) *BufferedSink {
	return &BufferedSink{
		log:     log,
		out:     make(chan domain.Envelope, bufferSize),
		timeout: timeout,
		closed:  make(chan struct{}),
	}
}

// Deliver enqueues one envelope for the writer pump. When the buffer is full
// it waits up to the configured timeout before reporting ErrDeliveryTimeout;
// a closed sink reports ErrSinkClosed. Callers decide whether the failure is
// fatal (own socket) or skippable (one recipient of a broadcast).
func (s *BufferedSink) Deliver(ctx context.Context, env domain.Envelope) error {
	select {
	case <-s.closed:
		return errors.ErrSinkClosed
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.out <- env:
		return nil
	case <-s.closed:
		return errors.ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.log.Warn("Sink backpressure, dropping envelope", "msg_type", env.Type)
		return errors.ErrDeliveryTimeout
	}
}

// Outbound is consumed by exactly one writer pump.
func (s *BufferedSink) Outbound() <-chan domain.Envelope {
	return s.out
}

// Close makes every further Deliver fail fast and unblocks the writer pump.
// Safe to call more than once.
func (s *BufferedSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Closed reports sink shutdown to the writer pump.
func (s *BufferedSink) Closed() <-chan struct{} {
	return s.closed
}
