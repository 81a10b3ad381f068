package workers

import (
	"context"
	"log/slog"
	"time"

	"chat-relay/contract"
)

// ConnectionWorker drives one connection's protocol loop: it suspends on
// whichever of "next inbound frame" or "liveness tick" is ready first, and
// runs exactly one iteration per wakeup. No busy polling, no lock held
// across either arm.
type ConnectionWorker struct {
	log      *slog.Logger
	relay    contract.IRelay
	id       string
	frames   <-chan []byte
	interval time.Duration
	clock    func() time.Time
}

// NewConnectionWorker builds the loop for one registered connection.
// frames is closed by the transport when the peer goes away.
func NewConnectionWorker(log *slog.Logger, relay contract.IRelay, id string,
	frames <-chan []byte, interval time.Duration, clock func() time.Time) *ConnectionWorker {
	if clock == nil {
		clock = time.Now
	}
	return &ConnectionWorker{
		log:      log,
		relay:    relay,
		id:       id,
		frames:   frames,
		interval: interval,
		clock:    clock,
	}
}

// Run loops until the frame source closes, the context is canceled, or a
// liveness probe declares the peer dead. Disconnect cleanup is deferred so
// it runs exactly once per loop, whatever the exit path. The return is
// always nil: a finished connection is never restarted.
func (w *ConnectionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer w.relay.Disconnect(context.WithoutCancel(ctx), w.id)

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Stopping connection loop", "id", w.id)
			return nil

		case frame, ok := <-w.frames:
			if !ok {
				w.log.Debug("Frame source closed", "id", w.id)
				return nil
			}
			w.relay.HandleFrame(ctx, w.id, frame)

		case <-ticker.C:
			if err := w.relay.ProbeLiveness(ctx, w.id, w.clock()); err != nil {
				w.log.Info("Connection declared dead", "id", w.id, "error", err)
				return nil
			}
		}
	}
}
