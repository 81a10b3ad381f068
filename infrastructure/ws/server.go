// Package ws adapts the relay core to gorilla/websocket: one HTTP upgrade
// per client, a read pump feeding the connection's frame channel, and a
// write pump draining its buffered sink.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chat-relay/contract"
	"chat-relay/runtime/workers"
	"chat-relay/sink"
)

// writeWait bounds every socket write, data and control frames alike.
const writeWait = 5 * time.Second

type Config struct {
	HeartbeatInterval time.Duration
	SendBufferSize    int
	DeliveryTimeout   time.Duration
	FrameBufferSize   int
}

type Server struct {
	log      *slog.Logger
	relay    contract.IRelay
	conf     Config
	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, relay contract.IRelay, conf Config) *Server {
	return &Server{
		log:   log,
		relay: relay,
		conf:  conf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay sits behind no origin policy of its own.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades one client and runs its protocol loop until the peer
// closes, errors out, or fails liveness. The handler goroutine itself runs
// the connection worker; the pumps only move bytes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	addr := conn.RemoteAddr().String()
	outbound := sink.NewBufferedSink(s.log, s.conf.SendBufferSize, s.conf.DeliveryTimeout)
	id := s.relay.Connect(r.Context(), addr, outbound)

	// Transport-level keepalive frames refresh liveness without ever
	// reaching the dispatcher.
	conn.SetPongHandler(func(string) error {
		s.relay.Touch(id)
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		s.relay.Touch(id)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	frames := make(chan []byte, s.conf.FrameBufferSize)
	done := make(chan struct{})

	go s.writePump(conn, outbound)
	go s.readPump(conn, frames, done)

	worker := workers.NewConnectionWorker(s.log, s.relay, id, frames, s.conf.HeartbeatInterval, nil)
	_ = worker.Run(r.Context())

	// Loop finished: cleanup already ran via the worker, release the pumps.
	close(done)
	outbound.Close()
	_ = conn.Close()
}

// readPump moves inbound text frames onto the connection's frame channel
// and closes it when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, frames chan<- []byte, done <-chan struct{}) {
	defer close(frames)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Debug("Peer closed", "error", err)
			} else {
				s.log.Debug("Read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case frames <- data:
		case <-done:
			return
		}
	}
}

// writePump serializes envelopes from the sink onto the socket. A write
// failure is fatal to this connection only: closing the socket unwinds the
// read pump and with it the protocol loop.
func (s *Server) writePump(conn *websocket.Conn, outbound *sink.BufferedSink) {
	for {
		select {
		case env := <-outbound.Outbound():
			data, err := env.Encode()
			if err != nil {
				s.log.Error("Envelope serialization failed", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("Write failed, closing connection", "error", err)
				_ = conn.Close()
				return
			}
		case <-outbound.Closed():
			return
		}
	}
}
