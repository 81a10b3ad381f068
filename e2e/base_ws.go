package e2e

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"chat-relay/domain"
	"chat-relay/infrastructure/ws"
	"chat-relay/runtime"
)

type BaseWsSuite struct {
	suite.Suite
	Config Config

	server *httptest.Server
}

// SetupSuite loads the environment configuration and, when no external
// relay is configured, boots an in-process one.
func (s *BaseWsSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)

	if s.Config.ServerURL != "" {
		return
	}

	log := slog.Default()
	registry := runtime.NewRegistry("lobby")
	relay := runtime.NewRelay(log, registry, 90*time.Second, 60*time.Second, nil)
	server := ws.NewServer(log, relay, ws.Config{
		// Long enough that liveness never interferes with assertions.
		HeartbeatInterval: time.Minute,
		SendBufferSize:    64,
		DeliveryTimeout:   2 * time.Second,
		FrameBufferSize:   16,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeWS)
	s.server = httptest.NewServer(mux)
	s.Config.ServerURL = "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

func (s *BaseWsSuite) TearDownSuite() {
	if s.server != nil {
		s.server.Close()
	}
}

// wsClient is one relay peer under test: a raw websocket plus frame-level
// logging helpers.
type wsClient struct {
	s    *BaseWsSuite
	name string
	conn *websocket.Conn
}

// Dial connects a named client, printing a colorized header in the logs.
func (s *BaseWsSuite) Dial(name string) *wsClient {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(s.Config.ServerURL, nil)
	s.Require().NoError(err, "Failed to connect to relay at "+s.Config.ServerURL)
	return &wsClient{s: s, name: name, conn: conn}
}

func (c *wsClient) Close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// Send encodes and writes one envelope.
func (c *wsClient) Send(env domain.Envelope) {
	data, err := env.Encode()
	c.s.Require().NoError(err)
	if c.s.Config.DebugJSON {
		c.s.T().Logf("%s >> %s", c.name, data)
	}
	c.s.Require().NoError(c.conn.WriteMessage(websocket.TextMessage, data))
}

// Expect reads until an envelope of the wanted type arrives, answering
// liveness pings on the way and skipping everything else.
func (c *wsClient) Expect(want domain.MessageType) domain.Envelope {
	deadline := time.Now().Add(c.s.Config.ReadTimeout)
	for {
		c.s.Require().NoError(c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		c.s.Require().NoError(err, "%s: no %s envelope before the read timeout", c.name, want)

		env, err := domain.Decode(data)
		c.s.Require().NoError(err)
		if c.s.Config.DebugJSON {
			c.s.T().Logf("%s << %s", c.name, data)
		}

		if env.Type == domain.TypePing {
			c.Send(domain.Envelope{Type: domain.TypePong, Text: env.Text})
			if want != domain.TypePing {
				continue
			}
		}
		if env.Type == want {
			return env
		}
	}
}

// ExpectSystemContaining reads system notices until one carries the wanted text.
func (c *wsClient) ExpectSystemContaining(text string) domain.Envelope {
	for {
		env := c.Expect(domain.TypeSystem)
		if strings.Contains(env.Text, text) {
			return env
		}
	}
}
