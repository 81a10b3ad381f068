package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"chat-relay/domain"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables.
type Config struct {
	ServerURL string `env:"CHAT_SERVER_URL,default=ws://localhost:8080/ws"`
	Username  string `env:"CHAT_USERNAME,required=true"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

// run dials the relay, prints everything the server pushes, and turns stdin
// lines into envelopes. Slash commands the relay has no arm for (/join,
// /msg) are rewritten into their envelope types here, which is why the
// server help can keep listing them.
func run() (int, error) {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(config.ServerURL, nil)
	if err != nil {
		return exitRuntime, fmt.Errorf("could not connect to %s: %w", config.ServerURL, err)
	}
	defer conn.Close()

	color.Green.Printf(">>> Connected to %s as %s (Ctrl+D to quit)\n", config.ServerURL, config.Username)

	c := &client{conn: conn, username: config.Username}

	done := make(chan error, 1)
	go func() { done <- c.receive() }()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := c.submit(scanner.Text()); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	if err := <-done; err != nil {
		return exitRuntime, err
	}
	return exitOK, nil
}

type client struct {
	conn     *websocket.Conn
	username string
	writeMu  sync.Mutex
}

// send serializes one envelope; a mutex keeps the stdin loop and the
// ping auto-replies off each other's frames.
func (c *client) send(env domain.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// submit maps one stdin line to its envelope type.
func (c *client) submit(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	env := domain.Envelope{
		Type:     domain.TypeChat,
		Username: c.username,
		Text:     line,
	}
	fields := strings.Fields(line)
	switch {
	case fields[0] == "/join" && len(fields) > 1:
		env.Type = domain.TypeJoin
		env.Room = fields[1]
		env.Text = ""
	case fields[0] == "/msg" && len(fields) > 2:
		env.Type = domain.TypePrivate
		env.Target = fields[1]
		env.Text = strings.Join(fields[2:], " ")
	case strings.HasPrefix(fields[0], "/"):
		env.Type = domain.TypeCommand
	}
	return c.send(env)
}

// receive prints server traffic until the connection dies.
func (c *client) receive() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		env, err := domain.Decode(data)
		if err != nil {
			color.Red.Printf("!! undecodable frame: %v\n", err)
			continue
		}
		c.render(env)
	}
}

func (c *client) render(env domain.Envelope) {
	stamp := time.Unix(int64(env.Timestamp), 0).Format(time.TimeOnly)
	switch env.Type {
	case domain.TypeChat:
		color.Cyan.Printf("[%s] %s: ", stamp, env.Username)
		fmt.Println(env.Text)

	case domain.TypePrivate:
		color.Magenta.Printf("[%s] %s (private): ", stamp, env.Username)
		fmt.Println(env.Text)

	case domain.TypeSystem:
		color.Green.Printf("[%s] * %s\n", stamp, env.Text)

	case domain.TypeUserList:
		c.renderUserList(env)

	case domain.TypePing:
		// Answer the probe; a numeric body is a /ping latency measurement.
		if micros, err := strconv.ParseInt(env.Text, 10, 64); err == nil && micros > 0 {
			color.Yellow.Printf("latency: %.1f ms\n", float64(time.Now().UnixMicro()-micros)/1000)
		}
		_ = c.send(domain.Envelope{Type: domain.TypePong, Username: c.username, Text: env.Text})

	case domain.TypePong:
		color.Yellow.Printf("[%s] pong\n", stamp)
	}
}

func (c *client) renderUserList(env domain.Envelope) {
	color.Green.Printf("users in %s:\n", env.Room)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Address"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, entry := range strings.Split(env.Text, domain.UserListSeparator) {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		table.Append(parts)
	}
	table.Render()
}
