// Package terminal implements the terminal gateway: a websocket-to-PTY
// relay with one connection per (owner, session), superseding any prior
// connection for the same pair, with a heartbeat that terminates
// unresponsive clients.
package terminal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Close codes for the duplex stream protocol. 4001-4007 are sent when
// the authorization sequence fails, 4008 when a newer connection for the
// same (owner, session) takes over.
const (
	CloseMissingCredential = 4001
	CloseCredentialExpired = 4003
	CloseCredentialInvalid = 4004
	CloseSessionNotFound   = 4005
	CloseForbidden         = 4006
	CloseSessionNotActive  = 4007
	CloseSuperseded        = 4008
)

const missedPongsMax = 2

// Message is the JSON frame exchanged in both directions.
// Client->Server: input, resize, ping. Server->Client: connected,
// output, exit, error, pong, server_shutdown.
type Message struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Cols      uint   `json:"cols,omitempty"`
	Rows      uint   `json:"rows,omitempty"`
}

const (
	TypeInput          = "input"
	TypeResize         = "resize"
	TypePing           = "ping"
	TypeConnected      = "connected"
	TypeOutput         = "output"
	TypeExit           = "exit"
	TypeError          = "error"
	TypePong           = "pong"
	TypeServerShutdown = "server_shutdown"
)

// Pty is the stream the gateway relays: the sandbox driver's attached
// exec session in production, an in-memory fake in tests.
type Pty interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Resize(ctx context.Context, cols, rows uint) error
	Close() error
	ExitCode(ctx context.Context) (code int, ok bool, err error)
}

type sessionKey struct {
	ownerID   string
	sessionID string
}

type client struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	pty         Pty
	missedPongs atomic.Int32
	cancel      context.CancelFunc
}

// Gateway tracks the single live connection per (owner, session),
// evicting a predecessor when a new connection supersedes it. Opening a
// second terminal always evicts the first, never multiplexes.
type Gateway struct {
	mu       sync.Mutex
	clients  map[sessionKey]*client
	interval time.Duration
	log      zerolog.Logger
}

func New(heartbeatInterval time.Duration, log zerolog.Logger) *Gateway {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Gateway{clients: make(map[sessionKey]*client), interval: heartbeatInterval, log: log}
}

// Serve attaches conn to stream as the terminal for (ownerID, sessionID),
// evicting any existing connection for that pair first. It blocks until
// the connection closes, the pty exits, or the heartbeat times out.
// Closing either end releases the pty but never removes the sandbox —
// the session survives and the client may reconnect until TTL expiry.
func (g *Gateway) Serve(ctx context.Context, ownerID, sessionID string, conn *websocket.Conn, stream Pty) {
	key := sessionKey{ownerID: ownerID, sessionID: sessionID}
	ctx, cancel := context.WithCancel(ctx)
	c := &client{conn: conn, pty: stream, cancel: cancel}

	// swap the registration under the lock, but write the eviction close
	// frame after releasing it: the map mutex is never held across I/O
	g.mu.Lock()
	prev := g.clients[key]
	g.clients[key] = c
	g.mu.Unlock()
	if prev != nil {
		g.log.Info().Str("session", sessionID).Msg("superseding existing terminal connection")
		prev.closeWith(CloseSuperseded, "superseded by newer connection")
	}

	defer func() {
		g.mu.Lock()
		if g.clients[key] == c {
			delete(g.clients, key)
		}
		g.mu.Unlock()
		cancel()
		stream.Close()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		return nil
	})

	_ = c.writeJSON(Message{Type: TypeConnected, SessionID: sessionID, Message: "terminal attached"})

	go g.heartbeat(ctx, c)
	go g.pumpOutput(ctx, c)
	g.pumpInput(ctx, c)
}

// CloseWithCode writes a final error frame and closes conn with the
// given stream close code. Used by the HTTP surface when the
// authorization sequence fails after the websocket upgrade.
func CloseWithCode(conn *websocket.Conn, code int, message string) {
	_ = conn.WriteJSON(Message{Type: TypeError, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message), time.Now().Add(time.Second))
	conn.Close()
}

// Shutdown notifies every live connection that the server is going away
// and closes each with code 1001. Sessions are not torn down; they are
// reconciled by the reaper on next boot.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.clients = make(map[sessionKey]*client)
	g.mu.Unlock()

	for _, c := range clients {
		_ = c.writeJSON(Message{Type: TypeServerShutdown, Message: "server is shutting down"})
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}

func (c *client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.cancel()
	c.conn.Close()
}

func (c *client) writeJSON(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// pumpInput reads client frames and applies them in arrival order:
// input bytes go to the pty, resize adjusts its geometry, ping is
// answered with pong.
func (g *Gateway) pumpInput(ctx context.Context, c *client) {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case TypeInput:
			if _, err := c.pty.Write([]byte(msg.Data)); err != nil {
				return
			}
		case TypeResize:
			_ = c.pty.Resize(ctx, msg.Cols, msg.Rows)
		case TypePing:
			_ = c.writeJSON(Message{Type: TypePong})
		}
	}
}

// pumpOutput copies pty output to the client as output frames, in the
// order the pty produced it. When the pty closes, remaining bytes are
// flushed, a final exit frame carries the exit code, and the connection
// is closed normally.
func (g *Gateway) pumpOutput(ctx context.Context, c *client) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := c.pty.Read(buf)
		if n > 0 {
			if writeErr := c.writeJSON(Message{Type: TypeOutput, Data: string(buf[:n])}); writeErr != nil {
				return
			}
		}
		if err != nil {
			code := 0
			if exitCode, ok, exitErr := c.pty.ExitCode(ctx); exitErr == nil && ok {
				code = exitCode
			}
			_ = c.writeJSON(Message{Type: TypeExit, Code: &code})
			c.closeWith(websocket.CloseNormalClosure, "sandbox session ended")
			return
		}
	}
}

// heartbeat pings the client on every interval and terminates the
// connection after two consecutive unanswered pings.
func (g *Gateway) heartbeat(ctx context.Context, c *client) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.missedPongs.Add(1) > missedPongsMax {
				g.log.Info().Msg("terminal connection missed too many heartbeats, closing")
				c.closeWith(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
