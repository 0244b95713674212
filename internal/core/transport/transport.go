package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jastroger/ha-nest-protect/internal/core/auth"
)

// Conn is a long-lived observe-stream connection. Read returns raw stream
// chunks; frame boundaries do not align with reads, reassembly belongs to the
// stream decoder.
type Conn interface {
	// Send writes one JSON message (the subscription frame).
	Send(ctx context.Context, v any) error
	// Read blocks until the next raw chunk arrives.
	Read(ctx context.Context) ([]byte, error)
	// Close closes the underlying connection.
	Close() error
	// Ping sends a WebSocket-level ping frame.
	Ping() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer opens observe-stream connections against a per-session transport URL.
type Dialer interface {
	Dial(ctx context.Context, transportURL string, cred auth.Credential) (Conn, error)
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws          *websocket.Conn
	mu          sync.Mutex // protects writes
	idleTimeout time.Duration
	log         *slog.Logger
}

func newWSConn(ws *websocket.Conn, idleTimeout time.Duration, log *slog.Logger) *wsConn {
	c := &wsConn{ws: ws, idleTimeout: idleTimeout, log: log}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	return c
}

func (c *wsConn) Send(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Read(_ context.Context) ([]byte, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}

	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("unexpected message type %d", msgType)}
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- Cloud Dialer ---

// CloudDialer opens the subscribe stream against the session transport URL.
type CloudDialer struct {
	idleTimeout time.Duration
	log         *slog.Logger
}

// NewCloudDialer creates a dialer for the observe stream. idleTimeout is the
// read deadline extended on every pong and incoming chunk.
func NewCloudDialer(idleTimeout time.Duration, log *slog.Logger) *CloudDialer {
	return &CloudDialer{idleTimeout: idleTimeout, log: log}
}

// Dial connects to {transportURL}/v5/subscribe over WebSocket.
func (d *CloudDialer) Dial(ctx context.Context, transportURL string, cred auth.Credential) (Conn, error) {
	url := toWebSocketURL(transportURL) + "/v5/subscribe"

	header := http.Header{}
	setAuthHeaders(header, cred)

	d.log.Info("dialing observe stream", "url", url)

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			if authRejected(resp.StatusCode) {
				return nil, fmt.Errorf("%w: subscribe handshake HTTP %d", auth.ErrAuthExpired, resp.StatusCode)
			}
			return nil, &TransportError{Op: "dial", Status: resp.StatusCode, Err: err}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	d.log.Info("observe stream connected")
	return newWSConn(ws, d.idleTimeout, d.log), nil
}

// toWebSocketURL rewrites https:// to wss:// (and http:// to ws://).
func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + u[len("https://"):]
	case strings.HasPrefix(u, "http://"):
		return "ws://" + u[len("http://"):]
	}
	return u
}
