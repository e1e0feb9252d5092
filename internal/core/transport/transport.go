package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/simplisafe/internal/logging"
)

// Conn is an engine.io connection carried over a single websocket.
type Conn interface {
	// Send writes one packet.
	Send(ctx context.Context, p Packet) error
	// Recv blocks until a packet arrives, the read deadline passes, or the
	// connection is closed.
	Recv(ctx context.Context) (Packet, error)
	// Close closes the underlying connection.
	Close() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer opens engine.io connections. rawURL is the socket endpoint with
// its application query parameters; the dialer adds the transport ones.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws  *websocket.Conn
	mu  sync.Mutex // protects writes
	log *slog.Logger
}

func newWSConn(ws *websocket.Conn, log *slog.Logger) *wsConn {
	return &wsConn{ws: ws, log: log}
}

func (c *wsConn) Send(ctx context.Context, p Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(p.Encode())); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (Packet, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	}
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return Packet{}, fmt.Errorf("transport: read: %w", err)
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", "type", msgType, "size", len(data))
			continue
		}
		p, err := DecodePacket(string(data))
		if err != nil {
			return Packet{}, err
		}
		return p, nil
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- WebSocket Dialer ---

// WebsocketDialer connects to a socket.io endpoint using the websocket
// transport only; there is no long-polling fallback.
type WebsocketDialer struct {
	handshakeTimeout time.Duration
	header           http.Header
	log              *slog.Logger
}

// NewWebsocketDialer creates a websocket dialer. header may be nil.
func NewWebsocketDialer(handshakeTimeout time.Duration, header http.Header, log *slog.Logger) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &WebsocketDialer{handshakeTimeout: handshakeTimeout, header: header, log: logging.OrDiscard(log)}
}

// Dial opens the websocket.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	target, err := EngineURL(rawURL)
	if err != nil {
		return nil, err
	}

	d.log.Debug("dialing stream", "host", hostOf(target))

	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, target, d.header.Clone())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: HTTP %d: %w", hostOf(target), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", hostOf(target), err)
	}

	return newWSConn(ws, d.log), nil
}

// EngineURL converts a socket.io endpoint into the engine.io websocket URL:
// http(s) schemes become ws(s), the path gains its trailing slash, and the
// protocol revision and transport are pinned.
func EngineURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// hostOf keeps access tokens in the query string out of logs and errors.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host + u.Path
}
