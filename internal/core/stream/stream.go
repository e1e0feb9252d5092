// Package stream maintains the real-time event connection to the SimpliSafe
// cloud: a socket.io namespace per user, carried over an engine.io websocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/event"
	"github.com/trymwestin/simplisafe/internal/core/transport"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// maxRecoverAttempts bounds reconnect attempts per watchdog expiry.
const maxRecoverAttempts = 3

// ErrAlreadyConnected is returned by Connect on a live connection.
var ErrAlreadyConnected = errors.New("stream: already connected")

// WebsocketError reports a failure to establish the connection.
type WebsocketError struct {
	Err error
}

func (e *WebsocketError) Error() string {
	return "stream: websocket: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *WebsocketError) Unwrap() error {
	return e.Err
}

// Status is the connection state.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type link struct {
	conn   transport.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	closed      bool
	dispatching bool
}

// enter marks the read loop as running an event handler. It fails once the
// link has been shut.
func (l *link) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.dispatching = true
	return true
}

func (l *link) leave() {
	l.mu.Lock()
	l.dispatching = false
	l.mu.Unlock()
}

// shut marks the link closed and reports whether its read loop is inside an
// event handler. Such a handler may be blocked on the caller, so the caller
// must not wait for the read loop to exit.
func (l *link) shut() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.dispatching
}

// Client is the event stream of one user. Connect, Disconnect and Reconnect
// are serialized; handlers may be registered at any time.
type Client struct {
	baseURL          string
	userID           int64
	namespace        string
	dialer           transport.Dialer
	handshakeTimeout time.Duration
	log              *slog.Logger
	watchdog         *Watchdog
	limiter          *rate.Limiter

	status atomic.Int32
	wanted atomic.Bool

	lifeMu sync.Mutex

	mu                sync.Mutex
	token             string
	link              *link
	onConnect         Handler
	onDisconnectSync  Handler
	onDisconnectAsync Handler
	onEvent           EventHandler
}

// NewClient creates a disconnected stream client.
func NewClient(cfg config.StreamConfig, userID int64, accessToken string, dialer transport.Dialer, log *slog.Logger) *Client {
	log = logging.OrDiscard(log)
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.WatchdogTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 15 * time.Second
	}

	c := &Client{
		baseURL:          cfg.URL,
		userID:           userID,
		namespace:        fmt.Sprintf("/v1/user/%d", userID),
		dialer:           dialer,
		handshakeTimeout: handshake,
		log:              log.With("user_id", userID),
		limiter:          rate.NewLimiter(rate.Every(interval), 1),
		token:            accessToken,
	}
	c.watchdog = NewWatchdog(timeout, c.recoverStream, c.log)
	return c
}

// UserID returns the user the stream is scoped to.
func (c *Client) UserID() int64 { return c.userID }

// Namespace returns the socket.io namespace.
func (c *Client) Namespace() string { return c.namespace }

// Status returns the connection state.
func (c *Client) Status() Status { return Status(c.status.Load()) }

// Connected reports whether the stream is connected.
func (c *Client) Connected() bool { return c.Status() == Connected }

func (c *Client) setStatus(s Status) { c.status.Store(int32(s)) }

// SetAccessToken replaces the token used by the next connection attempt.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// AccessToken returns the token used for connecting.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// URL returns the connection URL with the namespace and current token.
func (c *Client) URL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		u = &url.URL{Path: c.baseURL}
	}
	q := u.Query()
	q.Set("ns", c.namespace)
	q.Set("accessToken", c.AccessToken())
	u.RawQuery = q.Encode()
	return u.String()
}

// OnConnect registers a sync connect handler, replacing any previous one.
func (c *Client) OnConnect(fn func()) { c.setConnect(SyncHandler(fn)) }

// AsyncOnConnect registers an async connect handler, replacing any previous one.
func (c *Client) AsyncOnConnect(fn func(ctx context.Context)) { c.setConnect(AsyncHandler(fn)) }

func (c *Client) setConnect(h Handler) {
	c.mu.Lock()
	c.onConnect = h
	c.mu.Unlock()
}

// OnDisconnect registers the sync disconnect handler. It is only used when
// no async disconnect handler is registered.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnectSync = SyncHandler(fn)
	c.mu.Unlock()
}

// AsyncOnDisconnect registers the async disconnect handler.
func (c *Client) AsyncOnDisconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onDisconnectAsync = AsyncHandler(fn)
	c.mu.Unlock()
}

// OnEvent registers a sync event handler, replacing any previous one.
func (c *Client) OnEvent(fn func(ev event.Event)) { c.setEvent(SyncEventHandler(fn)) }

// AsyncOnEvent registers an async event handler, replacing any previous one.
func (c *Client) AsyncOnEvent(fn func(ctx context.Context, ev event.Event)) {
	c.setEvent(AsyncEventHandler(fn))
}

func (c *Client) setEvent(h EventHandler) {
	c.mu.Lock()
	c.onEvent = h
	c.mu.Unlock()
}

// Connect opens the connection and joins the user namespace. Failures are
// returned as *WebsocketError and are not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	c.wanted.Store(true)
	err := c.connect(ctx)
	c.lifeMu.Unlock()
	if err != nil {
		return err
	}
	c.fireConnect()
	return nil
}

// Disconnect closes the connection, stops the watchdog and invokes the
// disconnect handler.
func (c *Client) Disconnect(_ context.Context) error {
	c.lifeMu.Lock()
	c.wanted.Store(false)
	c.teardown()
	// The old read loop no longer kicks the watchdog once teardown returns.
	c.watchdog.Cancel()
	c.lifeMu.Unlock()

	c.log.Info("stream disconnected")
	c.fireDisconnect()
	return nil
}

// Reconnect tears down any live connection and connects again with the
// current token. Attempts are rate limited.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.reconnect(ctx, false, true)
}

// RotateToken switches to a new access token. A live connection is
// re-established with it right away, outside the reconnect rate limit.
func (c *Client) RotateToken(ctx context.Context, token string) error {
	c.SetAccessToken(token)
	if !c.Connected() {
		return nil
	}
	return c.reconnect(ctx, true, false)
}

func (c *Client) reconnect(ctx context.Context, onlyIfWanted, limited bool) error {
	if limited {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("stream: reconnect: %w", err)
		}
	}

	c.lifeMu.Lock()
	if onlyIfWanted && !c.wanted.Load() {
		c.lifeMu.Unlock()
		return nil
	}
	c.wanted.Store(true)
	hadLink := c.teardown()
	err := c.connect(ctx)
	c.lifeMu.Unlock()

	if hadLink {
		c.fireDisconnect()
	}
	if err != nil {
		return err
	}
	c.fireConnect()
	return nil
}

// recoverStream is the watchdog action.
func (c *Client) recoverStream(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= maxRecoverAttempts; attempt++ {
		if !c.wanted.Load() {
			return nil
		}
		if err = c.reconnect(ctx, true, true); err == nil {
			return nil
		}
		c.log.Warn("stream reconnect failed", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("stream: giving up after %d attempts: %w", maxRecoverAttempts, err)
}

// connect must be called with lifeMu held.
func (c *Client) connect(ctx context.Context) error {
	if c.Status() != Disconnected {
		return ErrAlreadyConnected
	}
	c.setStatus(Connecting)

	conn, hs, err := c.open(ctx)
	if err != nil {
		c.setStatus(Disconnected)
		c.log.Warn("stream connect failed", "error", err)
		return &WebsocketError{Err: err}
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &link{conn: conn, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	c.setStatus(Connected)
	c.watchdog.Trigger()

	go c.readLoop(linkCtx, l, hs)
	go c.pingLoop(linkCtx, l, hs.Interval())

	c.log.Info("stream connected", "namespace", c.namespace, "sid", hs.SID)
	return nil
}

// open dials, completes the engine.io handshake and joins the namespace.
func (c *Client) open(ctx context.Context) (transport.Conn, transport.Handshake, error) {
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(hctx, c.URL())
	if err != nil {
		return nil, transport.Handshake{}, err
	}

	hs, err := c.handshake(hctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, transport.Handshake{}, err
	}
	return conn, hs, nil
}

func (c *Client) handshake(ctx context.Context, conn transport.Conn) (transport.Handshake, error) {
	p, err := conn.Recv(ctx)
	if err != nil {
		return transport.Handshake{}, err
	}
	hs, err := transport.ParseHandshake(p)
	if err != nil {
		return transport.Handshake{}, err
	}

	join := transport.Packet{Type: transport.PacketMessage, Data: encodeSocketIO(sioConnect, c.namespace, "")}
	if err := conn.Send(ctx, join); err != nil {
		return transport.Handshake{}, err
	}

	for {
		p, err := conn.Recv(ctx)
		if err != nil {
			return transport.Handshake{}, err
		}
		switch p.Type {
		case transport.PacketPing:
			if err := conn.Send(ctx, transport.Packet{Type: transport.PacketPong, Data: p.Data}); err != nil {
				return transport.Handshake{}, err
			}
		case transport.PacketClose:
			return transport.Handshake{}, errors.New("closed during handshake")
		case transport.PacketMessage:
			sp, err := parseSocketIO(p.Data)
			if err != nil || sp.Namespace != c.namespace {
				continue
			}
			switch sp.Type {
			case sioConnect:
				_ = conn.SetReadDeadline(time.Now().Add(hs.Interval() + hs.Timeout()))
				return hs, nil
			case sioError:
				return transport.Handshake{}, fmt.Errorf("namespace %s rejected: %s", c.namespace, errorMessage(sp.Data))
			}
		}
	}
}

// teardown must be called with lifeMu held. It reports whether a live
// connection was closed. It waits for the read loop to exit unless the loop
// is inside an event handler; that handler finishes on its own and the loop
// exits after it.
func (c *Client) teardown() bool {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	c.setStatus(Disconnected)

	if l == nil {
		return false
	}
	busy := l.shut()
	l.cancel()

	sctx, cancel := context.WithTimeout(context.Background(), time.Second)
	leave := transport.Packet{Type: transport.PacketMessage, Data: encodeSocketIO(sioDisconnect, c.namespace, "")}
	_ = l.conn.Send(sctx, leave)
	cancel()

	_ = l.conn.Close()
	if !busy {
		<-l.done
	}
	return true
}

// dropped handles a connection that ended without a teardown and asks the
// watchdog to recover immediately.
func (c *Client) dropped(l *link, reason error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.mu.Unlock()

	l.cancel()
	_ = l.conn.Close()
	c.setStatus(Disconnected)

	c.log.Warn("stream connection lost", "error", reason)
	c.fireDisconnect()
	c.watchdog.Expire()
}

func (c *Client) readLoop(ctx context.Context, l *link, hs transport.Handshake) {
	defer close(l.done)
	idle := hs.Interval() + hs.Timeout()

	for {
		p, err := l.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.dropped(l, err)
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(idle))
		c.kick(l)

		switch p.Type {
		case transport.PacketPing:
			if err := l.conn.Send(ctx, transport.Packet{Type: transport.PacketPong, Data: p.Data}); err != nil {
				c.log.Debug("pong failed", "error", err)
			}
		case transport.PacketPong:
			c.log.Debug("stream heartbeat")
		case transport.PacketClose:
			c.dropped(l, errors.New("closed by server"))
			return
		case transport.PacketMessage:
			if left := c.handleMessage(ctx, l, p.Data); left {
				c.dropped(l, errors.New("namespace closed by server"))
				return
			}
		}
	}
}

// kick feeds the watchdog while l is the live link.
func (c *Client) kick(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == l {
		c.watchdog.Trigger()
	}
}

func (c *Client) pingLoop(ctx context.Context, l *link, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, every)
			err := l.conn.Send(sctx, transport.Packet{Type: transport.PacketPing})
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Closing unblocks the read loop, which reports the drop.
				c.log.Warn("stream ping failed", "error", err)
				_ = l.conn.Close()
				return
			}
		}
	}
}

// handleMessage dispatches a socket.io frame. It reports whether the server
// removed the client from its namespace.
func (c *Client) handleMessage(ctx context.Context, l *link, data string) bool {
	sp, err := parseSocketIO(data)
	if err != nil {
		c.log.Warn("bad socket.io frame", "error", err)
		return false
	}
	if sp.Namespace != c.namespace {
		c.log.Debug("ignoring frame for other namespace", "namespace", sp.Namespace)
		return false
	}

	switch sp.Type {
	case sioEvent:
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(sp.Data), &args); err != nil || len(args) < 2 {
			c.log.Warn("malformed event frame", "error", err)
			return false
		}
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil || name != "event" {
			c.log.Debug("ignoring socket.io event", "name", name)
			return false
		}
		ev, err := event.Decode(args[1], c.log)
		if err != nil {
			c.log.Warn("undecodable event", "error", err)
			return false
		}
		c.fireEvent(ctx, l, ev)
	case sioDisconnect:
		return true
	case sioError:
		c.log.Warn("stream error", "message", errorMessage(sp.Data))
	}
	return false
}

func (c *Client) fireConnect() {
	c.mu.Lock()
	h := c.onConnect
	c.mu.Unlock()
	if h != nil {
		h.Invoke(context.Background())
	}
}

// fireDisconnect prefers the async handler.
func (c *Client) fireDisconnect() {
	c.mu.Lock()
	h := c.onDisconnectAsync
	if h == nil {
		h = c.onDisconnectSync
	}
	c.mu.Unlock()
	if h != nil {
		h.Invoke(context.Background())
	}
}

func (c *Client) fireEvent(ctx context.Context, l *link, ev event.Event) {
	c.mu.Lock()
	h := c.onEvent
	c.mu.Unlock()
	if h == nil || !l.enter() {
		return
	}
	defer l.leave()
	h.HandleEvent(ctx, ev)
}

func errorMessage(data string) string {
	var msg string
	if err := json.Unmarshal([]byte(data), &msg); err == nil {
		return msg
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return data
}
