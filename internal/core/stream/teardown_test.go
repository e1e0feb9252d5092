package stream

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/simplisafe/internal/core/event"
	"github.com/trymwestin/simplisafe/internal/core/transport"
)

// scriptedConn is an in-memory engine.io connection. It completes the
// handshake on its own and runs onLeave when the client leaves its namespace.
type scriptedConn struct {
	in      chan transport.Packet
	closed  chan struct{}
	once    sync.Once
	onLeave func(sc *scriptedConn)
}

func newScriptedConn() *scriptedConn {
	sc := &scriptedConn{in: make(chan transport.Packet, 8), closed: make(chan struct{})}
	sc.in <- transport.Packet{Type: transport.PacketOpen, Data: `{"sid":"s1","upgrades":[],"pingInterval":25000,"pingTimeout":5000}`}
	return sc
}

func (sc *scriptedConn) Send(_ context.Context, p transport.Packet) error {
	select {
	case <-sc.closed:
		return errors.New("closed")
	default:
	}
	if p.Type != transport.PacketMessage {
		return nil
	}
	sp, err := parseSocketIO(p.Data)
	if err != nil {
		return err
	}
	switch sp.Type {
	case sioConnect:
		sc.in <- transport.Packet{Type: transport.PacketMessage, Data: encodeSocketIO(sioConnect, sp.Namespace, "")}
	case sioDisconnect:
		if sc.onLeave != nil {
			sc.onLeave(sc)
		}
	}
	return nil
}

func (sc *scriptedConn) Recv(ctx context.Context) (transport.Packet, error) {
	select {
	case p := <-sc.in:
		return p, nil
	case <-sc.closed:
		return transport.Packet{}, errors.New("closed")
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

func (sc *scriptedConn) Close() error {
	sc.once.Do(func() { close(sc.closed) })
	return nil
}

func (sc *scriptedConn) SetReadDeadline(time.Time) error { return nil }

// drained waits briefly for the read loop to take every queued packet.
func (sc *scriptedConn) drained() {
	deadline := time.Now().Add(200 * time.Millisecond)
	for len(sc.in) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}

type scriptedDialer struct {
	conn  *scriptedConn
	dials atomic.Int32
}

func (d *scriptedDialer) Dial(context.Context, string) (transport.Conn, error) {
	if d.dials.Add(1) > 1 {
		return nil, errors.New("connection refused")
	}
	return d.conn, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDisconnectIgnoresFramesDuringTeardown(t *testing.T) {
	conn := newScriptedConn()
	conn.onLeave = func(sc *scriptedConn) {
		sc.in <- transport.Packet{Type: transport.PacketPong}
		sc.drained()
	}
	dialer := &scriptedDialer{conn: conn}

	var logs lockedBuffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := streamConfig("wss://api.simplisafe.com/socket.io")
	cfg.WatchdogTimeout = 50 * time.Millisecond
	c := NewClient(cfg, testUserID, initialToken, dialer, log)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))

	c.watchdog.mu.Lock()
	armed := c.watchdog.timer != nil
	c.watchdog.mu.Unlock()
	assert.False(t, armed)

	time.Sleep(200 * time.Millisecond)
	assert.NotContains(t, logs.String(), "watchdog expired")
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, Disconnected, c.Status())
}

func TestRotateTokenWhileEventHandlerBlocked(t *testing.T) {
	fs := newFakeSocketServer(t, initialToken, rotatedToken)
	c := connectedClient(t, fs)

	var enterOnce sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	c.OnEvent(func(event.Event) {
		enterOnce.Do(func() { close(entered) })
		<-release
	})

	require.NoError(t, fs.push(disarmedPayload))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	done := make(chan error, 1)
	go func() { done <- c.RotateToken(context.Background(), rotatedToken) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("reconnect waited on a busy event handler")
	}
	close(release)

	assert.True(t, c.Connected())
	tokens := fs.seenTokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, rotatedToken, tokens[1])
}

func TestRotateTokenSkipsReconnectLimit(t *testing.T) {
	fs := newFakeSocketServer(t, initialToken, rotatedToken)
	cfg := fs.config()
	cfg.ReconnectInterval = time.Hour

	c := NewClient(cfg, testUserID, initialToken, testDialer(), nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	// Spends the only reconnect the limiter allows this hour.
	require.NoError(t, c.Reconnect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.RotateToken(ctx, rotatedToken))

	assert.True(t, c.Connected())
	tokens := fs.seenTokens()
	require.Len(t, tokens, 3)
	assert.Equal(t, rotatedToken, tokens[2])
}

func TestRotateTokenWhileDisconnected(t *testing.T) {
	dialer := &scriptedDialer{conn: newScriptedConn()}
	c := NewClient(streamConfig("wss://api.simplisafe.com/socket.io"), testUserID, initialToken, dialer, nil)

	require.NoError(t, c.RotateToken(context.Background(), rotatedToken))
	assert.Equal(t, rotatedToken, c.AccessToken())
	assert.Zero(t, dialer.dials.Load())
}
