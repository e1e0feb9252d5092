package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/transport"
)

// fakeSocketServer speaks just enough engine.io v3 and socket.io to accept
// a namespace join, answer pings and push events.
type fakeSocketServer struct {
	srv          *httptest.Server
	upgrader     websocket.Upgrader
	pingInterval int

	mu       sync.Mutex
	accepted map[string]bool
	tokens   []string
	joins    int
	leaves   int
	pings    int
	conns    []*fakeSocketConn
}

type fakeSocketConn struct {
	ws *websocket.Conn
	ns string
	mu sync.Mutex
}

func (fc *fakeSocketConn) write(frame string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func newFakeSocketServer(t *testing.T, acceptedTokens ...string) *fakeSocketServer {
	t.Helper()
	fs := &fakeSocketServer{pingInterval: 25000, accepted: map[string]bool{}}
	for _, tok := range acceptedTokens {
		fs.accepted[tok] = true
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.close)
	return fs
}

func (fs *fakeSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("accessToken")
	ns := q.Get("ns")

	fs.mu.Lock()
	fs.tokens = append(fs.tokens, token)
	interval := fs.pingInterval
	fs.mu.Unlock()

	ws, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeSocketConn{ws: ws, ns: ns}
	defer ws.Close()

	open := fmt.Sprintf(`0{"sid":"sid-%d","upgrades":[],"pingInterval":%d,"pingTimeout":1000}`, time.Now().UnixNano(), interval)
	if err := fc.write(open); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame := string(data)
		switch {
		case frame == "2":
			fs.mu.Lock()
			fs.pings++
			fs.mu.Unlock()
			_ = fc.write("3")
		case frame == "40"+ns+",":
			fs.mu.Lock()
			ok := fs.accepted[token]
			if ok {
				fs.joins++
				fs.conns = append(fs.conns, fc)
			}
			fs.mu.Unlock()
			if ok {
				_ = fc.write("40" + ns + ",")
			} else {
				_ = fc.write("44" + ns + `,"Unauthorized"`)
			}
		case strings.HasPrefix(frame, "41"):
			fs.mu.Lock()
			fs.leaves++
			fs.mu.Unlock()
			return
		}
	}
}

func (fs *fakeSocketServer) latest() *fakeSocketConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

// push sends an "event" to the most recently joined client.
func (fs *fakeSocketServer) push(payload string) error {
	fc := fs.latest()
	if fc == nil {
		return fmt.Errorf("no client joined")
	}
	return fc.write("42" + fc.ns + `,["event",` + payload + `]`)
}

// kill drops the most recently joined client without a close handshake.
func (fs *fakeSocketServer) kill() {
	if fc := fs.latest(); fc != nil {
		_ = fc.ws.UnderlyingConn().Close()
	}
}

func (fs *fakeSocketServer) counts() (joins, leaves, pings int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.joins, fs.leaves, fs.pings
}

func (fs *fakeSocketServer) seenTokens() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.tokens...)
}

func (fs *fakeSocketServer) close() {
	fs.mu.Lock()
	conns := append([]*fakeSocketConn(nil), fs.conns...)
	fs.mu.Unlock()
	for _, fc := range conns {
		_ = fc.ws.Close()
	}
	fs.srv.Close()
}

func (fs *fakeSocketServer) config() config.StreamConfig {
	return config.StreamConfig{
		Enabled:           true,
		URL:               fs.srv.URL + "/socket.io",
		WatchdogTimeout:   time.Minute,
		ReconnectInterval: 10 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
	}
}

func testDialer() transport.Dialer {
	return transport.NewWebsocketDialer(2*time.Second, nil, nil)
}
