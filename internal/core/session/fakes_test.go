package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/simplisafe/internal/config"
)

const (
	testEmail    = "user@email.com"
	testPassword = "12345"
	testUserID   = 12345
	initialToken = "abcde12345"
	rotatedToken = "qrstu98765"
	testRefresh  = "refresh-token-1"
)

const subscriptions = `{
	"subscriptions": [{
		"uid": 12345,
		"sid": 12345,
		"sStatus": 20,
		"location": {
			"sid": 12345,
			"street1": "1234 Main Street",
			"system": {
				"serial": "1234ABCD",
				"alarmState": "OFF",
				"version": 3,
				"temperature": 67,
				"connType": "wifi",
				"messages": []
			}
		}
	}]
}`

const sensors = `{
	"sensors": [
		{"type": 5, "serial": "825", "name": "Fire Door", "status": {"triggered": false}},
		{"type": 16, "serial": "987", "name": "Front Door Lock", "status": {"lockState": 1}}
	]
}`

const settings = `{
	"account": 12345,
	"settings": {"normal": {"alarmDuration": 240, "alarmVolume": 3}},
	"basestationStatus": {"wifiRssi": -49}
}`

// fakeCloud serves the REST endpoints a session touches. Successive token
// grants hand out successive access tokens.
type fakeCloud struct {
	srv *httptest.Server

	tokenHits   atomic.Int32
	stateCalls  atomic.Int32
	failStateTo atomic.Bool

	mu     sync.Mutex
	tokens []string
	grants []string
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	fc := &fakeCloud{tokens: []string{initialToken, rotatedToken}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/api/token", func(w http.ResponseWriter, r *http.Request) {
		n := int(fc.tokenHits.Add(1))
		_ = r.ParseForm()
		fc.mu.Lock()
		fc.grants = append(fc.grants, r.PostForm.Get("grant_type"))
		tok := fc.tokens[min(n, len(fc.tokens))-1]
		fc.mu.Unlock()

		if r.PostForm.Get("grant_type") == "password" && r.PostForm.Get("password") != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"access_token":  tok,
			"refresh_token": testRefresh,
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	mux.HandleFunc("GET /v1/api/authCheck", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"userId": testUserID, "isAdmin": true})
	})
	mux.HandleFunc("GET /v1/users/12345/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(subscriptions))
	})
	mux.HandleFunc("GET /v1/ss3/subscriptions/12345/sensors", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sensors))
	})
	mux.HandleFunc("GET /v1/ss3/subscriptions/12345/settings/normal", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(settings))
	})
	mux.HandleFunc("POST /v1/ss3/subscriptions/12345/state/{name}", func(w http.ResponseWriter, r *http.Request) {
		fc.stateCalls.Add(1)
		if fc.failStateTo.Load() {
			// Drop the connection to simulate a network failure.
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"state": strings.ToUpper(r.PathValue("name"))})
	})

	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCloud) seenGrants() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.grants...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeStream accepts a socket.io namespace join and lets tests push events.
type fakeStream struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	tokens []string
	conns  []*streamConn
}

type streamConn struct {
	ws *websocket.Conn
	ns string
	mu sync.Mutex
}

func (sc *streamConn) write(frame string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func newFakeStream(t *testing.T) *fakeStream {
	t.Helper()
	fs := &fakeStream{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		fs.mu.Lock()
		fs.tokens = append(fs.tokens, q.Get("accessToken"))
		fs.mu.Unlock()

		ws, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		sc := &streamConn{ws: ws, ns: q.Get("ns")}
		if err := sc.write(`0{"sid":"s","upgrades":[],"pingInterval":25000,"pingTimeout":5000}`); err != nil {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			switch frame := string(data); {
			case frame == "2":
				_ = sc.write("3")
			case frame == "40"+sc.ns+",":
				fs.mu.Lock()
				fs.conns = append(fs.conns, sc)
				fs.mu.Unlock()
				_ = sc.write(frame)
			case strings.HasPrefix(frame, "41"):
				return
			}
		}
	}))
	t.Cleanup(func() {
		fs.mu.Lock()
		for _, sc := range fs.conns {
			_ = sc.ws.Close()
		}
		fs.mu.Unlock()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeStream) seenTokens() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.tokens...)
}

func (fs *fakeStream) push(payload string) error {
	fs.mu.Lock()
	if len(fs.conns) == 0 {
		fs.mu.Unlock()
		return fmt.Errorf("no client joined")
	}
	sc := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	return sc.write("42" + sc.ns + `,["event",` + payload + `]`)
}

func testOptions(fc *fakeCloud, fs *fakeStream) Options {
	apiCfg := config.Defaults().API
	apiCfg.BaseURL = fc.srv.URL + "/v1"

	streamCfg := config.StreamConfig{
		Enabled:           true,
		URL:               "http://127.0.0.1:1/socket.io",
		WatchdogTimeout:   time.Minute,
		ReconnectInterval: 10 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
	}
	if fs != nil {
		streamCfg.URL = fs.srv.URL + "/socket.io"
	}
	return Options{API: apiCfg, Stream: streamCfg, HTTPClient: fc.srv.Client()}
}
