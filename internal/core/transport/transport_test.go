package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePacket(t *testing.T) {
	cases := []struct {
		frame string
		want  Packet
	}{
		{"2", Packet{Type: PacketPing}},
		{"3probe", Packet{Type: PacketPong, Data: "probe"}},
		{`40/v1/user/12345,`, Packet{Type: PacketMessage, Data: "0/v1/user/12345,"}},
		{"6", Packet{Type: PacketNoop}},
	}
	for _, tc := range cases {
		got, err := DecodePacket(tc.frame)
		require.NoError(t, err, tc.frame)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.frame, got.Encode())
	}

	_, err := DecodePacket("")
	assert.ErrorIs(t, err, ErrEmptyPacket)

	_, err = DecodePacket("9oops")
	assert.Error(t, err)
}

func TestParseHandshake(t *testing.T) {
	h, err := ParseHandshake(Packet{Type: PacketOpen, Data: `{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":60000}`})
	require.NoError(t, err)
	assert.Equal(t, "abc", h.SID)
	assert.Equal(t, 25*time.Second, h.Interval())
	assert.Equal(t, time.Minute, h.Timeout())

	_, err = ParseHandshake(Packet{Type: PacketPing})
	assert.Error(t, err)

	var zero Handshake
	assert.Equal(t, 25*time.Second, zero.Interval())
	assert.Equal(t, 20*time.Second, zero.Timeout())
}

func TestEngineURL(t *testing.T) {
	got, err := EngineURL("https://api.simplisafe.com/socket.io?ns=/v1/user/1&accessToken=tok")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "/socket.io/", u.Path)
	q := u.Query()
	assert.Equal(t, "3", q.Get("EIO"))
	assert.Equal(t, "websocket", q.Get("transport"))
	assert.Equal(t, "/v1/user/1", q.Get("ns"))
	assert.Equal(t, "tok", q.Get("accessToken"))

	got, err = EngineURL("http://127.0.0.1:9000/socket.io/")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "ws://127.0.0.1:9000/socket.io/?"))

	_, err = EngineURL("ftp://example.com")
	assert.Error(t, err)
}

func TestHostOfHidesQuery(t *testing.T) {
	assert.Equal(t, "wss://api.simplisafe.com/socket.io/", hostOf("wss://api.simplisafe.com/socket.io/?accessToken=secret"))
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	var upgrader websocket.Upgrader
	gotQuery := make(chan url.Values, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery <- r.URL.Query()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"s1","pingInterval":1000,"pingTimeout":1000}`))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0x04, 0x01})
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "2" {
				_ = ws.WriteMessage(websocket.TextMessage, []byte("3"))
			}
		}
	}))
	defer srv.Close()

	d := NewWebsocketDialer(time.Second, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, srv.URL+"/socket.io?ns=/v1/user/7")
	require.NoError(t, err)
	defer conn.Close()

	q := <-gotQuery
	assert.Equal(t, "/v1/user/7", q.Get("ns"))
	assert.Equal(t, "websocket", q.Get("transport"))

	open, err := conn.Recv(ctx)
	require.NoError(t, err)
	h, err := ParseHandshake(open)
	require.NoError(t, err)
	assert.Equal(t, "s1", h.SID)

	require.NoError(t, conn.Send(ctx, Packet{Type: PacketPing}))
	// The binary frame sent before the pong is skipped.
	pong, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, PacketPong, pong.Type)
}

func TestWebsocketDialerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewWebsocketDialer(time.Second, nil, nil)
	_, err := d.Dial(context.Background(), srv.URL+"/socket.io?accessToken=secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
	assert.NotContains(t, err.Error(), "secret")
}
