package libmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWsTestServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *url.URL {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	return u
}

func dialTestSocket(t *testing.T, u *url.URL, sessionID string) (*WsSocket, chan Message) {
	t.Helper()

	recv := make(chan Message, 16)
	repo := NewOpenConnectionParamsRepo(NopLogger(), withSession(
		StaticOpenConnectionParams(*u, http.Header{}),
		"main",
		sessionID,
	))
	sock := NewWebsocketSocket(websocket.DefaultDialer, repo, NopLogger(), recv, ErrorAdapters{})
	return sock, recv
}

func TestWsSocket_EchoCarriesSession(t *testing.T) {
	seen := make(chan *http.Request, 1)
	u := newWsTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		seen <- r
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	sock, recv := dialTestSocket(t, u, "sess-1")
	require.NoError(t, sock.Open(context.Background()))
	defer sock.Close()

	r := <-seen
	assert.Equal(t, "sess-1", r.Header.Get(sessionHeader))
	assert.Equal(t, "sess-1", r.URL.Query().Get(sessionQueryParam))
	assert.Equal(t, "main", r.URL.Query().Get(serviceQueryParam))

	require.NoError(t, sock.Write(NewDataMessage(TextMessage, []byte(`{"id":"1"}`))))
	require.NoError(t, sock.Write(NewDataMessage(BinaryMessage, []byte{0xa1})))

	for _, want := range []Message{
		NewDataMessage(TextMessage, []byte(`{"id":"1"}`)),
		NewDataMessage(BinaryMessage, []byte{0xa1}),
	} {
		select {
		case m := <-recv:
			assert.Equal(t, want.Type, m.Type)
			assert.Equal(t, want.Data, m.Data)
		case <-time.After(2 * time.Second):
			t.Fatal("echo not received")
		}
	}
}

func TestWsSocket_NormalClosureIsClean(t *testing.T) {
	u := newWsTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	})

	sock, _ := dialTestSocket(t, u, "sess-2")
	require.NoError(t, sock.Open(context.Background()))

	select {
	case <-sock.CloseChan():
	case <-time.After(2 * time.Second):
		t.Fatal("socket not closed")
	}
	assert.NoError(t, sock.CloseErr())
}

func TestWsSocket_LocalCloseIsTerminated(t *testing.T) {
	u := newWsTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sock, _ := dialTestSocket(t, u, "sess-3")
	require.NoError(t, sock.Open(context.Background()))

	sock.Close()
	sock.Close()
	assert.ErrorIs(t, sock.CloseErr(), ErrTerminated)
	assert.ErrorIs(t, sock.Write(NewDataMessage(TextMessage, nil)), ErrConnectionClosed)
}

func TestWsSocket_RateLimitedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	sock, _ := dialTestSocket(t, u, "sess-4")
	err = sock.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimit)
	assert.Contains(t, err.Error(), "slow down")
}

func TestWsSocket_Refused(t *testing.T) {
	u, err := url.Parse("ws://127.0.0.1:1/socket")
	require.NoError(t, err)

	sock, _ := dialTestSocket(t, u, "sess-5")
	assert.ErrorIs(t, sock.Open(context.Background()), ErrCannotConnect)
}
