package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/roundsync/go/internal/round/protocol"
)

// roundServer accepts websocket connections and hands them to the test.
type roundServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	received chan []byte
}

func newRoundServer(t *testing.T) *roundServer {
	t.Helper()
	s := &roundServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan []byte, 256),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case s.received <- msg:
			default:
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *roundServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.PingInterval = 20 * time.Millisecond
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	return cfg
}

func runClient(t *testing.T, cfg Config) (*Client, context.CancelFunc, <-chan error) {
	t.Helper()
	c := NewClient(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, cancel, done
}

// nextFrame skips lag reports and returns the next frame of type typ.
func nextFrame(t *testing.T, ch <-chan []byte, typ string) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ch:
			env, err := protocol.DecodeEnvelope(msg)
			require.NoError(t, err)
			if env.T == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %q frame received", typ)
		}
	}
}

func TestFramesBothWays(t *testing.T) {
	srv := newRoundServer(t)
	c, _, _ := runClient(t, testConfig(srv.url()))

	var conn *websocket.Conn
	select {
	case conn = <-srv.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	require.NoError(t, c.Send([]byte(`{"t":"resign","a":1}`)))
	env := nextFrame(t, srv.received, protocol.OutResign)
	assert.Equal(t, uint64(1), env.A)

	push := []byte(`{"t":"presence","v":1,"d":{"sente":true,"gote":true}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, push))
	select {
	case got := <-c.Frames():
		assert.JSONEq(t, string(push), string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}
	assert.True(t, c.Connected())
}

func TestLagFromPongs(t *testing.T) {
	srv := newRoundServer(t)
	c, _, _ := runClient(t, testConfig(srv.url()))

	select {
	case lag := <-c.Lags():
		assert.GreaterOrEqual(t, lag, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("no lag measured")
	}

	env := nextFrame(t, srv.received, protocol.OutPing)
	require.NotNil(t, env.L)
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newRoundServer(t)
	c, _, _ := runClient(t, testConfig(srv.url()))

	first := <-srv.conns
	first.Close()

	select {
	case <-c.Reconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect signalled")
	}
	select {
	case <-srv.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no second connection")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newRoundServer(t)
	c, cancel, done := runClient(t, testConfig(srv.url()))
	<-srv.conns

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	_, open := <-c.Frames()
	assert.False(t, open)
}

func TestSendBufferFull(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1")
	cfg.SendBuffer = 1
	c := NewClient(cfg)

	require.NoError(t, c.Send([]byte(`{"t":"bye"}`)))
	assert.ErrorIs(t, c.Send([]byte(`{"t":"bye"}`)), ErrSendBufferFull)
}

func TestCookieJar(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
	}))
	defer srv.Close()

	client := &http.Client{Jar: jar}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	cookies := jar.Cookies(req.URL)
	require.Len(t, cookies, 1)
	assert.Equal(t, "abc", cookies[0].Value)
}

func TestQueuedFramesFlushedOnCancel(t *testing.T) {
	srv := newRoundServer(t)
	cfg := testConfig(srv.url())
	cfg.PingInterval = time.Minute
	c, cancel, done := runClient(t, cfg)

	select {
	case <-srv.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	for range 20 {
		require.NoError(t, c.Send([]byte(`{"t":"more-time"}`)))
	}
	require.NoError(t, c.Send([]byte(`{"t":"bye"}`)))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	nextFrame(t, srv.received, protocol.OutBye)
}
