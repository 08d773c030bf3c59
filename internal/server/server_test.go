package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"streamconsole/internal/console"
	"streamconsole/pkg/tokens"
	"streamconsole/pkg/typedbuffer"
)

func newTestConsole(t *testing.T) *console.Console {
	t.Helper()
	c, err := console.New(console.Options{
		Buffer: typedbuffer.Options{Capacity: 1024, UnitSize: 64, Protected: []tokens.ContentType{tokens.System}},
		Await:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newTestServer(t *testing.T, c *console.Console) *Server {
	t.Helper()
	s, err := New(c, "test console", 10*time.Millisecond)
	require.NoError(t, err)
	return s
}

func TestHandleIndex(t *testing.T) {
	c := newTestConsole(t)
	c.Print("hello <world>\n", tokens.Stdout)
	c.Print("oops\n", tokens.Stderr)

	s := newTestServer(t, c)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	require.Contains(t, body, "<title>test console</title>")
	require.Contains(t, body, "hello &lt;world&gt;")
	require.Contains(t, body, `class="ct-stderr"`)
	require.NotContains(t, body, "<world>")
}

func TestHandleSnapshot(t *testing.T) {
	c := newTestConsole(t)
	c.Print("abc", tokens.Stdout)
	c.Print("de", tokens.System)

	s := newTestServer(t, c)
	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap console.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "abcde", snap.Text)
	require.Equal(t, []tokens.Token{
		{Type: tokens.Stdout, Start: 0, End: 3},
		{Type: tokens.System, Start: 3, End: 5},
	}, snap.Tokens)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, newTestConsole(t))
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWrapHandler_Errors(t *testing.T) {
	s := newTestServer(t, newTestConsole(t))

	h := s.wrapHandler(func(ctx context.Context, r *http.Request) ([]byte, error) {
		return nil, &httpError{StatusCode: http.StatusBadRequest, Message: "bad input"}
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "bad input")

	h = s.wrapHandler(func(ctx context.Context, r *http.Request) ([]byte, error) {
		return nil, io.ErrUnexpectedEOF
	})
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUpgraderOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Host = "localhost:8080"
	require.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "http://localhost:8080")
	require.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	require.False(t, upgrader.CheckOrigin(req))
}

func TestHub_UntilNextUpdate(t *testing.T) {
	h := NewHub()
	require.Zero(t, h.UntilNextUpdate(time.Hour))
	wait := h.UntilNextUpdate(time.Hour)
	require.Greater(t, wait, 59*time.Minute)
}

func TestHub_DirtyCoalesces(t *testing.T) {
	h := NewHub()
	h.TextAdded("a", tokens.Stdout)
	h.TextRemoved(0, 1)
	h.Cleared()

	select {
	case <-h.Dirty():
	default:
		t.Fatal("expected dirty signal")
	}
	select {
	case <-h.Dirty():
		t.Fatal("expected a single coalesced signal")
	default:
	}
}

func TestHub_BroadcastSkipsFullClients(t *testing.T) {
	h := NewHub()
	full := &Client{ID: "full", SendChan: make(chan Message), Done: make(chan struct{})}
	ok := &Client{ID: "ok", SendChan: make(chan Message, 1), Done: make(chan struct{})}
	h.RegisterClient(full)
	h.RegisterClient(ok)
	require.Equal(t, 2, h.ClientCount())

	h.Broadcast(Message{Type: "snapshot"})
	require.Equal(t, "snapshot", (<-ok.SendChan).Type)

	h.UnregisterClient("full")
	h.UnregisterClient("full")
	require.Equal(t, 1, h.ClientCount())
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	c := newTestConsole(t)
	c.Print("first\n", tokens.Stdout)
	s := newTestServer(t, c)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	url := "ws://" + ln.Addr().String() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "snapshot", msg.Type)
	require.Equal(t, "first\n", msg.Snapshot.Text)

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Print("second\n", tokens.Stderr)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if strings.Contains(msg.Snapshot.Text, "second") {
			break
		}
	}
	require.Equal(t, "first\nsecond\n", msg.Snapshot.Text)
	require.Contains(t, msg.HTML, `class="ct-stderr"`)
}
