package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"support-bridge/internal/auth"
	"support-bridge/internal/errs"
	"support-bridge/internal/phoenix"
	"support-bridge/internal/realtime"
)

var testTokens = auth.DefaultTokenConfig("test-secret")

func relay(t *testing.T, authorize realtime.Authorizer) *httptest.Server {
	t.Helper()
	rt := realtime.NewServer(realtime.Deps{TokenConfig: testTokens, Authorize: authorize})
	mux := http.NewServeMux()
	mux.Handle("/realtime/v1/websocket", rt)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.CreateTokenWithRole(userID, role, testTokens)
	if err != nil {
		t.Fatalf("CreateTokenWithRole: %v", err)
	}
	return tok
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handler(payload json.RawMessage) {
	var body struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(payload, &body)
	b.mu.Lock()
	b.msgs = append(b.msgs, body.Text)
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *inbox) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func openChannel(t *testing.T, srv *httptest.Server, userID, role, sessionID string, opts Options) *Channel {
	t.Helper()
	opts.ServerURL = srv.URL
	opts.Token = token(t, userID, role)
	c := New(opts)
	if err := c.Open(context.Background(), sessionID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestChannel_RelaysWithoutEcho(t *testing.T) {
	srv := relay(t, nil)
	user := openChannel(t, srv, "u1", auth.RoleUser, "s1", Options{})
	admin := openChannel(t, srv, "a1", auth.RoleAdmin, "s1", Options{})

	userBox, adminBox := &inbox{}, &inbox{}
	user.On("serial_output", userBox.handler)
	admin.On("serial_output", adminBox.handler)

	if !user.Connected() || user.Topic() != "realtime:support:s1" {
		t.Fatalf("expected connected on support topic, got %s %s", user.Status(), user.Topic())
	}

	if err := user.Send("serial_output", map[string]string{"text": "boot ok"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, func() bool { return adminBox.len() == 1 })
	if got := adminBox.all(); got[0] != "boot ok" {
		t.Fatalf("unexpected payload %q", got)
	}
	time.Sleep(50 * time.Millisecond)
	if userBox.len() != 0 {
		t.Fatalf("expected no self echo, got %q", userBox.all())
	}
}

func TestChannel_JoinRejected(t *testing.T) {
	srv := relay(t, func(*auth.Claims, string) error { return errs.ErrForbidden })

	var mu sync.Mutex
	var statuses []Status
	c := New(Options{ServerURL: srv.URL, Token: token(t, "u1", auth.RoleUser)})
	c.OnStatus(func(s Status, _ error) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	err := c.Open(context.Background(), "s1")
	if !errors.Is(err, ErrJoinRejected) {
		t.Fatalf("expected ErrJoinRejected, got %v", err)
	}
	if c.Status() != StatusError {
		t.Fatalf("expected error status, got %s", c.Status())
	}
	if err := c.Send("x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusConnecting || statuses[1] != StatusError {
		t.Fatalf("unexpected status sequence %v", statuses)
	}
}

func TestChannel_SendRateLimit(t *testing.T) {
	srv := relay(t, nil)
	frozen := time.Now()
	user := openChannel(t, srv, "u1", auth.RoleUser, "s1", Options{Now: func() time.Time { return frozen }})
	admin := openChannel(t, srv, "a1", auth.RoleAdmin, "s1", Options{})
	box := &inbox{}
	admin.On("serial_output", box.handler)

	for i := 0; i < 50; i++ {
		if err := user.Send("serial_output", map[string]string{"text": "line"}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	eventually(t, func() bool { return box.len() == 20 })
	time.Sleep(100 * time.Millisecond)
	if box.len() != 20 {
		t.Fatalf("expected exactly 20 delivered, got %d", box.len())
	}
}

func TestChannel_CloseStopsDispatch(t *testing.T) {
	srv := relay(t, nil)
	user := openChannel(t, srv, "u1", auth.RoleUser, "s1", Options{})
	admin := openChannel(t, srv, "a1", auth.RoleAdmin, "s1", Options{})
	box := &inbox{}
	admin.On("heartbeat", box.handler)

	if err := admin.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if admin.Status() != StatusClosed {
		t.Fatalf("expected closed, got %s", admin.Status())
	}
	_ = user.Send("heartbeat", map[string]any{"connected": true})
	time.Sleep(50 * time.Millisecond)
	if box.len() != 0 {
		t.Fatalf("expected no dispatch after close")
	}
	if err := admin.Send("heartbeat", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := admin.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestChannel_ReopenSwitchesSession(t *testing.T) {
	srv := relay(t, nil)
	admin := openChannel(t, srv, "a1", auth.RoleAdmin, "s1", Options{})
	oldPeer := openChannel(t, srv, "u1", auth.RoleUser, "s1", Options{})
	newPeer := openChannel(t, srv, "u2", auth.RoleUser, "s2", Options{})
	box := &inbox{}
	admin.On("serial_output", box.handler)

	if err := admin.Open(context.Background(), "s2"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = oldPeer.Send("serial_output", map[string]string{"text": "old"})
	_ = newPeer.Send("serial_output", map[string]string{"text": "new"})

	eventually(t, func() bool { return box.len() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := box.all(); len(got) != 1 || got[0] != "new" {
		t.Fatalf("expected only the new session's output, got %q", got)
	}
}

func TestChannel_JoinTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{ServerURL: srv.URL, JoinTimeout: 100 * time.Millisecond})
	if err := c.Open(context.Background(), "s1"); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout, got %v", err)
	}
	if c.Status() != StatusTimeout {
		t.Fatalf("expected timeout status, got %s", c.Status())
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3000":      "ws://localhost:3000/realtime/v1/websocket?vsn=" + phoenix.Version,
		"https://support.example/":   "wss://support.example/realtime/v1/websocket?vsn=" + phoenix.Version,
		"wss://relay.example/prefix": "wss://relay.example/prefix/realtime/v1/websocket?vsn=" + phoenix.Version,
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		if err != nil || got != want {
			t.Fatalf("websocketURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := websocketURL("ftp://x"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}
