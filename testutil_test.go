package main

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"paperminder/server/storage"
	"paperminder/server/ws"
)

// newTestServer spins up a full server over a temp SQLite store behind an
// httptest listener. The scheduler is not started; tests drive evaluation
// through subscriptions and explicit ticks.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Security.RateLimitEnabled = false

	srv := newServer(cfg, store)
	ts := httptest.NewServer(srv.routes())

	t.Cleanup(func() {
		ts.Close()
		srv.shutdown()
		store.Close()
	})
	return srv, ts
}

// newHTTPTestServer wraps an already-built Server in an httptest listener.
func newHTTPTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

// dialWS opens a client socket to /ws/{identity} on the test server.
func dialWS(t *testing.T, ts *httptest.Server, identity string) *ws.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + identity
	conn, _, err := ws.Dial(u, nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads and parses the next frame, failing the test on timeout.
func readFrame(t *testing.T, conn *ws.Conn) ws.Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := ws.Parse(raw)
	if err != nil {
		t.Fatalf("parse frame %s: %v", raw, err)
	}
	return f
}

// expectNoFrame asserts that nothing arrives within the window.
func expectNoFrame(t *testing.T, conn *ws.Conn, window time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(window))
	if raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", raw)
	}
}

// subscribePrinter sends the handshake and waits for the subscribed ack.
func subscribePrinter(t *testing.T, conn *ws.Conn, sub *ws.Subscription) {
	t.Helper()

	sub.Kind = ws.KindSubscription
	if err := conn.WriteFrame(sub, time.Second); err != nil {
		t.Fatalf("write subscription: %v", err)
	}

	f := readFrame(t, conn)
	st, ok := f.(*ws.Status)
	if !ok {
		t.Fatalf("expected status ack, got %T", f)
	}
	if st.Level != ws.StatusInfo || st.Message != "subscribed" {
		t.Fatalf("expected subscribed ack, got %s: %s", st.Level, st.Message)
	}
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
