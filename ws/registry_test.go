package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// dialPair upgrades one server-side Conn and returns it with the matching
// client-side Conn.
func dialPair(t *testing.T) (server *Conn, client *Conn) {
	t.Helper()

	accepted := make(chan *Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := UpgradeHTTP(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- c
		// Hold the handler open so the server side stays usable.
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := Dial(url, nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upgrade")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestRegistryAttachDetach(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s1, _ := dialPair(t)
	s2, _ := dialPair(t)

	r.Attach("printer-1", s1)
	r.Attach("printer-1", s2)

	if !r.IsConnected("printer-1") {
		t.Error("printer-1 should be connected")
	}
	if got := r.SessionCount("printer-1"); got != 2 {
		t.Errorf("SessionCount = %d, want 2", got)
	}

	if last := r.Detach("printer-1", s1); last {
		t.Error("detaching first of two sessions reported last")
	}
	if last := r.Detach("printer-1", s2); !last {
		t.Error("detaching final session should report last")
	}
	if r.IsConnected("printer-1") {
		t.Error("printer-1 should be disconnected")
	}

	if last := r.Detach("printer-1", s2); last {
		t.Error("detaching unknown session reported last")
	}
}

func TestRegistryBroadcast(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s1, c1 := dialPair(t)
	s2, c2 := dialPair(t)
	r.Attach("user-1", s1)
	r.Attach("user-1", s2)

	n := r.Broadcast("user-1", NewStatus(StatusInfo, "hello"), time.Second)
	if n != 2 {
		t.Fatalf("Broadcast delivered %d, want 2", n)
	}

	for _, c := range []*Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		st, ok := f.(*Status)
		if !ok || st.Message != "hello" {
			t.Errorf("got %#v, want status hello", f)
		}
	}

	if n := r.Broadcast("nobody", NewStatus(StatusInfo, "hi"), time.Second); n != 0 {
		t.Errorf("Broadcast to unknown identity delivered %d, want 0", n)
	}
}

func TestRegistryBroadcastSkipsDeadSessions(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s1, c1 := dialPair(t)
	s2, _ := dialPair(t)
	r.Attach("printer-9", s1)
	r.Attach("printer-9", s2)

	s2.Close()

	n := r.Broadcast("printer-9", NewStatus(StatusInfo, "ping"), time.Second)
	if n != 1 {
		t.Fatalf("Broadcast delivered %d, want 1", n)
	}

	c1.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c1.ReadMessage(); err != nil {
		t.Fatalf("live session missed broadcast: %v", err)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	server, client := dialPair(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Attach("shared", server)
				r.IsConnected("shared")
				r.Broadcast("shared", NewStatus(StatusInfo, "tick"), time.Second)
				r.ConnectedIDs()
				r.Detach("shared", server)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			if _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	wg.Wait()
	client.Close()
	<-done
}

func TestConnNilSafety(t *testing.T) {
	t.Parallel()

	var conn *Conn
	if _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage on nil Conn should return error")
	}
	if err := conn.WriteRaw([]byte("x"), time.Second); err == nil {
		t.Error("WriteRaw on nil Conn should return error")
	}
	if err := conn.WriteFrame(NewStatus(StatusInfo, "x"), time.Second); err == nil {
		t.Error("WriteFrame on nil Conn should return error")
	}
	if err := conn.WritePing(time.Second); err == nil {
		t.Error("WritePing on nil Conn should return error")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close on nil Conn should return nil, got %v", err)
	}
	if addr := conn.RemoteAddr(); addr != "" {
		t.Errorf("RemoteAddr on nil Conn = %q, want empty", addr)
	}
	conn.SetPongHandler(func(string) error { return nil })
	conn.SetReadLimit(1024)
}
