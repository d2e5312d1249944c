package main

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"paperminder/server/storage"
	"paperminder/server/ws"
)

const (
	printerA = "2b0d7b3d-9f41-4b52-8d9a-cc3e83f0a001"
	printerB = "5f3c1a88-6f5f-4f6e-9a2a-6f41c2d4b002"
	userA    = "9c1e0f6a-31a4-4f3b-8a77-2f9d51a3c003"
)

func TestWebSocketRejectsInvalidIdentity(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws/not-a-uuid")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketRateLimitsInvalidIdentities(t *testing.T) {
	t.Parallel()

	store, err := storage.NewStore(t.TempDir() + "/rl.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Security.RateLimitMaxAttempts = 2
	srv := newServer(cfg, store)
	defer srv.shutdown()

	ts := newHTTPTestServer(t, srv)

	// Same bad identity twice blocks the pair; the third handshake gets 429.
	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/ws/bogus-id")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/ws/bogus-id")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestPrinterSubscriptionIdentityMismatch(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	conn := dialWS(t, ts, printerA)
	sub := &ws.Subscription{Kind: ws.KindSubscription, PrinterName: "Desk", PrinterID: printerB}
	if err := conn.WriteFrame(sub, time.Second); err != nil {
		t.Fatalf("write subscription: %v", err)
	}

	st, ok := readFrame(t, conn).(*ws.Status)
	if !ok || st.Level != ws.StatusError {
		t.Fatalf("expected error status for mismatched printer_id, got %#v", st)
	}
}

func TestMessageLiveDelivery(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	printer := dialWS(t, ts, printerA)
	subscribePrinter(t, printer, &ws.Subscription{PrinterName: "Kitchen", PrinterID: printerA, Platform: "esp8266"})

	user := dialWS(t, ts, userA)
	msg := &ws.TextMessage{Kind: ws.KindMessage, RecipientID: printerA, SenderName: "Alice", Message: "hello"}
	if err := user.WriteFrame(msg, time.Second); err != nil {
		t.Fatalf("write message: %v", err)
	}

	out, ok := readFrame(t, printer).(*ws.Outbound)
	if !ok {
		t.Fatal("printer did not receive outbound frame")
	}
	if out.SenderName != "Alice" || out.Message != "hello" {
		t.Errorf("outbound = %q from %q", out.Message, out.SenderName)
	}
	if out.DailyNumber != 1 {
		t.Errorf("daily number = %d, want 1", out.DailyNumber)
	}

	st, ok := readFrame(t, user).(*ws.Status)
	if !ok || st.Level != ws.StatusInfo {
		t.Fatalf("sender should get delivery confirmation, got %#v", st)
	}

	// Second message gets the next contiguous number.
	msg.Message = "again"
	if err := user.WriteFrame(msg, time.Second); err != nil {
		t.Fatalf("write second message: %v", err)
	}
	out2, ok := readFrame(t, printer).(*ws.Outbound)
	if !ok {
		t.Fatal("printer did not receive second outbound frame")
	}
	if out2.DailyNumber != 2 {
		t.Errorf("second daily number = %d, want 2", out2.DailyNumber)
	}
}

func TestMessageCacheDrainOnReconnect(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t)

	// Register the printer without keeping it connected.
	ctx := context.Background()
	if err := srv.store.UpsertPrinter(ctx, &storage.Printer{
		ID: printerA, Name: "Kitchen", Platform: "esp8266",
	}); err != nil {
		t.Fatalf("upsert printer: %v", err)
	}

	user := dialWS(t, ts, userA)
	for _, body := range []string{"first", "second"} {
		msg := &ws.TextMessage{Kind: ws.KindMessage, RecipientID: printerA, SenderName: "Alice", Message: body}
		if err := user.WriteFrame(msg, time.Second); err != nil {
			t.Fatalf("write message: %v", err)
		}
		st, ok := readFrame(t, user).(*ws.Status)
		if !ok || st.Level != ws.StatusInfo || !strings.Contains(st.Message, "queued") {
			t.Fatalf("expected queued confirmation, got %#v", st)
		}
	}

	// Reconnect drains the cache in insertion order with original numbers.
	printer := dialWS(t, ts, printerA)
	subscribePrinter(t, printer, &ws.Subscription{PrinterName: "Kitchen", PrinterID: printerA, Platform: "esp8266"})

	for i, want := range []string{"first", "second"} {
		out, ok := readFrame(t, printer).(*ws.Outbound)
		if !ok {
			t.Fatalf("drain frame %d missing", i)
		}
		if out.Message != want {
			t.Errorf("drain frame %d = %q, want %q", i, out.Message, want)
		}
		if out.DailyNumber != i+1 {
			t.Errorf("drain frame %d number = %d, want %d", i, out.DailyNumber, i+1)
		}
	}

	// A second reconnect must not replay anything.
	printer.Close()
	printer2 := dialWS(t, ts, printerA)
	subscribePrinter(t, printer2, &ws.Subscription{PrinterName: "Kitchen", PrinterID: printerA, Platform: "esp8266"})
	expectNoFrame(t, printer2, 300*time.Millisecond)
}

func TestMessageToUnknownRecipient(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	user := dialWS(t, ts, userA)
	msg := &ws.TextMessage{Kind: ws.KindMessage, RecipientID: printerB, SenderName: "Alice", Message: "hi"}
	if err := user.WriteFrame(msg, time.Second); err != nil {
		t.Fatalf("write message: %v", err)
	}

	st, ok := readFrame(t, user).(*ws.Status)
	if !ok || st.Level != ws.StatusError || !strings.Contains(st.Message, "not found") {
		t.Fatalf("expected recipient-not-found error, got %#v", st)
	}
}

func TestMalformedFramesCloseAfterStreak(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	conn := dialWS(t, ts, userA)

	// Each garbage frame earns an error status; the streak closes the
	// connection.
	for i := 0; i < maxMalformedFrames; i++ {
		if err := conn.WriteRaw([]byte("{not json"), time.Second); err != nil {
			t.Fatalf("write garbage %d: %v", i, err)
		}
		st, ok := readFrame(t, conn).(*ws.Status)
		if !ok || st.Level != ws.StatusError {
			t.Fatalf("garbage frame %d: expected error status, got %#v", i, st)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection should close after repeated malformed frames")
	}
}

func TestPrinterOnlineStateTracksSessions(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t)

	printer := dialWS(t, ts, printerA)
	subscribePrinter(t, printer, &ws.Subscription{PrinterName: "Desk", PrinterID: printerA, Platform: "esp32"})

	if !srv.registry.IsConnected(printerA) {
		t.Fatal("printer should be connected")
	}

	printer.Close()
	waitFor(t, 3*time.Second, func() bool {
		return !srv.registry.IsConnected(printerA)
	})

	waitFor(t, 3*time.Second, func() bool {
		p, err := srv.store.GetPrinter(context.Background(), printerA)
		return err == nil && !p.Online
	})
}
