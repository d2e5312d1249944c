package ws

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseSubscription(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"kind":"subscription","printer_name":"Kitchen","printer_id":"f47ac10b-58cc-4372-a567-0e02b2c3d479","platform":"esp32c3","firmware_version":"1.2.0","auto_update":true,"update_channel":"stable","api_key":"legacy-ignored"}`)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sub, ok := f.(*Subscription)
	if !ok {
		t.Fatalf("Parse returned %T, want *Subscription", f)
	}
	if sub.PrinterID != "f47ac10b-58cc-4372-a567-0e02b2c3d479" {
		t.Errorf("PrinterID = %q", sub.PrinterID)
	}
	if sub.Platform != "esp32c3" || !sub.AutoUpdate || sub.UpdateChannel != "stable" {
		t.Errorf("unexpected fields: %+v", sub)
	}
	if err := sub.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"kind":"telepathy"}`))
	var unknown *UnknownKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("Parse returned %v, want UnknownKindError", err)
	}
	if unknown.Kind != "telepathy" {
		t.Errorf("Kind = %q", unknown.Kind)
	}

	if _, err := Parse([]byte(`{"message":"no kind"}`)); err == nil {
		t.Error("Parse without kind should fail")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{"kind":"message"`)); err == nil {
		t.Error("Parse of truncated JSON should fail")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	frames := []Frame{
		&TextMessage{RecipientID: "f47ac10b-58cc-4372-a567-0e02b2c3d479", SenderName: "Alice", Message: "Hi"},
		&FirmwareProgress{Percent: 42, Status: "downloading"},
		&FirmwareDeclined{Version: "2.0.0", AutoUpdate: false},
		&BitmapPrinting{Width: 384, Height: 64},
	}
	for _, f := range frames {
		b, err := Marshal(f)
		if err != nil {
			t.Fatalf("Marshal(%T): %v", f, err)
		}

		var env map[string]any
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal %T bytes: %v", f, err)
		}
		if env["kind"] != f.FrameKind() {
			t.Errorf("%T marshaled kind = %v, want %q", f, env["kind"], f.FrameKind())
		}

		parsed, err := Parse(b)
		if err != nil {
			t.Fatalf("Parse(%T bytes): %v", f, err)
		}
		b2, err := Marshal(parsed)
		if err != nil {
			t.Fatalf("re-Marshal(%T): %v", parsed, err)
		}
		if string(b) != string(b2) {
			t.Errorf("%T round trip changed bytes:\n  %s\n  %s", f, b, b2)
		}
	}
}

func TestTextMessageValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		f    TextMessage
		ok   bool
	}{
		{"valid", TextMessage{RecipientID: "f47ac10b-58cc-4372-a567-0e02b2c3d479", Message: "Hi"}, true},
		{"missing recipient", TextMessage{Message: "Hi"}, false},
		{"bad uuid", TextMessage{RecipientID: "not-a-uuid", Message: "Hi"}, false},
		{"empty body", TextMessage{RecipientID: "f47ac10b-58cc-4372-a567-0e02b2c3d479"}, false},
	}
	for _, tc := range cases {
		err := tc.f.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestFirmwareProgressValidate(t *testing.T) {
	t.Parallel()

	for _, pct := range []int{-1, 0, 50, 100} {
		f := FirmwareProgress{Percent: pct}
		if err := f.Validate(); err != nil {
			t.Errorf("percent %d: %v", pct, err)
		}
	}
	for _, pct := range []int{-2, 101} {
		f := FirmwareProgress{Percent: pct}
		if err := f.Validate(); err == nil {
			t.Errorf("percent %d should fail validation", pct)
		}
	}
}

func TestNewStatus(t *testing.T) {
	t.Parallel()

	s := NewStatus(StatusError, "boom")
	b, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"kind":"status","level":"error","message":"boom"}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}
