package bitmap

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestDecodeValidWidths(t *testing.T) {
	t.Parallel()

	// Common thermal printer head widths.
	for _, width := range []int{8, 384, 576} {
		height := 16
		raw := make([]byte, width*height/8)
		decoded, err := Decode(width, height, Encode(raw))
		if err != nil {
			t.Errorf("width %d: %v", width, err)
			continue
		}
		if len(decoded) != len(raw) {
			t.Errorf("width %d: decoded %d bytes, want %d", width, len(decoded), len(raw))
		}
	}
}

func TestDecodeRejectsBadDimensions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		width, height int
	}{
		{"width not multiple of 8", 7, 8},
		{"width 9", 9, 8},
		{"zero width", 0, 8},
		{"zero height", 8, 0},
		{"negative width", -8, 8},
	}
	for _, tc := range cases {
		_, err := Decode(tc.width, tc.height, "")
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v, want ErrInvalid", tc.name, err)
		}
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	t.Parallel()

	// 16x8 needs 16 bytes; give 15.
	short := Encode(make([]byte, 15))
	if _, err := Decode(16, 8, short); !errors.Is(err, ErrInvalid) {
		t.Errorf("short payload: %v, want ErrInvalid", err)
	}

	long := Encode(make([]byte, 17))
	if _, err := Decode(16, 8, long); !errors.Is(err, ErrInvalid) {
		t.Errorf("long payload: %v, want ErrInvalid", err)
	}
}

func TestDecodeSizeCap(t *testing.T) {
	t.Parallel()

	// Exactly at the cap: 640 wide, 640 tall = 51200 bytes.
	if 640*640/8 != MaxBytes {
		t.Fatal("test geometry no longer matches MaxBytes")
	}
	raw := make([]byte, MaxBytes)
	if _, err := Decode(640, 640, Encode(raw)); err != nil {
		t.Errorf("payload at cap rejected: %v", err)
	}

	// One row over the cap.
	if _, err := Decode(640, 641, Encode(make([]byte, 640*641/8))); !errors.Is(err, ErrInvalid) {
		t.Errorf("payload over cap: %v, want ErrInvalid", err)
	}

	// Oversized base64 is rejected without needing matching dimensions.
	huge := base64.StdEncoding.EncodeToString(make([]byte, MaxBytes+1024))
	if _, err := Decode(640, 640, huge); !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized base64: %v, want ErrInvalid", err)
	}
}

func TestDecodeBadBase64(t *testing.T) {
	t.Parallel()

	if _, err := Decode(8, 8, "not-valid-base64!!!"); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad base64: %v, want ErrInvalid", err)
	}
}

func TestTestPattern(t *testing.T) {
	t.Parallel()

	p := TestPattern(384, 64)
	if len(p) != 384*64/8 {
		t.Fatalf("pattern length = %d, want %d", len(p), 384*64/8)
	}

	// A pattern must be a valid payload for its own dimensions.
	if _, err := Decode(384, 64, Encode(p)); err != nil {
		t.Errorf("pattern failed validation: %v", err)
	}

	// Checkerboard: first block solid, neighbor blank.
	if p[0] != 0xFF {
		t.Errorf("first block = %#x, want 0xFF", p[0])
	}
	if p[1] != 0x00 {
		t.Errorf("second block = %#x, want 0x00", p[1])
	}

	if TestPattern(7, 8) != nil {
		t.Error("invalid width should yield nil pattern")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte{0xAA, 0x55, 0xFF, 0x00}
	encoded := Encode(raw)
	if strings.ContainsAny(encoded, " \n") {
		t.Errorf("encoded payload has whitespace: %q", encoded)
	}
	decoded, err := Decode(32, 1, encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range raw {
		if decoded[i] != raw[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, decoded[i], raw[i])
		}
	}
}
