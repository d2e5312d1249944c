// Package bitmap validates 1-bit monochrome images bound for thermal
// printers. Pixels are packed MSB-first, row-major top to bottom; 1 prints,
// 0 leaves blank.
package bitmap

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// MaxBytes caps the decoded payload size.
const MaxBytes = 50 * 1024

// ErrInvalid is the base error for every bitmap validation failure.
var ErrInvalid = errors.New("invalid bitmap")

// Decode validates dimensions and base64 payload, returning the packed
// pixel bytes. Width must be a positive multiple of 8 and the decoded
// length must equal width*height/8, capped at MaxBytes.
func Decode(width, height int, data string) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalid, width, height)
	}
	if width%8 != 0 {
		return nil, fmt.Errorf("%w: width %d is not a multiple of 8", ErrInvalid, width)
	}

	expected := width * height / 8
	if expected > MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d byte cap", ErrInvalid, expected, MaxBytes)
	}

	// Reject oversized payloads before decoding in full.
	if base64.StdEncoding.DecodedLen(len(data)) > MaxBytes+3 {
		return nil, fmt.Errorf("%w: payload exceeds %d byte cap", ErrInvalid, MaxBytes)
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrInvalid, err)
	}
	if len(decoded) != expected {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %dx%d",
			ErrInvalid, len(decoded), expected, width, height)
	}
	return decoded, nil
}

// Encode packs pixel bytes back to the wire's base64 form.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// TestPattern builds a checkerboard of 8x8 pixel blocks, useful for
// verifying printer alignment and density. Width must be a multiple of 8.
func TestPattern(width, height int) []byte {
	if width <= 0 || height <= 0 || width%8 != 0 {
		return nil
	}
	bytesPerRow := width / 8
	out := make([]byte, bytesPerRow*height)
	for y := 0; y < height; y++ {
		for bx := 0; bx < bytesPerRow; bx++ {
			if (y/8+bx)%2 == 0 {
				out[y*bytesPerRow+bx] = 0xFF
			}
		}
	}
	return out
}
