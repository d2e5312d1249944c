package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame kinds carried in the "kind" discriminator field.
const (
	// Client to server.
	KindSubscription     = "subscription"
	KindMessage          = "message"
	KindFirmwareProgress = "firmware_progress"
	KindFirmwareComplete = "firmware_complete"
	KindFirmwareFailed   = "firmware_failed"
	KindFirmwareDeclined = "firmware_declined"
	KindBitmapPrinting   = "bitmap_printing"
	KindBitmapError      = "bitmap_error"

	// Server to client.
	KindOutbound       = "outbound"
	KindStatus         = "status"
	KindFirmwareUpdate = "firmware_update"
	KindPrintBitmap    = "print_bitmap"
)

// Status levels.
const (
	StatusInfo  = "info"
	StatusError = "error"
)

// Frame is any wire message, client or server originated. Concrete frame
// structs carry their own Kind field so a parse/serialize round trip
// preserves the frame byte-for-byte in field terms.
type Frame interface {
	FrameKind() string
}

// Subscription is a printer's opening handshake. PrinterID is authoritative;
// the legacy api_key field is accepted on the wire and ignored.
type Subscription struct {
	Kind            string `json:"kind"`
	PrinterName     string `json:"printer_name"`
	PrinterID       string `json:"printer_id"`
	Platform        string `json:"platform,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	AutoUpdate      bool   `json:"auto_update"`
	UpdateChannel   string `json:"update_channel,omitempty"`
}

func (f *Subscription) FrameKind() string { return KindSubscription }

// Validate checks the handshake payload.
func (f *Subscription) Validate() error {
	if f.PrinterID == "" {
		return fmt.Errorf("subscription: missing printer_id")
	}
	if _, err := uuid.Parse(f.PrinterID); err != nil {
		return fmt.Errorf("subscription: invalid printer_id: %w", err)
	}
	return nil
}

// TextMessage is a user-to-printer message frame.
type TextMessage struct {
	Kind        string `json:"kind"`
	RecipientID string `json:"recipient_id"`
	SenderName  string `json:"sender_name"`
	Message     string `json:"message"`
}

func (f *TextMessage) FrameKind() string { return KindMessage }

// Validate checks the message payload.
func (f *TextMessage) Validate() error {
	if f.RecipientID == "" {
		return fmt.Errorf("message: missing recipient_id")
	}
	if _, err := uuid.Parse(f.RecipientID); err != nil {
		return fmt.Errorf("message: invalid recipient_id: %w", err)
	}
	if f.Message == "" {
		return fmt.Errorf("message: empty body")
	}
	return nil
}

// FirmwareProgress reports download progress. Percent is 0 to 100, or -1 to
// flag an error condition alongside Status.
type FirmwareProgress struct {
	Kind    string `json:"kind"`
	Percent int    `json:"percent"`
	Status  string `json:"status,omitempty"`
}

func (f *FirmwareProgress) FrameKind() string { return KindFirmwareProgress }

// Validate checks the progress payload.
func (f *FirmwareProgress) Validate() error {
	if f.Percent < -1 || f.Percent > 100 {
		return fmt.Errorf("firmware_progress: percent %d out of range", f.Percent)
	}
	return nil
}

// FirmwareComplete reports a firmware install finishing successfully.
type FirmwareComplete struct {
	Kind    string `json:"kind"`
	Version string `json:"version"`
}

func (f *FirmwareComplete) FrameKind() string { return KindFirmwareComplete }

// FirmwareFailed reports a firmware install failure.
type FirmwareFailed struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

func (f *FirmwareFailed) FrameKind() string { return KindFirmwareFailed }

// FirmwareDeclined reports the printer declining an offered update. When the
// printer also flips auto_update off, the preference is persisted.
type FirmwareDeclined struct {
	Kind       string `json:"kind"`
	Version    string `json:"version,omitempty"`
	AutoUpdate bool   `json:"auto_update"`
}

func (f *FirmwareDeclined) FrameKind() string { return KindFirmwareDeclined }

// BitmapPrinting acknowledges that a bitmap job started printing.
type BitmapPrinting struct {
	Kind   string `json:"kind"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (f *BitmapPrinting) FrameKind() string { return KindBitmapPrinting }

// BitmapError reports a bitmap job failing on the printer.
type BitmapError struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

func (f *BitmapError) FrameKind() string { return KindBitmapError }

// Outbound delivers a text message to a printer session.
type Outbound struct {
	Kind        string    `json:"kind"`
	SenderName  string    `json:"sender_name"`
	Message     string    `json:"message"`
	DailyNumber int       `json:"daily_number"`
	Timestamp   time.Time `json:"timestamp"`
}

func (f *Outbound) FrameKind() string { return KindOutbound }

// Status carries validation failures and cache drain notices back to the
// sending session.
type Status struct {
	Kind    string `json:"kind"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (f *Status) FrameKind() string { return KindStatus }

// NewStatus builds a status frame with the kind field populated.
func NewStatus(level, message string) *Status {
	return &Status{Kind: KindStatus, Level: level, Message: message}
}

// FirmwareUpdate offers a firmware version to a printer session.
type FirmwareUpdate struct {
	Kind    string `json:"kind"`
	Version string `json:"version"`
	URL     string `json:"url"`
	MD5     string `json:"md5,omitempty"`
}

func (f *FirmwareUpdate) FrameKind() string { return KindFirmwareUpdate }

// PrintBitmap pushes a monochrome bitmap to a printer session.
type PrintBitmap struct {
	Kind    string `json:"kind"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Data    string `json:"data"`
	Caption string `json:"caption,omitempty"`
}

func (f *PrintBitmap) FrameKind() string { return KindPrintBitmap }

// UnknownKindError is returned by Parse for a frame whose kind discriminator
// is missing or not part of the protocol.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	if e.Kind == "" {
		return "frame has no kind field"
	}
	return fmt.Sprintf("unknown frame kind %q", e.Kind)
}

type envelope struct {
	Kind string `json:"kind"`
}

// Parse decodes a raw JSON frame into its concrete type based on the kind
// discriminator. Inbound frames with a Validate method are not validated
// here; callers validate at the dispatch edge.
func Parse(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var f Frame
	switch env.Kind {
	case KindSubscription:
		f = &Subscription{}
	case KindMessage:
		f = &TextMessage{}
	case KindFirmwareProgress:
		f = &FirmwareProgress{}
	case KindFirmwareComplete:
		f = &FirmwareComplete{}
	case KindFirmwareFailed:
		f = &FirmwareFailed{}
	case KindFirmwareDeclined:
		f = &FirmwareDeclined{}
	case KindBitmapPrinting:
		f = &BitmapPrinting{}
	case KindBitmapError:
		f = &BitmapError{}
	case KindOutbound:
		f = &Outbound{}
	case KindStatus:
		f = &Status{}
	case KindFirmwareUpdate:
		f = &FirmwareUpdate{}
	case KindPrintBitmap:
		f = &PrintBitmap{}
	default:
		return nil, &UnknownKindError{Kind: env.Kind}
	}

	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", env.Kind, err)
	}
	setKind(f, env.Kind)
	return f, nil
}

// Marshal encodes a frame to JSON, filling in the kind field if the caller
// built the struct without it.
func Marshal(f Frame) ([]byte, error) {
	setKind(f, f.FrameKind())
	return json.Marshal(f)
}

func setKind(f Frame, kind string) {
	switch v := f.(type) {
	case *Subscription:
		v.Kind = kind
	case *TextMessage:
		v.Kind = kind
	case *FirmwareProgress:
		v.Kind = kind
	case *FirmwareComplete:
		v.Kind = kind
	case *FirmwareFailed:
		v.Kind = kind
	case *FirmwareDeclined:
		v.Kind = kind
	case *BitmapPrinting:
		v.Kind = kind
	case *BitmapError:
		v.Kind = kind
	case *Outbound:
		v.Kind = kind
	case *Status:
		v.Kind = kind
	case *FirmwareUpdate:
		v.Kind = kind
	case *PrintBitmap:
		v.Kind = kind
	}
}
