// Package ws provides the WebSocket connection wrapper, the tagged frame
// set, and the connection registry shared by the session loop and the
// message router.
package ws

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a thin wrapper around *websocket.Conn exposing small helper methods
// used by the session loop and the registry.
type Conn struct {
	c *websocket.Conn
	// writeMu serializes all writes to the underlying websocket.Conn.
	// Gorilla websocket Conn panics on concurrent writes; protect against that here.
	writeMu sync.Mutex
}

// Dial connects to the given WebSocket URL and returns a wrapped Conn and HTTP response.
// tlsCfg may be nil to use default TLS settings.
// The URL is validated to only allow ws/wss schemes before dialing.
func Dial(urlStr string, reqHeader http.Header, tlsCfg *tls.Config, handshakeTimeout time.Duration) (*Conn, *http.Response, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid websocket URL: %w", err)
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, nil, fmt.Errorf("URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout, TLSClientConfig: tlsCfg}
	c, resp, err := dialer.Dial(parsed.String(), reqHeader)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// UpgradeHTTP upgrades an incoming HTTP request to a websocket Conn.
// checkOrigin may be nil to accept any origin.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request, checkOrigin func(*http.Request) bool) (*Conn, error) {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// ReadMessage reads a text message and returns the raw bytes.
func (cw *Conn) ReadMessage() ([]byte, error) {
	if cw == nil || cw.c == nil {
		return nil, errors.New("websocket: connection is closed")
	}
	_, msg, err := cw.c.ReadMessage()
	return msg, err
}

// WriteFrame marshals a frame to JSON and writes it with a write deadline.
func (cw *Conn) WriteFrame(f Frame, timeout time.Duration) error {
	b, err := Marshal(f)
	if err != nil {
		return err
	}
	return cw.WriteRaw(b, timeout)
}

// WriteRaw writes raw bytes as a text message.
func (cw *Conn) WriteRaw(b []byte, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errors.New("websocket: connection is closed")
	}
	// Serialize write operations to avoid gorilla websocket concurrent write panics.
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.TextMessage, b)
}

// WritePing sends a ping control message.
func (cw *Conn) WritePing(timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return errors.New("websocket: connection is closed")
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the underlying websocket connection.
func (cw *Conn) Close() error {
	if cw == nil || cw.c == nil {
		return nil
	}
	return cw.c.Close()
}

// SetReadDeadline sets read deadline on underlying conn.
func (cw *Conn) SetReadDeadline(t time.Time) error {
	if cw == nil || cw.c == nil {
		return errors.New("websocket: connection is closed")
	}
	return cw.c.SetReadDeadline(t)
}

// SetReadLimit caps the size of an inbound frame in bytes. Reads past the
// limit fail with websocket.ErrReadLimit.
func (cw *Conn) SetReadLimit(limit int64) {
	if cw == nil || cw.c == nil {
		return
	}
	cw.c.SetReadLimit(limit)
}

// SetPongHandler sets the pong handler.
func (cw *Conn) SetPongHandler(h func(string) error) {
	if cw == nil || cw.c == nil {
		return
	}
	cw.c.SetPongHandler(h)
}

// RemoteAddr returns the remote address if available.
func (cw *Conn) RemoteAddr() string {
	if cw == nil || cw.c == nil || cw.c.RemoteAddr() == nil {
		return ""
	}
	return cw.c.RemoteAddr().String()
}

// IsReadLimitError reports whether err resulted from an inbound frame
// exceeding the configured read limit.
func IsReadLimitError(err error) bool {
	return errors.Is(err, websocket.ErrReadLimit)
}

// IsUnexpectedCloseError helper
func IsUnexpectedCloseError(err error, codes ...int) bool {
	return websocket.IsUnexpectedCloseError(err, codes...)
}

// CloseNormalClosure constant
const CloseNormalClosure = websocket.CloseNormalClosure

// CloseGoingAway constant
const CloseGoingAway = websocket.CloseGoingAway
