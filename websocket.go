package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"paperminder/server/sanitize"
	"paperminder/server/storage"
	"paperminder/server/ws"

	"github.com/google/uuid"
)

// maxMalformedFrames is the number of consecutive unparseable frames a
// session may send before it is closed.
const maxMalformedFrames = 8

// handleWebSocket accepts a socket on /ws/{identity_uuid}. A single endpoint
// serves users and printers; the role is inferred from the first frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	clientIP := getRealIP(r)

	idPrefix := identity
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}

	if s.connLimiter != nil {
		if blocked, until := s.connLimiter.IsBlocked(clientIP, idPrefix); blocked {
			logWarn("Blocked WebSocket connection attempt",
				"ip", clientIP,
				"identity", idPrefix+"...",
				"blocked_until", until.Format(time.RFC3339))
			http.Error(w, "Too many failed attempts. Try again later.", http.StatusTooManyRequests)
			return
		}
	}

	if _, err := uuid.Parse(identity); err != nil {
		var blocked bool
		var attempts int
		shouldLog := true
		if s.connLimiter != nil {
			blocked, shouldLog, attempts = s.connLimiter.RecordFailure(clientIP, idPrefix)
		}
		if shouldLog {
			logWarn("WebSocket handshake with invalid identity",
				"ip", clientIP,
				"identity", idPrefix+"...",
				"attempt_count", attempts,
				"error", err)
		}
		if blocked {
			http.Error(w, "Too many failed attempts. Try again later.", http.StatusTooManyRequests)
		} else {
			http.Error(w, "Invalid identity", http.StatusBadRequest)
		}
		return
	}

	conn, err := ws.UpgradeHTTP(w, r, func(req *http.Request) bool {
		return s.cfg.OriginAllowed(req.Header.Get("Origin"))
	})
	if err != nil {
		logWarn("WebSocket upgrade failed", "identity", identity, "ip", clientIP, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.WebSocket.MaxFrameBytes)

	if s.connLimiter != nil {
		s.connLimiter.RecordSuccess(clientIP, idPrefix)
	}

	logInfo("WebSocket connected", "identity", identity, "ip", clientIP)

	sess := &session{srv: s, conn: conn, identity: identity, clientIP: clientIP}
	sess.run()
}

// session is the per-socket state for one read loop.
type session struct {
	srv      *Server
	conn     *ws.Conn
	identity string
	clientIP string

	// isPrinter is set when the first frame is a subscription handshake.
	isPrinter bool
	malformed int
}

func (sess *session) run() {
	s := sess.srv

	s.registry.Attach(sess.identity, sess.conn)
	defer sess.teardown()

	pongWait := time.Duration(s.cfg.WebSocket.PongTimeoutSecs) * time.Second
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Server-side ping loop surfaces half-open TCP connections; a failed
	// ping closes the socket, which unblocks the read loop below.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(time.Duration(s.cfg.WebSocket.PingIntervalSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sess.conn.WritePing(s.sendTimeout); err != nil {
					logWarn("WebSocket ping failed, closing connection",
						"identity", sess.identity, "error", err)
					sess.conn.Close()
					return
				}
			case <-pingDone:
				return
			}
		}
	}()

	first := true
	for {
		raw, err := sess.conn.ReadMessage()
		if err != nil {
			if ws.IsReadLimitError(err) {
				sess.sendStatus(ws.StatusError, "frame exceeds size limit")
				logWarn("WebSocket frame over size limit, closing",
					"identity", sess.identity, "limit", s.cfg.WebSocket.MaxFrameBytes)
			} else if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				logWarn("WebSocket read error", "identity", sess.identity, "error", err)
			}
			return
		}

		frame, err := ws.Parse(raw)
		if err != nil {
			sess.malformed++
			sess.sendStatus(ws.StatusError, "malformed frame: "+err.Error())
			if sess.malformed >= maxMalformedFrames {
				logWarn("Closing session after repeated malformed frames",
					"identity", sess.identity, "count", sess.malformed)
				return
			}
			continue
		}
		sess.malformed = 0

		if first {
			first = false
			if sub, ok := frame.(*ws.Subscription); ok {
				sess.isPrinter = true
				sess.handleSubscription(sub)
				continue
			}
		}

		sess.dispatch(frame)
	}
}

func (sess *session) dispatch(frame ws.Frame) {
	switch f := frame.(type) {
	case *ws.Subscription:
		if !sess.isPrinter {
			sess.sendStatus(ws.StatusError, "subscription must be the first frame")
			return
		}
		// Re-subscription refreshes printer info and replays pending work.
		sess.handleSubscription(f)

	case *ws.TextMessage:
		if err := f.Validate(); err != nil {
			sess.sendStatus(ws.StatusError, err.Error())
			return
		}
		sess.srv.routeMessage(sess, f)

	case *ws.FirmwareProgress:
		if !sess.requirePrinter("firmware_progress") {
			return
		}
		if err := f.Validate(); err != nil {
			sess.sendStatus(ws.StatusError, err.Error())
			return
		}
		ctx, cancel := opCtx()
		defer cancel()
		if err := sess.srv.tracker.HandleProgress(ctx, sess.identity, f.Percent, f.Status); err != nil {
			logWarn("Failed to record firmware progress", "printer_id", sess.identity, "error", err)
		}

	case *ws.FirmwareComplete:
		if !sess.requirePrinter("firmware_complete") {
			return
		}
		ctx, cancel := opCtx()
		defer cancel()
		if err := sess.srv.tracker.HandleComplete(ctx, sess.identity, f.Version); err != nil {
			logWarn("Failed to record firmware completion", "printer_id", sess.identity, "error", err)
		}

	case *ws.FirmwareFailed:
		if !sess.requirePrinter("firmware_failed") {
			return
		}
		ctx, cancel := opCtx()
		defer cancel()
		if err := sess.srv.tracker.HandleFailed(ctx, sess.identity, f.Error); err != nil {
			logWarn("Failed to record firmware failure", "printer_id", sess.identity, "error", err)
		}

	case *ws.FirmwareDeclined:
		if !sess.requirePrinter("firmware_declined") {
			return
		}
		ctx, cancel := opCtx()
		defer cancel()
		if err := sess.srv.tracker.HandleDeclined(ctx, sess.identity, f.AutoUpdate); err != nil {
			logWarn("Failed to record firmware decline", "printer_id", sess.identity, "error", err)
		}

	case *ws.BitmapPrinting:
		if !sess.requirePrinter("bitmap_printing") {
			return
		}
		logInfo("Printer started bitmap job",
			"printer_id", sess.identity, "width", f.Width, "height", f.Height)

	case *ws.BitmapError:
		if !sess.requirePrinter("bitmap_error") {
			return
		}
		logWarn("Printer reported bitmap error", "printer_id", sess.identity, "error", f.Error)

	default:
		sess.sendStatus(ws.StatusError, "unexpected frame kind "+frame.FrameKind())
	}
}

// requirePrinter rejects printer-only frames arriving on user sessions.
func (sess *session) requirePrinter(kind string) bool {
	if sess.isPrinter {
		return true
	}
	sess.sendStatus(ws.StatusError, kind+" frames require a printer subscription")
	return false
}

// handleSubscription registers the printer, marks it online, runs rollout
// evaluation, and drains any undelivered cached messages onto this session.
func (sess *session) handleSubscription(sub *ws.Subscription) {
	s := sess.srv

	if err := sub.Validate(); err != nil {
		sess.sendStatus(ws.StatusError, err.Error())
		return
	}
	if sub.PrinterID != sess.identity {
		sess.sendStatus(ws.StatusError, "printer_id does not match connection identity")
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	printer := &storage.Printer{
		ID:              sub.PrinterID,
		Name:            sanitize.Name(sub.PrinterName),
		Platform:        sub.Platform,
		FirmwareVersion: sub.FirmwareVersion,
		AutoUpdate:      sub.AutoUpdate,
		UpdateChannel:   sub.UpdateChannel,
		Online:          true,
		LastSeen:        time.Now().UTC(),
		LastIP:          sess.clientIP,
	}

	// Keep prior values for fields a sparse handshake omits.
	if existing, err := s.store.GetPrinter(ctx, sub.PrinterID); err == nil {
		if printer.Name == "" {
			printer.Name = existing.Name
		}
		if printer.Platform == "" {
			printer.Platform = existing.Platform
		}
		if printer.FirmwareVersion == "" {
			printer.FirmwareVersion = existing.FirmwareVersion
		}
		if printer.UpdateChannel == "" {
			printer.UpdateChannel = existing.UpdateChannel
		}
	}

	if err := s.store.UpsertPrinter(ctx, printer); err != nil {
		logError("Failed to register printer subscription",
			"printer_id", sub.PrinterID, "error", err)
		sess.sendStatus(ws.StatusError, "subscription failed")
		return
	}

	logInfo("Printer subscribed",
		"printer_id", printer.ID,
		"platform", printer.Platform,
		"firmware_version", printer.FirmwareVersion,
		"channel", printer.UpdateChannel)
	sess.sendStatus(ws.StatusInfo, "subscribed")

	current, err := s.store.GetPrinter(ctx, printer.ID)
	if err != nil {
		logWarn("Failed to reload printer after subscription",
			"printer_id", printer.ID, "error", err)
		return
	}

	if _, err := s.evaluator.EvaluatePrinter(ctx, current); err != nil {
		logWarn("Rollout evaluation failed", "printer_id", printer.ID, "error", err)
	}

	s.drainCache(sess, printer.ID)
}

// sendStatus writes a status frame to this session only. Best-effort; a
// failed write surfaces on the read loop as a broken connection.
func (sess *session) sendStatus(level, message string) {
	if err := sess.conn.WriteFrame(ws.NewStatus(level, message), sess.srv.sendTimeout); err != nil {
		logDebug("Failed to write status frame", "identity", sess.identity, "error", err)
	}
}

// teardown detaches the session and flips the printer offline when this was
// the identity's last session. The in-memory registry stays authoritative;
// the persistence write is best-effort.
func (sess *session) teardown() {
	s := sess.srv
	last := s.registry.Detach(sess.identity, sess.conn)
	sess.conn.Close()

	logInfo("WebSocket disconnected", "identity", sess.identity, "last_session", last)

	if last && sess.isPrinter {
		ctx, cancel := opCtx()
		defer cancel()
		if err := s.store.SetPrinterOnline(ctx, sess.identity, false, time.Now().UTC()); err != nil {
			logWarn("Failed to mark printer offline", "printer_id", sess.identity, "error", err)
		}
	}
}

// opCtx bounds a store call issued from a socket session.
func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
