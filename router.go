package main

import (
	"errors"
	"fmt"
	"time"

	"paperminder/server/sanitize"
	"paperminder/server/storage"
	"paperminder/server/ws"
)

// routeMessage handles one inbound text message: permission check, sanitize,
// number, log, then deliver live or fall back to the cache.
func (s *Server) routeMessage(sess *session, msg *ws.TextMessage) {
	ctx, cancel := opCtx()
	defer cancel()

	if _, err := s.store.GetPrinter(ctx, msg.RecipientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sess.sendStatus(ws.StatusError, "recipient not found")
			return
		}
		logError("Failed to look up message recipient",
			"recipient_id", msg.RecipientID, "error", err)
		sess.sendStatus(ws.StatusError, "message routing failed")
		return
	}

	// Group permissions only apply when the sender is a registered user.
	// Anonymous identities (the common web client case) route freely.
	if _, err := s.store.GetUser(ctx, sess.identity); err == nil {
		allowed, err := s.store.CanUserMessagePrinter(ctx, sess.identity, msg.RecipientID)
		if err != nil {
			logError("Permission check failed",
				"user_id", sess.identity, "recipient_id", msg.RecipientID, "error", err)
			sess.sendStatus(ws.StatusError, "message routing failed")
			return
		}
		if !allowed {
			sess.sendStatus(ws.StatusError, "not permitted to message this printer")
			return
		}
	}

	body := sanitize.Message(msg.Message)
	sender := sanitize.Name(msg.SenderName)
	if sender == "" {
		sender = "Anonymous"
	}
	now := time.Now().UTC()

	num, err := s.store.NextDailyNumber(ctx, msg.RecipientID, now)
	if err != nil {
		logError("Failed to assign daily number",
			"recipient_id", msg.RecipientID, "error", err)
		sess.sendStatus(ws.StatusError, "message routing failed")
		return
	}

	if err := s.store.InsertMessageLog(ctx, &storage.MessageLog{
		PrinterID:   msg.RecipientID,
		SenderName:  sender,
		Content:     body,
		DailyNumber: num,
		CreatedAt:   now,
	}); err != nil {
		logError("Failed to log message",
			"recipient_id", msg.RecipientID, "error", err)
		sess.sendStatus(ws.StatusError, "message routing failed")
		return
	}

	out := &ws.Outbound{
		Kind:        ws.KindOutbound,
		SenderName:  sender,
		Message:     body,
		DailyNumber: num,
		Timestamp:   now,
	}

	delivered := s.registry.Broadcast(msg.RecipientID, out, s.sendTimeout)
	if delivered > 0 {
		logDebug("Message delivered",
			"recipient_id", msg.RecipientID, "daily_number", num, "sessions", delivered)
		sess.sendStatus(ws.StatusInfo, fmt.Sprintf("message #%d delivered", num))
		return
	}

	if err := s.store.CacheMessage(ctx, &storage.MessageCache{
		PrinterID:   msg.RecipientID,
		SenderName:  sender,
		Content:     body,
		DailyNumber: num,
		CreatedAt:   now,
	}); err != nil {
		logError("Failed to cache message for offline printer",
			"recipient_id", msg.RecipientID, "error", err)
		sess.sendStatus(ws.StatusError, "message routing failed")
		return
	}

	logDebug("Message cached for offline printer",
		"recipient_id", msg.RecipientID, "daily_number", num)
	sess.sendStatus(ws.StatusInfo, fmt.Sprintf("message #%d queued for offline printer", num))
}

// drainCache replays undelivered messages onto one printer session in
// insertion order. A row is marked delivered only after its frame was
// written; the first write failure aborts the drain so nothing is lost.
func (s *Server) drainCache(sess *session, printerID string) {
	ctx, cancel := opCtx()
	defer cancel()

	pending, err := s.store.UndeliveredMessages(ctx, printerID)
	if err != nil {
		logError("Failed to load cached messages", "printer_id", printerID, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	logInfo("Draining cached messages", "printer_id", printerID, "count", len(pending))

	delivered := 0
	for _, m := range pending {
		out := &ws.Outbound{
			Kind:        ws.KindOutbound,
			SenderName:  m.SenderName,
			Message:     m.Content,
			DailyNumber: m.DailyNumber,
			Timestamp:   m.CreatedAt,
		}
		if err := sess.conn.WriteFrame(out, s.sendTimeout); err != nil {
			logWarn("Cache drain interrupted by write failure",
				"printer_id", printerID, "delivered", delivered, "error", err)
			return
		}
		if err := s.store.MarkMessageDelivered(ctx, m.ID, time.Now().UTC()); err != nil {
			logError("Failed to mark cached message delivered",
				"printer_id", printerID, "cache_id", m.ID, "error", err)
			return
		}
		delivered++
	}

	logInfo("Cache drain complete", "printer_id", printerID, "delivered", delivered)
}
