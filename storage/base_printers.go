package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"paperminder/server/platform"
)

// ============================================================================
// Printer Management Methods
// ============================================================================

// UpsertPrinter creates or updates a printer from a subscription handshake.
// The daily counter columns are never touched by the upsert path.
func (s *BaseStore) UpsertPrinter(ctx context.Context, printer *Printer) error {
	if printer == nil {
		return fmt.Errorf("printer required")
	}
	if printer.ID == "" {
		return fmt.Errorf("printer id required")
	}

	now := time.Now().UTC()
	if printer.LastSeen.IsZero() {
		printer.LastSeen = now
	}
	if printer.CreatedAt.IsZero() {
		printer.CreatedAt = now
	}
	if printer.UpdateChannel == "" {
		printer.UpdateChannel = ChannelStable
	}
	printer.Platform = platform.Normalize(printer.Platform)

	query := `
		INSERT INTO printers (
			id, name, owner_id, platform, firmware_version, auto_update, update_channel,
			online, last_seen, last_ip, last_counter_date, daily_counter, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			firmware_version = excluded.firmware_version,
			auto_update = excluded.auto_update,
			update_channel = excluded.update_channel,
			online = excluded.online,
			last_seen = excluded.last_seen,
			last_ip = excluded.last_ip
	`

	_, err := s.execContext(ctx, query,
		printer.ID, printer.Name, nullString(printer.OwnerID),
		nullString(printer.Platform), nullString(printer.FirmwareVersion),
		printer.AutoUpdate, printer.UpdateChannel, printer.Online,
		printer.LastSeen, nullString(printer.LastIP), printer.CreatedAt)
	return err
}

// GetPrinter retrieves a printer by ID.
func (s *BaseStore) GetPrinter(ctx context.Context, id string) (*Printer, error) {
	row := s.queryRowContext(ctx, `
		SELECT id, name, owner_id, platform, firmware_version, auto_update, update_channel,
		       online, last_seen, last_ip, last_counter_date, daily_counter, created_at
		FROM printers
		WHERE id = ?
	`, id)

	p, err := scanPrinter(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPrinters returns all printers, most recently seen first.
func (s *BaseStore) ListPrinters(ctx context.Context) ([]*Printer, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, name, owner_id, platform, firmware_version, auto_update, update_channel,
		       online, last_seen, last_ip, last_counter_date, daily_counter, created_at
		FROM printers
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows.Scan)
		if err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func scanPrinter(scan func(...interface{}) error) (*Printer, error) {
	var p Printer
	var owner, plat, firmware, lastIP, counterDate sql.NullString
	err := scan(
		&p.ID, &p.Name, &owner, &plat, &firmware, &p.AutoUpdate, &p.UpdateChannel,
		&p.Online, &p.LastSeen, &lastIP, &counterDate, &p.DailyCounter, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.OwnerID = owner.String
	p.Platform = plat.String
	p.FirmwareVersion = firmware.String
	p.LastIP = lastIP.String
	p.LastCounterDate = counterDate.String
	return &p, nil
}

// SetPrinterOnline updates a printer's connection state and last_seen.
func (s *BaseStore) SetPrinterOnline(ctx context.Context, id string, online bool, seen time.Time) error {
	_, err := s.execContext(ctx,
		`UPDATE printers SET online = ?, last_seen = ? WHERE id = ?`,
		online, seen.UTC(), id)
	return err
}

// SetPrinterFirmwareVersion records the version a printer is now running,
// typically after a firmware_complete frame.
func (s *BaseStore) SetPrinterFirmwareVersion(ctx context.Context, id, version string) error {
	_, err := s.execContext(ctx,
		`UPDATE printers SET firmware_version = ? WHERE id = ?`, version, id)
	return err
}

// SetPrinterAutoUpdate persists an auto-update preference change, typically
// from a firmware_declined frame.
func (s *BaseStore) SetPrinterAutoUpdate(ctx context.Context, id string, autoUpdate bool) error {
	_, err := s.execContext(ctx,
		`UPDATE printers SET auto_update = ? WHERE id = ?`, autoUpdate, id)
	return err
}

// NextDailyNumber allocates the next message number for a printer. The
// counter resets to 1 on the first message of each UTC day and increments
// otherwise. A single UPDATE does the read-modify-write so concurrent
// senders serialize on the row and numbers form a total order per printer.
func (s *BaseStore) NextDailyNumber(ctx context.Context, printerID string, now time.Time) (int, error) {
	today := CounterDate(now)

	// The CASE reads the pre-update column values on both engines.
	var next int
	err := s.queryRowContext(ctx, `
		UPDATE printers
		SET daily_counter = CASE WHEN last_counter_date = ? THEN daily_counter + 1 ELSE 1 END,
		    last_counter_date = ?
		WHERE id = ?
		RETURNING daily_counter
	`, today, today, printerID).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

// ============================================================================
// Message Log and Cache Methods
// ============================================================================

// InsertMessageLog records an accepted message in the permanent log.
func (s *BaseStore) InsertMessageLog(ctx context.Context, msg *MessageLog) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	return s.queryRowContext(ctx, `
		INSERT INTO message_log (printer_id, sender_name, content, daily_number, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, msg.PrinterID, msg.SenderName, msg.Content, msg.DailyNumber, msg.CreatedAt).Scan(&msg.ID)
}

// CacheMessage queues a message for an offline printer.
func (s *BaseStore) CacheMessage(ctx context.Context, msg *MessageCache) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	return s.queryRowContext(ctx, `
		INSERT INTO message_cache (printer_id, sender_name, content, daily_number, is_delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, msg.PrinterID, msg.SenderName, msg.Content, msg.DailyNumber, false, msg.CreatedAt).Scan(&msg.ID)
}

// UndeliveredMessages returns a printer's queued messages in insertion
// order.
func (s *BaseStore) UndeliveredMessages(ctx context.Context, printerID string) ([]*MessageCache, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, printer_id, sender_name, content, daily_number, is_delivered, created_at, delivered_at
		FROM message_cache
		WHERE printer_id = ? AND is_delivered = ?
		ORDER BY id ASC
	`, printerID, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*MessageCache
	for rows.Next() {
		var m MessageCache
		var deliveredAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.PrinterID, &m.SenderName, &m.Content,
			&m.DailyNumber, &m.IsDelivered, &m.CreatedAt, &deliveredAt); err != nil {
			return nil, err
		}
		m.DeliveredAt = timePtr(deliveredAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkMessageDelivered flags a cache row as handed to a live session.
func (s *BaseStore) MarkMessageDelivered(ctx context.Context, id int64, at time.Time) error {
	res, err := s.execContext(ctx,
		`UPDATE message_cache SET is_delivered = ?, delivered_at = ? WHERE id = ?`,
		true, at.UTC(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredCache removes delivered and stale cache rows created before
// the cutoff, returning the number deleted.
func (s *BaseStore) DeleteExpiredCache(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execContext(ctx,
		`DELETE FROM message_cache WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
