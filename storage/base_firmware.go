package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"paperminder/server/platform"
)

// ============================================================================
// Firmware Version Methods
// ============================================================================

// CreateFirmwareVersion stores an uploaded firmware build. Platform is
// canonicalized and the MD5 digest computed from the blob when absent.
func (s *BaseStore) CreateFirmwareVersion(ctx context.Context, fw *FirmwareVersion) error {
	if fw == nil {
		return fmt.Errorf("firmware version required")
	}
	if fw.Version == "" {
		return fmt.Errorf("version required")
	}
	if len(fw.Data) == 0 {
		return fmt.Errorf("firmware data required")
	}

	fw.Platform = platform.Normalize(fw.Platform)
	if fw.Channel == "" {
		fw.Channel = ChannelStable
	}
	if fw.MD5 == "" {
		fw.MD5 = MD5Hex(fw.Data)
	}
	if fw.SHA256 == "" {
		fw.SHA256 = SHA256Hex(fw.Data)
	}
	fw.FileSize = int64(len(fw.Data))
	if fw.CreatedAt.IsZero() {
		fw.CreatedAt = time.Now().UTC()
	}

	return s.queryRowContext(ctx, `
		INSERT INTO firmware_versions (
			version, platform, channel, file_name, file_size, md5, sha256, data,
			release_notes, min_upgrade_version, download_count, success_count,
			failure_count, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)
		RETURNING id
	`, fw.Version, fw.Platform, fw.Channel, fw.FileName, fw.FileSize, fw.MD5,
		fw.SHA256, fw.Data, nullString(fw.ReleaseNotes), nullString(fw.MinUpgradeVersion),
		fw.CreatedAt).Scan(&fw.ID)
}

// GetFirmwareVersion finds a build by version and platform. Lookup widens
// the platform to every accepted spelling so builds uploaded under legacy
// names still resolve.
func (s *BaseStore) GetFirmwareVersion(ctx context.Context, version, plat string) (*FirmwareVersion, error) {
	variants := platform.Variants(plat)
	if len(variants) == 0 {
		variants = []string{""}
	}

	query := fmt.Sprintf(`
		SELECT id, version, platform, channel, file_name, file_size, md5, sha256, data,
		       release_notes, min_upgrade_version, download_count, success_count,
		       failure_count, created_at
		FROM firmware_versions
		WHERE version = ? AND platform IN (%s)
		ORDER BY created_at DESC
		LIMIT 1
	`, PlaceholderSet(s.dialect, len(variants), 2))

	args := make([]interface{}, 0, len(variants)+1)
	args = append(args, version)
	for _, v := range variants {
		args = append(args, v)
	}

	fw, err := scanFirmware(s.queryRowContext(ctx, query, args...).Scan, true)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fw, nil
}

// ListFirmwareVersions returns all builds, newest first, without blobs.
func (s *BaseStore) ListFirmwareVersions(ctx context.Context) ([]*FirmwareVersion, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, version, platform, channel, file_name, file_size, md5, sha256,
		       release_notes, min_upgrade_version, download_count, success_count,
		       failure_count, created_at
		FROM firmware_versions
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*FirmwareVersion
	for rows.Next() {
		fw, err := scanFirmware(rows.Scan, false)
		if err != nil {
			return nil, err
		}
		versions = append(versions, fw)
	}
	return versions, rows.Err()
}

func scanFirmware(scan func(...interface{}) error, withData bool) (*FirmwareVersion, error) {
	var fw FirmwareVersion
	var notes, minUpgrade sql.NullString

	dest := []interface{}{&fw.ID, &fw.Version, &fw.Platform, &fw.Channel,
		&fw.FileName, &fw.FileSize, &fw.MD5, &fw.SHA256}
	if withData {
		dest = append(dest, &fw.Data)
	}
	dest = append(dest, &notes, &minUpgrade, &fw.DownloadCount, &fw.SuccessCount,
		&fw.FailureCount, &fw.CreatedAt)

	if err := scan(dest...); err != nil {
		return nil, err
	}
	fw.ReleaseNotes = notes.String
	fw.MinUpgradeVersion = minUpgrade.String
	return &fw, nil
}

// ============================================================================
// Rollout Methods
// ============================================================================

// CreateRollout stores a new rollout campaign. Status defaults to pending;
// percentage defaults to 100 when unset.
func (s *BaseStore) CreateRollout(ctx context.Context, rollout *UpdateRollout) error {
	if rollout == nil {
		return fmt.Errorf("rollout required")
	}
	if rollout.Version == "" {
		return fmt.Errorf("rollout version required")
	}
	if rollout.ID == "" {
		rollout.ID = uuid.NewString()
	}
	if rollout.Status == "" {
		rollout.Status = RolloutPending
	}
	if rollout.RolloutType == "" {
		switch {
		case rollout.ScheduledAt != nil:
			rollout.RolloutType = RolloutTypeScheduled
		case rollout.RolloutPercentage > 0 && rollout.RolloutPercentage < 100:
			rollout.RolloutType = RolloutTypeGradual
		default:
			rollout.RolloutType = RolloutTypeImmediate
		}
	}
	switch rollout.RolloutType {
	case RolloutTypeImmediate, RolloutTypeGradual, RolloutTypeScheduled:
	default:
		return fmt.Errorf("unknown rollout type %q", rollout.RolloutType)
	}
	if rollout.RolloutType == RolloutTypeScheduled && rollout.ScheduledAt == nil {
		return fmt.Errorf("scheduled rollout requires scheduled_at")
	}
	if rollout.RolloutPercentage < 0 {
		rollout.RolloutPercentage = 0
	}
	if rollout.RolloutPercentage > 100 {
		rollout.RolloutPercentage = 100
	}
	rollout.Platform = platform.Normalize(rollout.Platform)
	if rollout.CreatedAt.IsZero() {
		rollout.CreatedAt = time.Now().UTC()
	}

	_, err := s.execContext(ctx, `
		INSERT INTO update_rollouts (
			id, name, rollout_type, version, platform, channels, target_all, target_user_ids,
			target_printer_ids, rollout_percentage, min_version, max_version,
			status, scheduled_at, started_at, completed_at, total_targets,
			pending_count, completed_count, failed_count, declined_count, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?)
	`, rollout.ID, rollout.Name, rollout.RolloutType, rollout.Version, nullString(rollout.Platform),
		encodeStrings(rollout.Channels), rollout.TargetAll,
		encodeStrings(rollout.TargetUserIDs), encodeStrings(rollout.TargetPrinterIDs),
		rollout.RolloutPercentage, nullString(rollout.MinVersion),
		nullString(rollout.MaxVersion), rollout.Status,
		nullTimePtr(rollout.ScheduledAt), nullTimePtr(rollout.StartedAt),
		nullTimePtr(rollout.CompletedAt), rollout.CreatedAt)
	return err
}

const rolloutColumns = `
	id, name, rollout_type, version, platform, channels, target_all, target_user_ids,
	target_printer_ids, rollout_percentage, min_version, max_version,
	status, scheduled_at, started_at, completed_at, total_targets,
	pending_count, completed_count, failed_count, declined_count, created_at
`

// GetRollout retrieves a rollout by ID.
func (s *BaseStore) GetRollout(ctx context.Context, id string) (*UpdateRollout, error) {
	row := s.queryRowContext(ctx,
		`SELECT `+rolloutColumns+` FROM update_rollouts WHERE id = ?`, id)

	r, err := scanRollout(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRollouts returns rollouts, optionally filtered by status, newest
// first.
func (s *BaseStore) ListRollouts(ctx context.Context, status string) ([]*UpdateRollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM update_rollouts`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollouts []*UpdateRollout
	for rows.Next() {
		r, err := scanRollout(rows.Scan)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, r)
	}
	return rollouts, rows.Err()
}

// ListActiveRollouts returns rollouts currently pushing updates.
func (s *BaseStore) ListActiveRollouts(ctx context.Context) ([]*UpdateRollout, error) {
	return s.ListRollouts(ctx, RolloutActive)
}

// ListScheduledRolloutsDue returns pending rollouts whose scheduled start
// time has passed.
func (s *BaseStore) ListScheduledRolloutsDue(ctx context.Context, now time.Time) ([]*UpdateRollout, error) {
	rows, err := s.queryContext(ctx,
		`SELECT `+rolloutColumns+` FROM update_rollouts
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC`,
		RolloutPending, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollouts []*UpdateRollout
	for rows.Next() {
		r, err := scanRollout(rows.Scan)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, r)
	}
	return rollouts, rows.Err()
}

func scanRollout(scan func(...interface{}) error) (*UpdateRollout, error) {
	var r UpdateRollout
	var plat, channels, userIDs, printerIDs, minV, maxV sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := scan(&r.ID, &r.Name, &r.RolloutType, &r.Version, &plat, &channels, &r.TargetAll,
		&userIDs, &printerIDs, &r.RolloutPercentage, &minV, &maxV,
		&r.Status, &scheduledAt, &startedAt, &completedAt, &r.TotalTargets,
		&r.PendingCount, &r.CompletedCount, &r.FailedCount, &r.DeclinedCount, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	r.Platform = plat.String
	r.Channels = decodeStrings(channels)
	r.TargetUserIDs = decodeStrings(userIDs)
	r.TargetPrinterIDs = decodeStrings(printerIDs)
	r.MinVersion = minV.String
	r.MaxVersion = maxV.String
	r.ScheduledAt = timePtr(scheduledAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	return &r, nil
}

// SetRolloutStatus moves a rollout through its lifecycle, stamping
// started_at and completed_at on the relevant transitions. Disallowed
// transitions return ErrInvalidTransition.
func (s *BaseStore) SetRolloutStatus(ctx context.Context, id, status string, at time.Time) error {
	current, err := s.GetRollout(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if !ValidRolloutTransition(current.Status, status) {
		return fmt.Errorf("rollout %s: %s to %s: %w", id, current.Status, status, ErrInvalidTransition)
	}

	at = at.UTC()
	query := `UPDATE update_rollouts SET status = ?`
	args := []interface{}{status}
	if status == RolloutActive && current.StartedAt == nil {
		query += `, started_at = ?`
		args = append(args, at)
	}
	if status == RolloutCompleted || status == RolloutCancelled {
		query += `, completed_at = ?`
		args = append(args, at)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	_, err = s.execContext(ctx, query, args...)
	return err
}

// SetRolloutPercentage widens or narrows a campaign's gradual bucket. Takes
// effect on the next evaluation; already-offered printers are unaffected.
func (s *BaseStore) SetRolloutPercentage(ctx context.Context, id string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return fmt.Errorf("rollout percentage %d out of range", percentage)
	}
	res, err := s.execContext(ctx,
		`UPDATE update_rollouts SET rollout_percentage = ? WHERE id = ?`, percentage, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterRolloutTarget counts a newly targeted printer: one more pending
// attempt and one more total target.
func (s *BaseStore) RegisterRolloutTarget(ctx context.Context, id string) error {
	res, err := s.execContext(ctx, `
		UPDATE update_rollouts
		SET pending_count = pending_count + 1, total_targets = total_targets + 1
		WHERE id = ?
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveRolloutTarget moves one pending attempt to its outcome counter.
// Outcome must be a terminal update status.
func (s *BaseStore) ResolveRolloutTarget(ctx context.Context, id, outcome string) error {
	var column string
	switch outcome {
	case UpdateCompleted:
		column = "completed_count"
	case UpdateFailed:
		column = "failed_count"
	case UpdateDeclined:
		column = "declined_count"
	default:
		return fmt.Errorf("outcome %q is not terminal", outcome)
	}

	res, err := s.execContext(ctx, `
		UPDATE update_rollouts
		SET pending_count = CASE WHEN pending_count > 0 THEN pending_count - 1 ELSE 0 END,
		    `+column+` = `+column+` + 1
		WHERE id = ?
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementFirmwareDownloads bumps the download tally on a build. Called by
// the download endpoint after the blob has been served.
func (s *BaseStore) IncrementFirmwareDownloads(ctx context.Context, id int64) error {
	_, err := s.execContext(ctx,
		`UPDATE firmware_versions SET download_count = download_count + 1 WHERE id = ?`, id)
	return err
}

// IncrementFirmwareCounter bumps the success or failure tally on a build.
func (s *BaseStore) IncrementFirmwareCounter(ctx context.Context, version, plat string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	variants := platform.Variants(plat)
	if len(variants) == 0 {
		variants = []string{""}
	}
	args := make([]interface{}, 0, len(variants)+1)
	args = append(args, version)
	for _, v := range variants {
		args = append(args, v)
	}
	_, err := s.execContext(ctx, fmt.Sprintf(`
		UPDATE firmware_versions SET %s = %s + 1
		WHERE version = ? AND platform IN (%s)
	`, column, column, PlaceholderSet(s.dialect, len(variants), 2)), args...)
	return err
}

// ============================================================================
// Update History Methods
// ============================================================================

// CreateUpdateHistory records a new per-printer update attempt.
func (s *BaseStore) CreateUpdateHistory(ctx context.Context, h *UpdateHistory) error {
	if h == nil {
		return fmt.Errorf("update history required")
	}
	if h.Status == "" {
		h.Status = UpdatePending
	}
	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = h.CreatedAt
	}

	return s.queryRowContext(ctx, `
		INSERT INTO update_history (
			rollout_id, printer_id, version, from_version, status,
			last_percent, last_status, error, created_at, updated_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, h.RolloutID, h.PrinterID, h.Version, nullString(h.FromVersion),
		h.Status, h.LastPercent, nullString(h.LastStatus), nullString(h.Error),
		h.CreatedAt, h.UpdatedAt, nullTimePtr(h.CompletedAt)).Scan(&h.ID)
}

const historyColumns = `
	id, rollout_id, printer_id, version, from_version, status,
	last_percent, last_status, error, created_at, updated_at, completed_at
`

// GetUpdateHistory returns the newest attempt for a rollout and printer
// pair.
func (s *BaseStore) GetUpdateHistory(ctx context.Context, rolloutID, printerID string) (*UpdateHistory, error) {
	row := s.queryRowContext(ctx,
		`SELECT `+historyColumns+` FROM update_history
		 WHERE rollout_id = ? AND printer_id = ?
		 ORDER BY id DESC LIMIT 1`,
		rolloutID, printerID)

	h, err := scanHistory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// LatestOpenUpdateForPrinter returns the printer's most recent non-terminal
// attempt across all rollouts. Response frames are attributed to this row.
func (s *BaseStore) LatestOpenUpdateForPrinter(ctx context.Context, printerID string) (*UpdateHistory, error) {
	row := s.queryRowContext(ctx,
		`SELECT `+historyColumns+` FROM update_history
		 WHERE printer_id = ? AND status IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		printerID, UpdatePending, UpdateDownloading)

	h, err := scanHistory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ListUpdateHistory returns all attempts for a rollout, newest first.
func (s *BaseStore) ListUpdateHistory(ctx context.Context, rolloutID string) ([]*UpdateHistory, error) {
	rows, err := s.queryContext(ctx,
		`SELECT `+historyColumns+` FROM update_history
		 WHERE rollout_id = ? ORDER BY id DESC`, rolloutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*UpdateHistory
	for rows.Next() {
		h, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func scanHistory(scan func(...interface{}) error) (*UpdateHistory, error) {
	var h UpdateHistory
	var fromVersion, lastStatus, errMsg sql.NullString
	var completedAt sql.NullTime
	err := scan(&h.ID, &h.RolloutID, &h.PrinterID, &h.Version, &fromVersion,
		&h.Status, &h.LastPercent, &lastStatus, &errMsg, &h.CreatedAt, &h.UpdatedAt,
		&completedAt)
	if err != nil {
		return nil, err
	}
	h.FromVersion = fromVersion.String
	h.LastStatus = lastStatus.String
	h.Error = errMsg.String
	h.CompletedAt = timePtr(completedAt)
	return &h, nil
}

// SetUpdateProgress records a progress report on an open attempt and moves
// pending rows to downloading.
func (s *BaseStore) SetUpdateProgress(ctx context.Context, id int64, percent int, status string) error {
	res, err := s.execContext(ctx, `
		UPDATE update_history
		SET last_percent = ?, last_status = ?, updated_at = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ? AND status IN (?, ?)
	`, percent, nullString(status), time.Now().UTC(),
		UpdatePending, UpdateDownloading,
		id, UpdatePending, UpdateDownloading)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUpdateStatus moves an attempt to a new state, validating the
// transition. Detail lands in last_status for progress-like states and in
// error for failures.
func (s *BaseStore) SetUpdateStatus(ctx context.Context, id int64, status, detail string) error {
	var current string
	err := s.queryRowContext(ctx,
		`SELECT status FROM update_history WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	if !ValidUpdateTransition(current, status) {
		return fmt.Errorf("update %d: %s to %s: %w", id, current, status, ErrInvalidTransition)
	}

	errDetail := ""
	if status == UpdateFailed {
		errDetail = detail
		detail = ""
	}

	now := time.Now().UTC()
	var completedAt sql.NullTime
	if status == UpdateCompleted {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	_, err = s.execContext(ctx, `
		UPDATE update_history
		SET status = ?, last_status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, status, nullString(detail), nullString(errDetail), now, completedAt, id)
	return err
}
