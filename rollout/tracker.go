package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paperminder/server/storage"
)

// Tracker applies firmware response frames to update attempts and keeps the
// rollout counters in step. Frames for printers with no open attempt are
// logged and dropped; the device may be reporting a stale update.
type Tracker struct {
	store storage.Store
}

// NewTracker returns a tracker over the given store.
func NewTracker(store storage.Store) *Tracker {
	return &Tracker{store: store}
}

// HandleProgress records a progress report. The first progress frame moves a
// pending attempt to downloading.
func (t *Tracker) HandleProgress(ctx context.Context, printerID string, percent int, status string) error {
	h, err := t.openAttempt(ctx, printerID)
	if err != nil || h == nil {
		return err
	}
	if err := t.store.SetUpdateProgress(ctx, h.ID, percent, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("record progress: %w", err)
	}
	logDebug("Firmware progress", "printer", printerID, "percent", percent, "status", status)
	return nil
}

// HandleComplete finalizes a successful update: the attempt completes, the
// printer's recorded firmware version advances, and the build and rollout
// tallies move one target from pending to completed.
func (t *Tracker) HandleComplete(ctx context.Context, printerID, version string) error {
	h, err := t.openAttempt(ctx, printerID)
	if err != nil || h == nil {
		return err
	}
	if version == "" {
		version = h.Version
	}

	if err := t.store.SetUpdateStatus(ctx, h.ID, storage.UpdateCompleted, ""); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if err := t.store.SetPrinterFirmwareVersion(ctx, printerID, version); err != nil {
		logWarn("Failed to record printer firmware version", "printer", printerID, "error", err)
	}
	t.bumpFirmwareCounter(ctx, printerID, h.Version, true)
	t.resolve(ctx, h.RolloutID, storage.UpdateCompleted)
	logInfo("Firmware update completed", "printer", printerID, "version", version)
	return nil
}

// HandleFailed marks the attempt failed with the device's error detail.
func (t *Tracker) HandleFailed(ctx context.Context, printerID, detail string) error {
	h, err := t.openAttempt(ctx, printerID)
	if err != nil || h == nil {
		return err
	}

	if err := t.store.SetUpdateStatus(ctx, h.ID, storage.UpdateFailed, detail); err != nil {
		return fmt.Errorf("fail attempt: %w", err)
	}
	t.bumpFirmwareCounter(ctx, printerID, h.Version, false)
	t.resolve(ctx, h.RolloutID, storage.UpdateFailed)
	logWarn("Firmware update failed", "printer", printerID, "version", h.Version, "error", detail)
	return nil
}

// HandleDeclined marks the attempt declined. A device that turned
// auto-update off while declining has that preference persisted so the
// evaluator stops offering updates.
func (t *Tracker) HandleDeclined(ctx context.Context, printerID string, autoUpdate bool) error {
	h, err := t.openAttempt(ctx, printerID)
	if err != nil || h == nil {
		return err
	}

	if err := t.store.SetUpdateStatus(ctx, h.ID, storage.UpdateDeclined, ""); err != nil {
		return fmt.Errorf("decline attempt: %w", err)
	}
	if !autoUpdate {
		if err := t.store.SetPrinterAutoUpdate(ctx, printerID, false); err != nil {
			logWarn("Failed to persist auto-update preference", "printer", printerID, "error", err)
		}
	}
	t.resolve(ctx, h.RolloutID, storage.UpdateDeclined)
	logInfo("Firmware update declined", "printer", printerID, "version", h.Version)
	return nil
}

func (t *Tracker) openAttempt(ctx context.Context, printerID string) (*storage.UpdateHistory, error) {
	h, err := t.store.LatestOpenUpdateForPrinter(ctx, printerID)
	if errors.Is(err, storage.ErrNotFound) {
		logDebug("Firmware frame without open update attempt", "printer", printerID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load open attempt: %w", err)
	}
	return h, nil
}

func (t *Tracker) bumpFirmwareCounter(ctx context.Context, printerID, version string, success bool) {
	p, err := t.store.GetPrinter(ctx, printerID)
	if err != nil {
		logWarn("Failed to load printer for firmware counter", "printer", printerID, "error", err)
		return
	}
	if err := t.store.IncrementFirmwareCounter(ctx, version, p.Platform, success); err != nil {
		logWarn("Failed to bump firmware counter", "version", version, "error", err)
	}
}

// resolve moves the rollout's pending tally to the terminal outcome and
// closes the rollout once its last pending target resolves.
func (t *Tracker) resolve(ctx context.Context, rolloutID, outcome string) {
	if err := t.store.ResolveRolloutTarget(ctx, rolloutID, outcome); err != nil {
		logWarn("Failed to resolve rollout target", "rollout", rolloutID, "error", err)
		return
	}

	r, err := t.store.GetRollout(ctx, rolloutID)
	if err != nil {
		logWarn("Failed to reload rollout", "rollout", rolloutID, "error", err)
		return
	}
	if r.Status == storage.RolloutActive && r.PendingCount == 0 {
		if err := t.store.SetRolloutStatus(ctx, rolloutID, storage.RolloutCompleted, time.Now().UTC()); err != nil {
			logWarn("Failed to complete rollout", "rollout", rolloutID, "error", err)
			return
		}
		logInfo("Rollout completed", "rollout", rolloutID,
			"completed", r.CompletedCount, "failed", r.FailedCount, "declined", r.DeclinedCount)
	}
}
