package rollout

import (
	"context"
	"testing"

	"paperminder/server/storage"
)

// seedAttempt drives the evaluator once so a pending attempt and its
// counters exist, then returns the rollout and printer involved.
func seedAttempt(t *testing.T, store storage.Store, printerID string) (*storage.UpdateRollout, *storage.Printer) {
	t.Helper()
	p := seedPrinter(t, store, printerID, "esp32-c3", "1.0.0")
	seedFirmware(t, store, "1.5.0", "esp32-c3")
	r := seedActiveRollout(t, store, nil)

	eval := NewEvaluator(store, newFakeSender(), "http://localhost:8000", 0)
	pushed, err := eval.EvaluatePrinter(context.Background(), p)
	if err != nil || !pushed {
		t.Fatalf("seeding push failed: pushed=%v err=%v", pushed, err)
	}
	return r, p
}

func TestTrackerProgressMovesToDownloading(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	tracker := NewTracker(store)
	ctx := context.Background()

	r, p := seedAttempt(t, store, uuidBucket63)

	if err := tracker.HandleProgress(ctx, p.ID, 35, "writing flash"); err != nil {
		t.Fatalf("HandleProgress: %v", err)
	}
	h, _ := store.GetUpdateHistory(ctx, r.ID, p.ID)
	if h.Status != storage.UpdateDownloading || h.LastPercent != 35 || h.LastStatus != "writing flash" {
		t.Errorf("history = %+v", h)
	}

	// Progress for a printer with no open attempt is dropped silently.
	if err := tracker.HandleProgress(ctx, uuidBucket15, 50, "late"); err != nil {
		t.Errorf("orphan progress: %v", err)
	}
}

func TestTrackerComplete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	tracker := NewTracker(store)
	ctx := context.Background()

	r, p := seedAttempt(t, store, uuidBucket63)

	if err := tracker.HandleComplete(ctx, p.ID, "1.5.0"); err != nil {
		t.Fatalf("HandleComplete: %v", err)
	}

	h, _ := store.GetUpdateHistory(ctx, r.ID, p.ID)
	if h.Status != storage.UpdateCompleted || h.CompletedAt == nil {
		t.Errorf("history = %+v", h)
	}
	got, _ := store.GetPrinter(ctx, p.ID)
	if got.FirmwareVersion != "1.5.0" {
		t.Errorf("printer version = %q, want 1.5.0", got.FirmwareVersion)
	}
	fw, _ := store.GetFirmwareVersion(ctx, "1.5.0", "esp32-c3")
	if fw.SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1", fw.SuccessCount)
	}

	// The sole pending target resolved, so the rollout completes.
	rollout, _ := store.GetRollout(ctx, r.ID)
	if rollout.Status != storage.RolloutCompleted {
		t.Errorf("rollout status = %q, want completed", rollout.Status)
	}
	if rollout.CompletedCount != 1 || rollout.PendingCount != 0 {
		t.Errorf("counters = completed %d pending %d", rollout.CompletedCount, rollout.PendingCount)
	}
}

func TestTrackerFailed(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	tracker := NewTracker(store)
	ctx := context.Background()

	r, p := seedAttempt(t, store, uuidBucket63)

	if err := tracker.HandleFailed(ctx, p.ID, "md5 mismatch"); err != nil {
		t.Fatalf("HandleFailed: %v", err)
	}

	h, _ := store.GetUpdateHistory(ctx, r.ID, p.ID)
	if h.Status != storage.UpdateFailed || h.Error != "md5 mismatch" {
		t.Errorf("history = %+v", h)
	}
	fw, _ := store.GetFirmwareVersion(ctx, "1.5.0", "esp32-c3")
	if fw.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", fw.FailureCount)
	}
	rollout, _ := store.GetRollout(ctx, r.ID)
	if rollout.FailedCount != 1 || rollout.PendingCount != 0 {
		t.Errorf("counters = failed %d pending %d", rollout.FailedCount, rollout.PendingCount)
	}
	// The printer keeps its old version.
	got, _ := store.GetPrinter(ctx, p.ID)
	if got.FirmwareVersion != "1.0.0" {
		t.Errorf("printer version = %q, want unchanged", got.FirmwareVersion)
	}
}

func TestTrackerDeclinedPersistsAutoUpdate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	tracker := NewTracker(store)
	ctx := context.Background()

	r, p := seedAttempt(t, store, uuidBucket63)

	if err := tracker.HandleDeclined(ctx, p.ID, false); err != nil {
		t.Fatalf("HandleDeclined: %v", err)
	}

	h, _ := store.GetUpdateHistory(ctx, r.ID, p.ID)
	if h.Status != storage.UpdateDeclined {
		t.Errorf("status = %q, want declined", h.Status)
	}
	got, _ := store.GetPrinter(ctx, p.ID)
	if got.AutoUpdate {
		t.Error("auto_update not persisted off")
	}
	rollout, _ := store.GetRollout(ctx, r.ID)
	if rollout.DeclinedCount != 1 || rollout.PendingCount != 0 {
		t.Errorf("counters = declined %d pending %d", rollout.DeclinedCount, rollout.PendingCount)
	}
}

func TestTrackerRolloutCompletionAfterLastTarget(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	tracker := NewTracker(store)
	eval := NewEvaluator(store, newFakeSender(), "http://localhost:8000", 0)
	ctx := context.Background()

	seedFirmware(t, store, "1.5.0", "esp32-c3")
	r := seedActiveRollout(t, store, nil)

	ids := []string{
		"00000000-0000-0000-0000-000000000001",
		"00000000-0000-0000-0000-000000000002",
		"11111111-2222-3333-4444-555555555555",
	}
	for _, id := range ids {
		p := seedPrinter(t, store, id, "esp32-c3", "1.0.0")
		if pushed, err := eval.EvaluatePrinter(ctx, p); err != nil || !pushed {
			t.Fatalf("seed %s: pushed=%v err=%v", id, pushed, err)
		}
	}

	got, _ := store.GetRollout(ctx, r.ID)
	if got.TotalTargets != 3 || got.PendingCount != 3 {
		t.Fatalf("counters = total %d pending %d, want 3/3", got.TotalTargets, got.PendingCount)
	}

	for i, id := range ids {
		if err := tracker.HandleComplete(ctx, id, "1.5.0"); err != nil {
			t.Fatalf("HandleComplete %s: %v", id, err)
		}
		got, _ = store.GetRollout(ctx, r.ID)
		wantStatus := storage.RolloutActive
		if i == len(ids)-1 {
			wantStatus = storage.RolloutCompleted
		}
		if got.Status != wantStatus {
			t.Errorf("after %d completions status = %q, want %q", i+1, got.Status, wantStatus)
		}
	}
	if got.CompletedCount != 3 || got.PendingCount != 0 {
		t.Errorf("final counters = completed %d pending %d", got.CompletedCount, got.PendingCount)
	}
}
