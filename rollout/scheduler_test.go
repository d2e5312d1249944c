package rollout

import (
	"context"
	"testing"
	"time"

	"paperminder/server/storage"
	"paperminder/server/ws"
)

func TestSchedulerActivatesDueRollouts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	sender := newFakeSender()
	eval := NewEvaluator(store, sender, "http://localhost:8000", 0)
	sched := NewScheduler(store, eval, sender, SchedulerConfig{})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	due := &storage.UpdateRollout{Version: "1.5.0", ScheduledAt: &past, RolloutPercentage: 100}
	early := &storage.UpdateRollout{Version: "1.6.0", ScheduledAt: &future, RolloutPercentage: 100}
	for _, r := range []*storage.UpdateRollout{due, early} {
		if err := store.CreateRollout(ctx, r); err != nil {
			t.Fatalf("CreateRollout: %v", err)
		}
	}

	sched.Tick(ctx)

	got, _ := store.GetRollout(ctx, due.ID)
	if got.Status != storage.RolloutActive || got.StartedAt == nil {
		t.Errorf("due rollout = %q started %v, want active", got.Status, got.StartedAt)
	}
	got, _ = store.GetRollout(ctx, early.ID)
	if got.Status != storage.RolloutPending {
		t.Errorf("early rollout = %q, want still pending", got.Status)
	}
}

func TestSchedulerPushesToConnectedPrinters(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	p := seedPrinter(t, store, uuidBucket63, "esp32-c3", "1.0.0")
	seedFirmware(t, store, "1.5.0", "esp32-c3")
	r := seedActiveRollout(t, store, nil)

	// Pause before the printer is evaluated; a paused rollout emits nothing.
	if err := store.SetRolloutStatus(ctx, r.ID, storage.RolloutPaused, time.Now().UTC()); err != nil {
		t.Fatalf("pause: %v", err)
	}

	sender := newFakeSender(p.ID, "not-a-printer")
	eval := NewEvaluator(store, sender, "http://localhost:8000", 0)
	sched := NewScheduler(store, eval, sender, SchedulerConfig{})

	sched.Tick(ctx)
	if len(sender.sent(p.ID)) != 0 {
		t.Fatal("paused rollout pushed firmware")
	}

	// Resuming makes the next tick reach the still-connected printer.
	if err := store.SetRolloutStatus(ctx, r.ID, storage.RolloutActive, time.Now().UTC()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	sched.Tick(ctx)

	frames := sender.sent(p.ID)
	if len(frames) != 1 {
		t.Fatalf("got %d frames after resume, want 1", len(frames))
	}
	if fu := frames[0].(*ws.FirmwareUpdate); fu.Version != "1.5.0" {
		t.Errorf("pushed %s, want 1.5.0", fu.Version)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	sender := newFakeSender()
	eval := NewEvaluator(store, sender, "http://localhost:8000", 0)
	sched := NewScheduler(store, eval, sender, SchedulerConfig{TickInterval: 10 * time.Millisecond})

	sched.Start()
	sched.Start() // second Start is a no-op
	time.Sleep(30 * time.Millisecond)
	sched.Stop()
	sched.Stop() // second Stop is a no-op
}
