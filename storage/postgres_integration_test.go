//go:build integration

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestPostgresStore_Integration runs the core store flows against a real
// Postgres instance. Requires Docker; skipped otherwise.
func TestPostgresStore_Integration(t *testing.T) {
	WithPostgresStore(t, func(t *testing.T, store *PostgresStore) {
		ctx := context.Background()

		t.Run("PrinterAndDailyNumber", func(t *testing.T) {
			p := &Printer{ID: uuid.NewString(), Name: "PG Printer", Platform: "esp32-s3"}
			if err := store.UpsertPrinter(ctx, p); err != nil {
				t.Fatalf("UpsertPrinter: %v", err)
			}

			day1 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
			for want := 1; want <= 3; want++ {
				n, err := store.NextDailyNumber(ctx, p.ID, day1)
				if err != nil {
					t.Fatalf("NextDailyNumber: %v", err)
				}
				if n != want {
					t.Errorf("number = %d, want %d", n, want)
				}
			}
			n, err := store.NextDailyNumber(ctx, p.ID, day1.Add(24*time.Hour))
			if err != nil {
				t.Fatalf("NextDailyNumber: %v", err)
			}
			if n != 1 {
				t.Errorf("new day number = %d, want 1", n)
			}
		})

		t.Run("MessageCache", func(t *testing.T) {
			p := &Printer{ID: uuid.NewString(), Name: "PG Cache Printer"}
			if err := store.UpsertPrinter(ctx, p); err != nil {
				t.Fatalf("UpsertPrinter: %v", err)
			}

			m := &MessageCache{PrinterID: p.ID, SenderName: "Alice", Content: "Hi", DailyNumber: 1}
			if err := store.CacheMessage(ctx, m); err != nil {
				t.Fatalf("CacheMessage: %v", err)
			}
			if m.ID == 0 {
				t.Fatal("CacheMessage did not return an ID")
			}

			queued, err := store.UndeliveredMessages(ctx, p.ID)
			if err != nil {
				t.Fatalf("UndeliveredMessages: %v", err)
			}
			if len(queued) != 1 {
				t.Fatalf("queued = %d, want 1", len(queued))
			}
			if err := store.MarkMessageDelivered(ctx, queued[0].ID, time.Now()); err != nil {
				t.Fatalf("MarkMessageDelivered: %v", err)
			}
		})

		t.Run("FirmwareAndRollout", func(t *testing.T) {
			fw := &FirmwareVersion{Version: "9.0.0", Platform: "esp32c3", Data: []byte{1, 2, 3}}
			if err := store.CreateFirmwareVersion(ctx, fw); err != nil {
				t.Fatalf("CreateFirmwareVersion: %v", err)
			}
			got, err := store.GetFirmwareVersion(ctx, "9.0.0", "esp32_c3")
			if err != nil {
				t.Fatalf("GetFirmwareVersion: %v", err)
			}
			if len(got.Data) != 3 {
				t.Errorf("blob round trip lost data")
			}

			r := &UpdateRollout{Version: "9.0.0", Channels: []string{ChannelStable}}
			if err := store.CreateRollout(ctx, r); err != nil {
				t.Fatalf("CreateRollout: %v", err)
			}
			if err := store.SetRolloutStatus(ctx, r.ID, RolloutActive, time.Now()); err != nil {
				t.Fatalf("activate: %v", err)
			}
			active, err := store.ListActiveRollouts(ctx)
			if err != nil {
				t.Fatalf("ListActiveRollouts: %v", err)
			}
			if len(active) != 1 {
				t.Errorf("active = %d, want 1", len(active))
			}
		})

		t.Run("UsersAndGroups", func(t *testing.T) {
			u := &User{Username: "pg-user"}
			if err := store.CreateUser(ctx, u, "password1"); err != nil {
				t.Fatalf("CreateUser: %v", err)
			}
			if _, err := store.AuthenticateUser(ctx, "pg-user", "password1"); err != nil {
				t.Fatalf("AuthenticateUser: %v", err)
			}

			p := &Printer{ID: uuid.NewString(), Name: "PG Group Printer"}
			if err := store.UpsertPrinter(ctx, p); err != nil {
				t.Fatalf("UpsertPrinter: %v", err)
			}
			g := &Group{Name: "pg-group"}
			if err := store.CreateGroup(ctx, g); err != nil {
				t.Fatalf("CreateGroup: %v", err)
			}
			if err := store.AddGroupMember(ctx, g.ID, u.ID); err != nil {
				t.Fatalf("AddGroupMember: %v", err)
			}
			if err := store.AddGroupPrinter(ctx, g.ID, p.ID); err != nil {
				t.Fatalf("AddGroupPrinter: %v", err)
			}
			ok, err := store.CanUserMessagePrinter(ctx, u.ID, p.ID)
			if err != nil || !ok {
				t.Errorf("gate = %v err = %v, want true", ok, err)
			}
		})

		t.Run("NotFound", func(t *testing.T) {
			if _, err := store.GetPrinter(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetPrinter = %v, want ErrNotFound", err)
			}
		})
	})
}
