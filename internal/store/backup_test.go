package store

import (
	"testing"
	"time"

	"github.com/dukerupert/lastsignal/internal/model"
)

func TestBackupCreate(t *testing.T) {
	bs := NewBackupStore(setupTestDB(t))

	b, err := bs.Create(ctx, "lastsignal-2026.db.enc", "backups/2026-04-01T08:00:00Z.db.enc", t0)
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if b.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if b.Filename != "lastsignal-2026.db.enc" {
		t.Errorf("filename = %q, want %q", b.Filename, "lastsignal-2026.db.enc")
	}
	if b.Status != model.BackupStatusPending {
		t.Errorf("status = %q, want %q", b.Status, model.BackupStatusPending)
	}
}

func TestBackupUpdateStatus(t *testing.T) {
	bs := NewBackupStore(setupTestDB(t))
	b, _ := bs.Create(ctx, "test.db.enc", "backups/test.db.enc", t0)

	if err := bs.UpdateStatus(ctx, b.ID, model.BackupStatusUploading, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := bs.GetByID(ctx, b.ID)
	if got.Status != model.BackupStatusUploading {
		t.Errorf("status = %q, want %q", got.Status, model.BackupStatusUploading)
	}

	if err := bs.UpdateStatus(ctx, b.ID, model.BackupStatusFailed, "upload failed"); err != nil {
		t.Fatalf("update status with error: %v", err)
	}
	got, _ = bs.GetByID(ctx, b.ID)
	if got.Status != model.BackupStatusFailed || got.ErrorMessage != "upload failed" {
		t.Errorf("got %q / %q", got.Status, got.ErrorMessage)
	}
}

func TestBackupCompletedAndLatest(t *testing.T) {
	bs := NewBackupStore(setupTestDB(t))

	if latest, err := bs.LatestCompleted(ctx); err != nil || latest != nil {
		t.Fatalf("latest on empty = %+v, %v", latest, err)
	}

	b1, _ := bs.Create(ctx, "a.db.enc", "backups/a", t0)
	b2, _ := bs.Create(ctx, "b.db.enc", "backups/b", t0.Add(time.Hour))
	bs.UpdateCompleted(ctx, b1.ID, 100, t0.Add(time.Minute))
	bs.UpdateCompleted(ctx, b2.ID, 200, t0.Add(time.Hour+time.Minute))

	latest, err := bs.LatestCompleted(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != b2.ID || latest.SizeBytes != 200 {
		t.Errorf("latest = %+v", latest)
	}

	list, err := bs.List(ctx, 10)
	if err != nil || len(list) != 2 || list[0].ID != b2.ID {
		t.Errorf("list = %+v, %v", list, err)
	}
}

func TestBackupDeleteOlderThan(t *testing.T) {
	bs := NewBackupStore(setupTestDB(t))

	bs.Create(ctx, "old.db.enc", "backups/old", t0.AddDate(0, 0, -40))
	bs.Create(ctx, "new.db.enc", "backups/new", t0)

	keys, err := bs.DeleteOlderThan(ctx, t0.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("delete older: %v", err)
	}
	if len(keys) != 1 || keys[0] != "backups/old" {
		t.Errorf("keys = %v", keys)
	}
	list, _ := bs.List(ctx, 10)
	if len(list) != 1 {
		t.Errorf("remaining = %d, want 1", len(list))
	}
}
