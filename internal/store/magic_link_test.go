package store

import (
	"testing"
	"time"
)

func TestMagicLinkCreateInvalidatesPrevious(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "alice@example.com")
	ms := NewMagicLinkStore(db)

	first, err := ms.Create(ctx, u.ID, "d1", t0.Add(15*time.Minute), t0)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.UserID != u.ID || first.TokenDigest != "d1" {
		t.Errorf("link = %+v", first)
	}
	if _, err := ms.Create(ctx, u.ID, "d2", t0.Add(16*time.Minute), t0.Add(time.Minute)); err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := ms.Consume(ctx, "d1", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("consume first: %v", err)
	}
	if got != nil {
		t.Error("superseded link still consumable")
	}
	got, err = ms.Consume(ctx, "d2", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("consume second: %v", err)
	}
	if got == nil || got.UserID != u.ID {
		t.Fatalf("consume second = %+v", got)
	}
}

func TestMagicLinkSingleUse(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "alice@example.com")
	ms := NewMagicLinkStore(db)

	if _, err := ms.Create(ctx, u.ID, "once", t0.Add(15*time.Minute), t0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := ms.Consume(ctx, "once", t0); got == nil {
		t.Fatal("first consume failed")
	}
	if got, _ := ms.Consume(ctx, "once", t0); got != nil {
		t.Error("link consumed twice")
	}
}

func TestMagicLinkExpired(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "alice@example.com")
	ms := NewMagicLinkStore(db)

	if _, err := ms.Create(ctx, u.ID, "late", t0.Add(15*time.Minute), t0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := ms.Consume(ctx, "late", t0.Add(15*time.Minute)); got != nil {
		t.Error("expired link consumed")
	}
}

func TestMagicLinkDeleteExpired(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "alice@example.com")
	ms := NewMagicLinkStore(db)

	ms.Create(ctx, u.ID, "old", t0.Add(15*time.Minute), t0)
	ms.Create(ctx, u.ID, "new", t0.Add(48*time.Hour), t0.Add(47*time.Hour))

	n, err := ms.DeleteExpired(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}
