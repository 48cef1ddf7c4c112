package store

import (
	"testing"
	"time"
)

func TestDeliveryTokenOpenAndRevoke(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "owner@example.com")
	r := addDeliverableMessage(t, db, u.ID, "heir@example.com")
	ds := NewDeliveryTokenStore(db)

	created, err := ds.Create(ctx, r.ID, "dt-1", t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.RevokedAt != nil || created.LastAccessedAt != nil {
		t.Errorf("fresh token = %+v", created)
	}

	opened := t0.Add(time.Hour)
	got, err := ds.Open(ctx, "dt-1", opened)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got == nil || got.RecipientID != r.ID || !got.LastAccessedAt.Equal(opened) {
		t.Fatalf("open = %+v", got)
	}

	// Delivery links may be opened more than once.
	if got, _ := ds.Open(ctx, "dt-1", opened.Add(time.Hour)); got == nil {
		t.Error("second open failed")
	}

	n, err := ds.RevokeForRecipient(ctx, r.ID, opened)
	if err != nil || n != 1 {
		t.Fatalf("revoke = %d, %v", n, err)
	}
	if got, _ := ds.Open(ctx, "dt-1", opened.Add(2*time.Hour)); got != nil {
		t.Error("revoked token opened")
	}
	if got, _ := ds.Open(ctx, "unknown", opened); got != nil {
		t.Error("unknown token opened")
	}
}
