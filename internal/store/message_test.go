package store

import (
	"testing"
	"time"

	"github.com/dukerupert/lastsignal/internal/model"
)

func TestAcceptInvite(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "owner@example.com")
	ms := NewMessageStore(db)

	r, err := ms.CreateRecipient(ctx, u.ID, "Heir@Example.com", "Heir", "inv-1", t0.Add(time.Hour), t0)
	if err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	if r.State != model.RecipientInvited || r.Email != "heir@example.com" {
		t.Errorf("recipient = %+v", r)
	}

	got, err := ms.RecipientByInvite(ctx, "inv-1", t0)
	if err != nil || got == nil || got.ID != r.ID {
		t.Fatalf("by invite = %+v, %v", got, err)
	}

	key := model.RecipientKey{PublicKeyB64u: "pk", KDFSaltB64u: "s", KDFParams: "{}"}
	accepted, err := ms.AcceptInvite(ctx, "inv-1", key, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted == nil || accepted.State != model.RecipientAccepted || accepted.InviteTokenDigest != "" {
		t.Fatalf("accepted = %+v", accepted)
	}

	again, err := ms.AcceptInvite(ctx, "inv-1", key, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if again != nil {
		t.Error("invite accepted twice")
	}

	k, err := ms.RecipientKey(ctx, r.ID)
	if err != nil || k == nil || k.PublicKeyB64u != "pk" {
		t.Errorf("key = %+v, %v", k, err)
	}
}

func TestAcceptInviteExpired(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "owner@example.com")
	ms := NewMessageStore(db)

	if _, err := ms.CreateRecipient(ctx, u.ID, "late@example.com", "", "inv-late", t0.Add(time.Hour), t0); err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	got, err := ms.AcceptInvite(ctx, "inv-late", model.RecipientKey{}, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got != nil {
		t.Error("expired invite accepted")
	}
}

func TestClearExpiredInvites(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "owner@example.com")
	ms := NewMessageStore(db)

	old, _ := ms.CreateRecipient(ctx, u.ID, "old@example.com", "", "inv-old", t0, t0)
	fresh, _ := ms.CreateRecipient(ctx, u.ID, "new@example.com", "", "inv-new", t0.Add(48*time.Hour), t0)

	n, err := ms.ClearExpiredInvites(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}
	if r, _ := ms.GetRecipient(ctx, old.ID); r.InviteTokenDigest != "" {
		t.Error("old invite digest kept")
	}
	if r, _ := ms.GetRecipient(ctx, fresh.ID); r.InviteTokenDigest != "inv-new" {
		t.Error("fresh invite digest cleared")
	}
}

func TestDeliveryRecipients(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "owner@example.com")
	ms := NewMessageStore(db)

	r1 := addDeliverableMessage(t, db, u.ID, "one@example.com")
	addDeliverableMessage(t, db, u.ID, "two@example.com")

	// Second message to r1.
	_, err := ms.CreateMessage(ctx, &model.Message{UserID: u.ID, CiphertextB64u: "c2", NonceB64u: "n2", AEADAlgo: "a"},
		[]model.Envelope{{RecipientID: r1.ID, EncryptedMsgKeyB64u: "k2", EnvelopeAlgo: "e"}}, t0)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	// Accepted recipient with no messages is not a delivery recipient.
	if _, err := ms.CreateRecipient(ctx, u.ID, "idle@example.com", "", "inv-idle", t0.Add(time.Hour), t0); err != nil {
		t.Fatalf("create idle recipient: %v", err)
	}
	if _, err := ms.AcceptInvite(ctx, "inv-idle", model.RecipientKey{PublicKeyB64u: "p", KDFSaltB64u: "s", KDFParams: "{}"}, t0); err != nil {
		t.Fatalf("accept idle: %v", err)
	}

	got, err := ms.DeliveryRecipients(ctx, u.ID)
	if err != nil {
		t.Fatalf("delivery recipients: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Email != "one@example.com" || got[0].MessageCount != 2 {
		t.Errorf("first = %+v, want one@example.com with 2 messages", got[0])
	}
	if got[1].Email != "two@example.com" || got[1].MessageCount != 1 {
		t.Errorf("second = %+v, want two@example.com with 1 message", got[1])
	}

	msgs, err := ms.MessagesForRecipient(ctx, r1.ID)
	if err != nil {
		t.Fatalf("messages for recipient: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Envelope.EncryptedMsgKeyB64u != "k2" {
		t.Errorf("messages = %+v", msgs)
	}
}
