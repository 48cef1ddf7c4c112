package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/lastsignal/internal/database"
	"github.com/dukerupert/lastsignal/internal/model"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
)

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, db *sqlx.DB, email string) *model.User {
	t.Helper()
	next := t0.Add(168 * time.Hour)
	u, err := NewUserStore(db).Create(ctx, &model.User{Email: email, NextCheckinAt: &next, LastCheckinConfirmedAt: &t0}, t0)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// addDeliverableMessage gives the user an accepted, keyed recipient and one
// message addressed to them.
func addDeliverableMessage(t *testing.T, db *sqlx.DB, userID int64, recipientEmail string) *model.Recipient {
	t.Helper()
	ms := NewMessageStore(db)
	r, err := ms.CreateRecipient(ctx, userID, recipientEmail, "", "invite-"+recipientEmail, t0.Add(7*24*time.Hour), t0)
	if err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	key := model.RecipientKey{PublicKeyB64u: "pk", KDFSaltB64u: "salt", KDFParams: `{"alg":"argon2id"}`}
	if _, err := ms.AcceptInvite(ctx, "invite-"+recipientEmail, key, t0); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	_, err = ms.CreateMessage(ctx, &model.Message{
		UserID: userID, Label: "letter", CiphertextB64u: "ct", NonceB64u: "n", AEADAlgo: "xchacha20poly1305",
	}, []model.Envelope{{RecipientID: r.ID, EncryptedMsgKeyB64u: "k", EnvelopeAlgo: "x25519"}}, t0)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return r
}

func TestInTxCommitsAndRollsBack(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "tx@example.com")
	s := New(db)

	err := s.InTx(ctx, func(tx *Tx) error {
		locked, err := tx.LockUser(ctx, u.ID)
		if err != nil {
			return err
		}
		locked.State = model.StatePaused
		return tx.SaveUser(ctx, locked, t0)
	})
	if err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	errBoom := errors.New("boom")
	err = s.InTx(ctx, func(tx *Tx) error {
		locked, err := tx.LockUser(ctx, u.ID)
		if err != nil {
			return err
		}
		locked.State = model.StateGrace
		if err := tx.SaveUser(ctx, locked, t0); err != nil {
			return err
		}
		return errBoom
	})
	if err != errBoom {
		t.Fatalf("err = %v, want %v", err, errBoom)
	}

	got, err := NewUserStore(db).GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.State != model.StatePaused {
		t.Errorf("state = %q, want paused (rolled back write must not stick)", got.State)
	}
}
