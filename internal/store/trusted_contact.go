package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/lastsignal/internal/model"
)

type TrustedContactStore struct {
	db *sqlx.DB
}

func NewTrustedContactStore(db *sqlx.DB) *TrustedContactStore {
	return &TrustedContactStore{db: db}
}

const trustedContactCols = `id, user_id, email, name, pause_duration_hours, last_pinged_at, last_confirmed_at,
	paused_until, token_digest, token_expires_at, created_at, updated_at`

func scanTrustedContact(scanner interface{ Scan(...any) error }) (*model.TrustedContact, error) {
	var c model.TrustedContact
	var pauseHours sql.NullInt64
	var lastPinged, lastConfirmed, pausedUntil, tokenExpires sql.NullTime
	var tokenDigest sql.NullString

	err := scanner.Scan(
		&c.ID, &c.UserID, &c.Email, &c.Name, &pauseHours, &lastPinged, &lastConfirmed,
		&pausedUntil, &tokenDigest, &tokenExpires, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.PauseDurationHours = intPtr(pauseHours)
	c.LastPingedAt = timePtr(lastPinged)
	c.LastConfirmedAt = timePtr(lastConfirmed)
	c.PausedUntil = timePtr(pausedUntil)
	c.TokenDigest = tokenDigest.String
	c.TokenExpiresAt = timePtr(tokenExpires)
	return &c, nil
}

// Upsert sets the user's trusted contact. Replacing a contact keeps the
// row but drops any outstanding token and pause.
func (s *TrustedContactStore) Upsert(ctx context.Context, userID int64, email, name string, pauseHours *int, now time.Time) (*model.TrustedContact, error) {
	now = now.UTC()
	existing, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		_, err = insertReturningID(ctx, s.db,
			`INSERT INTO trusted_contacts (user_id, email, name, pause_duration_hours, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			userID, NormalizeEmail(email), name, nullInt(pauseHours), now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert trusted contact: %w", err)
		}
		return s.GetByUserID(ctx, userID)
	}

	if NormalizeEmail(email) == existing.Email {
		_, err = exec(ctx, s.db,
			`UPDATE trusted_contacts SET name = ?, pause_duration_hours = ?, updated_at = ? WHERE id = ?`,
			name, nullInt(pauseHours), now, existing.ID,
		)
	} else {
		_, err = exec(ctx, s.db,
			`UPDATE trusted_contacts SET email = ?, name = ?, pause_duration_hours = ?,
				last_pinged_at = NULL, last_confirmed_at = NULL, paused_until = NULL,
				token_digest = NULL, token_expires_at = NULL, updated_at = ?
			 WHERE id = ?`,
			NormalizeEmail(email), name, nullInt(pauseHours), now, existing.ID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("update trusted contact: %w", err)
	}
	return s.GetByUserID(ctx, userID)
}

func (s *TrustedContactStore) GetByUserID(ctx context.Context, userID int64) (*model.TrustedContact, error) {
	return getTrustedContact(ctx, s.db, `SELECT `+trustedContactCols+` FROM trusted_contacts WHERE user_id = ?`, userID)
}

// GetByToken returns the contact holding the token digest without locking
// it. Expiry is checked by the caller.
func (s *TrustedContactStore) GetByToken(ctx context.Context, digest string) (*model.TrustedContact, error) {
	if digest == "" {
		return nil, nil
	}
	return getTrustedContact(ctx, s.db, `SELECT `+trustedContactCols+` FROM trusted_contacts WHERE token_digest = ?`, digest)
}

func (s *TrustedContactStore) Delete(ctx context.Context, userID int64) error {
	if _, err := exec(ctx, s.db, `DELETE FROM trusted_contacts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete trusted contact: %w", err)
	}
	return nil
}

func getTrustedContact(ctx context.Context, q queryer, query string, args ...any) (*model.TrustedContact, error) {
	c, err := scanTrustedContact(q.QueryRowxContext(ctx, q.Rebind(query), args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trusted contact: %w", err)
	}
	return c, nil
}

// LockTrustedContact loads the user's contact for update.
func (t *Tx) LockTrustedContact(ctx context.Context, userID int64) (*model.TrustedContact, error) {
	return getTrustedContact(ctx, t.tx, `SELECT `+trustedContactCols+` FROM trusted_contacts WHERE user_id = ?`+t.forUpdate(), userID)
}

// LockTrustedContactByToken loads the contact holding the token digest.
func (t *Tx) LockTrustedContactByToken(ctx context.Context, digest string) (*model.TrustedContact, error) {
	if digest == "" {
		return nil, nil
	}
	return getTrustedContact(ctx, t.tx, `SELECT `+trustedContactCols+` FROM trusted_contacts WHERE token_digest = ?`+t.forUpdate(), digest)
}

func (t *Tx) SaveTrustedContact(ctx context.Context, c *model.TrustedContact, now time.Time) error {
	c.UpdatedAt = now.UTC()
	_, err := exec(ctx, t.tx,
		`UPDATE trusted_contacts SET last_pinged_at = ?, last_confirmed_at = ?, paused_until = ?,
			token_digest = ?, token_expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		nullTime(c.LastPingedAt), nullTime(c.LastConfirmedAt), nullTime(c.PausedUntil),
		nullString(c.TokenDigest), nullTime(c.TokenExpiresAt), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("save trusted contact %d: %w", c.ID, err)
	}
	return nil
}
