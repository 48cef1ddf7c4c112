package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/lastsignal/internal/model"
)

type MagicLinkStore struct {
	db *sqlx.DB
}

func NewMagicLinkStore(db *sqlx.DB) *MagicLinkStore {
	return &MagicLinkStore{db: db}
}

const magicLinkCols = `id, user_id, token_digest, expires_at, used_at, created_at`

func scanMagicLink(scanner interface{ Scan(...any) error }) (*model.MagicLink, error) {
	var ml model.MagicLink
	var usedAt sql.NullTime

	err := scanner.Scan(&ml.ID, &ml.UserID, &ml.TokenDigest, &ml.ExpiresAt, &usedAt, &ml.CreatedAt)
	if err != nil {
		return nil, err
	}
	ml.UsedAt = timePtr(usedAt)
	return &ml, nil
}

// Create stores a new link digest. Any of the user's links still pending
// are invalidated first.
func (s *MagicLinkStore) Create(ctx context.Context, userID int64, digest string, expiresAt, now time.Time) (*model.MagicLink, error) {
	now = now.UTC()
	_, err := exec(ctx, s.db,
		`UPDATE magic_links SET used_at = ? WHERE user_id = ? AND used_at IS NULL AND expires_at > ?`,
		now, userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("invalidate previous links: %w", err)
	}

	id, err := insertReturningID(ctx, s.db,
		`INSERT INTO magic_links (user_id, token_digest, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		userID, digest, expiresAt.UTC(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert magic link: %w", err)
	}
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(`SELECT `+magicLinkCols+` FROM magic_links WHERE id = ?`), id)
	return scanMagicLink(row)
}

// Consume marks the link holding digest as used and returns it. It returns
// nil if the link is unknown, expired, or already used; a link can be
// consumed once.
func (s *MagicLinkStore) Consume(ctx context.Context, digest string, now time.Time) (*model.MagicLink, error) {
	if digest == "" {
		return nil, nil
	}
	now = now.UTC()
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`UPDATE magic_links SET used_at = ?
		 WHERE token_digest = ? AND used_at IS NULL AND expires_at > ?
		 RETURNING `+magicLinkCols),
		now, digest, now,
	)
	ml, err := scanMagicLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume magic link: %w", err)
	}
	return ml, nil
}

// DeleteExpired removes links that expired before cutoff.
func (s *MagicLinkStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := exec(ctx, s.db, `DELETE FROM magic_links WHERE expires_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired magic links: %w", err)
	}
	return n, nil
}
