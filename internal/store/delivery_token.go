package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/lastsignal/internal/model"
)

// DeliveryTokenStore holds the digests behind recipients' delivery links.
// Delivery tokens never expire; they are revoked instead.
type DeliveryTokenStore struct {
	db *sqlx.DB
}

func NewDeliveryTokenStore(db *sqlx.DB) *DeliveryTokenStore {
	return &DeliveryTokenStore{db: db}
}

const deliveryTokenCols = `id, recipient_id, token_digest, revoked_at, last_accessed_at, created_at`

func scanDeliveryToken(scanner interface{ Scan(...any) error }) (*model.DeliveryToken, error) {
	var dt model.DeliveryToken
	var revokedAt, lastAccessed sql.NullTime

	err := scanner.Scan(&dt.ID, &dt.RecipientID, &dt.TokenDigest, &revokedAt, &lastAccessed, &dt.CreatedAt)
	if err != nil {
		return nil, err
	}
	dt.RevokedAt = timePtr(revokedAt)
	dt.LastAccessedAt = timePtr(lastAccessed)
	return &dt, nil
}

func (s *DeliveryTokenStore) Create(ctx context.Context, recipientID int64, digest string, now time.Time) (*model.DeliveryToken, error) {
	id, err := insertReturningID(ctx, s.db,
		`INSERT INTO delivery_tokens (recipient_id, token_digest, created_at) VALUES (?, ?, ?)`,
		recipientID, digest, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert delivery token: %w", err)
	}
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(`SELECT `+deliveryTokenCols+` FROM delivery_tokens WHERE id = ?`), id)
	return scanDeliveryToken(row)
}

// Open stamps last access on an unrevoked token and returns it, or nil.
func (s *DeliveryTokenStore) Open(ctx context.Context, digest string, now time.Time) (*model.DeliveryToken, error) {
	if digest == "" {
		return nil, nil
	}
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`UPDATE delivery_tokens SET last_accessed_at = ?
		 WHERE token_digest = ? AND revoked_at IS NULL
		 RETURNING `+deliveryTokenCols),
		now.UTC(), digest,
	)
	dt, err := scanDeliveryToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open delivery token: %w", err)
	}
	return dt, nil
}

// RevokeForRecipient revokes every live token of a recipient.
func (s *DeliveryTokenStore) RevokeForRecipient(ctx context.Context, recipientID int64, now time.Time) (int64, error) {
	n, err := exec(ctx, s.db,
		`UPDATE delivery_tokens SET revoked_at = ? WHERE recipient_id = ? AND revoked_at IS NULL`,
		now.UTC(), recipientID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke delivery tokens: %w", err)
	}
	return n, nil
}
