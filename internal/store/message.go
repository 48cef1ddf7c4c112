package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/lastsignal/internal/model"
)

// MessageStore holds recipients and the opaque messages addressed to them.
type MessageStore struct {
	db *sqlx.DB
}

func NewMessageStore(db *sqlx.DB) *MessageStore {
	return &MessageStore{db: db}
}

const recipientCols = `id, user_id, email, name, state, invite_token_digest, invite_expires_at, accepted_at, created_at`

func scanRecipient(scanner interface{ Scan(...any) error }) (*model.Recipient, error) {
	var r model.Recipient
	var inviteDigest sql.NullString
	var inviteExpires, acceptedAt sql.NullTime

	err := scanner.Scan(&r.ID, &r.UserID, &r.Email, &r.Name, &r.State, &inviteDigest, &inviteExpires, &acceptedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.InviteTokenDigest = inviteDigest.String
	r.InviteExpiresAt = timePtr(inviteExpires)
	r.AcceptedAt = timePtr(acceptedAt)
	return &r, nil
}

// CreateRecipient adds an invited recipient holding the invite token digest.
func (s *MessageStore) CreateRecipient(ctx context.Context, userID int64, email, name, inviteDigest string, inviteExpires, now time.Time) (*model.Recipient, error) {
	id, err := insertReturningID(ctx, s.db,
		`INSERT INTO recipients (user_id, email, name, state, invite_token_digest, invite_expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, NormalizeEmail(email), name, model.RecipientInvited, nullString(inviteDigest), inviteExpires.UTC(), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert recipient: %w", err)
	}
	return s.GetRecipient(ctx, id)
}

func (s *MessageStore) GetRecipient(ctx context.Context, id int64) (*model.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowxContext(ctx, s.db.Rebind(`SELECT `+recipientCols+` FROM recipients WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return r, nil
}

// RecipientByInvite returns the invited recipient holding an unexpired
// invite digest, or nil.
func (s *MessageStore) RecipientByInvite(ctx context.Context, digest string, now time.Time) (*model.Recipient, error) {
	if digest == "" {
		return nil, nil
	}
	r, err := scanRecipient(s.db.QueryRowxContext(ctx, s.db.Rebind(
		`SELECT `+recipientCols+` FROM recipients
		 WHERE invite_token_digest = ? AND state = ? AND invite_expires_at > ?`),
		digest, model.RecipientInvited, now.UTC(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient by invite: %w", err)
	}
	return r, nil
}

// ReissueInvite replaces a pending recipient's invite digest.
func (s *MessageStore) ReissueInvite(ctx context.Context, recipientID int64, digest string, expires time.Time) error {
	n, err := exec(ctx, s.db,
		`UPDATE recipients SET invite_token_digest = ?, invite_expires_at = ? WHERE id = ? AND state = ?`,
		digest, expires.UTC(), recipientID, model.RecipientInvited,
	)
	if err != nil {
		return fmt.Errorf("reissue invite: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reissue invite: recipient %d is not pending", recipientID)
	}
	return nil
}

// AcceptInvite consumes an invite digest and stores the recipient's key in
// one transaction. It returns nil when the invite is unknown, used, or
// expired.
func (s *MessageStore) AcceptInvite(ctx context.Context, digest string, key model.RecipientKey, now time.Time) (*model.Recipient, error) {
	if digest == "" {
		return nil, nil
	}
	now = now.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(
		`UPDATE recipients SET state = ?, accepted_at = ?, invite_token_digest = NULL, invite_expires_at = NULL
		 WHERE invite_token_digest = ? AND state = ? AND invite_expires_at > ?
		 RETURNING id`),
		model.RecipientAccepted, now, digest, model.RecipientInvited, now,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accept invite: %w", err)
	}

	_, err = exec(ctx, tx,
		`INSERT INTO recipient_keys (recipient_id, public_key_b64u, kdf_salt_b64u, kdf_params, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, key.PublicKeyB64u, key.KDFSaltB64u, key.KDFParams, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert recipient key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept invite: %w", err)
	}
	return s.GetRecipient(ctx, id)
}

// ClearExpiredInvites drops invite digests that expired before cutoff.
func (s *MessageStore) ClearExpiredInvites(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := exec(ctx, s.db,
		`UPDATE recipients SET invite_token_digest = NULL
		 WHERE invite_token_digest IS NOT NULL AND invite_expires_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("clear expired invites: %w", err)
	}
	return n, nil
}

// CreateMessage stores a ciphertext and its per-recipient key envelopes.
func (s *MessageStore) CreateMessage(ctx context.Context, m *model.Message, envelopes []model.Envelope, now time.Time) (*model.Message, error) {
	now = now.UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if m.PayloadVersion == 0 {
		m.PayloadVersion = 1
	}
	id, err := insertReturningID(ctx, tx,
		`INSERT INTO messages (user_id, label, ciphertext_b64u, nonce_b64u, aead_algo, payload_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.Label, m.CiphertextB64u, m.NonceB64u, m.AEADAlgo, m.PayloadVersion, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	for _, e := range envelopes {
		version := e.EnvelopeVersion
		if version == 0 {
			version = 1
		}
		_, err := exec(ctx, tx,
			`INSERT INTO message_recipients (message_id, recipient_id, encrypted_msg_key_b64u, envelope_algo, envelope_version)
			 VALUES (?, ?, ?, ?, ?)`,
			id, e.RecipientID, e.EncryptedMsgKeyB64u, e.EnvelopeAlgo, version,
		)
		if err != nil {
			return nil, fmt.Errorf("insert envelope for recipient %d: %w", e.RecipientID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	created := *m
	created.ID = id
	created.CreatedAt = now
	return &created, nil
}

// DeliveryRecipients lists the accepted, keyed recipients that have at
// least one message from the user, with how many.
func (s *MessageStore) DeliveryRecipients(ctx context.Context, userID int64) ([]model.DeliveryRecipient, error) {
	return deliveryRecipients(ctx, s.db, userID)
}

// DeliveryRecipients is MessageStore.DeliveryRecipients inside the transaction.
func (t *Tx) DeliveryRecipients(ctx context.Context, userID int64) ([]model.DeliveryRecipient, error) {
	return deliveryRecipients(ctx, t.tx, userID)
}

func deliveryRecipients(ctx context.Context, q queryer, userID int64) ([]model.DeliveryRecipient, error) {
	rows, err := q.QueryxContext(ctx, q.Rebind(
		`SELECT r.id, r.user_id, r.email, r.name, r.state, r.invite_token_digest, r.invite_expires_at, r.accepted_at, r.created_at,
			COUNT(DISTINCT mr.message_id)
		 FROM recipients r
		 JOIN recipient_keys rk ON rk.recipient_id = r.id
		 JOIN message_recipients mr ON mr.recipient_id = r.id
		 JOIN messages m ON m.id = mr.message_id
		 WHERE r.user_id = ? AND m.user_id = ? AND r.state = ?
		 GROUP BY r.id, r.user_id, r.email, r.name, r.state, r.invite_token_digest, r.invite_expires_at, r.accepted_at, r.created_at
		 ORDER BY r.id`),
		userID, userID, model.RecipientAccepted,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery recipients: %w", err)
	}
	defer rows.Close()

	var out []model.DeliveryRecipient
	for rows.Next() {
		var dr model.DeliveryRecipient
		var inviteDigest sql.NullString
		var inviteExpires, acceptedAt sql.NullTime
		err := rows.Scan(
			&dr.ID, &dr.UserID, &dr.Email, &dr.Name, &dr.State, &inviteDigest, &inviteExpires, &acceptedAt, &dr.CreatedAt,
			&dr.MessageCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery recipient: %w", err)
		}
		dr.InviteTokenDigest = inviteDigest.String
		dr.InviteExpiresAt = timePtr(inviteExpires)
		dr.AcceptedAt = timePtr(acceptedAt)
		out = append(out, dr)
	}
	return out, rows.Err()
}

// RecipientMessage is a message together with one recipient's envelope.
type RecipientMessage struct {
	Message  model.Message
	Envelope model.Envelope
}

// MessagesForRecipient returns every message addressed to the recipient.
func (s *MessageStore) MessagesForRecipient(ctx context.Context, recipientID int64) ([]RecipientMessage, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(
		`SELECT m.id, m.user_id, m.label, m.ciphertext_b64u, m.nonce_b64u, m.aead_algo, m.payload_version, m.created_at,
			mr.recipient_id, mr.encrypted_msg_key_b64u, mr.envelope_algo, mr.envelope_version
		 FROM messages m
		 JOIN message_recipients mr ON mr.message_id = m.id
		 WHERE mr.recipient_id = ?
		 ORDER BY m.id`),
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recipient messages: %w", err)
	}
	defer rows.Close()

	var out []RecipientMessage
	for rows.Next() {
		var rm RecipientMessage
		m, e := &rm.Message, &rm.Envelope
		err := rows.Scan(
			&m.ID, &m.UserID, &m.Label, &m.CiphertextB64u, &m.NonceB64u, &m.AEADAlgo, &m.PayloadVersion, &m.CreatedAt,
			&e.RecipientID, &e.EncryptedMsgKeyB64u, &e.EnvelopeAlgo, &e.EnvelopeVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recipient message: %w", err)
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

// RecipientKey returns the key a recipient registered on acceptance.
func (s *MessageStore) RecipientKey(ctx context.Context, recipientID int64) (*model.RecipientKey, error) {
	var k model.RecipientKey
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`SELECT id, recipient_id, public_key_b64u, kdf_salt_b64u, kdf_params, created_at
		 FROM recipient_keys WHERE recipient_id = ?`), recipientID,
	).Scan(&k.ID, &k.RecipientID, &k.PublicKeyB64u, &k.KDFSaltB64u, &k.KDFParams, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient key: %w", err)
	}
	return &k, nil
}
