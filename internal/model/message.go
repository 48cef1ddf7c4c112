package model

import "time"

type RecipientState string

const (
	RecipientInvited  RecipientState = "invited"
	RecipientAccepted RecipientState = "accepted"
)

type Recipient struct {
	ID                int64          `json:"id"`
	UserID            int64          `json:"user_id"`
	Email             string         `json:"email"`
	Name              string         `json:"name"`
	State             RecipientState `json:"state"`
	InviteTokenDigest string         `json:"-"`
	InviteExpiresAt   *time.Time     `json:"invite_expires_at"`
	AcceptedAt        *time.Time     `json:"accepted_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// DisplayName falls back to the email address when no name was given.
func (r Recipient) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Email
}

type RecipientKey struct {
	ID            int64     `json:"id"`
	RecipientID   int64     `json:"recipient_id"`
	PublicKeyB64u string    `json:"public_key_b64u"`
	KDFSaltB64u   string    `json:"kdf_salt_b64u"`
	KDFParams     string    `json:"kdf_params"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is an opaque ciphertext blob. The server never sees plaintext.
type Message struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Label          string    `json:"label"`
	CiphertextB64u string    `json:"ciphertext_b64u"`
	NonceB64u      string    `json:"nonce_b64u"`
	AEADAlgo       string    `json:"aead_algo"`
	PayloadVersion int       `json:"payload_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Envelope is a per-recipient wrapped message key.
type Envelope struct {
	RecipientID         int64  `json:"recipient_id"`
	EncryptedMsgKeyB64u string `json:"encrypted_msg_key_b64u"`
	EnvelopeAlgo        string `json:"envelope_algo"`
	EnvelopeVersion     int    `json:"envelope_version"`
}

// DeliveryRecipient is a recipient that will receive messages on delivery.
type DeliveryRecipient struct {
	Recipient
	MessageCount int `json:"message_count"`
}

type DeliveryToken struct {
	ID             int64      `json:"id"`
	RecipientID    int64      `json:"recipient_id"`
	TokenDigest    string     `json:"-"`
	RevokedAt      *time.Time `json:"revoked_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}
