// Package token issues single-use security tokens. Only the digest of a token
// is ever stored; the raw value exists at issuance and in the link sent to
// its owner.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Purpose scopes a token to one kind of action.
type Purpose string

const (
	PurposeCheckin        Purpose = "checkin"
	PurposePanic          Purpose = "panic"
	PurposeInvite         Purpose = "invite"
	PurposeDelivery       Purpose = "delivery"
	PurposeTrustedContact Purpose = "trusted_contact"
	PurposeMagicLink      Purpose = "magic_link"
)

const rawBytes = 32

// Issued is a freshly generated token. Raw must be handed to the owner and
// then dropped.
type Issued struct {
	Raw     string
	Digest  string
	Purpose Purpose
	// ExpiresAt is zero for tokens that never expire.
	ExpiresAt time.Time
}

// Valid reports whether the token is still usable at now.
func (i Issued) Valid(now time.Time) bool {
	if i.ExpiresAt.IsZero() {
		return true
	}
	return !Expired(&i.ExpiresAt, now)
}

// ExpiresAtPtr returns ExpiresAt as a pointer, nil for non-expiring tokens.
func (i Issued) ExpiresAtPtr() *time.Time {
	if i.ExpiresAt.IsZero() {
		return nil
	}
	t := i.ExpiresAt
	return &t
}

// Generate returns 32 random bytes encoded as unpadded base64url.
func Generate() (string, error) {
	b := make([]byte, rawBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Digest returns the hex SHA-256 of a raw token.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Issue generates a token for purpose. A zero ttl means no expiry.
func Issue(purpose Purpose, ttl time.Duration, now time.Time) (Issued, error) {
	raw, err := Generate()
	if err != nil {
		return Issued{}, err
	}
	it := Issued{Raw: raw, Digest: Digest(raw), Purpose: purpose}
	if ttl > 0 {
		it.ExpiresAt = now.Add(ttl).UTC()
	}
	return it, nil
}

// IssueUntil generates a token for purpose that expires at a fixed instant.
func IssueUntil(purpose Purpose, expiresAt time.Time) (Issued, error) {
	raw, err := Generate()
	if err != nil {
		return Issued{}, err
	}
	return Issued{Raw: raw, Digest: Digest(raw), Purpose: purpose, ExpiresAt: expiresAt.UTC()}, nil
}

// Expired reports whether expiresAt is set and not after now.
func Expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !now.Before(*expiresAt)
}
