// Package recovery manages the offline recovery code a user can present to
// halt delivery without access to their email.
package recovery

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	alphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength = 16
	groupSize  = 4

	saltSize  = 16
	keySize   = 32
	argonTime = 2
	argonMem  = 19 * 1024
	argonPar  = 1
)

// Generate returns a new code formatted XXXX-XXXX-XXXX-XXXX and its digest.
func Generate() (code, digest string, err error) {
	max := big.NewInt(int64(len(alphabet)))
	raw := make([]byte, codeLength)
	for i := range raw {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", "", fmt.Errorf("generate recovery code: %w", err)
		}
		raw[i] = alphabet[n.Int64()]
	}

	digest, err = Digest(string(raw))
	if err != nil {
		return "", "", err
	}
	return format(string(raw)), digest, nil
}

func format(raw string) string {
	groups := make([]string, 0, len(raw)/groupSize)
	for i := 0; i < len(raw); i += groupSize {
		groups = append(groups, raw[i:i+groupSize])
	}
	return strings.Join(groups, "-")
}

// Normalize strips separators and whitespace and upper-cases the code.
func Normalize(code string) string {
	var b strings.Builder
	for _, r := range code {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Digest hashes a code with argon2id under a fresh random salt.
func Digest(code string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(Normalize(code), salt)
	return "argon2id$" + hex.EncodeToString(salt) + "$" + hex.EncodeToString(key), nil
}

// deriveKey is swapped out in tests.
var deriveKey = func(normalized string, salt []byte) []byte {
	return argon2.IDKey([]byte(normalized), salt, argonTime, argonMem, argonPar, keySize)
}

// Verify reports whether code matches digest. It is false for an empty
// code or a malformed digest. Every call derives one key, whatever the input.
func Verify(digest, code string) bool {
	normalized := Normalize(code)
	salt, want, ok := parseDigest(digest)
	if !ok {
		salt = dummySalt
	}
	got := deriveKey(normalized, salt)
	match := subtle.ConstantTimeCompare(got, want) == 1
	return ok && normalized != "" && match
}

func parseDigest(digest string) (salt, key []byte, ok bool) {
	parts := strings.Split(digest, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return nil, nil, false
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil || len(salt) == 0 {
		return nil, nil, false
	}
	key, err = hex.DecodeString(parts[2])
	if err != nil || len(key) != keySize {
		return nil, nil, false
	}
	return salt, key, true
}

// dummyDigest is verified against when no user matches, so a miss costs
// the same as a hit.
var dummyDigest = "argon2id$" + strings.Repeat("00", saltSize) + "$" + strings.Repeat("00", keySize)

var dummySalt = make([]byte, saltSize)
