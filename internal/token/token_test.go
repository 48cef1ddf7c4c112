package token

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatal("two tokens are identical")
	}
	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("raw length = %d, want 32", len(raw))
	}
}

func TestDigest(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Digest("abc"); got != want {
		t.Errorf("Digest = %q, want %q", got, want)
	}
	if Digest("abc") == Digest("abd") {
		t.Error("different inputs share a digest")
	}
}

func TestEqual(t *testing.T) {
	d := Digest("secret")
	if !Equal(d, Digest("secret")) {
		t.Error("expected equal digests")
	}
	if Equal(d, Digest("other")) {
		t.Error("expected unequal digests")
	}
	if Equal("", "") {
		t.Error("empty digests must never match")
	}
}

func TestIssue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	it, err := Issue(PurposeMagicLink, 15*time.Minute, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if it.Digest != Digest(it.Raw) {
		t.Error("digest does not match raw token")
	}
	if it.Purpose != PurposeMagicLink {
		t.Errorf("purpose = %q", it.Purpose)
	}
	if !it.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("expires at = %v", it.ExpiresAt)
	}
	if !it.Valid(now.Add(14 * time.Minute)) {
		t.Error("expected valid before expiry")
	}
	if it.Valid(now.Add(15 * time.Minute)) {
		t.Error("expected invalid at expiry")
	}
}

func TestIssueWithoutExpiry(t *testing.T) {
	it, err := Issue(PurposeDelivery, 0, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !it.ExpiresAt.IsZero() || it.ExpiresAtPtr() != nil {
		t.Error("expected no expiry")
	}
	if !it.Valid(time.Now().Add(10 * 365 * 24 * time.Hour)) {
		t.Error("non-expiring token reported invalid")
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name string
		at   *time.Time
		want bool
	}{
		{"nil", nil, false},
		{"past", &past, true},
		{"exact", &now, true},
		{"future", &future, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expired(tt.at, now); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}
