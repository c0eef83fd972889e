package crypto

import (
	"strings"
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef") // 16 bytes

func TestAESRoundTrip(t *testing.T) {
	plaintext := "the quick brown fox jumps over the lazy dog"
	encoded, err := EncryptToBase64(testKey, []byte(plaintext))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptFromBase64(testKey, encoded)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("expected round trip to recover plaintext, got %q", got)
	}
}

func TestAESEncryptionIsRandomizedViaIV(t *testing.T) {
	plaintext := []byte("same plaintext every time")
	a, err := EncryptToBase64(testKey, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := EncryptToBase64(testKey, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ciphertexts due to random IV")
	}
}

func TestAESDecryptRejectsShortCiphertext(t *testing.T) {
	if _, err := DecryptFromBase64(testKey, "dGlueQ"); err != ErrCiphertextTooShort {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestAESDecryptRejectsGarbage(t *testing.T) {
	encoded, _ := EncryptToBase64(testKey, []byte("hello world"))
	// Flip bytes in the ciphertext body (after the IV) to corrupt padding.
	tampered := strings.Replace(encoded, encoded[len(encoded)-4:], "AAAA", 1)
	if _, err := DecryptFromBase64(testKey, tampered); err == nil {
		t.Fatalf("expected tampering to produce an error")
	}
}

func TestIssueJWTRejectsNonMonotonicExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	_, err := IssueJWT(JWTRequest{
		KeyID:     "kid-1",
		Secret:    []byte("secret"),
		IssuedAt:  now,
		ExpiresAt: now,
	})
	if err != ErrExpiryNotAfterIssuedAt {
		t.Fatalf("expected ErrExpiryNotAfterIssuedAt, got %v", err)
	}
}

func TestIssueJWTIncludesExtraFields(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := IssueJWT(JWTRequest{
		KeyID:       "kid-1",
		Secret:      []byte("secret"),
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
		ExtraFields: map[string]any{"role": "automation"},
	})
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("expected a well-formed compact jwt, got %q", token)
	}
}
