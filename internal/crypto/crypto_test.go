package crypto_test

import (
	"bytes"
	"testing"

	"github.com/merlos/tunnel/internal/crypto"
)

func TestGenerateSecret(t *testing.T) {
	s, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if len(s) != crypto.SecretSize {
		t.Errorf("len(secret) = %d, want %d", len(s), crypto.SecretSize)
	}

	s2, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if bytes.Equal(s, s2) {
		t.Error("two generated secrets are identical")
	}
}

func TestEncodeDecodeKey(t *testing.T) {
	original := []byte("0123456789abcdef0123456789abcdef")
	encoded := crypto.EncodeKey(original)
	decoded, err := crypto.DecodeKey(encoded)
	if err != nil {
		t.Fatalf("DecodeKey error = %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Errorf("decoded key = %v, want %v", decoded, original)
	}
}

func TestDecodeKey_InvalidBase64(t *testing.T) {
	if _, err := crypto.DecodeKey("not-valid-base64!!"); err == nil {
		t.Error("DecodeKey should reject invalid base64")
	}
}

func TestFingerprintKey_Deterministic(t *testing.T) {
	pub := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1")
	fp1 := crypto.FingerprintKey(pub)
	fp2 := crypto.FingerprintKey(pub)
	if fp1 != fp2 {
		t.Error("FingerprintKey is not deterministic")
	}
	if len(fp1) != 16 { // 8 bytes = 16 hex chars
		t.Errorf("fingerprint length = %d, want 16", len(fp1))
	}
}

func TestFingerprintKey_DiffersByInput(t *testing.T) {
	a := crypto.FingerprintKey([]byte("key-a-aaaaaaaaaaaaaaaaaaaaaaaaaa"))
	b := crypto.FingerprintKey([]byte("key-b-bbbbbbbbbbbbbbbbbbbbbbbbbb"))
	if a == b {
		t.Error("fingerprints of distinct keys collided")
	}
}
