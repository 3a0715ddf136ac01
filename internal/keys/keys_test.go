package keys

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestDeriveRootDeterministic(t *testing.T) {
	a, err := DeriveRoot([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("DeriveRoot: %v", err)
	}
	b, err := DeriveRoot([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("DeriveRoot: %v", err)
	}
	if !bytes.Equal(a.Public, b.Public) {
		t.Error("same secret produced different root public keys")
	}
	if !a.Private.Equal(b.Private) {
		t.Error("same secret produced different root private keys")
	}
}

func TestDeriveRootRejectsEmptySecret(t *testing.T) {
	if _, err := DeriveRoot(nil); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestDeriveRootDiffersByInput(t *testing.T) {
	a, _ := DeriveRoot([]byte("secret-a"))
	b, _ := DeriveRoot([]byte("secret-b"))
	if bytes.Equal(a.Public, b.Public) {
		t.Error("different secrets produced the same root public key")
	}
}

func TestDeriveSubIsUsableEd25519Key(t *testing.T) {
	root, err := DeriveRoot([]byte("server-secret"))
	if err != nil {
		t.Fatal(err)
	}
	sub, err := DeriveSub(root, ProtoTCP, 8080)
	if err != nil {
		t.Fatalf("DeriveSub: %v", err)
	}
	if len(sub.Private) != ed25519.PrivateKeySize {
		t.Fatalf("sub private key size = %d, want %d", len(sub.Private), ed25519.PrivateKeySize)
	}

	msg := []byte("ping")
	sig := ed25519.Sign(sub.Private, msg)
	if !ed25519.Verify(sub.Public, msg, sig) {
		t.Error("signature made with derived sub-key does not verify under its own public key")
	}
}

func TestDeriveSubPublicMatchesFullDerivation(t *testing.T) {
	root, err := DeriveRoot([]byte("server-secret"))
	if err != nil {
		t.Fatal(err)
	}
	full, err := DeriveSub(root, ProtoUDP, 53)
	if err != nil {
		t.Fatal(err)
	}

	publicOnly, err := DeriveSubPublic(root.Public, ProtoUDP, 53)
	if err != nil {
		t.Fatalf("DeriveSubPublic: %v", err)
	}

	if !bytes.Equal(full.Public, publicOnly) {
		t.Error("public-only derivation disagrees with full keypair derivation")
	}
}

func TestDeriveSubPublicDiffersByProtoAndPort(t *testing.T) {
	root, _ := DeriveRoot([]byte("server-secret"))

	tcp80, _ := DeriveSubPublic(root.Public, ProtoTCP, 80)
	tcp443, _ := DeriveSubPublic(root.Public, ProtoTCP, 443)
	udp80, _ := DeriveSubPublic(root.Public, ProtoUDP, 80)

	if bytes.Equal(tcp80, tcp443) {
		t.Error("different ports produced the same sub-public-key")
	}
	if bytes.Equal(tcp80, udp80) {
		t.Error("different protocols produced the same sub-public-key")
	}
}

func TestDeriveSubPublicRejectsMalformedRoot(t *testing.T) {
	if _, err := DeriveSubPublic(make([]byte, 5), ProtoTCP, 1); err == nil {
		t.Error("expected error for malformed root public key")
	}
}

func TestBase58RoundTrip(t *testing.T) {
	root, _ := DeriveRoot([]byte("roundtrip-secret"))
	encoded := Base58PublicKey(root.Public)
	decoded, err := ParseBase58PublicKey(encoded)
	if err != nil {
		t.Fatalf("ParseBase58PublicKey: %v", err)
	}
	if !bytes.Equal(decoded, root.Public) {
		t.Error("round-tripped public key does not match original")
	}
}

func TestParseBase58PublicKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParseBase58PublicKey("abc"); err == nil {
		t.Error("expected error for too-short base58 public key")
	}
}
