// Package keys derives the Ed25519 identities the relay advertises and
// dials on the overlay DHT.
//
// A server holds a Secret and derives a RootKeyPair from it. Every
// (protocol,port) pair it forwards gets its own SubKeyPair, derived from
// the root by non-hardened hierarchical scalar derivation on the Ed25519
// curve (the same shape as BIP32/SLIP-0010 non-hardened derivation): the
// child's public key can be recomputed from the parent's public key alone,
// so a client that only knows a server's RootPublicKey (never its secret)
// can still compute the public half of any SubKeyPair it wants to dial.
package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
)

// Proto identifies the transport a sub-keypair is derived for.
type Proto string

const (
	ProtoTCP             Proto = "tcp"
	ProtoUDP             Proto = "udp"
	ProtoTCPOverDatagram Proto = "tcpudp"
)

// RootKeyPair is the identity a server advertises to the world.
type RootKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// SubKeyPair is a per-(proto,port) derived identity. Servers hold both
// halves; clients may hold only Public.
type SubKeyPair struct {
	Private ed25519.PrivateKey // nil on the client side
	Public  ed25519.PublicKey
}

// DeriveRoot hashes secret into a 32-byte seed and expands it into an
// Ed25519 keypair. Deterministic and collision-resistant in secret.
func DeriveRoot(secret []byte) (RootKeyPair, error) {
	if len(secret) == 0 {
		return RootKeyPair{}, fmt.Errorf("keys: empty secret")
	}
	seed := sha256.Sum256(secret)
	priv := ed25519.NewKeyFromSeed(seed[:])
	return RootKeyPair{
		Private: priv,
		Public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// label builds the literal "proto ++ decimal(port)" string spec.md §4.1
// requires as the hierarchical derivation label.
func label(proto Proto, port uint16) []byte {
	return []byte(fmt.Sprintf("%s%d", proto, port))
}

// DeriveSub derives the full sub-keypair (private and public) from a root
// keypair the caller has both halves of. Used on the server side.
func DeriveSub(root RootKeyPair, proto Proto, port uint16) (SubKeyPair, error) {
	tweak, err := scalarTweak(root.Public, label(proto, port))
	if err != nil {
		return SubKeyPair{}, err
	}

	parentScalar, err := scalarFromSeed(root.Private.Seed())
	if err != nil {
		return SubKeyPair{}, err
	}
	childScalar := edwards25519.NewScalar().Add(parentScalar, tweak)

	childPoint := new(edwards25519.Point).ScalarBaseMult(childScalar)
	childPub := ed25519.PublicKey(childPoint.Bytes())

	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv[:32], childScalar.Bytes())
	copy(priv[32:], childPub)

	return SubKeyPair{Private: priv, Public: childPub}, nil
}

// DeriveSubPublic derives only the public half of a sub-keypair from a
// root public key, with no knowledge of the secret. This is the operation
// a client performs to compute the sub-public-key it must dial, given
// nothing but the server's advertised RootPublicKey and the (proto,port)
// it was told to forward.
func DeriveSubPublic(rootPub ed25519.PublicKey, proto Proto, port uint16) (ed25519.PublicKey, error) {
	tweak, err := scalarTweak(rootPub, label(proto, port))
	if err != nil {
		return nil, err
	}
	parentPoint, err := new(edwards25519.Point).SetBytes(rootPub)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid root public key: %w", err)
	}
	tweakPoint := new(edwards25519.Point).ScalarBaseMult(tweak)
	childPoint := new(edwards25519.Point).Add(parentPoint, tweakPoint)
	return ed25519.PublicKey(childPoint.Bytes()), nil
}

// scalarTweak computes H(parentPub || label) mod L as a curve scalar,
// via HKDF-SHA256 so the 64 bytes of uniform randomness needed by
// SetUniformBytes come from a domain-separated construction rather than a
// raw hash truncation.
func scalarTweak(parentPub ed25519.PublicKey, lbl []byte) (*edwards25519.Scalar, error) {
	hk := hkdf.New(sha256.New, parentPub, nil, append([]byte("tunnel-subkey-v1:"), lbl...))
	wide := make([]byte, 64)
	if _, err := io.ReadFull(hk, wide); err != nil {
		return nil, fmt.Errorf("keys: deriving tweak: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		return nil, fmt.Errorf("keys: reducing tweak scalar: %w", err)
	}
	return s, nil
}

// scalarFromSeed recovers the clamped Ed25519 private scalar from a
// 32-byte seed, following RFC 8032 §5.1.5 step 1-2.
func scalarFromSeed(seed []byte) (*edwards25519.Scalar, error) {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	s, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("keys: clamping seed scalar: %w", err)
	}
	return s, nil
}

// Base58PublicKey base58-encodes a public key for human-readable display,
// the same encoding libp2p itself uses for legacy peer IDs.
func Base58PublicKey(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// ParseBase58PublicKey decodes a base58-encoded Ed25519 public key.
func ParseBase58PublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("keys: decoding base58 public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keys: public key has %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}
