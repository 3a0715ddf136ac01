package overlay

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	protocolpkg "github.com/libp2p/go-libp2p/core/protocol"
)

// Endpoint is the minimal contract forward engines need from an overlay
// connection: a reliable, ordered duplex byte stream that supports
// half-close so a TCP FIN on one side can be propagated without tearing
// down bytes still in flight the other way. network.Stream already
// satisfies this, so no adapter type is needed in the common path; it
// exists so internal/forward depends on this narrower interface rather
// than all of network.Stream.
type Endpoint interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	CloseRead() error
	Close() error
}

var _ Endpoint = network.Stream(nil)

// protocolTemplate builds the libp2p protocol ID a forward's substreams
// are opened under. It is parameterised by both the engine kind
// (tcp/udp/tcpdatagram) and a short hash of the forward's sub-public-key
// so that many forwards of the same kind can share one Node's host
// without colliding on SetStreamHandler registration — a process runs
// one shared Node for every forward it has, and the Node's own peer
// identity carries no information about which forward is which.
const protocolTemplate = "/tunnel/%s/%s/1.0.0"

// StreamProtocol returns the libp2p protocol ID a forward of the given
// kind, identified by pub (its sub-public-key), uses for its overlay
// substreams.
func StreamProtocol(kind string, pub ed25519.PublicKey) protocolpkg.ID {
	return protocolpkg.ID(fmt.Sprintf(protocolTemplate, kind, shortID(pub)))
}

// shortID returns a short hex fingerprint of pub, enough to disambiguate
// protocol IDs without embedding the full key in a wire-visible string.
func shortID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

const (
	KindTCP         = "tcp"
	KindUDP         = "udp"
	KindTCPDatagram = "tcpdatagram"
)
