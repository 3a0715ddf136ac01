// Package overlay adapts the project's sub-key identities onto a
// concrete DHT-addressed peer-to-peer transport. It is the one place
// that talks to go-libp2p and go-libp2p-kad-dht directly; every other
// package only sees the Endpoint, Listener and Node contracts defined
// here.
//
// A process runs exactly one Node: its own libp2p peer ID is unrelated
// to any forward's derived sub-keypair. A forward is instead addressed
// by a DHT provider record keyed off its sub-public-key (Advertise /
// FindPeer below) plus a protocol ID keyed off both its engine kind and
// its sub-public-key (Listen / Connect, see StreamProtocol), both
// layered on the one shared host. This lets many forwards, each with
// its own SubKeyPair, multiplex behind a single libp2p host and DHT
// routing table — including two forwards of the same kind — rather
// than paying per-forward DHT bootstrap/churn cost.
package overlay

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	protocolpkg "github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	multiaddr "github.com/multiformats/go-multiaddr"
)

// rendezvousPrefix domain-separates our DHT rendezvous strings from
// anything else sharing the same DHT.
const rendezvousPrefix = "tunnel-forward/v1/"

// Mode selects whether a Node participates in DHT routing for others
// (ModeServer, used by relay processes that expose forwards) or only
// issues queries (ModeClient, used by short-lived dialers).
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

// Options configures a Node.
type Options struct {
	// Identity is the Ed25519 keypair the Node's own libp2p peer ID is
	// derived from. It has no relationship to any forward's SubKeyPair;
	// a process-wide ephemeral identity is fine, since forwards are
	// located on the DHT by their sub-public-key's rendezvous record,
	// not by this Node's peer ID.
	Identity ed25519.PrivateKey

	// ListenAddrs are libp2p multiaddr strings to listen on. Typical
	// value: {"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"}.
	ListenAddrs []string

	// Bootstrap lists the DHT bootstrap peers to seed routing table
	// discovery from.
	Bootstrap []peer.AddrInfo

	// Mode controls DHT server/client mode. Relay-side forwards that
	// need to be discoverable should run ModeServer.
	Mode Mode

	Log *slog.Logger
}

// Node is a single libp2p host plus its Kademlia DHT, shared by every
// forward running in the process.
type Node struct {
	host host.Host
	dht  *dht.IpfsDHT
	disc *drouting.RoutingDiscovery
	log  *slog.Logger
}

// New brings up a libp2p host under identity and wires it to a
// Kademlia DHT, connects to opts.Bootstrap peers (an unreachable one is
// logged and skipped) and bootstraps the DHT before returning.
func New(ctx context.Context, opts Options) (*Node, error) {
	priv, err := toLibp2pPrivateKey(opts.Identity)
	if err != nil {
		return nil, fmt.Errorf("overlay: converting identity: %w", err)
	}

	listen := opts.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
		libp2p.EnableHolePunching(),
		libp2p.EnableNATService(),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("overlay: creating libp2p host: %w", err)
	}

	dhtMode := dht.ModeClient
	if opts.Mode == ModeServer {
		dhtMode = dht.ModeServer
	}
	kad, err := dht.New(ctx, h, dht.Mode(dhtMode))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("overlay: creating DHT: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	n := &Node{
		host: h,
		dht:  kad,
		disc: drouting.NewRoutingDiscovery(kad),
		log:  log.With("component", "overlay", "peer", h.ID().String()),
	}

	for _, pi := range opts.Bootstrap {
		if err := h.Connect(ctx, pi); err != nil {
			n.log.Warn("bootstrap peer unreachable", "peer", pi.ID, "error", err)
			continue
		}
	}
	if err := kad.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("overlay: bootstrapping DHT: %w", err)
	}

	return n, nil
}

// ID returns the Node's libp2p peer ID, the identity it is addressed by
// on the DHT.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the multiaddrs the Node is currently listening on.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// Close tears down the DHT and libp2p host.
func (n *Node) Close() error {
	dhtErr := n.dht.Close()
	hostErr := n.host.Close()
	if dhtErr != nil {
		return fmt.Errorf("overlay: closing dht: %w", dhtErr)
	}
	if hostErr != nil {
		return fmt.Errorf("overlay: closing host: %w", hostErr)
	}
	return nil
}

// Advertise publishes this Node as a provider for the sub-public-key's
// derived rendezvous string, so a client deriving the same public key
// from RootPublicKey can find it via FindPeer.
func (n *Node) Advertise(ctx context.Context, pub ed25519.PublicKey) error {
	dutil.Advertise(ctx, n.disc, rendezvous(pub))
	return nil
}

// FindPeer resolves the current provider(s) of pub's rendezvous string
// and returns the first one that is not this Node and lists at least
// one address; it is not dialled here. It polls the DHT for up to
// timeout, since a freshly-advertising server may not have propagated
// its provider record to the querying client's closest peers yet.
func (n *Node) FindPeer(ctx context.Context, pub ed25519.PublicKey, timeout time.Duration) (peer.AddrInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	peerChan, err := n.disc.FindPeers(ctx, rendezvous(pub))
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("overlay: finding peers: %w", err)
	}
	for pi := range peerChan {
		if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		return pi, nil
	}
	return peer.AddrInfo{}, fmt.Errorf("overlay: no provider found for rendezvous within %s", timeout)
}

// Listen registers handler to be invoked for every inbound stream opened
// under protoID.
func (n *Node) Listen(protoID protocolpkg.ID, handler func(network.Stream)) {
	n.host.SetStreamHandler(protoID, handler)
}

// StopListening removes a previously registered stream handler.
func (n *Node) StopListening(protoID protocolpkg.ID) {
	n.host.RemoveStreamHandler(protoID)
}

// Connect dials peerInfo and opens a stream under protoID, the overlay
// Endpoint that forward engines bridge local sockets onto.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo, protoID protocolpkg.ID) (network.Stream, error) {
	if err := n.host.Connect(ctx, pi); err != nil {
		return nil, fmt.Errorf("overlay: connecting to %s: %w", pi.ID, err)
	}
	s, err := n.host.NewStream(ctx, pi.ID, protoID)
	if err != nil {
		return nil, fmt.Errorf("overlay: opening stream to %s: %w", pi.ID, err)
	}
	return s, nil
}

// rendezvous derives the DHT rendezvous string a sub-public-key is
// advertised and searched under. It is deliberately not the public key
// itself so that passive DHT observers cannot trivially correlate
// rendezvous strings with the key material a protocol trace elsewhere
// reveals.
func rendezvous(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return rendezvousPrefix + hex.EncodeToString(sum[:])
}

// toLibp2pPrivateKey converts a stdlib Ed25519 private key into the
// libp2p crypto.PrivKey form used to set a host's identity. libp2p's raw
// Ed25519 key encoding is the same 64-byte seed||public layout the
// standard library uses, so no re-derivation is needed.
func toLibp2pPrivateKey(priv ed25519.PrivateKey) (crypto.PrivKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("overlay: identity key is %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	k, err := crypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("overlay: unmarshalling identity: %w", err)
	}
	return k, nil
}
