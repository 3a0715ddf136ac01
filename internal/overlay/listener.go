package overlay

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	protocolpkg "github.com/libp2p/go-libp2p/core/protocol"

	"github.com/merlos/tunnel/internal/keys"
)

// DefaultDiscoveryTimeout bounds how long ConnectSub waits for the DHT to
// resolve a provider before giving up, matching the probe timeouts
// spec.md assigns to each forwarder engine (15s TCP, 10s TCP-over-datagram).
const DefaultDiscoveryTimeout = 15 * time.Second

// Listener accepts inbound overlay streams opened under one sub-keypair's
// advertised identity. It is the concrete form of the adapter contract's
// "Node.listen(sub_keypair) -> Listener yielding on_connection(...)".
type Listener struct {
	node    *Node
	protoID protocolpkg.ID

	streams chan network.Stream

	closeOnce sync.Once
	closed    chan struct{}
}

// ListenSub registers a stream handler for kind under sub's identity and
// advertises sub on the DHT so ConnectSub can find this Node.
func (n *Node) ListenSub(ctx context.Context, sub ed25519.PublicKey, kind string) (*Listener, error) {
	protoID := StreamProtocol(kind, sub)

	l := &Listener{
		node:    n,
		protoID: protoID,
		streams: make(chan network.Stream, 32),
		closed:  make(chan struct{}),
	}

	n.Listen(protoID, func(s network.Stream) {
		select {
		case l.streams <- s:
		case <-l.closed:
			s.Reset()
		}
	})

	if err := n.Advertise(ctx, sub); err != nil {
		n.StopListening(protoID)
		return nil, fmt.Errorf("overlay: advertising listener: %w", err)
	}

	return l, nil
}

// Accept blocks until an inbound stream arrives, ctx is cancelled, or the
// Listener is closed.
func (l *Listener) Accept(ctx context.Context) (network.Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops accepting new streams. Streams already delivered by Accept
// are unaffected.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.node.StopListening(l.protoID)
	})
	return nil
}

// ConnectSub derives the sub-public-key for (proto, port) under rootPub,
// resolves its current provider on the DHT, and opens a stream to it
// under kind. This is the client-side half of the adapter contract:
// "Node.connect(sub_public_key) -> OverlayEndpoint".
func (n *Node) ConnectSub(ctx context.Context, rootPub ed25519.PublicKey, proto keys.Proto, port uint16, kind string, discoveryTimeout time.Duration) (network.Stream, error) {
	if discoveryTimeout <= 0 {
		discoveryTimeout = DefaultDiscoveryTimeout
	}

	subPub, err := keys.DeriveSubPublic(rootPub, proto, port)
	if err != nil {
		return nil, fmt.Errorf("overlay: deriving sub-public-key: %w", err)
	}

	pi, err := n.FindPeer(ctx, subPub, discoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w: %v", ErrPeerNotFound, err)
	}

	return n.Connect(ctx, pi, StreamProtocol(kind, subPub))
}
