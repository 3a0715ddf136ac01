// Package manager spawns, supervises, and shuts down the set of
// forwarders described by a config.Document, and collects the
// public-key/client-command lines a user needs to dial them. It performs
// no per-connection work of its own; that is all internal/forward and
// internal/bridge.
package manager

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/merlos/tunnel/internal/config"
	"github.com/merlos/tunnel/internal/crypto"
	"github.com/merlos/tunnel/internal/forward"
	"github.com/merlos/tunnel/internal/keys"
	"github.com/merlos/tunnel/internal/metrics"
	"github.com/merlos/tunnel/internal/overlay"
)

// ShutdownGrace is how long Shutdown waits for every Forwarder's Close
// to return before giving up with an error.
const ShutdownGrace = 5 * time.Second

// Forwarder is the lifecycle every engine in internal/forward
// implements: TCPServer, TCPClient, UDPServer, UDPClient,
// TCPDatagramServer and TCPDatagramClient all satisfy it.
type Forwarder interface {
	Start(ctx context.Context) error
	Close() error
}

// Announcement is the human-readable summary printed for one server
// RootPublicKey: the base58-encoded key plus a client command listing
// every (proto, port) pair the peer can dial, in input order.
type Announcement struct {
	PublicKey string
	Forwards  []Entry
	Command   string
}

// Entry is one (proto, port) pair inside an Announcement.
type Entry struct {
	Proto keys.Proto
	Port  uint16
}

// Manager owns the process's single shared overlay.Node and every
// Forwarder started against it.
type Manager struct {
	node    *overlay.Node
	log     *slog.Logger
	metrics *metrics.Collector

	mu            sync.Mutex
	forwarders    []Forwarder
	announcements []Announcement
}

// New wires a Manager to an already-running shared Node. Bringing the
// Node up (deciding ModeServer vs ModeClient, listen addresses,
// bootstrap peers) is the caller's job, since those choices come from
// config the core has no opinion on.
func New(node *overlay.Node, log *slog.Logger, m *metrics.Collector) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{node: node, log: log.With("component", "manager"), metrics: m}
}

// Start derives keys for, and starts, every spec concurrently. It
// returns once every server's Listener is bound and every client's
// probe has completed, or as soon as any spec fails — at which point
// every other in-flight spec is cancelled and its Forwarder, if already
// started, is closed.
//
// Specs are validated before any of them starts: a malformed spec is a
// ConfigError (spec.md §7) and no forward starts as a result of it.
func (m *Manager) Start(ctx context.Context, specs []config.ForwardSpec) error {
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: forwards[%d]: %v", forward.ErrConfig, i, err)
		}
	}

	roots, err := deriveRoots(specs)
	if err != nil {
		return fmt.Errorf("%w: %v", forward.ErrConfig, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	started := make([]Forwarder, len(specs))

	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			fwd, err := m.buildForwarder(spec, roots)
			if err != nil {
				return fmt.Errorf("forwards[%d]: %w", i, err)
			}
			if err := fwd.Start(gctx); err != nil {
				return fmt.Errorf("forwards[%d]: %w", i, err)
			}
			started[i] = fwd
			return nil
		})
	}

	startErr := g.Wait()

	m.mu.Lock()
	for _, fwd := range started {
		if fwd != nil {
			m.forwarders = append(m.forwarders, fwd)
		}
	}
	m.mu.Unlock()

	if startErr != nil {
		m.closeStarted(started)
		return startErr
	}

	m.mu.Lock()
	m.announcements = buildAnnouncements(specs, roots)
	m.mu.Unlock()
	return nil
}

// closeStarted tears down every Forwarder that did start, used when
// Start fails partway through and the rest of the group is cancelled.
func (m *Manager) closeStarted(started []Forwarder) {
	for _, fwd := range started {
		if fwd == nil {
			continue
		}
		if err := fwd.Close(); err != nil {
			m.log.Warn("closing forwarder after startup failure", "error", err)
		}
	}
}

// buildForwarder derives the spec's keypair and constructs the concrete
// engine its (role, proto) selects.
func (m *Manager) buildForwarder(spec config.ForwardSpec, roots map[string]keys.RootKeyPair) (Forwarder, error) {
	switch spec.Role {
	case config.RoleServer:
		root := roots[spec.Secret]
		sub, err := keys.DeriveSub(root, spec.Proto, spec.RemotePort)
		if err != nil {
			return nil, fmt.Errorf("deriving sub-keypair: %w", err)
		}
		return m.newServer(spec, sub)
	case config.RoleClient:
		rootPub, err := keys.ParseBase58PublicKey(spec.PeerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("parsing peer public key: %w", err)
		}
		return m.newClient(spec, rootPub)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, spec.Role)
	}
}

func (m *Manager) newServer(spec config.ForwardSpec, sub keys.SubKeyPair) (Forwarder, error) {
	host := spec.EffectiveHost()
	switch spec.Proto {
	case keys.ProtoTCP:
		return forward.NewTCPServer(m.node, sub, host, spec.RemotePort, m.log, m.metrics), nil
	case keys.ProtoUDP:
		return forward.NewUDPServer(m.node, sub, host, spec.RemotePort, m.log, m.metrics), nil
	case keys.ProtoTCPOverDatagram:
		return forward.NewTCPDatagramServer(m.node, sub, host, spec.RemotePort, m.log, m.metrics), nil
	default:
		return nil, fmt.Errorf("%w: unrecognized proto %q", forward.ErrConfig, spec.Proto)
	}
}

func (m *Manager) newClient(spec config.ForwardSpec, rootPub ed25519.PublicKey) (Forwarder, error) {
	switch spec.Proto {
	case keys.ProtoTCP:
		return forward.NewTCPClient(m.node, rootPub, spec.RemotePort, spec.LocalPort, m.log, m.metrics), nil
	case keys.ProtoUDP:
		return forward.NewUDPClient(m.node, rootPub, spec.RemotePort, spec.LocalPort, m.log, m.metrics), nil
	case keys.ProtoTCPOverDatagram:
		return forward.NewTCPDatagramClient(m.node, rootPub, spec.RemotePort, spec.LocalPort, m.log, m.metrics), nil
	default:
		return nil, fmt.Errorf("%w: unrecognized proto %q", forward.ErrConfig, spec.Proto)
	}
}

// Summary returns the consolidated or per-server announcement lines
// computed by the most recent successful Start.
func (m *Manager) Summary() []Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.announcements
}

// Shutdown ends every running Forwarder by calling Close on each
// concurrently. Close cancels the engine's context, which closes every
// live bridge at once (there is no graceful half-close phase first), and
// then waits for them. Shutdown bounds the whole set to ShutdownGrace so
// one slow forwarder cannot block process exit indefinitely; when the
// grace expires it returns an error and does not close anything further.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	forwarders := m.forwarders
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		for _, fwd := range forwarders {
			fwd := fwd
			g.Go(fwd.Close)
		}
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(ShutdownGrace):
		return fmt.Errorf("manager: shutdown did not complete within %s", ShutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deriveRoots derives one RootKeyPair per distinct secret used by a
// server spec, so specs sharing a secret reuse the same derivation.
func deriveRoots(specs []config.ForwardSpec) (map[string]keys.RootKeyPair, error) {
	roots := make(map[string]keys.RootKeyPair)
	for _, spec := range specs {
		if spec.Role != config.RoleServer {
			continue
		}
		if _, ok := roots[spec.Secret]; ok {
			continue
		}
		secret, err := crypto.DecodeKey(spec.Secret)
		if err != nil {
			return nil, fmt.Errorf("decoding secret: %w", err)
		}
		root, err := keys.DeriveRoot(secret)
		if err != nil {
			return nil, fmt.Errorf("deriving root keypair: %w", err)
		}
		roots[spec.Secret] = root
	}
	return roots, nil
}

// buildAnnouncements implements the "consolidated-command" grouping
// spec.md §4.4 describes: server specs sharing one secret collapse into
// a single Announcement listing every (proto, port) pair they expose,
// in the order the specs were given.
func buildAnnouncements(specs []config.ForwardSpec, roots map[string]keys.RootKeyPair) []Announcement {
	var order []string
	entries := make(map[string][]Entry)

	for _, spec := range specs {
		if spec.Role != config.RoleServer {
			continue
		}
		if _, seen := entries[spec.Secret]; !seen {
			order = append(order, spec.Secret)
		}
		entries[spec.Secret] = append(entries[spec.Secret], Entry{Proto: spec.Proto, Port: spec.RemotePort})
	}

	announcements := make([]Announcement, 0, len(order))
	for _, secret := range order {
		root := roots[secret]
		pub := keys.Base58PublicKey(root.Public)
		fwds := entries[secret]
		announcements = append(announcements, Announcement{
			PublicKey: pub,
			Forwards:  fwds,
			Command:   clientCommand(pub, fwds),
		})
	}
	return announcements
}

// clientCommand renders the client-facing invocation hint spec.md §6
// calls for: the peer's public key plus every (proto,port) pair it
// exposes, in input order. It is a display convenience, not a parsed
// wire format.
func clientCommand(pub string, fwds []Entry) string {
	parts := make([]string, len(fwds))
	for i, e := range fwds {
		parts[i] = fmt.Sprintf("%s:%d", e.Proto, e.Port)
	}
	return fmt.Sprintf("tunnel connect --peer %s --forward %s", pub, strings.Join(parts, ","))
}
