package forward

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/merlos/tunnel/internal/bridge"
	"github.com/merlos/tunnel/internal/keys"
	"github.com/merlos/tunnel/internal/metrics"
	"github.com/merlos/tunnel/internal/overlay"
)

const (
	// tcpConnectTimeout bounds both the probe and each per-session local
	// TCP dial, per spec.md §5.
	tcpConnectTimeout = 15 * time.Second

	// tcpProbeRetries is how many times the client startup probe is
	// attempted before giving up.
	tcpProbeRetries = 3

	// tcpProbeRetryDelay is the pause between failed probe attempts.
	tcpProbeRetryDelay = 1 * time.Second
)

// TCPServer listens on a sub-keypair's advertised identity and, for
// every inbound overlay session, bridges it to a local TCP connection to
// (host, remotePort).
type TCPServer struct {
	node       *overlay.Node
	sub        keys.SubKeyPair
	host       string
	remotePort uint16
	log        *slog.Logger
	metrics    *metrics.Collector

	listener *overlay.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPServer creates a TCP server engine. host defaults to 127.0.0.1
// when empty, per spec.md §3.
func NewTCPServer(node *overlay.Node, sub keys.SubKeyPair, host string, remotePort uint16, log *slog.Logger, m *metrics.Collector) *TCPServer {
	if host == "" {
		host = "127.0.0.1"
	}
	if log == nil {
		log = slog.Default()
	}
	return &TCPServer{node: node, sub: sub, host: host, remotePort: remotePort, log: log.With("engine", "tcp-server", "port", remotePort), metrics: m}
}

// Start registers the overlay listener and begins accepting sessions.
// It returns once the listener is bound, matching the manager's contract
// that a server spec returns as soon as its Listener is bound.
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := s.node.ListenSub(ctx, s.sub.Public, overlay.KindTCP)
	if err != nil {
		return fmt.Errorf("%w: tcp server listen: %v", ErrStartup, err)
	}
	s.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(runCtx)

	return nil
}

// Close stops accepting new sessions and waits for in-flight bridges to
// finish tearing down.
func (s *TCPServer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		stream, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleSession(ctx, stream)
	}
}

func (s *TCPServer) handleSession(ctx context.Context, stream overlay.Endpoint) {
	defer s.wg.Done()

	portLabel := strconv.Itoa(int(s.remotePort))

	dialCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(s.host, portLabel))
	if err != nil {
		s.log.Warn("local connect failed", "target", net.JoinHostPort(s.host, portLabel), "error", err)
		stream.Close()
		if s.metrics != nil {
			s.metrics.BridgeError("tcp", portLabel)
		}
		return
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		stream.Close()
		return
	}

	s.runBridge(ctx, tcpConn, stream, portLabel)
}

func (s *TCPServer) runBridge(ctx context.Context, local *net.TCPConn, remote overlay.Endpoint, portLabel string) {
	if s.metrics != nil {
		s.metrics.BridgeOpened("tcp", portLabel)
		defer s.metrics.BridgeClosed("tcp", portLabel)
	}

	b := bridge.New(local, remote, s.log)
	ltr, rtl, err := b.Run(ctx)
	if s.metrics != nil {
		s.metrics.BytesMoved("tcp", portLabel, "local_to_remote", ltr)
		s.metrics.BytesMoved("tcp", portLabel, "remote_to_local", rtl)
		if err != nil {
			s.metrics.BridgeError("tcp", portLabel)
		}
	}
	if err != nil {
		s.log.Debug("bridge ended with error", "error", err)
	}
}

// TCPClient probes a remote sub-public-key at startup, then binds a
// local TCP listener and bridges every inbound local connection to a
// fresh overlay session.
type TCPClient struct {
	node       *overlay.Node
	rootPub    ed25519.PublicKey
	remotePort uint16
	localPort  uint16
	log        *slog.Logger
	metrics    *metrics.Collector

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPClient creates a TCP client engine. rootPub is the server's
// RootPublicKey; remotePort must match the server's exposed port.
func NewTCPClient(node *overlay.Node, rootPub ed25519.PublicKey, remotePort, localPort uint16, log *slog.Logger, m *metrics.Collector) *TCPClient {
	if log == nil {
		log = slog.Default()
	}
	return &TCPClient{
		node:       node,
		rootPub:    rootPub,
		remotePort: remotePort,
		localPort:  localPort,
		log:        log.With("engine", "tcp-client", "remote_port", remotePort, "local_port", localPort),
		metrics:    m,
	}
}

// Start performs the startup probe and, on success, binds the local
// listener and begins accepting connections.
func (c *TCPClient) Start(ctx context.Context) error {
	if err := c.probe(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.localPort))
	if err != nil {
		return fmt.Errorf("%w: tcp client bind: %v", ErrStartup, err)
	}
	c.listener = ln

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.acceptLoop(runCtx)

	return nil
}

// Close stops accepting new connections and waits for in-flight bridges.
func (c *TCPClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
	return nil
}

// probe performs a speculative overlay connect, up to tcpProbeRetries
// times, so unreachable peers fail fast at startup rather than on the
// first user connection.
func (c *TCPClient) probe(ctx context.Context) error {
	portLabel := strconv.Itoa(int(c.remotePort))

	var lastErr error
	for attempt := 1; attempt <= tcpProbeRetries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
		start := time.Now()
		stream, err := c.node.ConnectSub(probeCtx, c.rootPub, keys.ProtoTCP, c.remotePort, overlay.KindTCP, tcpConnectTimeout)
		cancel()

		if err == nil {
			stream.Close()
			if c.metrics != nil {
				c.metrics.ProbeSucceeded("tcp", portLabel, time.Since(start).Seconds())
			}
			return nil
		}

		lastErr = err
		if c.metrics != nil {
			c.metrics.ProbeFailed("tcp", portLabel)
		}
		c.log.Debug("probe attempt failed", "attempt", attempt, "error", err)

		if attempt < tcpProbeRetries {
			select {
			case <-time.After(tcpProbeRetryDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrProbe, ctx.Err())
			}
		}
	}

	return fmt.Errorf("%w: after %d attempts: %v", ErrProbe, tcpProbeRetries, lastErr)
}

func (c *TCPClient) acceptLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.log.Debug("local accept failed", "error", err)
			continue
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		c.wg.Add(1)
		go c.handleConn(ctx, tcpConn)
	}
}

func (c *TCPClient) handleConn(ctx context.Context, conn *net.TCPConn) {
	defer c.wg.Done()

	portLabel := strconv.Itoa(int(c.remotePort))

	connectCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	stream, err := c.node.ConnectSub(connectCtx, c.rootPub, keys.ProtoTCP, c.remotePort, overlay.KindTCP, tcpConnectTimeout)
	cancel()
	if err != nil {
		c.log.Warn("opening overlay session failed", "error", err)
		conn.Close()
		if c.metrics != nil {
			c.metrics.BridgeError("tcp", portLabel)
		}
		return
	}

	c.runBridge(ctx, conn, stream, portLabel)
}

// runBridge bridges an already-dialed local connection to an
// already-opened overlay session. It touches neither c.node nor the DHT,
// so it is the unit of TCP client behavior that can be exercised against
// a fake in-process overlay.Endpoint in tests.
func (c *TCPClient) runBridge(ctx context.Context, local *net.TCPConn, remote overlay.Endpoint, portLabel string) {
	if c.metrics != nil {
		c.metrics.BridgeOpened("tcp", portLabel)
		defer c.metrics.BridgeClosed("tcp", portLabel)
	}

	b := bridge.New(local, remote, c.log)
	ltr, rtl, err := b.Run(ctx)
	if c.metrics != nil {
		c.metrics.BytesMoved("tcp", portLabel, "local_to_remote", ltr)
		c.metrics.BytesMoved("tcp", portLabel, "remote_to_local", rtl)
		if err != nil {
			c.metrics.BridgeError("tcp", portLabel)
		}
	}
	if err != nil {
		c.log.Debug("bridge ended with error", "error", err)
	}
}
