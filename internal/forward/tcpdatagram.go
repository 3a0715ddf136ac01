package forward

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/merlos/tunnel/internal/keys"
	"github.com/merlos/tunnel/internal/metrics"
	"github.com/merlos/tunnel/internal/overlay"
	"github.com/merlos/tunnel/pkg/protocol"
)

// tcpDatagramConnectTimeout bounds the probe and per-session overlay
// connect, per spec.md §5 ("10s (TcpOverDatagram)").
const tcpDatagramConnectTimeout = 10 * time.Second

// tcpDatagramBufferSize bounds how much of one TCP Read() call is
// framed as a single datagram.
const tcpDatagramBufferSize = 65536

// TCPDatagramServer dials a local TCP connection for every inbound
// overlay session and bridges it by treating each TCP Read() as one
// protocol.Frame, rather than as a continuous byte stream. Unlike
// TCPServer it has no half-close: per spec.md §4.3.4 both directions of
// a TCP-over-datagram session end together.
type TCPDatagramServer struct {
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

// NewTCPDatagramServer creates a TCP-over-datagram server engine.
func NewTCPDatagramServer(node *overlay.Node, sub keys.SubKeyPair, host string, remotePort uint16, log *slog.Logger, m *metrics.Collector) *TCPDatagramServer {
	if host == "" {
		host = "127.0.0.1"
	}
	if log == nil {
		log = slog.Default()
	}
	return &TCPDatagramServer{node: node, sub: sub, host: host, remotePort: remotePort, log: log.With("engine", "tcpdatagram-server", "port", remotePort), metrics: m}
}

// Start registers the overlay listener and begins accepting sessions.
func (s *TCPDatagramServer) Start(ctx context.Context) error {
	listener, err := s.node.ListenSub(ctx, s.sub.Public, overlay.KindTCPDatagram)
	if err != nil {
		return fmt.Errorf("%w: tcpdatagram server listen: %v", ErrStartup, err)
	}
	s.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(runCtx)

	return nil
}

// Close stops accepting new sessions and waits for in-flight pumps.
func (s *TCPDatagramServer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *TCPDatagramServer) acceptLoop(ctx context.Context) {
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

func (s *TCPDatagramServer) handleSession(ctx context.Context, stream overlay.Endpoint) {
	defer s.wg.Done()

	portLabel := strconv.Itoa(int(s.remotePort))

	dialCtx, cancel := context.WithTimeout(ctx, tcpDatagramConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(s.host, portLabel))
	if err != nil {
		s.log.Warn("local connect failed", "error", err)
		stream.Close()
		if s.metrics != nil {
			s.metrics.BridgeError("tcpudp", portLabel)
		}
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		stream.Close()
		return
	}
	tcpConn.SetNoDelay(true)
	tcpConn.SetKeepAlivePeriod(10 * time.Second)
	tcpConn.SetKeepAlive(true)

	if s.metrics != nil {
		s.metrics.BridgeOpened("tcpudp", portLabel)
		defer s.metrics.BridgeClosed("tcpudp", portLabel)
	}

	ltr, rtl, err := pumpDatagramFramedTCP(ctx, tcpConn, stream)
	if s.metrics != nil {
		s.metrics.BytesMoved("tcpudp", portLabel, "local_to_remote", ltr)
		s.metrics.BytesMoved("tcpudp", portLabel, "remote_to_local", rtl)
		if err != nil {
			s.metrics.BridgeError("tcpudp", portLabel)
		}
	}
}

// pumpDatagramFramedTCP moves data between a local TCP connection and an
// overlay stream carrying protocol.Frame-encoded messages, treating each
// TCP Read() as a single datagram. It has no half-close: as soon as
// either direction ends, both sides are torn down together, matching
// spec.md §4.3.4's carve-out for this engine.
func pumpDatagramFramedTCP(ctx context.Context, local *net.TCPConn, remote overlay.Endpoint) (localToRemote, remoteToLocal int64, err error) {
	var closeOnce sync.Once
	stopAll := func() {
		closeOnce.Do(func() {
			local.Close()
			remote.Close()
		})
	}
	defer stopAll()

	var wg sync.WaitGroup
	var ltr, rtl int64
	var mu sync.Mutex
	var firstErr error
	recordErr := func(e error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = e
		}
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, tcpDatagramBufferSize)
		for {
			n, rerr := local.Read(buf)
			if n > 0 {
				if werr := protocol.WriteFrame(remote, protocol.Frame{Payload: buf[:n]}); werr != nil {
					recordErr(werr)
					stopAll()
					return
				}
				mu.Lock()
				ltr += int64(n)
				mu.Unlock()
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					recordErr(rerr)
				}
				stopAll()
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			f, rerr := protocol.ReadFrame(remote)
			if rerr != nil {
				recordErr(rerr)
				stopAll()
				return
			}
			if len(f.Payload) > 0 {
				if _, werr := local.Write(f.Payload); werr != nil {
					recordErr(werr)
					stopAll()
					return
				}
				mu.Lock()
				rtl += int64(len(f.Payload))
				mu.Unlock()
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		stopAll()
		<-done
	}

	mu.Lock()
	err = firstErr
	localToRemote, remoteToLocal = ltr, rtl
	mu.Unlock()
	return localToRemote, remoteToLocal, err
}

// TCPDatagramClient probes a remote sub-public-key at startup exactly
// like TCPClient, but with the shorter per-spec timeout for this engine,
// then binds a local TCP listener and bridges each accepted connection
// to a fresh datagram-framed overlay session.
type TCPDatagramClient struct {
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

// NewTCPDatagramClient creates a TCP-over-datagram client engine.
func NewTCPDatagramClient(node *overlay.Node, rootPub ed25519.PublicKey, remotePort, localPort uint16, log *slog.Logger, m *metrics.Collector) *TCPDatagramClient {
	if log == nil {
		log = slog.Default()
	}
	return &TCPDatagramClient{
		node:       node,
		rootPub:    rootPub,
		remotePort: remotePort,
		localPort:  localPort,
		log:        log.With("engine", "tcpdatagram-client", "remote_port", remotePort, "local_port", localPort),
		metrics:    m,
	}
}

// Start performs the startup probe and, on success, binds the local
// listener and begins accepting connections.
func (c *TCPDatagramClient) Start(ctx context.Context) error {
	if err := c.probe(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.localPort))
	if err != nil {
		return fmt.Errorf("%w: tcpdatagram client bind: %v", ErrStartup, err)
	}
	c.listener = ln

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.acceptLoop(runCtx)

	return nil
}

// Close stops accepting new connections and waits for in-flight pumps.
func (c *TCPDatagramClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *TCPDatagramClient) probe(ctx context.Context) error {
	portLabel := strconv.Itoa(int(c.remotePort))

	var lastErr error
	for attempt := 1; attempt <= tcpProbeRetries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, tcpDatagramConnectTimeout)
		start := time.Now()
		stream, err := c.node.ConnectSub(probeCtx, c.rootPub, keys.ProtoTCPOverDatagram, c.remotePort, overlay.KindTCPDatagram, tcpDatagramConnectTimeout)
		cancel()

		if err == nil {
			stream.Close()
			if c.metrics != nil {
				c.metrics.ProbeSucceeded("tcpudp", portLabel, time.Since(start).Seconds())
			}
			return nil
		}

		lastErr = err
		if c.metrics != nil {
			c.metrics.ProbeFailed("tcpudp", portLabel)
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

func (c *TCPDatagramClient) acceptLoop(ctx context.Context) {
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
		tcpConn.SetNoDelay(true)
		c.wg.Add(1)
		go c.handleConn(ctx, tcpConn)
	}
}

func (c *TCPDatagramClient) handleConn(ctx context.Context, conn *net.TCPConn) {
	defer c.wg.Done()

	portLabel := strconv.Itoa(int(c.remotePort))

	connectCtx, cancel := context.WithTimeout(ctx, tcpDatagramConnectTimeout)
	stream, err := c.node.ConnectSub(connectCtx, c.rootPub, keys.ProtoTCPOverDatagram, c.remotePort, overlay.KindTCPDatagram, tcpDatagramConnectTimeout)
	cancel()
	if err != nil {
		c.log.Warn("opening overlay session failed", "error", err)
		conn.Close()
		if c.metrics != nil {
			c.metrics.BridgeError("tcpudp", portLabel)
		}
		return
	}

	if c.metrics != nil {
		c.metrics.BridgeOpened("tcpudp", portLabel)
		defer c.metrics.BridgeClosed("tcpudp", portLabel)
	}

	ltr, rtl, err := pumpDatagramFramedTCP(ctx, conn, stream)
	if c.metrics != nil {
		c.metrics.BytesMoved("tcpudp", portLabel, "local_to_remote", ltr)
		c.metrics.BytesMoved("tcpudp", portLabel, "remote_to_local", rtl)
		if err != nil {
			c.metrics.BridgeError("tcpudp", portLabel)
		}
	}
}
