package forward

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/merlos/tunnel/internal/keys"
	"github.com/merlos/tunnel/internal/metrics"
	"github.com/merlos/tunnel/internal/overlay"
	"github.com/merlos/tunnel/pkg/protocol"
)

// udpDatagramBufferSize is large enough for any real UDP datagram
// (max 65507 bytes of payload).
const udpDatagramBufferSize = 65536

// UDPServer listens on a sub-keypair's advertised identity and, for
// every inbound overlay session, bridges it to a connected local UDP
// socket at (host, remotePort). Unlike the TCP engine it does not copy
// raw bytes onto the overlay stream; every datagram crosses it as one
// length-prefixed pkg/protocol frame.
type UDPServer struct {
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

// NewUDPServer creates a UDP server engine.
func NewUDPServer(node *overlay.Node, sub keys.SubKeyPair, host string, remotePort uint16, log *slog.Logger, m *metrics.Collector) *UDPServer {
	if host == "" {
		host = "127.0.0.1"
	}
	if log == nil {
		log = slog.Default()
	}
	return &UDPServer{node: node, sub: sub, host: host, remotePort: remotePort, log: log.With("engine", "udp-server", "port", remotePort), metrics: m}
}

// Start registers the overlay listener and begins accepting sessions.
func (s *UDPServer) Start(ctx context.Context) error {
	listener, err := s.node.ListenSub(ctx, s.sub.Public, overlay.KindUDP)
	if err != nil {
		return fmt.Errorf("%w: udp server listen: %v", ErrStartup, err)
	}
	s.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(runCtx)

	return nil
}

// Close stops accepting new sessions and waits for in-flight pumps.
func (s *UDPServer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *UDPServer) acceptLoop(ctx context.Context) {
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

func (s *UDPServer) handleSession(ctx context.Context, stream overlay.Endpoint) {
	defer s.wg.Done()

	portLabel := strconv.Itoa(int(s.remotePort))

	conn, err := net.Dial("udp", net.JoinHostPort(s.host, portLabel))
	if err != nil {
		s.log.Warn("local udp dial failed", "error", err)
		stream.Close()
		if s.metrics != nil {
			s.metrics.BridgeError("udp", portLabel)
		}
		return
	}
	udpConn := conn.(*net.UDPConn)

	if s.metrics != nil {
		s.metrics.BridgeOpened("udp", portLabel)
		defer s.metrics.BridgeClosed("udp", portLabel)
	}

	ltr, rtl, err := pumpDatagrams(ctx, udpConn, stream)
	if s.metrics != nil {
		s.metrics.BytesMoved("udp", portLabel, "local_to_remote", ltr)
		s.metrics.BytesMoved("udp", portLabel, "remote_to_local", rtl)
		if err != nil {
			s.metrics.BridgeError("udp", portLabel)
		}
	}
}

// pumpDatagrams moves datagrams between a connected local UDP socket and
// an overlay stream carrying protocol.Frame-encoded messages, until
// either side errors or ctx is cancelled. The datagram channel has no
// half-close of its own (§4.3.4), so both directions are torn down
// together as soon as either stops.
func pumpDatagrams(ctx context.Context, local *net.UDPConn, remote overlay.Endpoint) (localToRemote, remoteToLocal int64, err error) {
	var closeOnce sync.Once
	stopAll := func() {
		closeOnce.Do(func() {
			local.Close()
			remote.Close()
		})
	}
	defer stopAll()

	var wg sync.WaitGroup
	var ltr, rtl atomic.Int64
	var firstErr atomic.Value

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, udpDatagramBufferSize)
		for {
			n, rerr := local.Read(buf)
			if n > 0 {
				if werr := protocol.WriteFrame(remote, protocol.Frame{Payload: buf[:n]}); werr != nil {
					firstErr.CompareAndSwap(nil, werr)
					stopAll()
					return
				}
				ltr.Add(int64(n))
			}
			if rerr != nil {
				if ctx.Err() == nil {
					firstErr.CompareAndSwap(nil, rerr)
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
				firstErr.CompareAndSwap(nil, rerr)
				stopAll()
				return
			}
			if len(f.Payload) > 0 {
				if _, werr := local.Write(f.Payload); werr != nil {
					firstErr.CompareAndSwap(nil, werr)
					stopAll()
					return
				}
				rtl.Add(int64(len(f.Payload)))
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

	if v, ok := firstErr.Load().(error); ok {
		err = v
	}
	return ltr.Load(), rtl.Load(), err
}

// UDPClient opens one persistent overlay session at startup, then binds
// a local UDP socket. The first local datagram's source address is
// latched as the single reply destination for the lifetime of the
// session (spec.md §9's documented single-peer contract — option (b)).
type UDPClient struct {
	node       *overlay.Node
	rootPub    ed25519.PublicKey
	remotePort uint16
	localPort  uint16
	log        *slog.Logger
	metrics    *metrics.Collector

	conn   *net.UDPConn
	stream overlay.Endpoint
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inport atomic.Pointer[net.UDPAddr]
}

// NewUDPClient creates a UDP client engine.
func NewUDPClient(node *overlay.Node, rootPub ed25519.PublicKey, remotePort, localPort uint16, log *slog.Logger, m *metrics.Collector) *UDPClient {
	if log == nil {
		log = slog.Default()
	}
	return &UDPClient{
		node:       node,
		rootPub:    rootPub,
		remotePort: remotePort,
		localPort:  localPort,
		log:        log.With("engine", "udp-client", "remote_port", remotePort, "local_port", localPort),
		metrics:    m,
	}
}

// Start opens the persistent overlay session and binds the local UDP
// socket. Unlike the TCP engines, the UDP client does not probe with
// retries; spec.md §4.3.2 asks only that it wait for the session to
// open once.
func (c *UDPClient) Start(ctx context.Context) error {
	portLabel := strconv.Itoa(int(c.remotePort))

	connectCtx, cancel := context.WithTimeout(ctx, tcpConnectTimeout)
	stream, err := c.node.ConnectSub(connectCtx, c.rootPub, keys.ProtoUDP, c.remotePort, overlay.KindUDP, tcpConnectTimeout)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: udp client session: %v", ErrStartup, err)
	}
	c.stream = stream

	udpAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(c.localPort)}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		stream.Close()
		return fmt.Errorf("%w: udp client bind: %v", ErrStartup, err)
	}
	c.conn = conn

	runCtx, runCancel := context.WithCancel(context.Background())
	c.cancel = runCancel

	if c.metrics != nil {
		c.metrics.BridgeOpened("udp", portLabel)
	}

	c.wg.Add(2)
	go c.pumpLocalToRemote(runCtx, portLabel)
	go c.pumpRemoteToLocal(runCtx, portLabel)

	return nil
}

// Close tears down the local socket and overlay session.
func (c *UDPClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.stream != nil {
		c.stream.Close()
	}
	c.wg.Wait()
	if c.metrics != nil {
		c.metrics.BridgeClosed("udp", strconv.Itoa(int(c.remotePort)))
	}
	return nil
}

func (c *UDPClient) pumpLocalToRemote(ctx context.Context, portLabel string) {
	defer c.wg.Done()
	buf := make([]byte, udpDatagramBufferSize)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("local udp read failed", "error", err)
			}
			return
		}
		c.inport.CompareAndSwap(nil, addr)

		if err := protocol.WriteFrame(c.stream, protocol.Frame{Payload: buf[:n]}); err != nil {
			c.log.Debug("writing datagram to overlay failed", "error", err)
			if c.metrics != nil {
				c.metrics.BridgeError("udp", portLabel)
			}
			return
		}
		if c.metrics != nil {
			c.metrics.BytesMoved("udp", portLabel, "local_to_remote", int64(n))
		}
	}
}

func (c *UDPClient) pumpRemoteToLocal(ctx context.Context, portLabel string) {
	defer c.wg.Done()
	for {
		f, err := protocol.ReadFrame(c.stream)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("reading datagram from overlay failed", "error", err)
			}
			return
		}

		dest := c.inport.Load()
		if dest == nil {
			// No local source has sent yet; per spec.md §4.3.2 this
			// datagram is dropped since there is no known destination.
			continue
		}

		if _, err := c.conn.WriteToUDP(f.Payload, dest); err != nil {
			c.log.Debug("writing datagram to local socket failed", "error", err)
			if c.metrics != nil {
				c.metrics.BridgeError("udp", portLabel)
			}
			return
		}
		if c.metrics != nil {
			c.metrics.BytesMoved("udp", portLabel, "remote_to_local", int64(len(f.Payload)))
		}
	}
}
