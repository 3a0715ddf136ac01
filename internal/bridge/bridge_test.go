package bridge_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/merlos/tunnel/internal/bridge"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tcpPair returns two ends of a loopback TCP connection, each of which
// satisfies bridge.Conn via *net.TCPConn's native CloseWrite support.
func tcpPair(t *testing.T) (a, b *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted

	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func TestBridgeCopiesBothDirectionsAndDestroys(t *testing.T) {
	localClient, localServer := tcpPair(t)
	defer localClient.Close()
	remoteClient, remoteServer := tcpPair(t)
	defer remoteClient.Close()

	b := bridge.New(localServer, remoteServer, nil)

	done := make(chan struct{})
	var ltr, rtl int64
	go func() {
		ltr, rtl, _ = b.Run(context.Background())
		close(done)
	}()

	if _, err := localClient.Write([]byte("ping")); err != nil {
		t.Fatalf("write to localClient: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(remoteClient, buf); err != nil {
		t.Fatalf("reading from remoteClient: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("remoteClient received %q, want %q", buf, "ping")
	}

	if _, err := remoteClient.Write([]byte("pong!")); err != nil {
		t.Fatalf("write to remoteClient: %v", err)
	}
	buf = make([]byte, 5)
	if _, err := io.ReadFull(localClient, buf); err != nil {
		t.Fatalf("reading from localClient: %v", err)
	}
	if string(buf) != "pong!" {
		t.Errorf("localClient received %q, want %q", buf, "pong!")
	}

	localClient.Close()
	remoteClient.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after both sides closed")
	}

	if got := b.State(); got != bridge.Destroyed {
		t.Errorf("State() = %v, want %v", got, bridge.Destroyed)
	}
	if ltr != 4 {
		t.Errorf("local->remote bytes = %d, want 4", ltr)
	}
	if rtl != 5 {
		t.Errorf("remote->local bytes = %d, want 5", rtl)
	}
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	localClient, localServer := tcpPair(t)
	defer localClient.Close()
	remoteClient, remoteServer := tcpPair(t)
	defer remoteClient.Close()

	b := bridge.New(localServer, remoteServer, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := b.State(); got != bridge.Destroyed {
		t.Errorf("State() = %v, want %v", got, bridge.Destroyed)
	}
}

func TestBridgeRunHonoursContextCancellation(t *testing.T) {
	localClient, localServer := tcpPair(t)
	defer localClient.Close()
	defer localServer.Close()
	remoteClient, remoteServer := tcpPair(t)
	defer remoteClient.Close()
	defer remoteServer.Close()

	b := bridge.New(localServer, remoteServer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	if got := b.State(); got != bridge.Destroyed {
		t.Errorf("State() = %v, want %v", got, bridge.Destroyed)
	}
}

func TestStateString(t *testing.T) {
	cases := map[bridge.State]string{
		bridge.Open:             "open",
		bridge.HalfClosedLocal:  "half-closed-local",
		bridge.HalfClosedRemote: "half-closed-remote",
		bridge.Destroyed:        "destroyed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
