// Package bridge copies bytes between a local socket and an overlay
// stream until both directions have reached end-of-stream, then tears
// both sides down exactly once.
//
// Earlier designs of this kind of plumbing (see the two-goroutine
// io.Copy + CloseWrite shape this package is built on) tracked
// half-close state with a couple of booleans captured in the copy
// goroutines' closures. That is fine until a bridge needs to answer "is
// this connection still usable" from somewhere else — a health check, a
// metrics collector, a manager deciding whether to restart a forward —
// and the flags aren't visible outside the closures that set them. Bridge
// instead owns an explicit, mutex-guarded State that any goroutine can
// read, and a sync.Once-gated destroy so cleanup only ever runs once no
// matter which direction finishes last or whether Close is called from
// outside.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Conn is the minimal full-duplex, half-closeable connection a Bridge
// needs from each side. *net.TCPConn, *net.UnixConn and overlay streams
// all satisfy it.
type Conn interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// State describes where a Bridge is in its half-close lifecycle.
type State int32

const (
	// Open: both directions are still copying.
	Open State = iota
	// HalfClosedLocal: the local->remote direction has reached EOF and
	// CloseWrite has been sent to remote; remote->local may still be
	// flowing.
	HalfClosedLocal
	// HalfClosedRemote: the remote->local direction has reached EOF and
	// CloseWrite has been sent to local; local->remote may still be
	// flowing.
	HalfClosedRemote
	// Destroyed: both directions finished and both Conns are closed.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed-local"
	case HalfClosedRemote:
		return "half-closed-remote"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var lastBridgeID int64

// Bridge couples a local connection to an overlay connection and moves
// bytes between them until both sides are done.
type Bridge struct {
	id     int64
	local  Conn
	remote Conn
	log    *slog.Logger

	mu    sync.Mutex
	state State

	destroyOnce sync.Once

	bytesLocalToRemote  atomic.Int64
	bytesRemoteToLocal  atomic.Int64
}

// New creates a Bridge between local and remote. Run must be called to
// start copying.
func New(local, remote Conn, log *slog.Logger) *Bridge {
	id := atomic.AddInt64(&lastBridgeID, 1)
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		id:     id,
		local:  local,
		remote: remote,
		log:    log.With("component", "bridge", "bridge_id", id),
	}
}

// State returns the Bridge's current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BytesTransferred returns the byte counts copied in each direction so
// far.
func (b *Bridge) BytesTransferred() (localToRemote, remoteToLocal int64) {
	return b.bytesLocalToRemote.Load(), b.bytesRemoteToLocal.Load()
}

// Run copies bytes in both directions until both reach EOF (or ctx is
// cancelled), then destroys both Conns exactly once. It returns the byte
// counts transferred in each direction and the first copy error
// encountered, if any.
func (b *Bridge) Run(ctx context.Context) (localToRemote, remoteToLocal int64, err error) {
	var wg sync.WaitGroup
	var localErr, remoteErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		n, copyErr := io.Copy(b.remote, b.local)
		b.bytesLocalToRemote.Store(n)
		localErr = copyErr
		b.transition(HalfClosedLocal)
		if err := b.remote.CloseWrite(); err != nil {
			b.log.Debug("closing write side of remote after local EOF", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n, copyErr := io.Copy(b.local, b.remote)
		b.bytesRemoteToLocal.Store(n)
		remoteErr = copyErr
		b.transition(HalfClosedRemote)
		if err := b.local.CloseWrite(); err != nil {
			b.log.Debug("closing write side of local after remote EOF", "error", err)
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
		b.log.Debug("context cancelled before both directions reached EOF", "error", ctx.Err())
	}

	b.destroy()

	err = localErr
	if err == nil {
		err = remoteErr
	}
	lr, rl := b.BytesTransferred()
	return lr, rl, err
}

// Close destroys the Bridge immediately, regardless of copy progress. It
// is safe to call concurrently with Run and more than once.
func (b *Bridge) Close() error {
	b.destroy()
	return nil
}

// transition advances state towards Destroyed, only ever moving forward:
// Open -> (HalfClosedLocal | HalfClosedRemote) -> Destroyed. If the
// other half-close already happened, this call observes the bridge is
// now fully drained and marks it Destroyed; closing both Conns is left
// to destroy, which Run calls once both copy goroutines have returned.
func (b *Bridge) transition(next State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		b.state = next
	case HalfClosedLocal, HalfClosedRemote:
		if b.state != next {
			b.state = Destroyed
		}
	case Destroyed:
		// no-op; already fully torn down
	}
}

func (b *Bridge) destroy() {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.state = Destroyed
		b.mu.Unlock()

		if err := b.remote.Close(); err != nil {
			b.log.Debug("closing remote side", "error", err)
		}
		if err := b.local.Close(); err != nil {
			b.log.Debug("closing local side", "error", err)
		}
		b.log.Debug("bridge destroyed",
			"bytes_local_to_remote", b.bytesLocalToRemote.Load(),
			"bytes_remote_to_local", b.bytesRemoteToLocal.Load())
	})
}

// ErrNotDestroyed is returned by test helpers that assert a Bridge
// reached Destroyed state within a deadline and it did not.
var ErrNotDestroyed = fmt.Errorf("bridge: did not reach Destroyed state")
