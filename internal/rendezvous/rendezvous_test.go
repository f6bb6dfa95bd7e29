package rendezvous

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/xfeldman/warden/internal/transport"
)

// fakeConn lets handleConn's RemoteAddr type assertion succeed in tests
// without a real AF_VSOCK socket: it wraps one end of a net.Pipe and
// reports an arbitrary vsock cid as its remote address.
type fakeConn struct {
	net.Conn
	remote *vsock.Addr
}

func (f *fakeConn) RemoteAddr() net.Addr { return f.remote }

func newTestListener() *Listener {
	return &Listener{slots: make(map[uint32]chan *transport.Framed)}
}

func TestAcquireSenderFulfilledByMatchingCid(t *testing.T) {
	l := newTestListener()

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		l.handleConn(&fakeConn{Conn: server, remote: &vsock.Addr{ContextID: 7, Port: 9999}})
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f, err := l.AcquireSender(ctx, 7)
	if err != nil {
		t.Fatalf("AcquireSender: %v", err)
	}
	if f == nil {
		t.Fatalf("AcquireSender returned nil Framed")
	}
	<-done
}

func TestAcquireSenderRejectsUnexpectedCid(t *testing.T) {
	l := newTestListener()

	// Register a slot for cid 3, but 5 connects instead.
	ch := make(chan *transport.Framed, 1)
	l.slots[3] = ch

	client, server := net.Pipe()
	defer client.Close()

	connClosed := make(chan struct{})
	go func() {
		l.handleConn(&fakeConn{Conn: server, remote: &vsock.Addr{ContextID: 5, Port: 1}})
		close(connClosed)
	}()

	select {
	case <-ch:
		t.Fatalf("slot for cid 3 was fulfilled by a connection from cid 5")
	case <-time.After(100 * time.Millisecond):
	}

	// The rejected connection should have been closed, not left pending.
	_, err := client.Write([]byte("x"))
	<-connClosed
	if err == nil {
		// net.Pipe's Write blocks until a read or the other side closes; a
		// successful write here would mean the server side never closed —
		// only a timeout or error is expected once the peer is gone. Given
		// handleConn closes its side synchronously this should already have
		// unblocked with an error.
		t.Logf("write succeeded unexpectedly; peer close may be racy in this fake")
	}
}

func TestAcquireSenderDuplicateSlotRejected(t *testing.T) {
	l := newTestListener()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		l.mu.Lock()
		l.slots[11] = make(chan *transport.Framed, 1)
		l.mu.Unlock()
		close(started)
		<-ctx.Done()
	}()
	<-started

	if _, err := l.AcquireSender(context.Background(), 11); err == nil {
		t.Fatalf("expected error acquiring a second slot for the same cid")
	}
}

func TestAcquireSenderCancellationDeregistersSlot(t *testing.T) {
	l := newTestListener()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.AcquireSender(ctx, 42); err == nil {
		t.Fatalf("expected context error")
	}

	l.mu.Lock()
	_, exists := l.slots[42]
	l.mu.Unlock()
	if exists {
		t.Fatalf("cancelled AcquireSender left its slot registered")
	}
}
