package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type recordingAttacher struct {
	mu    sync.Mutex
	conns []*Connection
}

func (a *recordingAttacher) Attach(c *Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns = append(a.conns, c)
}

func (a *recordingAttacher) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func TestListenAttachesPlainConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attacher := &recordingAttacher{}
	events := newRecordingEvents()
	done := make(chan error, 1)
	go func() {
		done <- Listen(ctx, ln, nil, nil, time.Second, time.Second, events, attacher, testLogger())
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.After(time.Second)
	for attacher.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("connection was never attached")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after context cancellation")
	}
}

func TestListenStopsOnCancelWithNoClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attacher := &recordingAttacher{}
	events := newRecordingEvents()

	// No TLS config means acceptOne skips the handshake/policy check
	// entirely and always attaches; this test only exercises that Listen
	// itself shuts down cleanly on cancellation with no pending clients.
	go Listen(ctx, ln, nil, nil, time.Second, time.Second, events, attacher, testLogger())

	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	if attacher.count() != 0 {
		t.Fatalf("expected no attached connections, got %d", attacher.count())
	}
}
