package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knockproto/letmein/internal/dispatcher"
	"github.com/knockproto/letmein/internal/handshake"
	"github.com/knockproto/letmein/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource hands out pre-connected net.Pipe conns one at a time, then
// blocks until Close is called.
type fakeSource struct {
	mu     sync.Mutex
	conns  []net.Conn
	closed chan struct{}
}

func newFakeSource(conns ...net.Conn) *fakeSource {
	return &fakeSource{conns: conns, closed: make(chan struct{})}
}

func (s *fakeSource) Accept() (net.Conn, net.IP, error) {
	s.mu.Lock()
	if len(s.conns) > 0 {
		c := s.conns[0]
		s.conns = s.conns[1:]
		s.mu.Unlock()
		return c, net.ParseIP("203.0.113.4"), nil
	}
	s.mu.Unlock()

	<-s.closed
	return nil, nil, net.ErrClosed
}

func (s *fakeSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func testKey(b byte) protocol.Key {
	var k protocol.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	src := newFakeSource()
	opts := handshake.ServerOptions{
		LookupKey:      func(user uint32) (protocol.Key, bool) { return protocol.Key{}, false },
		LookupResource: func(resource uint32) (uint16, bool) { return 0, false },
		Open:           func(ctx context.Context, addr net.IP, port uint16) error { return nil },
	}
	d := dispatcher.New(src, 4, opts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil after cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunHandlesEachAcceptedConnection(t *testing.T) {
	key := testKey(1)
	var opened int32

	serverSide, clientSide := net.Pipe()
	src := newFakeSource(serverSide)

	opts := handshake.ServerOptions{
		LookupKey:      func(user uint32) (protocol.Key, bool) { return key, user == 1 },
		LookupResource: func(resource uint32) (uint16, bool) { return 22, resource == 0x2A },
		Open: func(ctx context.Context, addr net.IP, port uint16) error {
			atomic.AddInt32(&opened, 1)
			return nil
		},
	}
	d := dispatcher.New(src, 4, opts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	clientErr := handshake.RunClient(clientSide, handshake.ClientOptions{User: 1, Resource: 0x2A, Key: key})
	if clientErr != nil {
		t.Fatalf("client handshake failed: %v", clientErr)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&opened) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&opened) != 1 {
		t.Fatalf("opened = %d, want 1", opened)
	}
}

func TestRunReportsFatalAcceptError(t *testing.T) {
	src := &alwaysErrorSource{err: errors.New("boom")}
	opts := handshake.ServerOptions{}
	d := dispatcher.New(src, 4, opts, testLogger())

	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to return the accept error")
	}
	select {
	case fatalErr := <-d.Fatal:
		if fatalErr == nil {
			t.Error("expected a non-nil fatal error")
		}
	default:
		t.Error("expected Fatal channel to carry the error")
	}
}

type alwaysErrorSource struct{ err error }

func (s *alwaysErrorSource) Accept() (net.Conn, net.IP, error) { return nil, nil, s.err }
func (s *alwaysErrorSource) Close() error                      { return nil }
