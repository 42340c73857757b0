// Package dispatcher runs the accept loop: it bounds concurrent in-flight
// handshakes, spawns one goroutine per connection, and reports fatal accept
// errors to the supervisor (spec §4.5).
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/knockproto/letmein/internal/handshake"
)

// Source is the connection source the dispatcher accepts from: either a
// freshly bound listener or one inherited from systemd.
type Source interface {
	Accept() (net.Conn, net.IP, error)
	Close() error
}

// Dispatcher accepts connections from a Source and runs a bounded number of
// handshakes concurrently.
type Dispatcher struct {
	source  Source
	maxConn int
	sem     chan struct{}
	opts    handshake.ServerOptions
	log     *slog.Logger

	// Fatal reports an unrecoverable accept error. It is unbuffered-safe to
	// send on exactly once; the supervisor selects on it.
	Fatal chan error
}

// New constructs a Dispatcher bounded to maxConn concurrent handshakes
// (spec default: 8).
func New(source Source, maxConn int, opts handshake.ServerOptions, log *slog.Logger) *Dispatcher {
	if maxConn <= 0 {
		maxConn = 8
	}
	return &Dispatcher{
		source:  source,
		maxConn: maxConn,
		sem:     make(chan struct{}, maxConn),
		opts:    opts,
		log:     log,
		Fatal:   make(chan error, 1),
	}
}

// Run accepts connections until ctx is cancelled or the source reports a
// fatal error. On cancellation it closes the source (which unblocks Accept
// with an error) and returns nil. An accept error wrapping net.ErrClosed
// also returns nil without being reported; any other accept error is
// reported on Fatal and Run returns it.
func (d *Dispatcher) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.source.Close()
	}()

	for {
		conn, peerAddr, err := d.source.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.log.Error("accept failed", "err", err)
			select {
			case d.Fatal <- err:
			default:
			}
			return err
		}

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return nil
		}

		go d.handle(ctx, conn, peerAddr)
	}
}

func (d *Dispatcher) handle(ctx context.Context, conn net.Conn, peerAddr net.IP) {
	defer func() { <-d.sem }()
	defer conn.Close()

	if err := handshake.RunServer(ctx, conn, peerAddr, d.opts); err != nil {
		d.log.Debug("handshake ended", "peer", peerAddr, "err", err)
	}
}
