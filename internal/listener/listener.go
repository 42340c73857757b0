// Package listener provides the connection source for the dispatcher: an
// inherited systemd socket when available, otherwise a freshly bound TCP
// listener, with peer addresses canonicalized on accept (spec §4.4).
package listener

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
)

// Listener accepts connections from either an inherited systemd socket or a
// freshly bound TCP listener.
type Listener struct {
	ln net.Listener
}

// New binds a Listener. If allowInherited is true and a systemd-activated
// listening socket is available (LISTEN_FDS set by the service manager), it
// is adopted in place of binding bindAddr itself.
func New(bindAddr string, port uint16, allowInherited bool) (*Listener, error) {
	if allowInherited {
		if ln, ok, err := inheritedListener(); err != nil {
			return nil, fmt.Errorf("adopting systemd socket: %w", err)
		} else if ok {
			return &Listener{ln: ln}, nil
		}
	}

	addr := net.JoinHostPort(bindAddr, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// inheritedListener adopts the first socket systemd passed via LISTEN_FDS,
// if any. ok is false (with a nil error) when no socket was inherited.
func inheritedListener() (net.Listener, bool, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, false, err
	}
	for _, ln := range listeners {
		if ln != nil {
			return ln, true, nil
		}
	}
	return nil, false, nil
}

// Accept waits for and returns the next connection, with its peer address
// canonicalized: an IPv4-mapped IPv6 address is flattened to its IPv4 form
// so that a single (addr, port) lease identity is never entered twice under
// two representations.
func (l *Listener) Accept() (net.Conn, net.IP, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, nil, err
	}
	return conn, canonicalPeerAddr(conn.RemoteAddr()), nil
}

// Close closes the underlying listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func canonicalPeerAddr(addr net.Addr) net.IP {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
	if v4 := tcpAddr.IP.To4(); v4 != nil {
		return v4
	}
	return tcpAddr.IP
}
