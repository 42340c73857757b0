// Package client implements the letmein knock client: resolve the server
// address, open a TCP connection (with address-family fallback), and run
// the client side of the challenge/response handshake.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/knockproto/letmein/internal/handshake"
	"github.com/knockproto/letmein/pkg/protocol"
)

// AddrMode selects which address families a knock is attempted over,
// mirroring the original letmein client's tie-break rules (spec §4.2).
type AddrMode int

const (
	// TryBoth resolves both families for a hostname and tries IPv6 then
	// IPv4 in sequence; success of either counts as success. For a literal
	// address, only the matching family is attempted.
	TryBoth AddrMode = iota

	// Both requires both IPv6 and IPv4 to succeed.
	Both

	// IPv4Only attempts only IPv4.
	IPv4Only

	// IPv6Only attempts only IPv6.
	IPv6Only
)

// ConfigError, NetworkError, ProtocolError and Timeout classify a Knock
// failure per the error taxonomy in spec §7. The Kind field of Error holds
// one of these strings.
const (
	KindConfig   = "ConfigError"
	KindNetwork  = "NetworkError"
	KindProtocol = "ProtocolError"
	KindTimeout  = "Timeout"
)

// Error wraps a Knock failure with its taxonomy kind.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ResourceLookup resolves the resource-id mapped to a knock port. Returning
// false means the port has no mapped resource.
type ResourceLookup func(knockPort uint16) (resource uint32, ok bool)

// KeyLookup resolves the key for a user. Returning false means no key is
// configured for that user.
type KeyLookup func(user uint32) (protocol.Key, bool)

// Options holds the parameters for a single knock sequence.
type Options struct {
	Host       string
	AddrMode   AddrMode
	ServerPort uint16
	KnockPort  uint16
	User       uint32

	LookupKey      KeyLookup
	LookupResource ResourceLookup

	ConnectTimeout    time.Duration
	HandshakeDeadline time.Duration
	Verbose           bool
}

// Knock resolves opts.Host, opens a TCP connection (retrying per AddrMode),
// and runs the client handshake. It returns a *Error classifying the
// failure per spec §4.3.
func Knock(opts Options) error {
	key, ok := opts.LookupKey(opts.User)
	if !ok {
		return &Error{KindConfig, fmt.Errorf("no key configured for user %08X", opts.User)}
	}
	resource, ok := opts.LookupResource(opts.KnockPort)
	if !ok {
		return &Error{KindConfig, fmt.Errorf("port %d is not mapped to a resource", opts.KnockPort)}
	}

	networks := networksFor(opts.AddrMode, opts.Host)

	var lastErr error
	succeeded := false
	for _, network := range networks {
		err := knockOnce(network, opts, key, resource)
		if err == nil {
			succeeded = true
			if opts.AddrMode != Both {
				return nil
			}
			continue
		}
		lastErr = err
		if opts.AddrMode == Both {
			return err
		}
	}
	if opts.AddrMode == Both {
		if succeeded {
			return nil
		}
		return lastErr
	}
	if succeeded {
		return nil
	}
	return lastErr
}

func knockOnce(network string, opts Options, key protocol.Key, resource uint32) error {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	addr := net.JoinHostPort(opts.Host, fmt.Sprint(opts.ServerPort))

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial(network, addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &Error{KindTimeout, err}
		}
		return &Error{KindNetwork, err}
	}
	defer conn.Close()

	err = handshake.RunClient(conn, handshake.ClientOptions{
		User:     opts.User,
		Resource: resource,
		Key:      key,
		Deadline: opts.HandshakeDeadline,
		Verbose:  opts.Verbose,
	})
	if err == nil {
		return nil
	}
	// A server that rejects the knock closes without a reply, which reaches
	// the client as a malformed (short) read.
	if errors.Is(err, protocol.ErrAuth) || errors.Is(err, protocol.ErrMalformed) {
		return &Error{KindProtocol, err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{KindTimeout, err}
	}
	return &Error{KindNetwork, err}
}

// networksFor returns the "tcp4"/"tcp6" network names to attempt, in order,
// per spec's tie-break rules.
func networksFor(mode AddrMode, host string) []string {
	if mode == IPv4Only {
		return []string{"tcp4"}
	}
	if mode == IPv6Only {
		return []string{"tcp6"}
	}

	if mode == Both {
		return []string{"tcp6", "tcp4"}
	}

	// TryBoth: a literal address only attempts its own family; a hostname
	// tries both, IPv6 first.
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return []string{"tcp4"}
		}
		return []string{"tcp6"}
	}
	return []string{"tcp6", "tcp4"}
}
