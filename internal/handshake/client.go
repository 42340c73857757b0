package handshake

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/knockproto/letmein/pkg/protocol"
)

// ClientOptions configures one client-side handshake.
type ClientOptions struct {
	User     uint32
	Resource uint32
	Key      protocol.Key

	// Deadline bounds the whole handshake (spec: default 10s).
	Deadline time.Duration

	// Verbose, when set, prints a line per step to stderr — the same
	// narration style as the original client's --verbose flag.
	Verbose bool
}

// RunClient drives the client side of one handshake over conn: send Knock,
// await Challenge, send Response, await ComeIn/GoAway. It returns
// protocol.ErrAuth if the server's reply fails authenticator verification,
// protocol.ErrMalformed if the server closes the connection before a full
// reply arrives or sends a malformed record, or a wrapped I/O error on any
// other network failure.
func RunClient(conn net.Conn, opts ClientOptions) error {
	if opts.Deadline <= 0 {
		opts.Deadline = 10 * time.Second
	}
	if err := conn.SetDeadline(time.Now().Add(opts.Deadline)); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}

	knock, err := protocol.NewMessage(protocol.OpKnock, opts.User, opts.Resource)
	if err != nil {
		return fmt.Errorf("building knock: %w", err)
	}
	protocol.SignNoChallenge(knock, opts.Key)
	opts.logf("Sending 'Knock' packet.")
	if err := writeMessage(conn, knock); err != nil {
		return fmt.Errorf("sending knock: %w", err)
	}

	opts.logf("Receiving 'Challenge' packet.")
	challenge, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	opts.checkEcho(challenge)
	if !protocol.Verify(challenge, opts.Key, protocol.OpChallenge, opts.User, opts.Resource, nil) {
		return fmt.Errorf("%w: invalid challenge authenticator", protocol.ErrAuth)
	}

	response, err := protocol.NewMessage(protocol.OpResponse, opts.User, opts.Resource)
	if err != nil {
		return fmt.Errorf("building response: %w", err)
	}
	protocol.SignWithChallenge(response, opts.Key, challenge)
	opts.logf("Sending 'Response' packet.")
	if err := writeMessage(conn, response); err != nil {
		return fmt.Errorf("sending response: %w", err)
	}

	opts.logf("Receiving final reply.")
	reply, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	opts.checkEcho(reply)

	switch reply.Operation {
	case protocol.OpComeIn:
		if !protocol.Verify(reply, opts.Key, protocol.OpComeIn, opts.User, opts.Resource, challenge) {
			return fmt.Errorf("%w: invalid ComeIn authenticator", protocol.ErrAuth)
		}
		opts.logf("Knock sequence successful.")
		return nil
	case protocol.OpGoAway:
		if !protocol.Verify(reply, opts.Key, protocol.OpGoAway, opts.User, opts.Resource, challenge) {
			return fmt.Errorf("%w: invalid GoAway authenticator", protocol.ErrAuth)
		}
		return fmt.Errorf("%w: server declined the knock", protocol.ErrAuth)
	default:
		return fmt.Errorf("%w: unexpected final operation %s", protocol.ErrAuth, reply.Operation)
	}
}

// checkEcho warns (does not fail) if the server echoed back a different
// user/resource than the one we sent. The authenticator check is
// authoritative; this is purely diagnostic (spec §4.2).
func (o ClientOptions) checkEcho(m *protocol.Message) {
	if m.User != o.User {
		fmt.Fprintf(os.Stderr, "Warning: server replied with user %08X, expected %08X.\n", m.User, o.User)
	}
	if m.Resource != o.Resource {
		fmt.Fprintf(os.Stderr, "Warning: server replied with resource %08X, expected %08X.\n", m.Resource, o.Resource)
	}
}

func (o ClientOptions) logf(format string, args ...any) {
	if o.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}
