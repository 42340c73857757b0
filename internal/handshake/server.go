// Package handshake drives one challenge/response exchange to completion,
// on both the server and client side of a connection (spec §4.2).
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/knockproto/letmein/pkg/protocol"
)

// KeyLookup resolves a UserId to its shared secret. It returns false if the
// user is unknown.
type KeyLookup func(user uint32) (protocol.Key, bool)

// ResourceLookup resolves a ResourceId to the port it authorizes opening.
// It returns false if the resource is unknown.
type ResourceLookup func(resource uint32) (port uint16, ok bool)

// Opener is called once a Knock/Response pair has verified, to request that
// the lease engine grant access. It returns an error if the grant failed
// (e.g. the firewall projection failed), in which case the server replies
// GoAway instead of ComeIn.
type Opener func(ctx context.Context, addr net.IP, port uint16) error

// ServerOptions configures one server-side handshake.
type ServerOptions struct {
	// LookupKey resolves a UserId to its key.
	LookupKey KeyLookup

	// LookupResource resolves a ResourceId to the port it authorizes.
	LookupResource ResourceLookup

	// Open grants the lease on successful authentication.
	Open Opener

	// Deadline bounds the whole handshake (spec: default 10s).
	Deadline time.Duration
}

// RunServer drives the server side of one handshake over conn. Every
// rejection path (malformed message, unknown user, unknown resource, bad
// authenticator, challenge mismatch) returns without sending a reply, and
// the caller then closes the connection — this is deliberate: it denies an
// oracle to an attacker probing user ids (spec §4.2, §7). RunServer does not
// close conn itself. It returns a non-nil error in all such cases purely for
// server-side logging; nothing derived from it should ever reach the wire.
func RunServer(ctx context.Context, conn net.Conn, peerAddr net.IP, opts ServerOptions) error {
	if opts.Deadline <= 0 {
		opts.Deadline = 10 * time.Second
	}
	deadline := time.Now().Add(opts.Deadline)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}

	knock, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("reading knock: %w", err)
	}
	if knock.Operation != protocol.OpKnock {
		return fmt.Errorf("%w: expected Knock, got %s", protocol.ErrAuth, knock.Operation)
	}
	key, ok := opts.LookupKey(knock.User)
	if !ok {
		return fmt.Errorf("%w: unknown user %08X", protocol.ErrAuth, knock.User)
	}
	targetPort, ok := opts.LookupResource(knock.Resource)
	if !ok {
		return fmt.Errorf("%w: unknown resource %08X", protocol.ErrAuth, knock.Resource)
	}
	if !protocol.Verify(knock, key, protocol.OpKnock, knock.User, knock.Resource, nil) {
		return fmt.Errorf("%w: invalid knock authenticator", protocol.ErrAuth)
	}

	challenge, err := protocol.NewMessage(protocol.OpChallenge, knock.User, knock.Resource)
	if err != nil {
		return fmt.Errorf("building challenge: %w", err)
	}
	if _, err := challenge.SetChallengeNonce(); err != nil {
		return fmt.Errorf("generating challenge nonce: %w", err)
	}
	protocol.SignNoChallenge(challenge, key)
	if err := writeMessage(conn, challenge); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}

	response, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if !protocol.Verify(response, key, protocol.OpResponse, knock.User, knock.Resource, challenge) {
		return fmt.Errorf("%w: invalid response authenticator", protocol.ErrAuth)
	}

	var reply *protocol.Message
	openErr := opts.Open(ctx, peerAddr, targetPort)
	if openErr == nil {
		reply, err = protocol.NewMessage(protocol.OpComeIn, knock.User, knock.Resource)
	} else {
		reply, err = protocol.NewMessage(protocol.OpGoAway, knock.User, knock.Resource)
	}
	if err != nil {
		return fmt.Errorf("building reply: %w", err)
	}
	protocol.SignWithChallenge(reply, key, challenge)
	if err := writeMessage(conn, reply); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	if openErr != nil {
		return fmt.Errorf("lease grant failed: %w", openErr)
	}
	return nil
}

func readMessage(r io.Reader) (*protocol.Message, error) {
	buf := make([]byte, protocol.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocol.ErrMalformed
		}
		return nil, err
	}
	return protocol.Decode(buf)
}

func writeMessage(w io.Writer, m *protocol.Message) error {
	_, err := w.Write(protocol.Encode(m))
	return err
}
