package protocol

import "errors"

var (
	// ErrMalformed is returned when a packet is not exactly Size bytes, has
	// an invalid magic value, or names an unrecognised operation.
	ErrMalformed = errors.New("malformed message")

	// ErrAuth is returned when a message fails authenticator verification.
	// The server treats this identically to a network-level failure and
	// never replies, so as not to give an attacker an oracle.
	ErrAuth = errors.New("authentication failed")

	// ErrTimeout names a handshake that exceeded its deadline. The handshake
	// code does not return it: deadline expiry surfaces as the connection's
	// own net.Error with Timeout() true.
	ErrTimeout = errors.New("handshake timed out")
)
