// Package protocol defines the letmein challenge/response wire format.
//
// Packet layout (96 bytes total):
//
//	[magic(4)] [operation(4)] [user(4)] [resource(4)] [salt(16)] [payload(32)] [authenticator(32)]
//
// All integer fields are big-endian. The authenticator is an HMAC-SHA3-256
// tag computed over a canonical concatenation of the preceding fields (see
// SignNoChallenge and SignWithChallenge) using the key of the user named in
// the message.
//
// Authentication properties:
//   - Every message is bound to a specific operation, user and resource —
//     an authenticator cannot be replayed across operations or resources.
//   - From Challenge onward, the authenticator additionally binds the
//     16-byte challenge nonce, so a Response cannot be forged without having
//     observed that specific Challenge.
//   - The salt is drawn freshly at random by NewMessage, so every message
//     built for sending carries a new salt, even when the rest of the fields
//     are unchanged from a prior send. Encode itself serializes the salt
//     already in the message (the authenticator covers it).
package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Operation identifies the role a Message plays in the handshake.
type Operation uint32

const (
	OpKnock Operation = 1 + iota
	OpChallenge
	OpResponse
	OpComeIn
	OpGoAway
)

func (op Operation) String() string {
	switch op {
	case OpKnock:
		return "Knock"
	case OpChallenge:
		return "Challenge"
	case OpResponse:
		return "Response"
	case OpComeIn:
		return "ComeIn"
	case OpGoAway:
		return "GoAway"
	default:
		return "Unknown"
	}
}

const (
	// Magic is the constant magic value every valid Message carries.
	Magic uint32 = 0x3B1FB7E5

	// UserSize is the size in bytes of a UserId field.
	UserSize = 4

	// ResourceSize is the size in bytes of a ResourceId field.
	ResourceSize = 4

	// SaltSize is the size in bytes of the per-message random salt.
	SaltSize = 16

	// PayloadSize is the size in bytes of the payload field. Only the first
	// ChallengeNonceSize bytes are meaningful (the Challenge nonce); the
	// remainder is reserved and always zero.
	PayloadSize = 32

	// ChallengeNonceSize is the size in bytes of the random challenge nonce
	// carried in a Challenge message's payload.
	ChallengeNonceSize = 16

	// AuthenticatorSize is the size in bytes of the HMAC-SHA3-256 tag.
	AuthenticatorSize = 32

	// KeySize is the size in bytes of a user's shared secret key (256 bits).
	KeySize = 32

	// headerSize is everything before the authenticator.
	headerSize = 4 + 4 + UserSize + ResourceSize + SaltSize + PayloadSize

	// Size is the total wire size of a Message.
	Size = headerSize + AuthenticatorSize
)

// Key is a 256-bit shared secret. It is never logged or serialized outside
// of HMAC input.
type Key [KeySize]byte

// Message is a single fixed-layout protocol record.
type Message struct {
	Operation     Operation
	User          uint32
	Resource      uint32
	Salt          [SaltSize]byte
	Payload       [PayloadSize]byte
	Authenticator [AuthenticatorSize]byte
}

// NewMessage builds a Message for the given operation/user/resource with a
// fresh random salt and a zeroed payload and authenticator. Callers must
// sign it with SignNoChallenge or SignWithChallenge before sending.
func NewMessage(op Operation, user, resource uint32) (*Message, error) {
	m := &Message{Operation: op, User: user, Resource: resource}
	if _, err := rand.Read(m.Salt[:]); err != nil {
		return nil, err
	}
	return m, nil
}

// SetChallengeNonce fills the payload with a fresh random nonce and returns
// it. Used by the server when constructing a Challenge message.
func (m *Message) SetChallengeNonce() ([ChallengeNonceSize]byte, error) {
	var nonce [ChallengeNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	m.Payload = [PayloadSize]byte{}
	copy(m.Payload[:ChallengeNonceSize], nonce[:])
	return nonce, nil
}

// ChallengeNonce returns the challenge nonce carried in the payload.
func (m *Message) ChallengeNonce() [ChallengeNonceSize]byte {
	var n [ChallengeNonceSize]byte
	copy(n[:], m.Payload[:ChallengeNonceSize])
	return n
}

// Encode serializes m into a fresh Size-byte slice, including its current
// Authenticator field. It does not sign the message.
func Encode(m *Message) []byte {
	buf := make([]byte, Size)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Operation))
	binary.BigEndian.PutUint32(buf[8:12], m.User)
	binary.BigEndian.PutUint32(buf[12:16], m.Resource)
	copy(buf[16:16+SaltSize], m.Salt[:])
	off := 16 + SaltSize
	copy(buf[off:off+PayloadSize], m.Payload[:])
	off += PayloadSize
	copy(buf[off:off+AuthenticatorSize], m.Authenticator[:])
	return buf
}

// Decode parses raw into a Message. It fails with ErrMalformed on a wrong
// length, a bad magic value, or an unrecognised operation.
func Decode(raw []byte) (*Message, error) {
	if len(raw) != Size {
		return nil, ErrMalformed
	}
	if binary.BigEndian.Uint32(raw[0:4]) != Magic {
		return nil, ErrMalformed
	}
	op := Operation(binary.BigEndian.Uint32(raw[4:8]))
	switch op {
	case OpKnock, OpChallenge, OpResponse, OpComeIn, OpGoAway:
	default:
		return nil, ErrMalformed
	}

	m := &Message{
		Operation: op,
		User:      binary.BigEndian.Uint32(raw[8:12]),
		Resource:  binary.BigEndian.Uint32(raw[12:16]),
	}
	off := 16
	copy(m.Salt[:], raw[off:off+SaltSize])
	off += SaltSize
	copy(m.Payload[:], raw[off:off+PayloadSize])
	off += PayloadSize
	copy(m.Authenticator[:], raw[off:off+AuthenticatorSize])
	return m, nil
}

// canonicalHeader renders the fields covered by the authenticator, in the
// fixed canonical order: magic, operation, user, resource, salt, payload.
// This order MUST match across client and server.
func canonicalHeader(m *Message) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Operation))
	binary.BigEndian.PutUint32(buf[8:12], m.User)
	binary.BigEndian.PutUint32(buf[12:16], m.Resource)
	off := 16
	copy(buf[off:off+SaltSize], m.Salt[:])
	off += SaltSize
	copy(buf[off:off+PayloadSize], m.Payload[:])
	return buf
}

// mac computes an HMAC-SHA3-256 tag over data keyed with key.
func mac(key Key, data []byte) [AuthenticatorSize]byte {
	h := hmac.New(sha3.New256, key[:])
	h.Write(data)
	var out [AuthenticatorSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignNoChallenge computes and stores the authenticator for a message that
// has no prior challenge to bind to: HMAC over (magic, operation, user,
// resource, salt, payload). Used for Knock (whose payload is always zero,
// giving exactly "payload-zeroed" semantics) and for Challenge (whose
// payload holds the fresh nonce, giving "the whole record including that
// payload" semantics) — the same canonical order covers both.
func SignNoChallenge(m *Message, key Key) {
	m.Authenticator = mac(key, canonicalHeader(m))
}

// SignWithChallenge computes and stores the authenticator for a message that
// proves receipt of a specific Challenge: the client's Response, and the
// server's ComeIn/GoAway. The MAC input is the full wire bytes of challenge
// followed by m's own canonical header, so the authenticator cannot be
// produced without having observed that exact challenge.
func SignWithChallenge(m *Message, key Key, challenge *Message) {
	data := append(Encode(challenge), canonicalHeader(m)...)
	m.Authenticator = mac(key, data)
}

// Verify checks that m carries a valid authenticator for the given key and
// expected operation/user/resource, and (for operations following a
// Challenge) the given challenge message. Comparison is constant-time.
func Verify(m *Message, key Key, expectOp Operation, expectUser, expectResource uint32, challenge *Message) bool {
	if m.Operation != expectOp || m.User != expectUser || m.Resource != expectResource {
		return false
	}
	var want [AuthenticatorSize]byte
	if challenge == nil {
		want = mac(key, canonicalHeader(m))
	} else {
		data := append(Encode(challenge), canonicalHeader(m)...)
		want = mac(key, data)
	}
	return hmac.Equal(want[:], m.Authenticator[:])
}
