package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/knockproto/letmein/internal/client"
	"github.com/knockproto/letmein/internal/handshake"
	"github.com/knockproto/letmein/pkg/protocol"
)

func testKey(b byte) protocol.Key {
	var k protocol.Key
	for i := range k {
		k[i] = b
	}
	return k
}

// startTestServer runs a single-shot handshake server on a loopback TCP
// listener and returns its port.
func startTestServer(t *testing.T, key protocol.Key) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = handshake.RunServer(context.Background(), conn, net.ParseIP("127.0.0.1"), handshake.ServerOptions{
			LookupKey:      func(user uint32) (protocol.Key, bool) { return key, user == 1 },
			LookupResource: func(resource uint32) (uint16, bool) { return 22, resource == 0x2A },
			Open:           func(ctx context.Context, addr net.IP, port uint16) error { return nil },
		})
	}()

	return ln.Addr().(*net.TCPAddr).AddrPort().Port()
}

func TestKnockHappyPath(t *testing.T) {
	key := testKey(1)
	port := startTestServer(t, key)

	err := client.Knock(client.Options{
		Host:       "127.0.0.1",
		AddrMode:   client.IPv4Only,
		ServerPort: port,
		KnockPort:  22,
		User:       1,
		LookupKey:  func(user uint32) (protocol.Key, bool) { return key, true },
		LookupResource: func(knockPort uint16) (uint32, bool) {
			if knockPort == 22 {
				return 0x2A, true
			}
			return 0, false
		},
		ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Knock: %v", err)
	}
}

func TestKnockUnknownPortIsConfigError(t *testing.T) {
	err := client.Knock(client.Options{
		Host:       "127.0.0.1",
		AddrMode:   client.IPv4Only,
		ServerPort: 1,
		KnockPort:  9999,
		User:       1,
		LookupKey:      func(user uint32) (protocol.Key, bool) { return testKey(1), true },
		LookupResource: func(knockPort uint16) (uint32, bool) { return 0, false },
	})
	var cerr *client.Error
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asClientError(err, &cerr) || cerr.Kind != client.KindConfig {
		t.Errorf("err = %v, want KindConfig", err)
	}
}

func TestKnockNoKeyIsConfigError(t *testing.T) {
	err := client.Knock(client.Options{
		Host:           "127.0.0.1",
		AddrMode:       client.IPv4Only,
		ServerPort:     1,
		KnockPort:      22,
		User:           5,
		LookupKey:      func(user uint32) (protocol.Key, bool) { return protocol.Key{}, false },
		LookupResource: func(knockPort uint16) (uint32, bool) { return 0x2A, true },
	})
	var cerr *client.Error
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asClientError(err, &cerr) || cerr.Kind != client.KindConfig {
		t.Errorf("err = %v, want KindConfig", err)
	}
}

func TestKnockWrongKeyIsProtocolError(t *testing.T) {
	serverKey := testKey(1)
	port := startTestServer(t, serverKey)

	err := client.Knock(client.Options{
		Host:           "127.0.0.1",
		AddrMode:       client.IPv4Only,
		ServerPort:     port,
		KnockPort:      22,
		User:           1,
		LookupKey:      func(user uint32) (protocol.Key, bool) { return testKey(2), true },
		LookupResource: func(knockPort uint16) (uint32, bool) { return 0x2A, true },
		ConnectTimeout: time.Second,
	})
	if err == nil {
		t.Fatal("expected an error for wrong key")
	}
	var cerr *client.Error
	if !asClientError(err, &cerr) || cerr.Kind != client.KindProtocol {
		t.Errorf("err = %v, want KindProtocol", err)
	}
}

func asClientError(err error, target **client.Error) bool {
	ce, ok := err.(*client.Error)
	if !ok {
		return false
	}
	*target = ce
	return true
}
