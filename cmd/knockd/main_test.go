package main

import (
	"testing"

	"github.com/knockproto/letmein/internal/config"
)

func testServerConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Keys["00000001"] = "1111111111111111111111111111111111111111111111111111111111111111"
	cfg.Resources["0000002a"] = 22
	return cfg
}

func TestLiveConfigLookups(t *testing.T) {
	lc, err := newLiveConfig(testServerConfig(t))
	if err != nil {
		t.Fatalf("newLiveConfig: %v", err)
	}

	if _, ok := lc.lookupKey(1); !ok {
		t.Error("expected user 1 to resolve")
	}
	if _, ok := lc.lookupKey(2); ok {
		t.Error("expected unknown user 2 to miss")
	}
	if port, ok := lc.lookupResource(0x2A); !ok || port != 22 {
		t.Errorf("lookupResource(0x2A) = (%d, %v), want (22, true)", port, ok)
	}
	if _, ok := lc.lookupResource(0x2B); ok {
		t.Error("expected unknown resource to miss")
	}
}

func TestLiveConfigReplaceSwapsAtomically(t *testing.T) {
	lc, err := newLiveConfig(testServerConfig(t))
	if err != nil {
		t.Fatalf("newLiveConfig: %v", err)
	}

	next := config.DefaultServerConfig()
	next.Keys["00000002"] = "2222222222222222222222222222222222222222222222222222222222222222"
	next.Resources["0000002b"] = 23

	if err := lc.replace(next); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, ok := lc.lookupKey(1); ok {
		t.Error("user 1 should no longer resolve after replace")
	}
	if _, ok := lc.lookupKey(2); !ok {
		t.Error("user 2 should resolve after replace")
	}
	if port, ok := lc.lookupResource(0x2B); !ok || port != 23 {
		t.Errorf("lookupResource(0x2B) = (%d, %v), want (23, true)", port, ok)
	}
}

func TestLiveConfigReplaceRejectsBadConfig(t *testing.T) {
	lc, err := newLiveConfig(testServerConfig(t))
	if err != nil {
		t.Fatalf("newLiveConfig: %v", err)
	}

	bad := config.DefaultServerConfig()
	bad.Keys["not-hex"] = "zz"

	if err := lc.replace(bad); err == nil {
		t.Error("expected replace to reject a malformed key section")
	}

	if _, ok := lc.lookupKey(1); !ok {
		t.Error("a failed replace must leave the previous snapshot in force")
	}
}
