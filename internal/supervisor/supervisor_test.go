package supervisor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/knockproto/letmein/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type fakeLease struct {
	mu          sync.Mutex
	cleared     bool
	reloads     int
	clearErr    error
	reloadErr   error
	lastFamily  string
	lastTable   string
	lastChain   string
	maintainErr error
}

func (f *fakeLease) Maintain() error { return f.maintainErr }

func (f *fakeLease) Reload(family, table, chainInput string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	f.lastFamily, f.lastTable, f.lastChain = family, table, chainInput
	return f.reloadErr
}

func (f *fakeLease) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return f.clearErr
}

func (f *fakeLease) reloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func (f *fakeLease) wasCleared() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func TestSIGTERMStopsCleanlyAndClears(t *testing.T) {
	lease := &fakeLease{}
	s := supervisor.New(supervisor.Options{
		Dispatcher:        blockingRunner{},
		DispatcherFatal:   make(chan error),
		Lease:             lease,
		MaintenancePeriod: time.Hour,
		Log:               testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	syscall.Kill(os.Getpid(), syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on SIGTERM", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
	if !lease.wasCleared() {
		t.Error("expected Clear to be called on exit")
	}
}

func TestSIGINTStopsWithError(t *testing.T) {
	lease := &fakeLease{}
	s := supervisor.New(supervisor.Options{
		Dispatcher:        blockingRunner{},
		DispatcherFatal:   make(chan error),
		Lease:             lease,
		MaintenancePeriod: time.Hour,
		Log:               testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	syscall.Kill(os.Getpid(), syscall.SIGINT)

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() = nil, want an error on SIGINT")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGINT")
	}
	if !lease.wasCleared() {
		t.Error("expected Clear to be called on exit")
	}
}

func TestSIGHUPReloadsWithoutStopping(t *testing.T) {
	lease := &fakeLease{}
	reloadCalled := int32(0)
	s := supervisor.New(supervisor.Options{
		Dispatcher:        blockingRunner{},
		DispatcherFatal:   make(chan error),
		Lease:             lease,
		MaintenancePeriod: time.Hour,
		Reload: func() (string, string, string, error) {
			atomic.AddInt32(&reloadCalled, 1)
			return "inet", "filter", "B", nil
		},
		Log: testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	syscall.Kill(os.Getpid(), syscall.SIGHUP)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&reloadCalled) != 1 {
		t.Fatalf("reload called %d times, want 1", reloadCalled)
	}
	if lease.reloadCount() != 1 {
		t.Fatalf("lease.Reload called %d times, want 1", lease.reloadCount())
	}
	if lease.lastChain != "B" {
		t.Errorf("lease.Reload chain = %q, want B", lease.lastChain)
	}

	syscall.Kill(os.Getpid(), syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the subsequent SIGTERM")
	}
}

func TestDispatcherFatalStopsTheLoop(t *testing.T) {
	lease := &fakeLease{}
	fatal := make(chan error, 1)
	s := supervisor.New(supervisor.Options{
		Dispatcher:        blockingRunner{},
		DispatcherFatal:   fatal,
		Lease:             lease,
		MaintenancePeriod: time.Hour,
		Log:               testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	fatal <- errors.New("accept failed")

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() = nil, want the dispatcher's fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a dispatcher fatal error")
	}
	if !lease.wasCleared() {
		t.Error("expected Clear to be called on exit")
	}
}

func TestMaintenanceFailureIsFatal(t *testing.T) {
	lease := &fakeLease{maintainErr: errors.New("firewall unreachable")}
	s := supervisor.New(supervisor.Options{
		Dispatcher:        blockingRunner{},
		DispatcherFatal:   make(chan error),
		Lease:             lease,
		MaintenancePeriod: 10 * time.Millisecond,
		Log:               testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() = nil, want a maintenance error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a maintenance failure")
	}
}

func TestClearFailureSurfacesAsError(t *testing.T) {
	lease := &fakeLease{clearErr: errors.New("cannot flush chain")}
	s := supervisor.New(supervisor.Options{
		Dispatcher:        blockingRunner{},
		DispatcherFatal:   make(chan error),
		Lease:             lease,
		MaintenancePeriod: time.Hour,
		Log:               testLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	syscall.Kill(os.Getpid(), syscall.SIGTERM)

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() = nil, want the Clear failure surfaced as an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
}
