// Package supervisor owns the daemon's runtime loop: it starts the
// dispatcher, ticks the lease engine's maintenance sweep, and multiplexes
// OS signals with the dispatcher's and maintenance ticker's fatal paths
// (spec §4.8).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Runner starts the accept loop. It must return once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// LeaseEngine is the subset of *lease.Engine the supervisor drives.
type LeaseEngine interface {
	Maintain() error
	Reload(family, table, chainInput string) error
	Clear() error
}

// Reloader re-reads configuration on a hangup signal and returns the
// (possibly changed) nftables naming to reproject the lease set under.
type Reloader func() (family, table, chainInput string, err error)

// Options configures a Supervisor.
type Options struct {
	Dispatcher        Runner
	DispatcherFatal   <-chan error
	Lease             LeaseEngine
	MaintenancePeriod time.Duration
	Reload            Reloader
	Log               *slog.Logger
}

// Supervisor runs the daemon's main loop until a terminal signal or fatal
// error, then unconditionally clears every lease before returning.
type Supervisor struct {
	opts Options
}

// New constructs a Supervisor. MaintenancePeriod defaults to 5s if unset.
func New(opts Options) *Supervisor {
	if opts.MaintenancePeriod <= 0 {
		opts.MaintenancePeriod = 5 * time.Second
	}
	return &Supervisor{opts: opts}
}

// Run starts the dispatcher and the maintenance ticker, then blocks until
// SIGTERM, SIGINT, a fatal dispatcher error, or a fatal maintenance error.
// SIGHUP reloads configuration and reprojects the lease set without
// stopping the loop. Whatever the exit path, Clear() is always called
// before Run returns (spec §4.8).
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sig)

	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- s.opts.Dispatcher.Run(ctx) }()

	ticker := time.NewTicker(s.opts.MaintenancePeriod)
	defer ticker.Stop()

	maintenanceFatal := make(chan error, 1)

	runErr := s.loop(ctx, sig, ticker, maintenanceFatal)

	cancel()
	<-dispatcherDone

	if clearErr := s.opts.Lease.Clear(); clearErr != nil {
		s.opts.Log.Error("clearing leases on exit", "err", clearErr)
		if runErr == nil {
			runErr = fmt.Errorf("clearing leases on exit: %w", clearErr)
		}
	}
	return runErr
}

func (s *Supervisor) loop(ctx context.Context, sig <-chan os.Signal, ticker *time.Ticker, maintenanceFatal chan error) error {
	for {
		select {
		case got := <-sig:
			switch got {
			case syscall.SIGTERM:
				s.opts.Log.Info("received SIGTERM, shutting down")
				return nil
			case syscall.SIGINT:
				s.opts.Log.Info("received SIGINT, shutting down")
				return fmt.Errorf("interrupted")
			case syscall.SIGHUP:
				s.handleHangup()
			}

		case <-ticker.C:
			if err := s.opts.Lease.Maintain(); err != nil {
				s.opts.Log.Error("maintenance sweep failed", "err", err)
				select {
				case maintenanceFatal <- err:
				default:
				}
			}

		case err := <-s.opts.DispatcherFatal:
			return fmt.Errorf("dispatcher: %w", err)

		case err := <-maintenanceFatal:
			return fmt.Errorf("maintenance: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleHangup reloads configuration and reprojects the lease set under it.
// Per spec §4.8, a failure in either step is logged but never fatal; the
// loop continues with whatever configuration was last successfully loaded.
func (s *Supervisor) handleHangup() {
	s.opts.Log.Info("received SIGHUP, reloading configuration")
	if s.opts.Reload == nil {
		return
	}
	family, table, chainInput, err := s.opts.Reload()
	if err != nil {
		s.opts.Log.Error("reloading configuration", "err", err)
		return
	}
	if err := s.opts.Lease.Reload(family, table, chainInput); err != nil {
		s.opts.Log.Error("reprojecting lease set after reload", "err", err)
	}
}
