// Package lease tracks which (address, port) pairs are currently authorized
// and keeps the firewall's ruleset in sync with that set (spec §4.6).
package lease

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/knockproto/letmein/internal/firewall"
)

// id identifies one lease: a single source address authorized for a single
// port. Two requests from the same address for different ports hold two
// independent leases.
type id struct {
	addr string // net.IP.String(), so equal addresses compare equal as map keys
	port uint16
}

// Engine is the in-memory set of currently-open leases, kept synchronized
// with the host firewall. Every mutation re-renders the whole lease set into
// a Ruleset and applies it in one atomic transaction (spec §4.6, §4.7):
// there is no incremental "add one rule" path, so the firewall can never
// drift from the lease set even if a process restart interleaves with a
// knock.
type Engine struct {
	mu      sync.Mutex
	leases  map[id]time.Time // value is the expiry deadline
	timeout time.Duration

	backend    firewall.Backend
	family     string
	table      string
	chainInput string

	log *slog.Logger
}

// New constructs an Engine and immediately clears the managed chain, so the
// firewall starts from a known-empty state regardless of what a previous
// run left behind.
func New(backend firewall.Backend, timeout time.Duration, family, table, chainInput string, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		leases:     make(map[id]time.Time),
		timeout:    timeout,
		backend:    backend,
		family:     family,
		table:      table,
		chainInput: chainInput,
		log:        log,
	}
	if err := e.apply(); err != nil {
		return nil, fmt.Errorf("initializing firewall: %w", err)
	}
	return e, nil
}

// Open authorizes addr for port, refreshing its deadline if a lease already
// exists or inserting a new lease otherwise, and then reprojects the
// firewall. If that projection fails, a just-inserted lease is rolled back
// so the in-memory set never claims an authorization the firewall doesn't
// actually grant; a refreshed lease keeps its new deadline.
func (e *Engine) Open(addr net.IP, port uint16) error {
	key := id{addr: addr.String(), port: port}
	deadline := time.Now().Add(e.timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	_, existed := e.leases[key]
	e.leases[key] = deadline

	if err := e.applyLocked(); err != nil {
		if !existed {
			delete(e.leases, key)
		}
		return fmt.Errorf("opening lease for %s:%d: %w", key.addr, port, err)
	}
	if existed {
		e.log.Info("lease renewed", "addr", key.addr, "port", port, "deadline", deadline)
		return nil
	}
	e.log.Info("lease opened", "addr", key.addr, "port", port, "deadline", deadline)
	return nil
}

// Maintain sweeps expired leases and reprojects the firewall if the set
// changed. It is meant to be called periodically by the supervisor's
// maintenance tick (spec §4.8).
func (e *Engine) Maintain() error {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	before := len(e.leases)
	for key, deadline := range e.leases {
		if now.After(deadline) || now.Equal(deadline) {
			delete(e.leases, key)
		}
	}
	if len(e.leases) == before {
		return nil
	}

	if err := e.applyLocked(); err != nil {
		return fmt.Errorf("reprojecting after expiry sweep: %w", err)
	}
	e.log.Info("expired leases swept", "removed", before-len(e.leases), "remaining", len(e.leases))
	return nil
}

// Clear drops every lease and empties the managed chain. It is called on
// every supervisor exit path so a stopped daemon never leaves stale accept
// rules behind (spec §4.8).
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.leases = make(map[id]time.Time)
	if err := e.applyLocked(); err != nil {
		return fmt.Errorf("clearing leases: %w", err)
	}
	e.log.Info("all leases cleared")
	return nil
}

// Reload re-projects the current, unchanged lease set under possibly new
// firewall naming (family/table/chain), for example after a config file
// rewrite triggers a hangup signal. The lease set itself is untouched: only
// where it gets projected to changes.
func (e *Engine) Reload(family, table, chainInput string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	oldFamily, oldTable, oldChain := e.family, e.table, e.chainInput
	changed := oldFamily != family || oldTable != table || oldChain != chainInput

	e.family, e.table, e.chainInput = family, table, chainInput
	if err := e.applyLocked(); err != nil {
		e.family, e.table, e.chainInput = oldFamily, oldTable, oldChain
		return fmt.Errorf("reloading firewall projection: %w", err)
	}

	if changed {
		// Flush the old chain: it no longer holds the lease set and would
		// otherwise keep stale accept rules in force indefinitely.
		empty := firewall.Ruleset{Family: oldFamily, Table: oldTable, ChainInput: oldChain}
		if err := e.backend.Apply(empty); err != nil {
			e.log.Error("flushing previous chain after reload", "table", oldTable, "chain", oldChain, "err", err)
		}
	}

	e.log.Info("lease set reprojected after reload", "family", family, "table", table, "chain", chainInput)
	return nil
}

// Len reports the number of currently held leases. Intended for tests and
// diagnostics.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.leases)
}

// applyLocked renders the current lease set into a Ruleset and submits it to
// the backend. Callers must hold e.mu.
func (e *Engine) applyLocked() error {
	return e.apply()
}

func (e *Engine) apply() error {
	rs := firewall.Ruleset{
		Family:     e.family,
		Table:      e.table,
		ChainInput: e.chainInput,
		Rules:      make([]firewall.Rule, 0, len(e.leases)),
	}
	for key := range e.leases {
		rs.Rules = append(rs.Rules, firewall.Rule{Addr: net.ParseIP(key.addr), Port: key.port})
	}
	return e.backend.Apply(rs)
}
