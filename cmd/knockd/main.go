// Command knockd is the letmein port-knocking daemon: it accepts
// connections, runs the server side of the challenge/response handshake,
// and projects the resulting lease set into the host firewall (spec §4.8).
//
// Usage:
//
//	knockd --config /etc/letmein/server.yaml
//	knockd --config ./server.yaml --num-connections 16
//	knockd --config ./server.yaml --no-systemd
//	knockd keygen --user 0x00000001
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/spf13/cobra"

	internalcrypto "github.com/knockproto/letmein/internal/crypto"

	"github.com/knockproto/letmein/internal/config"
	"github.com/knockproto/letmein/internal/dispatcher"
	"github.com/knockproto/letmein/internal/firewall"
	"github.com/knockproto/letmein/internal/handshake"
	"github.com/knockproto/letmein/internal/lease"
	"github.com/knockproto/letmein/internal/listener"
	"github.com/knockproto/letmein/internal/supervisor"
	"github.com/knockproto/letmein/pkg/protocol"
)

const defaultServerConfigPath = "/etc/letmein/server.yaml"

// liveConfig is the RWMutex-guarded configuration snapshot spec §5 calls
// for: many handshake goroutines read it concurrently, a single SIGHUP
// handler replaces it wholesale. A handshake holds its read lock only for
// the duration of the two lookups it needs, so a reload is never blocked
// for longer than a single in-flight handshake step.
type liveConfig struct {
	mu      sync.RWMutex
	keys    map[uint32]protocol.Key
	resByID map[uint32]uint16
}

func newLiveConfig(cfg *config.ServerConfig) (*liveConfig, error) {
	lc := &liveConfig{}
	if err := lc.replace(cfg); err != nil {
		return nil, err
	}
	return lc, nil
}

func (lc *liveConfig) replace(cfg *config.ServerConfig) error {
	keys, err := cfg.ParsedKeys()
	if err != nil {
		return err
	}
	resByID, _, err := cfg.ParsedResources()
	if err != nil {
		return err
	}
	lc.mu.Lock()
	lc.keys, lc.resByID = keys, resByID
	lc.mu.Unlock()
	return nil
}

func (lc *liveConfig) lookupKey(user uint32) (protocol.Key, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	k, ok := lc.keys[user]
	return k, ok
}

func (lc *liveConfig) lookupResource(resource uint32) (uint16, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	port, ok := lc.resByID[resource]
	return port, ok
}

func main() {
	var (
		configPath     string
		numConnections int
		noSystemd      bool
		logLevel       string
	)

	root := &cobra.Command{
		Use:   "knockd",
		Short: "Port-knocking authentication daemon",
		Long: `knockd listens for authenticated knock sequences and opens a transient
firewall rule for the connecting address when one succeeds. All state is
volatile: a restart revokes every open port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := numConnections
			if !cmd.Flags().Changed("num-connections") {
				n = 0 // signals run() to fall back to the config file's value
			}
			return run(configPath, n, noSystemd, newLogger(logLevel))
		},
	}

	root.Flags().StringVar(&configPath, "config", defaultServerConfigPath, "server config file path")
	root.Flags().IntVar(&numConnections, "num-connections", 8, "maximum concurrent in-flight handshakes")
	root.Flags().BoolVar(&noSystemd, "no-systemd", false, "never adopt a systemd-activated socket, always bind fresh")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newKeygenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newKeygenCmd generates a fresh 256-bit key for a user, for an operator to
// paste into the [KEYS] section of a server config (and hand to that user
// out of band for their own client config).
func newKeygenCmd() *cobra.Command {
	var userHex string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh 256-bit shared secret for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := internalcrypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("user=%s key=%s\n", userHex, internalcrypto.EncodeKey(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&userHex, "user", "0x00000001", "UserId (hex) this key will be assigned to")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(configPath string, numConnections int, noSystemd bool, log *slog.Logger) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateNFTFamily(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	live, err := newLiveConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	backend := firewall.NewNFTBackend()
	leaseEngine, err := lease.New(backend, cfg.General.LeaseTimeout.Duration,
		cfg.NFTables.Family, cfg.NFTables.Table, cfg.NFTables.ChainInput, log)
	if err != nil {
		return fmt.Errorf("initializing firewall: %w", err)
	}

	ln, err := listener.New("::", cfg.General.Port, !noSystemd)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	opts := handshake.ServerOptions{
		LookupKey:      live.lookupKey,
		LookupResource: live.lookupResource,
		Open: func(ctx context.Context, addr net.IP, port uint16) error {
			return leaseEngine.Open(addr, port)
		},
		Deadline: cfg.General.HandshakeTimeout.Duration,
	}

	maxConn := numConnections
	if maxConn <= 0 {
		maxConn = cfg.General.MaxConnections
	}
	disp := dispatcher.New(ln, maxConn, opts, log)

	sup := supervisor.New(supervisor.Options{
		Dispatcher:        disp,
		DispatcherFatal:   disp.Fatal,
		Lease:             leaseEngine,
		MaintenancePeriod: cfg.General.MaintenancePeriod.Duration,
		Reload: func() (string, string, string, error) {
			reloaded, err := config.LoadServerConfig(configPath)
			if err != nil {
				return "", "", "", err
			}
			if err := reloaded.ValidateNFTFamily(); err != nil {
				return "", "", "", err
			}
			if err := live.replace(reloaded); err != nil {
				return "", "", "", err
			}
			cfg = reloaded
			return reloaded.NFTables.Family, reloaded.NFTables.Table, reloaded.NFTables.ChainInput, nil
		},
		Log: log,
	})

	log.Info("knockd starting", "port", cfg.General.Port, "max-connections", maxConn)
	return sup.Run(context.Background())
}
