// Package config handles reading and writing letmein configuration files in
// YAML format.
//
// Server config is stored at /etc/letmein/server.yaml (default).
// Client config is stored at ~/.letmein/client.yaml.
//
// Config loading sits outside the authentication core's scope (spec §1): the
// core only ever sees the resolved maps (UserId -> Key, Port -> ResourceId)
// and the nftables naming, never the file on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	internlcrypto "github.com/knockproto/letmein/internal/crypto"
	"github.com/knockproto/letmein/pkg/protocol"
)

// NFTables holds the packet-filter naming the firewall backend projects the
// lease set into.
type NFTables struct {
	// Family is the nftables address family: "inet", "ip" or "ip6".
	Family string `yaml:"family"`

	// Table is the nftables table name.
	Table string `yaml:"table"`

	// ChainInput is the managed chain name.
	ChainInput string `yaml:"chain-input"`
}

// ServerConfig is the top-level structure for /etc/letmein/server.yaml.
type ServerConfig struct {
	General struct {
		// Port is the TCP port the server listens on for handshakes.
		Port uint16 `yaml:"port"`

		// DefaultUser is the UserId assumed when a knock does not name one.
		DefaultUser uint32 `yaml:"default_user"`

		// MaxConnections bounds concurrent in-flight handshakes.
		MaxConnections int `yaml:"max_connections"`

		// HandshakeTimeout bounds a single handshake's wall-clock duration.
		HandshakeTimeout Duration `yaml:"handshake_timeout"`

		// LeaseTimeout is how long a successful knock's lease stays open.
		LeaseTimeout Duration `yaml:"lease_timeout"`

		// MaintenancePeriod is how often expired leases are swept.
		MaintenancePeriod Duration `yaml:"maintenance_period"`
	} `yaml:"general"`

	// Keys maps a hex-encoded UserId to its hex-encoded 256-bit key.
	Keys map[string]string `yaml:"keys"`

	// Resources maps a hex-encoded ResourceId to the port it names.
	Resources map[string]uint16 `yaml:"resources"`

	NFTables NFTables `yaml:"nftables"`
}

// DefaultServerConfig returns a ServerConfig with the defaults from spec §5.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.General.Port = 5555
	cfg.General.DefaultUser = 1
	cfg.General.MaxConnections = 8
	cfg.General.HandshakeTimeout = Duration{10 * time.Second}
	cfg.General.LeaseTimeout = Duration{60 * time.Minute}
	cfg.General.MaintenancePeriod = Duration{5 * time.Second}
	cfg.Keys = make(map[string]string)
	cfg.Resources = make(map[string]uint16)
	cfg.NFTables = NFTables{Family: "inet", Table: "filter", ChainInput: "LETMEIN-INPUT"}
	return cfg
}

// LoadServerConfig reads and parses a server config file from path.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config %s: %w", path, err)
	}
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	return cfg, nil
}

// SaveServerConfig writes the server config to path, creating directories
// as needed.
func SaveServerConfig(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling server config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ParsedKeys decodes cfg.Keys into a UserId -> Key map.
func (cfg *ServerConfig) ParsedKeys() (map[uint32]protocol.Key, error) {
	out := make(map[uint32]protocol.Key, len(cfg.Keys))
	for userHex, keyHex := range cfg.Keys {
		user, err := parseHexUint32(userHex)
		if err != nil {
			return nil, fmt.Errorf("key section: user id %q: %w", userHex, err)
		}
		key, err := internlcrypto.DecodeKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("key section: user %08X: %w", user, err)
		}
		out[user] = key
	}
	return out, nil
}

// ParsedResources decodes cfg.Resources into a ResourceId -> Port map and
// its inverse, Port -> ResourceId (ports uniquely identify a resource).
func (cfg *ServerConfig) ParsedResources() (byResource map[uint32]uint16, byPort map[uint16]uint32, err error) {
	byResource = make(map[uint32]uint16, len(cfg.Resources))
	byPort = make(map[uint16]uint32, len(cfg.Resources))
	for resHex, port := range cfg.Resources {
		res, err := parseHexUint32(resHex)
		if err != nil {
			return nil, nil, fmt.Errorf("resources section: resource id %q: %w", resHex, err)
		}
		if other, exists := byPort[port]; exists {
			return nil, nil, fmt.Errorf("resources section: port %d mapped to both %08X and %08X", port, other, res)
		}
		byResource[res] = port
		byPort[port] = res
	}
	return byResource, byPort, nil
}

// ValidateNFTFamily checks that cfg.NFTables.Family is one of the families
// the firewall backend accepts, surfacing an invalid family as a config
// error at startup.
func (cfg *ServerConfig) ValidateNFTFamily() error {
	switch cfg.NFTables.Family {
	case "inet", "ip", "ip6":
		return nil
	default:
		return fmt.Errorf("unknown nftables family %q (want inet, ip or ip6)", cfg.NFTables.Family)
	}
}

func parseHexUint32(s string) (uint32, error) {
	var v uint32
	if _, err := fmt.Sscanf(s, "%08x", &v); err != nil {
		if _, err2 := fmt.Sscanf(s, "0x%08x", &v); err2 != nil {
			return 0, fmt.Errorf("not a hex uint32: %w", err)
		}
	}
	return v, nil
}

// ClientProfile is a single named client profile in the client config.
type ClientProfile struct {
	// ServerHost is the hostname or literal address of the letmein server.
	ServerHost string `yaml:"server_host"`

	// ServerPort is the TCP port the server listens on for handshakes.
	ServerPort uint16 `yaml:"server_port"`

	// User is the UserId this profile knocks as.
	User uint32 `yaml:"user"`

	// Key is the hex-encoded 256-bit shared secret for User.
	Key string `yaml:"key"`

	// Resources maps a hex-encoded ResourceId to the port it names, mirroring
	// the server's own [RESOURCES] mapping (spec §4.3: the client resolves
	// the resource-id for a knock port from its own configuration).
	Resources map[string]uint16 `yaml:"resources"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// ParsedResources decodes p.Resources into a Port -> ResourceId map, the
// client-side mirror of ServerConfig.ParsedResources.
func (p *ClientProfile) ParsedResources() (map[uint16]uint32, error) {
	byPort := make(map[uint16]uint32, len(p.Resources))
	for resHex, port := range p.Resources {
		res, err := parseHexUint32(resHex)
		if err != nil {
			return nil, fmt.Errorf("resources section: resource id %q: %w", resHex, err)
		}
		byPort[port] = res
	}
	return byPort, nil
}

// ClientConfig is the top-level structure for ~/.letmein/client.yaml.
type ClientConfig struct {
	// Profiles maps profile names to their configuration. The profile named
	// "default" is used when no profile is specified.
	Profiles map[string]*ClientProfile `yaml:"profiles"`
}

// DefaultClientConfigPath returns the default path to the client config file.
func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".letmein/client.yaml"
	}
	return filepath.Join(home, ".letmein", "client.yaml")
}

// LoadClientConfig reads and parses a client config file from path.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config %s: %w", path, err)
	}
	cfg := &ClientConfig{Profiles: make(map[string]*ClientProfile)}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}
	return cfg, nil
}

// SaveClientConfig writes the client config to path, creating directories as
// needed. The file is written with 0600 permissions since it contains keys.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling client config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// GetProfile returns the named profile, falling back to "default" if name is
// empty. Returns an error if the profile does not exist.
func GetProfile(cfg *ClientConfig, name string) (*ClientProfile, error) {
	if name == "" {
		name = "default"
	}
	p, ok := cfg.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found in client config", name)
	}
	return p, nil
}

// SortedUserIDs returns the cfg.Keys user ids in ascending order, useful for
// deterministic listings.
func SortedUserIDs(keys map[uint32]protocol.Key) []uint32 {
	out := make([]uint32, 0, len(keys))
	for u := range keys {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Duration is a wrapper around time.Duration that supports YAML marshalling
// in human-readable form (e.g. "30s", "1m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}
