// Package config implements the YAML server configuration loader
// (external-collaborator role per the design notes, still implemented
// here since something has to parse it). Grounded on the teacher's
// config.SalmonCannonConfig (gopkg.in/yaml.v3, custom DurationString/
// SizeString unmarshalers, a SetDefaults pass), generalized from one
// bridge list to the route-table-shaped fields spec.md §6 names.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"p2proxy/internal/identity"
	"p2proxy/internal/routes"
	"p2proxy/internal/transport"
)

// DurationString supports "10s", "5m" (only lowercase s/m), the same
// restriction the teacher's type enforces.
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// SizeString supports "10K", "10M", "1G" (uppercase only), used here
// for the receive-buffer QUIC tuning knobs.
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "K"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "K")
	case strings.HasSuffix(raw, "M"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "G"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "G")
	default:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("invalid size string: %s (must end with 'K','M','G')", value.Value)
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = SizeString(v * multiplier)
	return nil
}

func (s SizeString) Bytes() uint64 {
	return uint64(s)
}

// GlobalLogConfig holds the optional general process log file
// settings, unchanged field-for-field from the teacher's type.
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
}

// PortConfig is one entry of server_ports.
type PortConfig struct {
	Name         string `yaml:"name"`
	Port         int    `yaml:"port"`
	HostIP       string `yaml:"host_ip,omitempty"`
	AllowAnyPeer bool   `yaml:"allow_any_peer,omitempty"`
}

// PeerConfig is one entry of peers.
type PeerConfig struct {
	NodeID         string   `yaml:"node_id"`
	AllowAnyPort   bool     `yaml:"allow_any_port,omitempty"`
	AllowNamedPorts []string `yaml:"allow_named_ports,omitempty"`
}

// Config is the full server configuration, unmarshaled from YAML and
// validated by Load into a route table and transport endpoint ready
// to hand to a server.Handler.
type Config struct {
	SecretKeyPath string `yaml:"secret_key_path,omitempty"`
	SecretKeyHex  string `yaml:"secret_key_hex,omitempty"`

	DefaultRoute string       `yaml:"default_route,omitempty"`
	ServerPorts  []PortConfig `yaml:"server_ports"`
	Peers        []PeerConfig `yaml:"peers,omitempty"`

	AccessLogPath string `yaml:"access_log_path,omitempty"`
	ListenAddr    string `yaml:"listen_addr,omitempty"`

	IdleTimeout          DurationString `yaml:"idle_timeout,omitempty"`
	MaxReceiveBufferSize SizeString     `yaml:"max_receive_buffer_size,omitempty"`
	InitialPacketSize    int            `yaml:"initial_packet_size,omitempty"`

	GlobalLog *GlobalLogConfig `yaml:"globallog,omitempty"`
}

// SetDefaults fills in the same kind of optional fields the teacher's
// SetDefaults fills, generalized to this config's shape.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:4433"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DurationString(30 * time.Second)
	}
	if c.InitialPacketSize == 0 {
		c.InitialPacketSize = 1350
	}
	if c.MaxReceiveBufferSize == 0 {
		c.MaxReceiveBufferSize = SizeString(6 * 1024 * 1024)
	}
	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{
			Filename:   "", // empty means log to stdout
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     28,
		}
	} else {
		if c.GlobalLog.MaxSize == 0 {
			c.GlobalLog.MaxSize = 20
		}
		if c.GlobalLog.MaxBackups == 0 {
			c.GlobalLog.MaxBackups = 5
		}
		if c.GlobalLog.MaxAge == 0 {
			c.GlobalLog.MaxAge = 28
		}
	}
}

// secretKey checks the cross-field rules spec.md §6 lays out for
// secret_key_path/secret_key_hex and returns the resolved secret key.
func (c *Config) secretKey() (ed25519.PrivateKey, error) {
	havePath := c.SecretKeyPath != ""
	haveHex := c.SecretKeyHex != ""
	if !havePath && !haveHex {
		return nil, fmt.Errorf("config: exactly one of secret_key_path or secret_key_hex must be given")
	}

	var fromHex ed25519.PrivateKey
	if haveHex {
		raw, err := hex.DecodeString(c.SecretKeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: secret_key_hex: %w", err)
		}
		fromHex, err = identity.LoadSecretKey(raw)
		if err != nil {
			return nil, fmt.Errorf("config: secret_key_hex: %w", err)
		}
	}

	var fromPath ed25519.PrivateKey
	if havePath {
		raw, err := os.ReadFile(c.SecretKeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: secret_key_path: %w", err)
		}
		fromPath, err = identity.LoadSecretKey([]byte(strings.TrimSpace(string(raw))))
		if err != nil {
			return nil, fmt.Errorf("config: secret_key_path: %w", err)
		}
	}

	switch {
	case havePath && haveHex:
		if !identity.NodeIDOf(fromPath).Equal(identity.NodeIDOf(fromHex)) {
			return nil, fmt.Errorf("config: secret_key_path and secret_key_hex decode to different keys")
		}
		return fromPath, nil
	case havePath:
		return fromPath, nil
	default:
		return fromHex, nil
	}
}

// routePeers converts the YAML peer list into routes.PeerPermission,
// resolving each node_id string to an identity.NodeID.
func (c *Config) routePeers() ([]routes.PeerPermission, error) {
	out := make([]routes.PeerPermission, 0, len(c.Peers))
	for _, p := range c.Peers {
		node, err := identity.ParseNodeID(p.NodeID)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q: %w", p.NodeID, err)
		}
		out = append(out, routes.PeerPermission{
			Node:           node,
			AllowAnyPort:   p.AllowAnyPort,
			AllowNamedPorts: p.AllowNamedPorts,
		})
	}
	return out, nil
}

func (c *Config) routePorts() []routes.PortSpec {
	out := make([]routes.PortSpec, 0, len(c.ServerPorts))
	for _, p := range c.ServerPorts {
		out = append(out, routes.PortSpec{
			Name:         p.Name,
			HostIP:       p.HostIP,
			Port:         p.Port,
			AllowAnyPeer: p.AllowAnyPeer,
		})
	}
	return out
}

// transportConfig translates the QUIC tuning knobs into
// transport.Config, starting from transport.DefaultConfig and
// overriding only the fields the YAML document set.
func (c *Config) transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	if c.IdleTimeout != 0 {
		cfg.IdleTimeout = c.IdleTimeout.Duration()
	}
	if c.MaxReceiveBufferSize != 0 {
		cfg.MaxStreamReceiveWindow = c.MaxReceiveBufferSize.Bytes()
	}
	if c.InitialPacketSize != 0 {
		cfg.InitialPacketSize = uint16(c.InitialPacketSize)
	}
	return cfg
}

// Loaded is the fully validated, ready-to-serve result of Load: the
// parsed Config (whose AccessLogPath the caller hands to
// accesslog.New), a route table, a transport endpoint that is not yet
// bound to a socket, and the address to Listen on.
type Loaded struct {
	Config     *Config
	Routes     *routes.Table
	Endpoint   *transport.Endpoint
	ListenAddr string
}

// Load reads path, unmarshals it, fills defaults, and validates it
// into a Loaded result: the secret key decoded, the route table built
// via routes.Build (so the two layers share one validation path), and
// a transport.Endpoint constructed from the tuning knobs.
func Load(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.SetDefaults()

	priv, err := cfg.secretKey()
	if err != nil {
		return nil, err
	}

	peers, err := cfg.routePeers()
	if err != nil {
		return nil, err
	}
	tbl, err := routes.Build(cfg.routePorts(), peers, cfg.DefaultRoute)
	if err != nil {
		return nil, err
	}

	ep, err := transport.NewEndpoint(priv, cfg.transportConfig())
	if err != nil {
		return nil, fmt.Errorf("config: build endpoint: %w", err)
	}

	return &Loaded{Config: &cfg, Routes: tbl, Endpoint: ep, ListenAddr: cfg.ListenAddr}, nil
}

// WriteTemplate writes a starter YAML configuration to path, paired
// with a freshly generated secret key embedded as secret_key_hex, the
// generate-template CLI subcommand's entire job.
func WriteTemplate(path string, priv ed25519.PrivateKey) error {
	cfg := Config{
		SecretKeyHex: hex.EncodeToString(identity.Seed(priv)),
		DefaultRoute: "",
		ServerPorts: []PortConfig{
			{Name: "example", Port: 8080, AllowAnyPeer: true},
		},
		ListenAddr:    "0.0.0.0:4433",
		AccessLogPath: "",
	}
	cfg.SetDefaults()

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("config: marshal template: %w", err)
	}
	header := fmt.Sprintf("# node id: %s\n", identity.NodeIDOf(priv))
	return os.WriteFile(path, append([]byte(header), out...), 0600)
}
