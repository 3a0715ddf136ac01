// Package config loads the tunnel daemon's configuration: the list of
// forwards to run plus daemon-wide settings (log level, metrics bind
// address), using koanf/v2 layered over a YAML file and environment
// variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/merlos/tunnel/internal/keys"
)

// -------------------------------------------------------------------------
// Configuration structures
// -------------------------------------------------------------------------

// Role is which half of a ForwardSpec's engine this entry runs.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// ForwardSpec is one forward to run, matching the record spec.md §3
// defines. Role-dependent fields are validated by Validate: Secret and
// Host apply to servers, LocalPort and PeerPublicKey apply to clients.
type ForwardSpec struct {
	Role  Role       `koanf:"role"`
	Proto keys.Proto `koanf:"proto"`

	// RemotePort is, for a server, the local service port exposed; for a
	// client, the port label used for sub-key derivation, which must
	// match the server's exposed port.
	RemotePort uint16 `koanf:"remotePort"`

	// LocalPort is where a client's listener binds. Unused by servers.
	LocalPort uint16 `koanf:"localPort"`

	// Host is the server's local service address. Defaults to
	// 127.0.0.1. Unused by clients.
	Host string `koanf:"host"`

	// Secret is the server's base64-encoded shared secret, from which
	// its RootKeyPair and every SubKeyPair are derived.
	Secret string `koanf:"secret"`

	// PeerPublicKey is the client's base58-encoded RootPublicKey of the
	// server it dials.
	PeerPublicKey string `koanf:"peerPublicKey"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Listen is the HTTP listen address for the metrics endpoint (e.g.
	// ":9100"). Empty disables the endpoint.
	Listen string `koanf:"listen"`

	// Path is the URL path the metrics endpoint is served under.
	Path string `koanf:"path"`
}

// Document is the top-level configuration structure.
type Document struct {
	Forwards []ForwardSpec `koanf:"forwards"`
	Metrics  MetricsConfig `koanf:"metrics"`
	LogLevel string        `koanf:"log_level"`

	// ListenAddrs are libp2p multiaddr strings the shared overlay node
	// listens on. Empty uses the node's own default (0.0.0.0 and :: on a
	// random TCP port).
	ListenAddrs []string `koanf:"listen_addrs"`

	// Bootstrap lists multiaddrs (including a /p2p/<peer-id> suffix) of
	// DHT bootstrap peers to seed routing table discovery from.
	Bootstrap []string `koanf:"bootstrap"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultDocument returns a Document populated with sensible defaults.
func DefaultDocument() *Document {
	return &Document{
		Metrics: MetricsConfig{
			Listen: ":9100",
			Path:   "/metrics",
		},
		LogLevel: "info",
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tunnel configuration.
// Variables are named TUNNEL_<section>_<key>, e.g. TUNNEL_METRICS_LISTEN.
const envPrefix = "TUNNEL_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (TUNNEL_ prefix), and merges on top of
// DefaultDocument(). Missing fields inherit defaults.
func Load(path string) (*Document, error) {
	k := koanf.New(".")

	defaults := DefaultDocument()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: load config from %s: %v", ErrInvalidDocument, path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	doc := &Document{}
	if err := k.Unmarshal("", doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrInvalidDocument, err)
	}

	if err := Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	return doc, nil
}

// envKeyMapper transforms TUNNEL_METRICS_LISTEN -> metrics.listen.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default document into koanf as the base
// layer everything else is merged on top of.
func loadDefaults(k *koanf.Koanf, defaults *Document) error {
	defaultMap := map[string]any{
		"metrics.listen": defaults.Metrics.Listen,
		"metrics.path":   defaults.Metrics.Path,
		"log_level":      defaults.LogLevel,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validate checks a Document for the ConfigError conditions spec.md §7
// describes: malformed specs are rejected before any forward starts.
func Validate(doc *Document) error {
	for i, spec := range doc.Forwards {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("forwards[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks one ForwardSpec's role-dependent fields.
func (s ForwardSpec) Validate() error {
	switch s.Role {
	case RoleServer, RoleClient:
	default:
		return fmt.Errorf("%w: role must be %q or %q, got %q", ErrInvalidSpec, RoleServer, RoleClient, s.Role)
	}

	switch s.Proto {
	case keys.ProtoTCP, keys.ProtoUDP, keys.ProtoTCPOverDatagram:
	default:
		return fmt.Errorf("%w: unrecognized proto %q", ErrInvalidSpec, s.Proto)
	}

	if s.RemotePort == 0 {
		return fmt.Errorf("%w: remotePort must be nonzero", ErrInvalidSpec)
	}

	switch s.Role {
	case RoleServer:
		if s.Secret == "" {
			return fmt.Errorf("%w: server forward requires secret", ErrInvalidSpec)
		}
	case RoleClient:
		if s.LocalPort == 0 {
			return fmt.Errorf("%w: client forward requires localPort", ErrInvalidSpec)
		}
		if s.PeerPublicKey == "" {
			return fmt.Errorf("%w: client forward requires peerPublicKey", ErrInvalidSpec)
		}
	}

	return nil
}

// EffectiveHost returns s.Host, defaulting to 127.0.0.1 per spec.md §3.
func (s ForwardSpec) EffectiveHost() string {
	if s.Host == "" {
		return "127.0.0.1"
	}
	return s.Host
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
