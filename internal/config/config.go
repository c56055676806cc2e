// Package config manages the IPX/SPX daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete daemon configuration.
type Config struct {
	Carrier    CarrierConfig     `koanf:"carrier"`
	DOSBox     DOSBoxConfig      `koanf:"dosbox"`
	Metrics    MetricsConfig     `koanf:"metrics"`
	Log        LogConfig         `koanf:"log"`
	Interfaces []InterfaceRecord `koanf:"interfaces"`
}

// CarrierConfig selects and configures the transport carrying IPX traffic.
type CarrierConfig struct {
	// Encap selects the carrier: "udp", "ethernet", or "dosbox".
	Encap string `koanf:"encap"`
	// NetNum is the IPX network number assigned to every local interface
	// the udp and ethernet carriers build; meaningless for the dosbox
	// carrier, whose network number is relay-assigned.
	NetNum string `koanf:"netnum"`
	// UDPPort is the listen/broadcast port for the IPX-over-UDP carrier.
	UDPPort uint16 `koanf:"udp_port"`
	// Interfaces restricts the Ethernet carrier to the named host
	// interfaces; empty selects every up, non-loopback interface.
	Interfaces []string `koanf:"interfaces"`
	// Frame selects the Ethernet encapsulation ("ethernet_ii", "novell_raw",
	// "llc"); only meaningful for the ethernet carrier.
	Frame string `koanf:"frame_type"`
	// W95Bug emulates the legacy bug requiring SO_BROADCAST to receive
	// broadcast packets.
	W95Bug bool `koanf:"w95_bug"`
	// FWExcept asks the firewall helper to register an exception for the
	// carrier's listening port.
	FWExcept bool `koanf:"fw_except"`
}

// DOSBoxConfig configures the DOSBox-compatible UDP relay carrier.
type DOSBoxConfig struct {
	ServerAddr string `koanf:"server_addr"`
	ServerPort uint16 `koanf:"server_port"`
	Coalesce   bool   `koanf:"coalesce"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "disabled", "call", "debug", "info",
	// "warning", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// InterfaceRecord is one statically configured IPX interface, keyed by the
// MAC address of the underlying adapter.
type InterfaceRecord struct {
	MAC     string `koanf:"mac"`
	NetNum  string `koanf:"netnum"`
	NodeNum string `koanf:"nodenum"`
	Enabled bool   `koanf:"enabled"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Carrier: CarrierConfig{
			Encap:   "udp",
			NetNum:  "00:00:00:01",
			UDPPort: 54792,
			Frame:   "ethernet_ii",
		},
		DOSBox: DOSBoxConfig{
			ServerPort: 213,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for daemon configuration.
// Variables are named GOIPX_<section>_<key>, e.g., GOIPX_CARRIER_UDP_PORT.
const envPrefix = "GOIPX_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOIPX_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOIPX_CARRIER_UDP_PORT -> carrier.udp_port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"carrier.encap":      defaults.Carrier.Encap,
		"carrier.netnum":     defaults.Carrier.NetNum,
		"carrier.udp_port":   defaults.Carrier.UDPPort,
		"carrier.frame_type": defaults.Carrier.Frame,
		"carrier.w95_bug":    defaults.Carrier.W95Bug,
		"carrier.fw_except":  defaults.Carrier.FWExcept,
		"dosbox.server_port": defaults.DOSBox.ServerPort,
		"dosbox.coalesce":    defaults.DOSBox.Coalesce,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
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

// Validation errors.
var (
	ErrInvalidEncap      = errors.New("carrier.encap must be udp, ethernet, or dosbox")
	ErrInvalidFrameType  = errors.New("carrier.frame_type must be ethernet_ii, novell_raw, or llc")
	ErrEmptyUDPPort      = errors.New("carrier.udp_port must be nonzero")
	ErrEmptyDOSBoxAddr   = errors.New("dosbox.server_addr must not be empty when carrier.encap is dosbox")
	ErrInvalidIfaceMAC   = errors.New("interface record mac must not be empty")
	ErrDuplicateIfaceMAC = errors.New("duplicate interface record mac")
	ErrInvalidNetNum     = errors.New("carrier.netnum must parse as a 4-field hex address")
)

// ValidEncaps and ValidFrameTypes list the recognized configuration
// enumerations.
var (
	ValidEncaps = map[string]bool{
		"udp":      true,
		"ethernet": true,
		"dosbox":   true,
	}
	ValidFrameTypes = map[string]bool{
		"ethernet_ii": true,
		"novell_raw":  true,
		"llc":         true,
	}
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if !ValidEncaps[cfg.Carrier.Encap] {
		return fmt.Errorf("carrier.encap %q: %w", cfg.Carrier.Encap, ErrInvalidEncap)
	}

	if cfg.Carrier.Encap == "ethernet" && !ValidFrameTypes[cfg.Carrier.Frame] {
		return fmt.Errorf("carrier.frame_type %q: %w", cfg.Carrier.Frame, ErrInvalidFrameType)
	}

	if cfg.Carrier.Encap == "udp" && cfg.Carrier.UDPPort == 0 {
		return ErrEmptyUDPPort
	}

	if cfg.Carrier.Encap != "dosbox" {
		if _, err := ipxaddr.ParseNet(cfg.Carrier.NetNum); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidNetNum, err)
		}
	}

	if cfg.Carrier.Encap == "dosbox" && cfg.DOSBox.ServerAddr == "" {
		return ErrEmptyDOSBoxAddr
	}

	if err := validateInterfaces(cfg.Interfaces); err != nil {
		return err
	}

	return nil
}

func validateInterfaces(ifaces []InterfaceRecord) error {
	seen := make(map[string]struct{}, len(ifaces))
	for i, rec := range ifaces {
		if rec.MAC == "" {
			return fmt.Errorf("interfaces[%d]: %w", i, ErrInvalidIfaceMAC)
		}
		if _, dup := seen[rec.MAC]; dup {
			return fmt.Errorf("interfaces[%d] mac %q: %w", i, rec.MAC, ErrDuplicateIfaceMAC)
		}
		seen[rec.MAC] = struct{}{}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. "disabled" maps above Error so all output is suppressed;
// "call" maps to Debug. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "disabled":
		return slog.LevelError + 4
	case "call":
		return slog.LevelDebug
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
