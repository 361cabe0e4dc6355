/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for natpeerd.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ushineko/natpeer/internal/wire"
)

// Config is the top-level configuration for natpeerd.
type Config struct {
	LogDir   string   `yaml:"log_dir"`
	Verbose  bool     `yaml:"verbose"`
	DataDir  string   `yaml:"data_dir"`
	Cache    Cache    `yaml:"cache"`
	Inspect  Inspect  `yaml:"inspect"`
	Capture  Capture  `yaml:"capture"`
	API      API      `yaml:"api"`
	Stats    Stats    `yaml:"stats"`
	Timeouts Timeouts `yaml:"timeouts"`
}

// Cache holds connection cache configuration.
type Cache struct {
	MaxEntries      int      `yaml:"max_entries"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ReclaimInterval Duration `yaml:"reclaim_interval"`
	DrainRetry      Duration `yaml:"drain_retry"`
	DrainTimeout    Duration `yaml:"drain_timeout"`
}

// Inspect holds packet inspection configuration.
type Inspect struct {
	// OptionKind is the TCP option kind carrying the client address.
	OptionKind         int      `yaml:"option_kind"`
	// EnableICMPFallback accepts ICMP address probes.
	EnableICMPFallback bool     `yaml:"enable_icmp_fallback"`
	// Protocols lists the transports to track ("tcp", "udp").
	Protocols          []string `yaml:"protocols"`
	// LocalAddrs overrides local address discovery. Empty means discover.
	LocalAddrs         []string `yaml:"local_addrs"`
}

// Capture holds packet source configuration.
type Capture struct {
	Raw      bool   `yaml:"raw"`
	PcapFile string `yaml:"pcap_file"`
}

// API holds management and resolve API configuration.
type API struct {
	Socket            string   `yaml:"socket"`
	Listen            string   `yaml:"listen"`
	PathPrefix        string   `yaml:"path_prefix"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled          bool     `yaml:"enabled"`
	FlushInterval    Duration `yaml:"flush_interval"`
	RecordRecoveries bool     `yaml:"record_recoveries"`
	MaxClients       int      `yaml:"max_clients"`
}

// Timeouts holds daemon timeout configuration.
type Timeouts struct {
	Shutdown Duration `yaml:"shutdown"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		Cache: Cache{
			MaxEntries:      65536,
			IdleTimeout:     Duration{5 * time.Minute},
			ReclaimInterval: Duration{30 * time.Second},
			DrainRetry:      Duration{10 * time.Millisecond},
			DrainTimeout:    Duration{2 * time.Second},
		},
		Inspect: Inspect{
			OptionKind:         int(wire.DefaultOptionKind),
			EnableICMPFallback: true,
			Protocols:          []string{"tcp"},
			LocalAddrs:         []string{},
		},
		Capture: Capture{
			Raw: true,
		},
		API: API{
			Socket:            "/run/natpeer/natpeer.sock",
			PathPrefix:        "/natpeer",
			ReadHeaderTimeout: Duration{10 * time.Second},
		},
		Stats: Stats{
			Enabled:          true,
			FlushInterval:    Duration{60 * time.Second},
			RecordRecoveries: true,
			MaxClients:       4096,
		},
		Timeouts: Timeouts{
			Shutdown: Duration{5 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for natpeer.yml or natpeer.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"natpeer.yml", "natpeer.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil/zero value means the flag was not explicitly set.
type CLIOverrides struct {
	LogDir     *string
	Verbose    *bool
	DataDir    *string
	Socket     *string
	Listen     *string
	Raw        *bool
	PcapFile   *string
	Protocols  []string
	LocalAddrs []string
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.Socket != nil {
		c.API.Socket = *o.Socket
	}
	if o.Listen != nil {
		c.API.Listen = *o.Listen
	}
	if o.Raw != nil {
		c.Capture.Raw = *o.Raw
	}
	if o.PcapFile != nil {
		c.Capture.PcapFile = *o.PcapFile
	}
	if len(o.Protocols) > 0 {
		c.Inspect.Protocols = o.Protocols
	}
	if len(o.LocalAddrs) > 0 {
		c.Inspect.LocalAddrs = o.LocalAddrs
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.Cache.validate()...)
	errs = append(errs, c.Inspect.validate()...)
	errs = append(errs, c.API.validate()...)

	if !c.Capture.Raw && c.Capture.PcapFile == "" {
		errs = append(errs, "capture: raw is disabled and no pcap_file is set")
	}

	// Stats flush interval must be positive when enabled.
	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	// The in-memory per-client counters are bounded even without a database.
	if c.Stats.MaxClients <= 0 {
		errs = append(errs, fmt.Sprintf("stats.max_clients: must be positive, got %d", c.Stats.MaxClients))
	}

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

func (c Cache) validate() []string {
	var errs []string
	if c.MaxEntries <= 0 {
		errs = append(errs, fmt.Sprintf("cache.max_entries: must be positive, got %d", c.MaxEntries))
	}
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"idle_timeout", c.IdleTimeout},
		{"reclaim_interval", c.ReclaimInterval},
		{"drain_retry", c.DrainRetry},
		{"drain_timeout", c.DrainTimeout},
	} {
		if d.v.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("cache.%s: must be positive, got %s", d.name, d.v))
		}
	}
	return errs
}

func (i Inspect) validate() []string {
	var errs []string
	// Kinds 0 and 1 are end-of-list and no-op.
	if i.OptionKind < 2 || i.OptionKind > 255 {
		errs = append(errs, fmt.Sprintf("inspect.option_kind: must be in 2..255, got %d", i.OptionKind))
	}
	if len(i.Protocols) == 0 {
		errs = append(errs, "inspect.protocols: at least one protocol is required")
	}
	seen := make(map[uint8]bool, len(i.Protocols))
	for idx, name := range i.Protocols {
		p, err := wire.ParseProto(name)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("inspect.protocols[%d]: %v", idx, err))
		case p != wire.ProtoTCP && p != wire.ProtoUDP:
			errs = append(errs, fmt.Sprintf("inspect.protocols[%d]: must be tcp or udp, got %q", idx, name))
		case seen[p]:
			errs = append(errs, fmt.Sprintf("inspect.protocols[%d]: duplicate %q", idx, name))
		}
		seen[p] = true
	}
	for idx, s := range i.LocalAddrs {
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Unmap().Is4() {
			errs = append(errs, fmt.Sprintf("inspect.local_addrs[%d]: invalid IPv4 address %q", idx, s))
		}
	}
	return errs
}

// Addrs returns the parsed local address override. Invalid entries are
// skipped; Validate reports them.
func (i Inspect) Addrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(i.LocalAddrs))
	for _, s := range i.LocalAddrs {
		if a, err := netip.ParseAddr(s); err == nil && a.Unmap().Is4() {
			out = append(out, a.Unmap())
		}
	}
	return out
}

// Kind returns the option kind as a byte.
func (i Inspect) Kind() uint8 {
	return uint8(i.OptionKind) //nolint:gosec // range checked by Validate
}

func (a API) validate() []string {
	var errs []string
	if a.Socket == "" && a.Listen == "" {
		errs = append(errs, "api: socket or listen is required")
	}
	if a.Listen != "" {
		if _, err := net.ResolveTCPAddr("tcp", a.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("api.listen: invalid address %q: %v", a.Listen, err))
		}
	}
	if !strings.HasPrefix(a.PathPrefix, "/") {
		errs = append(errs, fmt.Sprintf("api.path_prefix: must start with /, got %q", a.PathPrefix))
	}
	if a.ReadHeaderTimeout.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("api.read_header_timeout: must be positive, got %s", a.ReadHeaderTimeout))
	}
	return errs
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
