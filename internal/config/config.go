package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where the daemon looks for its configuration.
	DefaultPath = "/etc/subnet-authority/authorityd.yaml"

	// DefaultDBPath is the default location of the SQLite database.
	DefaultDBPath = "/var/lib/subnet-authority/services.db"

	// PathEnvVar overrides DefaultPath when the --config flag is not given.
	PathEnvVar = "SUBNET_AUTHORITY_CONFIG"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// ResolvePath picks the configuration path: the flag value, then the
// environment, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and validates the configuration at path. Keys missing from the
// file keep their defaults; unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Authority.Zone) == "" {
		add("authority.zone is required")
	}
	if c.Authority.Prefix == "" {
		add("authority.prefix is required")
	} else if p, err := netip.ParsePrefix(c.Authority.Prefix); err != nil {
		add("authority.prefix: %v", err)
	} else if !p.Addr().Is6() || p.Addr().Is4In6() {
		add("authority.prefix %s is not an IPv6 prefix", c.Authority.Prefix)
	}

	cc := c.Cache
	if cc.DBPath == "" {
		add("cache.db_path is required")
	}
	if cc.StaleAfter <= 0 {
		add("cache.stale_after must be positive")
	}
	if cc.PruneAfter <= cc.StaleAfter {
		add("cache.prune_after (%s) must exceed cache.stale_after (%s)", cc.PruneAfter, cc.StaleAfter)
	}
	if cc.MaintenanceInterval <= 0 {
		add("cache.maintenance_interval must be positive")
	}
	if cc.FlushInterval <= 0 {
		add("cache.flush_interval must be positive")
	}
	if cc.InboxSize <= 0 {
		add("cache.inbox_size must be positive")
	}
	if cc.EventBuffer <= 0 {
		add("cache.event_buffer must be positive")
	}

	dc := c.Discovery
	if dc.BrowseInterval <= 0 {
		add("discovery.browse_interval must be positive")
	} else if dc.BrowseInterval >= cc.StaleAfter {
		add("discovery.browse_interval (%s) must be shorter than cache.stale_after (%s)", dc.BrowseInterval, cc.StaleAfter)
	}
	if dc.DefaultTTL == 0 {
		add("discovery.default_ttl must be positive")
	}

	if c.Advertise.Enabled {
		if c.Advertise.TTL < time.Second {
			add("advertise.ttl must be at least 1s")
		}
		if c.Advertise.RefreshInterval <= 0 {
			add("advertise.refresh_interval must be positive")
		}
	}

	if _, err := c.API.Port(); err != nil {
		add("api.listen: %v", err)
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		add("log.format %q must be console or json", c.Log.Format)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Port returns the numeric port of the listen address.
func (a APIConfig) Port() (int, error) {
	_, portStr, err := net.SplitHostPort(a.Listen)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", portStr)
	}
	return port, nil
}

// InstanceName returns the advertised instance name. It defaults to
// "subnet-authority-<hostname>".
func (a AuthorityConfig) InstanceName() string {
	if a.Instance != "" {
		return a.Instance
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "subnet-authority"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return "subnet-authority-" + host
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# subnet-authorityd configuration
#
# Location: ` + path + `

`)
	data = append(header, data...)

	// Write to temporary file first (atomic write)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}
