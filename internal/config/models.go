package config

import "time"

// Config is the daemon configuration. Once loaded it is treated as an
// immutable snapshot; components receive the values they need at startup.
type Config struct {
	Authority AuthorityConfig `yaml:"authority"`
	Cache     CacheConfig     `yaml:"cache"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Advertise AdvertiseConfig `yaml:"advertise"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// AuthorityConfig describes the subnet this authority serves.
type AuthorityConfig struct {
	Interface string `yaml:"interface"`          // Link to browse and advertise on; empty means all
	Prefix    string `yaml:"prefix"`             // IPv6 prefix served (e.g., "fd00:1234::/64")
	Zone      string `yaml:"zone"`               // DNS zone (e.g., "home.arpa")
	Instance  string `yaml:"instance,omitempty"` // Advertised instance name; derived from the hostname when empty
}

// CacheConfig configures the cache manager and its durable store.
type CacheConfig struct {
	DBPath              string        `yaml:"db_path"`
	StaleAfter          time.Duration `yaml:"stale_after"`          // Unrefreshed entries are marked dead after this
	PruneAfter          time.Duration `yaml:"prune_after"`          // Unrefreshed entries are deleted after this
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"` // Sweep cadence
	FlushInterval       time.Duration `yaml:"flush_interval"`       // Cadence of batched last_seen writes
	InboxSize           int           `yaml:"inbox_size"`           // Command queue capacity
	EventBuffer         int           `yaml:"event_buffer"`         // Browser to cache channel capacity
}

// DiscoveryConfig configures the mDNS browser.
type DiscoveryConfig struct {
	BrowseInterval time.Duration `yaml:"browse_interval"` // Per-type browse restart cadence
	DefaultTTL     uint32        `yaml:"default_ttl"`     // Seconds, for records without a TTL
	IPv6Only       bool          `yaml:"ipv6_only"`
	Goodbyes       bool          `yaml:"goodbyes"` // Listen for TTL=0 goodbye packets
}

// AdvertiseConfig configures the authority's own advertisement.
type AdvertiseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// APIConfig configures the HTTP front end.
type APIConfig struct {
	Listen string `yaml:"listen"` // host:port
}

// LogConfig configures logging. The --log-level flag and the
// SUBNET_AUTHORITY_LOG_LEVEL variable take precedence over Level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns a configuration with every default filled in. Prefix and
// Zone have no sensible default and are left empty.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			DBPath:              DefaultDBPath,
			StaleAfter:          5 * time.Minute,
			PruneAfter:          time.Hour,
			MaintenanceInterval: time.Minute,
			FlushInterval:       10 * time.Second,
			InboxSize:           256,
			EventBuffer:         256,
		},
		Discovery: DiscoveryConfig{
			BrowseInterval: 2 * time.Minute,
			DefaultTTL:     4500,
			IPv6Only:       true,
			Goodbyes:       true,
		},
		Advertise: AdvertiseConfig{
			Enabled:         true,
			TTL:             2 * time.Minute,
			RefreshInterval: time.Minute,
		},
		API: APIConfig{
			Listen: "[::]:8053",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
