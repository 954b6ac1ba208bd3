// Package config loads the subnet-authorityd YAML configuration.
//
// # Configuration File Location
//
// The file is read from, in order: the --config flag, $SUBNET_AUTHORITY_CONFIG,
// then /etc/subnet-authority/authorityd.yaml.
//
// # Format
//
//	authority:
//	  interface: eth0
//	  prefix: "fd00:1234::/64"
//	  zone: home.arpa
//	cache:
//	  db_path: /var/lib/subnet-authority/services.db
//	  stale_after: 5m
//	  prune_after: 1h
//	  maintenance_interval: 1m
//	discovery:
//	  browse_interval: 2m
//	  ipv6_only: true
//	api:
//	  listen: "[::]:8053"
//
// Omitted keys keep their defaults (see Default). Unknown keys are rejected so
// that a misspelled threshold never silently falls back to a default.
//
// # Validation
//
// Validate reports every problem in one *ValidationError. The thresholds must
// satisfy 0 < stale_after < prune_after, and browse_interval must be shorter
// than stale_after so live services are re-resolved before they go stale.
package config
