// Package config loads the sspdesk configuration.
//
// # Configuration Sources
//
// Values are layered in increasing order of precedence:
//
//  1. Built-in defaults (Default)
//  2. A YAML file, $SSP_CONFIG or $XDG_CONFIG_HOME/sspdesk/config.yaml
//  3. Environment variables with the SSP_ prefix
//
// # Environment Variables
//
// Nested sections map to underscore-joined names:
//
//	SSP_SERVER_PORT=8765
//	SSP_LICENSE_BUILD_TIER=pro_yearly
//	SSP_LICENSE_PRODUCT_IDS=pro_yearly:prod_abc123
//	SSP_REMOTE_MODE=gumroad
//	SSP_PACKAGED_ENABLED=true
//
// # Paths
//
// The data directory defaults to $XDG_DATA_HOME/sspdesk and holds the
// license record, installation id, project registry and packaged metadata.
// Logs default to $XDG_STATE_HOME/sspdesk/logs.
//
// Load validates the result with go-playground/validator struct tags plus
// cross-field rules, so a *Config returned without error is usable as-is.
package config
