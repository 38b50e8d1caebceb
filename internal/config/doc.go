// Package config handles configuration loading for coven-desk.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_DESK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/desk.yaml
//  3. ~/.config/coven/desk.yaml
//
// Files ending in .toml are read as TOML; anything else as YAML. Both use the
// same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_DESK_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sweeper:
//	  interval: "1m"
//	  idle_timeout: "5m"
//
// # Gateway
//
// The gateway section is the only part applied on SIGHUP: the server reloads
// the file and reconfigures the messaging adapter in place.
//
//	gateway:
//	  provider: matrix          # matrix | loopback
//	  command_prefix: "/"
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    user_id: "@desk:example.org"
//	    access_token: "${MATRIX_TOKEN}"
//
// When provider is omitted it is matrix if a homeserver is set, loopback otherwise.
package config
