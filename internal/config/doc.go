// Package config loads the daemon configuration from JSON, JSONC or YAML and
// watches it for changes.
package config
