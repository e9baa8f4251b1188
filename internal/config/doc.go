// Package config loads the daemon configuration from YAML, applies defaults
// and lets a small set of environment variables override addresses and
// secrets.
package config
