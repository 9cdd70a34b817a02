// Package config loads and validates the recorder configuration.
// YAML and TOML files are supported, with .env and USRP_* environment overrides applied on top.
package config
