// Package config loads and validates conveyor's TOML configuration.
//
// Configuration is resolved from an explicit --config path, then
// ~/.config/conveyor/config.toml, then a project-local conveyor.toml.
// Defaults are applied before parsing so a missing file still yields a
// runnable daemon for local development.
package config
