// Package config provides loading and environment overlay for the correlator
// server configuration. It exposes a Default() baseline, JSON and YAML file
// loading, and a CORRELATOR_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/correlator.yaml")
//	if err != nil { /* handle */ }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { /* handle */ }
package config
