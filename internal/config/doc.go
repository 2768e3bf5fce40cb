// Package config loads the host configuration.
//
// Values are resolved in layers, lowest first:
//
//	┌──────────────────────────────┐
//	│  3. Environment (KARYI_*)    │  ← Highest priority
//	├──────────────────────────────┤
//	│  2. Config file (.toml/.yaml)│
//	├──────────────────────────────┤
//	│  1. Built-in defaults        │
//	└──────────────────────────────┘
//
// Files are parsed with go-toml or yaml.v3 depending on their extension and
// merged into a viper instance that also carries the defaults and the
// environment overlay. Environment keys use the KARYI_ prefix with dots
// replaced by underscores, so KARYI_WORKER_STARTUP_TIMEOUT overrides
// worker.startup_timeout.
//
// # Basic Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
