// Package config provides 12-factor configuration for capcore.
//
// Values come from three layers, later layers winning:
//
//  1. built-in defaults (Default)
//  2. an optional YAML or TOML file named by CAPCORE_CONFIG
//  3. CAPCORE_* environment variables
//
// Configuration Sections:
//   - Logging: level and output format
//   - CapID: badge width and flag bits, which size the capability-id range
//   - Entrypoint: RPC queue depth and message buffer layout
//   - Lock: kernel lock re-entry policy and CPU count
//   - Pager: page size and fault queue depth
//   - Supervisor: restart budget for faulting protection domains
//   - Admin: HTTP admin interface
//
// Example file:
//
//	capid:
//	  badge_bits: 16
//	  flag_bits: 2
//	entrypoint:
//	  layout: flexpage
//	supervisor:
//	  max_restarts: 5
//	  cooldown: 10m
package config
