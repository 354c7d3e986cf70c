// Package config loads runtime configuration for the gophnotes CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON or YAML file selected via -c or -config; the decoder
//     is picked by extension.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// The result is validated before it is returned.
//
// # File schema
//
// Durations use timex.Duration, so values can be either strings like "30s"
// or integer nanoseconds:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "notify_url": "ws://127.0.0.1:8081/ws",
//	  "data_dir": ".gophnotes",
//	  "storage_backend": "sqlite",
//	  "sync_interval": "30s",
//	  "history_max_per_item": 50
//	}
//
// Note: This package does not read environment variables directly.
package config
