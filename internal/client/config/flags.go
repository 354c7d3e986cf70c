package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/gophnotes/internal/flagx"
)

var ownFlags = []string{"-a", "-n", "-d", "-b", "-i", "-g", "-m", "-l"}

// Flags lists every flag LoadConfig consumes, the config file flags
// included. Callers split these off before parsing their own arguments.
var Flags = append([]string{"-c", "-config"}, ownFlags...)

// parseFlags overlays command-line flags:
//
//	-a string   host:port of the sync server
//	-n string   websocket notification URL, empty to disable
//	-d string   data directory
//	-b string   storage backend: sqlite, badger or memory
//	-i duration sync interval
//	-g duration tombstone grace period
//	-m string   metrics address, empty to disable
//	-l string   log level
//
// Only these flags are taken from args, so subcommand arguments can sit
// next to them.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, ownFlags)

	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.NotifyURL, "n", cfg.NotifyURL, "websocket notification URL")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.StorageBackend, "b", cfg.StorageBackend, "storage backend")
	fs.DurationVar(&cfg.SyncInterval, "i", cfg.SyncInterval, "sync interval")
	fs.DurationVar(&cfg.TombstoneGrace, "g", cfg.TombstoneGrace, "tombstone grace period")
	fs.StringVar(&cfg.MetricsAddr, "m", cfg.MetricsAddr, "metrics address")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	return fs.Parse(args)
}
