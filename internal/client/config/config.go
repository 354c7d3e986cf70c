package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config holds runtime settings for the gophnotes CLI.
//
// An empty NotifyURL disables the websocket listener; changes are then
// picked up on the sync interval only. A zero TombstoneGrace means one
// SyncInterval.
type Config struct {
	ServerEndpointAddr string        `validate:"required"`
	NotifyURL          string        `validate:"omitempty,url"`
	DataDir            string        `validate:"required_unless=StorageBackend memory"`
	StorageBackend     string        `validate:"oneof=sqlite badger memory"`
	SyncInterval       time.Duration `validate:"gt=0"`
	TombstoneGrace     time.Duration `validate:"min=0"`
	HistoryMaxPerItem  int           `validate:"min=0"`
	InviteTTL          time.Duration `validate:"min=0"`
	RotationAckTimeout time.Duration `validate:"min=0"`
	MetricsAddr        string        `validate:"omitempty"`
	LogLevel           string        `validate:"oneof=debug info warn error"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.NotifyURL = "ws://127.0.0.1:8081/ws"
	c.DataDir = ".gophnotes"
	c.StorageBackend = BackendSQLite
	c.SyncInterval = 30 * time.Second
	c.HistoryMaxPerItem = 50
	c.InviteTTL = 7 * 24 * time.Hour
	c.RotationAckTimeout = 72 * time.Hour
	c.LogLevel = "warn"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Grace is the tombstone grace period to use.
func (c *Config) Grace() time.Duration {
	if c.TombstoneGrace > 0 {
		return c.TombstoneGrace
	}
	return c.SyncInterval
}

// LoadConfig builds a Config from defaults, the file named by -c/-config
// and the remaining flags in args (usually os.Args[1:]). Later sources
// take precedence over earlier ones.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
