// Package config handles configuration for the sync server: defaults, an
// optional JSON or YAML file, then command-line flags, validated at the end.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds runtime settings for the sync server.
//
// An empty DatabaseDSN keeps all state in memory. An empty S3Bucket
// disables the revision archive.
type Config struct {
	EndpointAddrGRPC             string        `validate:"required"`
	EndpointAddrWS               string        `validate:"omitempty"`
	MetricsAddr                  string        `validate:"omitempty"`
	DatabaseDSN                  string        `validate:"omitempty"`
	SecretKey                    string        `validate:"required,min=8"`
	AccessTokenValidityDuration  time.Duration `validate:"gt=0"`
	RefreshTokenValidityDuration time.Duration `validate:"gtfield=AccessTokenValidityDuration"`
	S3RootUser                   string        `validate:"required_with=S3Bucket"`
	S3RootPassword               string        `validate:"required_with=S3Bucket"`
	S3Bucket                     string        `validate:"omitempty"`
	S3Region                     string        `validate:"required_with=S3Bucket"`
	S3BaseEndpoint               string        `validate:"omitempty,url"`
	LogLevel                     string        `validate:"oneof=debug info warn error"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: the secret key must be overridden in production.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.EndpointAddrWS = ":8081"
	c.MetricsAddr = ":9090"
	c.SecretKey = "secretKey"
	c.AccessTokenValidityDuration = 15 * time.Minute
	c.RefreshTokenValidityDuration = 24 * time.Hour
	c.S3Region = "us-east-1"
	c.LogLevel = "info"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig builds a Config from defaults, the file named by -c/-config
// and the remaining flags in args (usually os.Args[1:]).
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
