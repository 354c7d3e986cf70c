package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/flagx"
	"github.com/dmitrijs2005/gophnotes/internal/timex"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk form of Config. It relies on timex.Duration so
// intervals can be written as "30s" or as integer nanoseconds. Absent
// fields keep their earlier value.
type FileConfig struct {
	ServerEndpointAddr *string         `json:"server_endpoint_addr" yaml:"server_endpoint_addr"`
	NotifyURL          *string         `json:"notify_url" yaml:"notify_url"`
	DataDir            *string         `json:"data_dir" yaml:"data_dir"`
	StorageBackend     *string         `json:"storage_backend" yaml:"storage_backend"`
	SyncInterval       *timex.Duration `json:"sync_interval" yaml:"sync_interval"`
	TombstoneGrace     *timex.Duration `json:"tombstone_grace" yaml:"tombstone_grace"`
	HistoryMaxPerItem  *int            `json:"history_max_per_item" yaml:"history_max_per_item"`
	InviteTTL          *timex.Duration `json:"invite_ttl" yaml:"invite_ttl"`
	RotationAckTimeout *timex.Duration `json:"rotation_ack_timeout" yaml:"rotation_ack_timeout"`
	MetricsAddr        *string         `json:"metrics_addr" yaml:"metrics_addr"`
	LogLevel           *string         `json:"log_level" yaml:"log_level"`
}

func parseFile(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	fc := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, fc)
	default:
		err = json.Unmarshal(data, fc)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	fc.apply(cfg)
	return nil
}

func (fc *FileConfig) apply(cfg *Config) {
	setString(&cfg.ServerEndpointAddr, fc.ServerEndpointAddr)
	setString(&cfg.NotifyURL, fc.NotifyURL)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.StorageBackend, fc.StorageBackend)
	setDuration(&cfg.SyncInterval, fc.SyncInterval)
	setDuration(&cfg.TombstoneGrace, fc.TombstoneGrace)
	if fc.HistoryMaxPerItem != nil {
		cfg.HistoryMaxPerItem = *fc.HistoryMaxPerItem
	}
	setDuration(&cfg.InviteTTL, fc.InviteTTL)
	setDuration(&cfg.RotationAckTimeout, fc.RotationAckTimeout)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
