package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SyncConfig tunes the reconciliation sweep. It can be changed at runtime
// through the watched config file without restarting the process.
type SyncConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batchSize"`
	// StaleAfter marks a subscription as stale for sync stats when its
	// last successful merge is older than this.
	StaleAfter time.Duration `mapstructure:"staleAfter"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:   30 * time.Minute,
		BatchSize:  5,
		StaleAfter: 24 * time.Hour,
	}
}

// SyncConfigHolder exposes the current sweep tuning and hot-reloads it when
// the config file changes.
type SyncConfigHolder struct {
	current atomic.Value // holds SyncConfig
}

func NewSyncConfigHolder() (*SyncConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billsync")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billsync/config")
	v.AddConfigPath("/etc/billsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSyncConfig()
	v.SetDefault("sync.interval", defaults.Interval)
	v.SetDefault("sync.batchSize", defaults.BatchSize)
	v.SetDefault("sync.staleAfter", defaults.StaleAfter)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg SyncConfig
	if err := v.UnmarshalKey("sync", &cfg); err != nil {
		return nil, err
	}
	if err := validateSyncConfig(cfg); err != nil {
		return nil, err
	}

	holder := &SyncConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SyncConfig
		if err := v.UnmarshalKey("sync", &updated); err != nil {
			log.Printf("[sync-config] reload failed: %v", err)
			return
		}
		if err := validateSyncConfig(updated); err != nil {
			log.Printf("[sync-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[sync-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *SyncConfigHolder) Get() SyncConfig {
	return h.current.Load().(SyncConfig)
}

func validateSyncConfig(cfg SyncConfig) error {
	if cfg.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("sync.batchSize must be positive")
	}
	if cfg.StaleAfter <= 0 {
		return errors.New("sync.staleAfter must be positive")
	}
	return nil
}
