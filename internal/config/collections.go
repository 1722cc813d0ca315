package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CollectionsConfig controls late-fee assessment during the collections sweep.
type CollectionsConfig struct {
	// LateFeeAmount is the fixed penalty per whole month overdue, expressed
	// as a decimal string ("25.00").
	LateFeeAmount string `mapstructure:"lateFeeAmount"`
	// MaxLateFeeMonths caps how many monthly fees a single invoice can accrue.
	MaxLateFeeMonths int `mapstructure:"maxLateFeeMonths"`
}

func DefaultCollectionsConfig() CollectionsConfig {
	return CollectionsConfig{
		LateFeeAmount:    "25.00",
		MaxLateFeeMonths: 3,
	}
}

// CollectionsConfigHolder exposes the current collections policy and swaps it
// atomically on file change.
type CollectionsConfigHolder struct {
	current atomic.Value // holds CollectionsConfig
}

func NewCollectionsConfigHolder() (*CollectionsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/faktur/config")
	v.AddConfigPath("/etc/faktur")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FAKTUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultCollectionsConfig()
		v.SetDefault("collections.lateFeeAmount", defaults.LateFeeAmount)
		v.SetDefault("collections.maxLateFeeMonths", defaults.MaxLateFeeMonths)
	}

	var cfg CollectionsConfig
	if err := v.UnmarshalKey("collections", &cfg); err != nil {
		return nil, err
	}
	if err := validateCollectionsConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CollectionsConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CollectionsConfig
		if err := v.UnmarshalKey("collections", &updated); err != nil {
			log.Printf("[collections-config] reload failed: %v", err)
			return
		}
		if err := validateCollectionsConfig(updated); err != nil {
			log.Printf("[collections-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[collections-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCollectionsConfigHolder wraps a fixed policy, with no file watch.
func NewStaticCollectionsConfigHolder(cfg CollectionsConfig) (*CollectionsConfigHolder, error) {
	if err := validateCollectionsConfig(cfg); err != nil {
		return nil, err
	}
	holder := &CollectionsConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *CollectionsConfigHolder) Current() CollectionsConfig {
	if cfg, ok := h.current.Load().(CollectionsConfig); ok {
		return cfg
	}
	return DefaultCollectionsConfig()
}

func validateCollectionsConfig(cfg CollectionsConfig) error {
	if strings.TrimSpace(cfg.LateFeeAmount) == "" {
		return errors.New("collections.lateFeeAmount is required")
	}
	if cfg.MaxLateFeeMonths < 1 {
		return errors.New("collections.maxLateFeeMonths must be at least 1")
	}
	return nil
}
