// Package config loads the redemption service file: venue settings, watcher
// bounds, the owner keyring location and history caching.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/bullion-redeem/internal/adapter/evm"
	"github.com/marko911/bullion-redeem/internal/adapter/permissioned"
	"github.com/marko911/bullion-redeem/internal/adapter/solana"
	"github.com/marko911/bullion-redeem/internal/finality"
	"github.com/marko911/bullion-redeem/internal/history"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
)

// Config is the service file.
type Config struct {
	Venues        VenuesConfig        `yaml:"venues"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Keyring       string              `yaml:"keyring"`
	History       HistoryConfig       `yaml:"history"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// VenuesConfig enables venues. A nil section leaves the venue unconfigured.
type VenuesConfig struct {
	EVM          *EVMConfig           `yaml:"evm"`
	Solana       *solana.Config       `yaml:"solana"`
	Permissioned *permissioned.Config `yaml:"permissioned"`
}

// EVMConfig adds a network name to the venue config.
type EVMConfig struct {
	// Network names a well-known chain and fills in chain_id when it is unset.
	Network    string `yaml:"network"`
	evm.Config `yaml:",inline"`
}

// WatcherConfig bounds finality watches.
type WatcherConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

// HistoryConfig controls the feed cache.
type HistoryConfig struct {
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CachePrefix  string        `yaml:"cache_prefix"`
}

// NotificationsConfig names where notifications go.
type NotificationsConfig struct {
	Topic         string `yaml:"topic"`
	Partitions    int32  `yaml:"partitions"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ArchiveBucket string `yaml:"archive_bucket"`
}

// Default returns a Config with every default applied and no venues.
func Default() *Config {
	return &Config{
		Watcher: WatcherConfig{
			Timeout:  finality.DefaultTimeout,
			Interval: finality.DefaultInterval,
		},
		History: HistoryConfig{
			CacheEnabled: true,
			CacheTTL:     history.DefaultCacheTTL,
		},
		Notifications: NotificationsConfig{
			Topic:         storage.DefaultTopic,
			Partitions:    6,
			SubjectPrefix: "redemptions.events",
			ArchiveBucket: "redemption-archive",
		},
	}
}

// Load reads path. Environment variables in the file are expanded, so keys
// can be supplied as ${EVM_OPERATOR_KEY}. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Watcher.Timeout <= 0 {
		c.Watcher.Timeout = d.Watcher.Timeout
	}
	if c.Watcher.Interval <= 0 {
		c.Watcher.Interval = d.Watcher.Interval
	}
	if c.History.CacheTTL <= 0 {
		c.History.CacheTTL = d.History.CacheTTL
	}
	if c.Notifications.Topic == "" {
		c.Notifications.Topic = d.Notifications.Topic
	}
	if c.Notifications.Partitions <= 0 {
		c.Notifications.Partitions = d.Notifications.Partitions
	}
	if c.Notifications.SubjectPrefix == "" {
		c.Notifications.SubjectPrefix = d.Notifications.SubjectPrefix
	}
	if c.Notifications.ArchiveBucket == "" {
		c.Notifications.ArchiveBucket = d.Notifications.ArchiveBucket
	}
	if e := c.Venues.EVM; e != nil {
		if e.ChainID == 0 {
			e.ChainID = chainNameToID(e.Network)
		}
		e.ApplyDefaults()
	}
	if p := c.Venues.Permissioned; p != nil && p.Decimals == 0 {
		p.Decimals = 6
	}
}

// Validate checks each configured venue.
func (c *Config) Validate() error {
	if e := c.Venues.EVM; e != nil {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	if p := c.Venues.Permissioned; p != nil {
		if p.ConnectionProfile == "" || p.Channel == "" || p.Chaincode == "" {
			return fmt.Errorf("permissioned: connection_profile, channel and chaincode are required")
		}
	}
	if c.Watcher.Interval >= c.Watcher.Timeout {
		return fmt.Errorf("watcher: interval %s must be shorter than timeout %s", c.Watcher.Interval, c.Watcher.Timeout)
	}
	return nil
}

// WatcherOptions returns the finality options the file configures.
func (c *Config) WatcherOptions() []finality.Option {
	return []finality.Option{
		finality.WithTimeout(c.Watcher.Timeout),
		finality.WithInterval(c.Watcher.Interval),
	}
}

func chainNameToID(network string) uint64 {
	switch network {
	case "ethereum":
		return 1
	case "sepolia":
		return 11155111
	case "polygon":
		return 137
	case "arbitrum":
		return 42161
	case "optimism":
		return 10
	case "base":
		return 8453
	case "avalanche":
		return 43114
	case "bsc":
		return 56
	default:
		return 0
	}
}
