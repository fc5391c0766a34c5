// Package config declares the typed configuration surface spec.md §6
// enumerates and binds it from a *viper.Viper instance populated by the
// cmd/ package's flags, environment variables and config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"ctfleet/pkg/models"
)

// RedisConfig is the Redis Publisher sink's configuration block.
type RedisConfig struct {
	Enabled  bool
	URL      string
	Channel  string
	QueueKey string
	MaxQueue int
	Strict   bool
}

// Config is the fully resolved, validated configuration for one run of the
// core.
type Config struct {
	LogListURL                string
	PollIntervalSecs          int
	BatchSize                 int
	ParsePrecerts             bool
	IncludeReadonly           bool
	IncludePending            bool
	IncludeAll                bool
	AdditionalLogs            []models.LogDescriptor
	MaxConcurrentLogs         int
	StatePath                 string
	DedupeEnabled             bool
	ReconnectDelaySecs        int
	RootDomainsFile           string
	WatchlistSyncIntervalSecs int
	MatchChannelCapacity      int
	BackfillEntries           int // 0 disables bounded backfill (spec.md §9 open question)
	Redis                     RedisConfig
}

// SetDefaults installs every default value spec.md §6 names onto v, so that
// a fresh *viper.Viper with no config file or flags still produces a valid
// Config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_list_url", "https://www.gstatic.com/ct/log_list/v3/log_list.json")
	v.SetDefault("poll_interval_secs", 10)
	v.SetDefault("batch_size", 256)
	v.SetDefault("parse_precerts", true)
	v.SetDefault("include_readonly", false)
	v.SetDefault("include_pending", false)
	v.SetDefault("include_all", false)
	v.SetDefault("max_concurrent_logs", 100)
	v.SetDefault("state_path", "ctfleet-state.tsv")
	v.SetDefault("dedupe_enabled", true)
	v.SetDefault("reconnect_delay_secs", 30)
	v.SetDefault("watchlist_sync_interval_secs", 21600)
	v.SetDefault("match_channel_capacity", 1024)
	v.SetDefault("backfill_entries", 0)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_queue", 10000)
	v.SetDefault("redis.strict", false)
}

// FromViper builds a Config from v, which must already have SetDefaults
// applied (and, typically, flags bound and a config file read) by the
// caller.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogListURL:                v.GetString("log_list_url"),
		PollIntervalSecs:          v.GetInt("poll_interval_secs"),
		BatchSize:                 v.GetInt("batch_size"),
		ParsePrecerts:             v.GetBool("parse_precerts"),
		IncludeReadonly:           v.GetBool("include_readonly"),
		IncludePending:            v.GetBool("include_pending"),
		IncludeAll:                v.GetBool("include_all"),
		MaxConcurrentLogs:         v.GetInt("max_concurrent_logs"),
		StatePath:                 v.GetString("state_path"),
		DedupeEnabled:             v.GetBool("dedupe_enabled"),
		ReconnectDelaySecs:        v.GetInt("reconnect_delay_secs"),
		RootDomainsFile:           v.GetString("root_domains_file"),
		WatchlistSyncIntervalSecs: v.GetInt("watchlist_sync_interval_secs"),
		MatchChannelCapacity:      v.GetInt("match_channel_capacity"),
		BackfillEntries:           v.GetInt("backfill_entries"),
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			URL:      v.GetString("redis.url"),
			Channel:  v.GetString("redis.channel"),
			QueueKey: v.GetString("redis.queue_key"),
			MaxQueue: v.GetInt("redis.max_queue"),
			Strict:   v.GetBool("redis.strict"),
		},
	}

	var additional []struct {
		URL      string `mapstructure:"url"`
		Operator string `mapstructure:"operator"`
	}
	if err := v.UnmarshalKey("additional_logs", &additional); err != nil {
		return Config{}, fmt.Errorf("config: parsing additional_logs: %w", err)
	}
	for _, a := range additional {
		cfg.AdditionalLogs = append(cfg.AdditionalLogs, models.LogDescriptor{URL: a.URL, Operator: a.Operator})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would produce nonsensical runtime
// behavior (a zero or negative poll interval, batch size, etc).
func (c Config) Validate() error {
	if c.PollIntervalSecs <= 0 {
		return fmt.Errorf("config: poll_interval_secs must be positive, got %d", c.PollIntervalSecs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.StatePath == "" {
		return fmt.Errorf("config: state_path must be set")
	}
	if c.MatchChannelCapacity <= 0 {
		return fmt.Errorf("config: match_channel_capacity must be positive, got %d", c.MatchChannelCapacity)
	}
	if c.BackfillEntries < 0 {
		return fmt.Errorf("config: backfill_entries must not be negative, got %d", c.BackfillEntries)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("config: redis.url must be set when redis.enabled is true")
	}
	return nil
}

// PollInterval is a convenience accessor returning the poll interval as a
// time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// ReconnectDelay is a convenience accessor for the Redis Publisher's
// reconnect pacing.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySecs) * time.Second
}

// WatchlistSyncInterval is a convenience accessor for the WatchlistSource
// polling cadence.
func (c Config) WatchlistSyncInterval() time.Duration {
	return time.Duration(c.WatchlistSyncIntervalSecs) * time.Second
}
