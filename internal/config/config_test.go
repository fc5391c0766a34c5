package config

import (
	"testing"

	"github.com/spf13/viper"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(newViper())
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if cfg.PollIntervalSecs != 10 || cfg.BatchSize != 256 || !cfg.ParsePrecerts {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxConcurrentLogs != 100 || cfg.MatchChannelCapacity != 1024 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Redis.Enabled || cfg.Redis.MaxQueue != 10000 {
		t.Errorf("unexpected redis defaults: %+v", cfg.Redis)
	}
}

func TestFromViper_AdditionalLogs(t *testing.T) {
	v := newViper()
	v.Set("additional_logs", []map[string]string{
		{"url": "https://ct.example/log1/", "operator": "example-op"},
	})
	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if len(cfg.AdditionalLogs) != 1 || cfg.AdditionalLogs[0].URL != "https://ct.example/log1/" {
		t.Errorf("unexpected additional logs: %+v", cfg.AdditionalLogs)
	}
}

func TestFromViper_RejectsZeroPollInterval(t *testing.T) {
	v := newViper()
	v.Set("poll_interval_secs", 0)
	if _, err := FromViper(v); err == nil {
		t.Error("expected validation error for zero poll_interval_secs")
	}
}

func TestFromViper_RejectsRedisEnabledWithoutURL(t *testing.T) {
	v := newViper()
	v.Set("redis.enabled", true)
	if _, err := FromViper(v); err == nil {
		t.Error("expected validation error for redis.enabled without redis.url")
	}
}

func TestFromViper_RejectsNegativeBackfillEntries(t *testing.T) {
	v := newViper()
	v.Set("backfill_entries", -1)
	if _, err := FromViper(v); err == nil {
		t.Error("expected validation error for negative backfill_entries")
	}
}
