// Package config loads and validates the bot configuration from a YAML
// (or JSON) file, with optional hot reload via fsnotify.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Sessions  SessionsConfig  `json:"sessions"`
	Registry  RegistryConfig  `json:"registry"`
	Dedup     DedupConfig     `json:"dedup"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via the BOT_TOKEN env var.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
	// LogChatID receives forwarded warn+ log lines when set.
	LogChatID int64 `json:"log_chat_id"`
}

type LoggingConfig struct {
	Level            string `json:"level"`
	Console          bool   `json:"console"`
	FileEnabled      bool   `json:"file_enabled"`
	FilePath         string `json:"file_path"`
	TelegramEnabled  bool   `json:"telegram_enabled"`
	TelegramMinLevel string `json:"telegram_min_level"`
	TelegramRate     int    `json:"telegram_rate_per_sec"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type BroadcastConfig struct {
	RatePerSec    float64 `json:"rate_per_sec"`
	AlbumDebounce string  `json:"album_debounce"`
}

type SessionsConfig struct {
	TTL           string `json:"ttl"`
	SweepInterval string `json:"sweep_interval"`
}

type RegistryConfig struct {
	// AutoRefresh is a cron spec for periodic reachability refresh;
	// empty disables it.
	AutoRefresh string `json:"auto_refresh"`
}

type DedupConfig struct {
	Window     string `json:"window"`
	MaxEntries int    `json:"max_entries"`
}

func (c *TelegramConfig) PollTimeoutD() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", c.PollTimeout, 10*time.Second)
	return d
}

func (c *StorageConfig) BusyTimeoutD() time.Duration {
	d, _ := ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 5*time.Second)
	return d
}

func (c *BroadcastConfig) AlbumDebounceD() time.Duration {
	d, _ := ParseDurationOrDefault("broadcast.album_debounce", c.AlbumDebounce, 2*time.Second)
	return d
}

func (c *SessionsConfig) TTLD() time.Duration {
	d, _ := ParseDurationOrDefault("sessions.ttl", c.TTL, 30*time.Minute)
	return d
}

func (c *SessionsConfig) SweepIntervalD() time.Duration {
	d, _ := ParseDurationOrDefault("sessions.sweep_interval", c.SweepInterval, 5*time.Minute)
	return d
}

func (c *DedupConfig) WindowD() time.Duration {
	d, _ := ParseDurationOrDefault("dedup.window", c.Window, 10*time.Minute)
	return d
}

// Validate checks values that would otherwise fail deep inside a
// component at an awkward time.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids: at least one owner is required"))
	}
	for i, id := range c.Telegram.OwnerUserIDs {
		if id == 0 {
			errs = append(errs, fmt.Errorf("telegram.owner_user_ids[%d]: must be non-zero", i))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Broadcast.RatePerSec < 0 {
		errs = append(errs, errors.New("broadcast.rate_per_sec: must be >= 0"))
	}
	if c.Dedup.MaxEntries < 0 {
		errs = append(errs, errors.New("dedup.max_entries: must be >= 0"))
	}

	for _, probe := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"broadcast.album_debounce", c.Broadcast.AlbumDebounce},
		{"sessions.ttl", c.Sessions.TTL},
		{"sessions.sweep_interval", c.Sessions.SweepInterval},
		{"dedup.window", c.Dedup.Window},
	} {
		if _, err := ParseDurationField(probe.path, probe.raw); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
