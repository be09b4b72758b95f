package config

import (
	"fmt"
	"strings"
)

// Config is the full bot configuration.
//
// It is loaded from a JSON or YAML file; a handful of deployment-style
// settings can additionally be overridden via BOSSBOT_* environment
// variables (see applyEnv). All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Watch    WatchConfig    `json:"watch"`
	Alert    AlertConfig    `json:"alert"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// WatchConfig identifies the announcement feed being observed.
type WatchConfig struct {
	ChatID  int64  `json:"chat_id"`
	Keyword string `json:"keyword,omitempty"` // default "world boss"
}

// AlertConfig controls what gets scheduled and what the ping looks like.
type AlertConfig struct {
	// Mention is the role/target string prepended to the notification,
	// e.g. "@raiders".
	Mention string `json:"mention"`

	// EventName names the event in the notification text.
	EventName string `json:"event_name,omitempty"` // default "World Boss"

	// LeadMinutes is how many minutes before the announced spawn the ping
	// fires. Pointer so "omitted" (default 5) is distinguishable from an
	// explicit 0.
	LeadMinutes *int `json:"lead_minutes,omitempty"`
}

type DispatchConfig struct {
	TickInterval     string `json:"tick_interval,omitempty"`      // default "10s"; fixed at startup
	SendTimeout      string `json:"send_timeout,omitempty"`       // default "10s"
	RatePerSec       int    `json:"rate_per_sec,omitempty"`       // default 1
	StaleClaimAfter  string `json:"stale_claim_after,omitempty"`  // default "1m"
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"` // default "./bossbot.db"
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

const (
	DefaultLeadMinutes = 5
	DefaultEventName   = "World Boss"
	DefaultKeyword     = "world boss"
	DefaultDBPath      = "./bossbot.db"
)

// LeadMinutesOrDefault resolves the configured lead time.
func (c *Config) LeadMinutesOrDefault() int {
	if c.Alert.LeadMinutes == nil {
		return DefaultLeadMinutes
	}
	return *c.Alert.LeadMinutes
}

// Validate checks everything the process cannot start without. It is run
// at startup (fatal on error) and again before committing a hot reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set BOSSBOT_TOKEN)")
	}
	if c.Watch.ChatID == 0 {
		return fmt.Errorf("watch.chat_id is required (or set BOSSBOT_WATCH_CHAT_ID)")
	}
	if strings.TrimSpace(c.Alert.Mention) == "" {
		return fmt.Errorf("alert.mention is required (or set BOSSBOT_MENTION)")
	}
	if c.Alert.LeadMinutes != nil && *c.Alert.LeadMinutes < 0 {
		return fmt.Errorf("alert.lead_minutes must be >= 0")
	}
	if c.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"dispatch.tick_interval", c.Dispatch.TickInterval},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"dispatch.stale_claim_after", c.Dispatch.StaleClaimAfter},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
