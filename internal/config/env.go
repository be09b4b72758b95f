package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays deployment-style settings from the environment onto the
// file config. Env always wins over the file so the same config file can be
// shipped across environments with secrets kept out of it.
func applyEnv(cfg *Config) error {
	if v, ok := lookup("BOSSBOT_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := lookup("BOSSBOT_WATCH_CHAT_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BOSSBOT_WATCH_CHAT_ID: invalid chat id %q", v)
		}
		cfg.Watch.ChatID = id
	}
	if v, ok := lookup("BOSSBOT_MENTION"); ok {
		cfg.Alert.Mention = v
	}
	if v, ok := lookup("BOSSBOT_LEAD_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOSSBOT_LEAD_MINUTES: invalid integer %q", v)
		}
		cfg.Alert.LeadMinutes = &n
	}
	if v, ok := lookup("BOSSBOT_DB_PATH"); ok {
		cfg.Storage.Path = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}
