package config

import (
	"os"
	"strings"
)

// Environment overrides for secrets. A .env file is loaded by main before Parse.
const (
	EnvTelegramToken  = "TIPWATCH_TELEGRAM_TOKEN"
	EnvTelegramChatID = "TIPWATCH_TELEGRAM_CHAT_ID"
	EnvProxy          = "TIPWATCH_PROXY"
	EnvDashboardToken = "TIPWATCH_DASHBOARD_TOKEN"
)

// legacy names still honoured when the TIPWATCH_ ones are unset
var envFallbacks = map[string]string{
	EnvTelegramToken:  "TELEGRAM_BOT_TOKEN",
	EnvTelegramChatID: "TELEGRAM_CHAT_ID",
}

func lookupEnv(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if alt, ok := envFallbacks[key]; ok {
		return strings.TrimSpace(os.Getenv(alt))
	}
	return ""
}

// applyEnv overlays non-empty environment values on cfg.
func applyEnv(cfg *Config) {
	if v := lookupEnv(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := lookupEnv(EnvTelegramChatID); v != "" {
		cfg.Telegram.AlertChat = v
	}
	if v := lookupEnv(EnvProxy); v != "" {
		cfg.HTTP.Proxy = v
	}
	if v := lookupEnv(EnvDashboardToken); v != "" {
		cfg.Dashboard.Token = v
	}
}
