package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all carepath server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string `json:"listen_addr"`
	DBPath         string `json:"db_path"`
	ProfilePath    string `json:"profile_path"`
	LogLevel       string `json:"log_level"`
	HistoryLimit   int    `json:"history_limit"`
	RunTimeoutSecs int    `json:"run_timeout_secs"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     ":4200",
		DBPath:         filepath.Join(carepathDir(), "carepath.db"),
		ProfilePath:    filepath.Join(carepathDir(), "profile.json"),
		LogLevel:       "info",
		RunTimeoutSecs: 60,
	}
}

func carepathDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carepath"
	}
	return filepath.Join(home, ".carepath")
}

func settingsPath() string {
	return filepath.Join(carepathDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CAREPATH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CAREPATH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CAREPATH_PROFILE_PATH"); v != "" {
		cfg.ProfilePath = v
	}
	if v := os.Getenv("CAREPATH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CAREPATH_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryLimit = n
		}
	}
	if v := os.Getenv("CAREPATH_RUN_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunTimeoutSecs = n
		}
	}

	return cfg
}
