package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all cadenza server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string  `json:"listen_addr"`
	DBPath        string  `json:"db_path"`
	LogLevel      string  `json:"log_level"`
	Workers       int     `json:"workers"`
	MaxDeliveries int     `json:"max_deliveries"`
	PollMs        int     `json:"poll_ms"`
	ContactStarts float64 `json:"contact_starts_per_minute"`
	GlobalStarts  float64 `json:"global_starts_per_minute"`
	EmailPerMin   float64 `json:"email_per_minute"`
	SMSPerMin     float64 `json:"sms_per_minute"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(cadenzaDir(), "cadenza.db"),
		LogLevel:      "info",
		Workers:       4,
		MaxDeliveries: 5,
		PollMs:        250,
	}
}

func cadenzaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cadenza"
	}
	return filepath.Join(home, ".cadenza")
}

func settingsPath() string {
	return filepath.Join(cadenzaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CADENZA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CADENZA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CADENZA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CADENZA_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("CADENZA_MAX_DELIVERIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxDeliveries = n
		}
	}
	if v := os.Getenv("CADENZA_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollMs = n
		}
	}
	if v := os.Getenv("CADENZA_CONTACT_STARTS_PER_MINUTE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ContactStarts = f
		}
	}
	if v := os.Getenv("CADENZA_GLOBAL_STARTS_PER_MINUTE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.GlobalStarts = f
		}
	}
	if v := os.Getenv("CADENZA_EMAIL_PER_MINUTE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.EmailPerMin = f
		}
	}
	if v := os.Getenv("CADENZA_SMS_PER_MINUTE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SMSPerMin = f
		}
	}

	return cfg
}
