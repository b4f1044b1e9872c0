package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CADENZA_LISTEN_ADDR", ":9999")
	t.Setenv("CADENZA_DB_PATH", "/tmp/cadenza-test.db")
	t.Setenv("CADENZA_LOG_LEVEL", "debug")
	t.Setenv("CADENZA_WORKERS", "8")
	t.Setenv("CADENZA_CONTACT_STARTS_PER_MINUTE", "2.5")

	cfg := loadConfig()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "/tmp/cadenza-test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2.5, cfg.ContactStarts)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := loadConfig()
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxDeliveries)
	assert.Equal(t, 250, cfg.PollMs)
}

func TestLoadConfig_BadNumbersIgnored(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CADENZA_WORKERS", "many")

	cfg := loadConfig()
	assert.Equal(t, 4, cfg.Workers)
}
