package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOCCOL_DATABASE_PATH", filepath.Join(dir, "db", "collector.db"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for explicit missing config file, got %v", cfg)
	}

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 16, cfg.PersistBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.PersistFlushInterval)
	assert.DirExists(t, filepath.Join(dir, "db"))
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "port: 9100\nlog_level: debug\npersist_flush_interval: 2s\ndatabase_path: " + filepath.Join(dir, "c.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("LOCCOL_PORT", "9200")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.PersistFlushInterval)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Port:                 9000,
		DatabasePath:         "x.db",
		LogLevel:             "info",
		LogFormat:            "json",
		PersistBatchSize:     10,
		PersistFlushInterval: time.Second,
		IPProviderTimeout:    time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Port = 0 }},
		{"path", func(c *Config) { c.DatabasePath = "" }},
		{"level", func(c *Config) { c.LogLevel = "trace" }},
		{"format", func(c *Config) { c.LogFormat = "xml" }},
		{"batch", func(c *Config) { c.PersistBatchSize = 0 }},
		{"flush", func(c *Config) { c.PersistFlushInterval = 0 }},
		{"provider timeout", func(c *Config) { c.IPProviderTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
