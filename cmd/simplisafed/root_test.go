package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfigFile(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simplisafe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "systems", "events", "watch"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestLoadConfig(t *testing.T) {
	withConfigFile(t, `
account:
  email: user@email.com
  password: "12345"
poll:
  interval: 30s
log:
  level: debug
`)
	cfg, log, err := loadConfig()
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, "user@email.com", cfg.Account.Email)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
}

func TestLoadConfigRejectsMissingCredentials(t *testing.T) {
	withConfigFile(t, "log:\n  level: info\n")
	t.Setenv("SIMPLISAFE_EMAIL", "")
	t.Setenv("SIMPLISAFE_REFRESH_TOKEN", "")

	_, _, err := loadConfig()
	assert.ErrorContains(t, err, "account")
}
