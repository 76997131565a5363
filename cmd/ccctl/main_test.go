package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ALE-backend/internal/capitalcall"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("CCCTL_CONFIG", filepath.Join(t.TempDir(), "nested", "config.json"))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultServer, cfg.Server)

	require.NoError(t, saveConfig(cliConfig{Server: "http://x/api/v1", User: "olga", Token: "t"}))
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cliConfig{Server: "http://x/api/v1", User: "olga", Token: "t"}, cfg)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, s := range []string{"0", "-1", "abc", ""} {
		_, err := parseID(s)
		assert.Error(t, err, s)
	}
}

func TestExitCodeAndDescribe(t *testing.T) {
	since := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	locked := capitalcall.ErrAlreadyLocked("bob", since)

	assert.Equal(t, 3, exitCode(locked))
	assert.Equal(t, 4, exitCode(capitalcall.ErrStaleVersion(1, 2)))
	assert.Equal(t, 5, exitCode(capitalcall.ErrNetwork(errors.New("reset"))))
	assert.Equal(t, 1, exitCode(errors.New("plain")))

	assert.Contains(t, describe(locked), "locked by bob since")
	assert.Equal(t, "plain", describe(errors.New("plain")))
}
