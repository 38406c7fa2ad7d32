package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canflash.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[adapter]
Transport = serial
Channel = /dev/ttyUSB0
BitrateKbps = 500

[protocol]
RetryLimit = 8
HandshakeTimeoutMs = 750
StreamThrottleMs = 5
StreamEfficiencyTarget = 0.95
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "serial", cfg.Transport)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Channel)
	assert.EqualValues(t, 500, cfg.BitrateKbps)
	assert.Equal(t, 8, cfg.RetryLimit)
	assert.Equal(t, 750*time.Millisecond, cfg.HandshakeTimeout)
	assert.Equal(t, 5*time.Millisecond, cfg.StreamThrottle)
	assert.InDelta(t, 0.95, cfg.StreamEfficiencyTarget, 0.0001)
}

func TestLoadFallsBackToDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, `
[adapter]
Channel = /dev/ttyUSB1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Transport, cfg.Transport)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Channel)
	assert.Equal(t, Default().RetryLimit, cfg.RetryLimit)
}

func TestLoadRejectsUnparsableValue(t *testing.T) {
	path := writeConfig(t, `
[adapter]
BitrateKbps = not-a-number
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.Error(t, err)
}
