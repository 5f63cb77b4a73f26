package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
forks = 20
ssh_timeout = "3s"
task_timeout = "2m"
max_retries = 5
retry_base_delay = "100ms"
retry_max_delay = "10s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Forks)
	require.Equal(t, 3*time.Second, cfg.SSHTimeout)
	require.Equal(t, 2*time.Minute, cfg.TaskTimeout)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
	require.Equal(t, 10*time.Second, cfg.RetryMaxDelay)
}

func TestLoadKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := writeConfig(t, `forks = 2`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Forks)
	require.Equal(t, Default().SSHTimeout, cfg.SSHTimeout)
	require.Equal(t, Default().MaxRetries, cfg.MaxRetries)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero forks", `forks = 0`},
		{"negative retries", `max_retries = -1`},
		{"bad duration", `ssh_timeout = "soon"`},
		{"negative duration", `task_timeout = "-5s"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadClampsMaxDelay(t *testing.T) {
	path := writeConfig(t, `
retry_base_delay = "2s"
retry_max_delay = "1s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
}
