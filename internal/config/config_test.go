package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().RadioHost, cfg.RadioHost)
	require.Equal(t, 15*time.Minute, cfg.TracerouteEvery)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("radio_host: 10.0.0.5\nradio_port: 1234\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", cfg.RadioHost)
	require.Equal(t, 1234, cfg.RadioPort)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/meshd.yaml")
	require.Error(t, err)
}
