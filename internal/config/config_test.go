package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

// chdir moves the process into dir for the duration of the test so Load's
// config-file search paths resolve against a controlled directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 7777, cfg.Server.Port)
	require.Equal(t, 10*time.Second, cfg.Server.HandshakeTimeout)
	require.Equal(t, 256, cfg.Server.SendQueueSize)

	require.Equal(t, 64*datasize.KB, cfg.Document.ChunkSize)
	require.Equal(t, 32, cfg.Document.FlushEvery)

	require.True(t, cfg.Metrics.Enabled)
	require.False(t, cfg.Auth.Enabled)
	require.False(t, cfg.Cluster.Enabled)
	require.False(t, cfg.Audit.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9999
  send_queue_size: 16
document:
  chunk_size: 128KB
  flush_every: 4
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabtext.yaml"), []byte(yaml), 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, 16, cfg.Server.SendQueueSize)
	require.Equal(t, 128*datasize.KB, cfg.Document.ChunkSize)
	require.Equal(t, 4, cfg.Document.FlushEvery)
	require.Equal(t, "debug", cfg.Logging.Level)
}
