package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, uint32(32), cfg.Repository.MaxConcurrentRequests)
	assert.Equal(t, uint32(100), cfg.Repository.RequestsPerSecond)
	assert.True(t, cfg.Repository.Pipelined)
	assert.Equal(t, 240*time.Second, cfg.Transport.LargeTransferTime.Std())
	assert.Equal(t, "cache/mesh", cfg.Cache.Path)
	assert.Equal(t, uint32(16), cfg.Cost.BytesPerTriangle)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remesh.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[repository]
max_concurrent_requests = 8
pipelined = false

[transport]
base_url = "https://assets.example.com/mesh"
upload_timeout = "90s"

[cache]
path = "/var/cache/remesh"

[logging]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(8), cfg.Repository.MaxConcurrentRequests)
	assert.False(t, cfg.Repository.Pipelined)
	// Values the file does not mention keep their defaults.
	assert.Equal(t, uint32(100), cfg.Repository.RequestsPerSecond)
	assert.Equal(t, uint32(250000), cfg.Cost.TriangleBudget)

	assert.Equal(t, "https://assets.example.com/mesh", cfg.Transport.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Transport.UploadTimeout.Std())
	assert.Equal(t, "/var/cache/remesh", cfg.Cache.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[repository\nmax ="), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remesh.toml")
	require.NoError(t, os.WriteFile(path, []byte("[transport]\nupload_timeout = \"soon\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remesh.toml")
	require.NoError(t, os.WriteFile(path, []byte("[repository]\nmax_concurrent_requests = 4\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Shutdown()

	require.NoError(t, os.WriteFile(path, []byte("[repository]\nmax_concurrent_requests = 16\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, uint32(16), cfg.Repository.MaxConcurrentRequests)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}

	require.NoError(t, w.Shutdown())
	require.NoError(t, w.Shutdown(), "shutdown is idempotent")
}
