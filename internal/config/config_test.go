package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/peerfence.sock", cfg.Socket)
	assert.Equal(t, "/tmp/peerfence_query.sock", cfg.QuerySocket)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/usr/lib/peerfence/xdp_filter.o", cfg.Filter.Object)
	assert.Equal(t, "8.8.8.8:53", cfg.Blocklist.Resolver)
	assert.Equal(t, ":memory:", cfg.DBPath())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
device: eth0
socket: /run/pf.sock
data_dir: /var/lib/peerfence
log_level: debug
blocklist:
  file: /etc/peerfence/blocklist
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eth0", cfg.Device)
	assert.Equal(t, "/run/pf.sock", cfg.Socket)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/etc/peerfence/blocklist", cfg.Blocklist.File)
	assert.Equal(t, "/var/lib/peerfence/peerfence.db", cfg.DBPath())
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Error(t, cfg.Validate(), "device is required")

	cfg.Device = "eth0"
	require.NoError(t, cfg.Validate())

	cfg.QuerySocket = cfg.Socket
	assert.Error(t, cfg.Validate(), "sockets must differ")
}
