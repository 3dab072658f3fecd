package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
domain = "example.org"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.Server.Domain)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, 4096, cfg.SASL.GetScramIterations())
	assert.Equal(t, 10000, cfg.Presence.GetCacheSize())

	qt, err := cfg.Database.GetQueryTimeout()
	require.NoError(t, err)
	assert.Equal(t, "30s", qt.String())
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
domain = "example.org"
component_domains = ["muc.example.org"]

[database]
query_timeout = "5s"
[database.write]
host = "db1"
port = "5432"
user = "oriole"
name = "oriole"

[cluster]
enabled = true
bind_addr = "0.0.0.0"
bind_port = 7946
peers = ["node2", "node3"]

[sasl]
mechanisms = ["SCRAM-SHA-1", "PLAIN"]
anonymous_enabled = true
anonymous_allowed_ips = ["10.0.0.1"]
scram_iterations = 8192
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, []string{"node2", "node3"}, cfg.Cluster.Peers)
	assert.Equal(t, []string{"SCRAM-SHA-1", "PLAIN"}, cfg.SASL.GetMechanisms())
	assert.Equal(t, 8192, cfg.SASL.GetScramIterations())
	assert.Equal(t, "db1", cfg.Database.Write.Host)

	qt, err := cfg.Database.GetQueryTimeout()
	require.NoError(t, err)
	assert.Equal(t, "5s", qt.String())
}

func TestValidateRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
[server]
domain = "example.org"

[cluster]
enabled = true
bind_port = 99999
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind_port")
}

func TestValidateRejectsEmptyDomain(t *testing.T) {
	cfg := NewDefault()
	cfg.Server.Domain = ""
	require.Error(t, cfg.Validate())
}

func TestIsLocalDomain(t *testing.T) {
	cfg := NewDefault()
	cfg.Server.Domain = "example.org"
	cfg.Server.ComponentDomains = []string{"muc.example.org"}

	assert.True(t, cfg.IsLocalDomain("example.org"))
	assert.True(t, cfg.IsLocalDomain("muc.example.org"))
	assert.False(t, cfg.IsLocalDomain("remote.net"))
}
