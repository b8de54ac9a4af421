package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRestrictedPortsEmpty(t *testing.T) {
	ranges, err := ParseRestrictedPorts("")
	require.NoError(t, err)
	assert.Nil(t, ranges)
}

func TestParseRestrictedPortsMultipleTuples(t *testing.T) {
	ranges, err := ParseRestrictedPorts("80-80;443-443;8000-8100")
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.Equal(t, PortRange{80, 80}, ranges[0])
	assert.Equal(t, PortRange{8000, 8100}, ranges[2])
}

func TestParseRestrictedPortsRejectsMalformedTuple(t *testing.T) {
	_, err := ParseRestrictedPorts("80")
	assert.Error(t, err)
}

func TestParseRestrictedPortsRejectsInvertedRange(t *testing.T) {
	_, err := ParseRestrictedPorts("100-50")
	assert.Error(t, err)
}

func TestConfigIsRestrictedMatchesAnyRange(t *testing.T) {
	ranges, err := ParseRestrictedPorts("80-80;443-443")
	require.NoError(t, err)
	c := &Config{RestrictedPorts: ranges}
	assert.True(t, c.IsRestricted(80))
	assert.True(t, c.IsRestricted(443))
	assert.False(t, c.IsRestricted(8080))
}

func TestLoadFileParsesKnownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.conf")
	require.NoError(t, os.WriteFile(path, []byte("restricted_ports = 80-80\nbrowse_fs = true\n# comment\npolicy_import = /etc/proxy/policy.json\ntoken_ttl = 3600\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsRestricted(80))
	assert.True(t, cfg.BrowseFS)
	assert.Equal(t, "/etc/proxy/policy.json", cfg.PolicyImport)
}

func TestStoreReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.conf")
	require.NoError(t, os.WriteFile(path, []byte("restricted_ports = 80-80\n"), 0o644))

	store, err := NewStore(logging.New("test", logging.LevelError), path, LoadFile)
	require.NoError(t, err)
	defer store.Close()

	assert.True(t, store.Get().IsRestricted(80))
	assert.False(t, store.Get().IsRestricted(443))

	require.NoError(t, os.WriteFile(path, []byte("restricted_ports = 443-443\n"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Get().IsRestricted(443) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, store.Get().IsRestricted(443))
}
