package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServerFile_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "roots.txt", "# roots\n10.0.0.1:5353\n\n10.0.0.2\n")
	path := writeFile(t, dir, "server.yaml", `
root_servers:
  - 10.9.9.9:5353
root_servers_file: roots.txt
log_file: all.log
zones:
  example.com:
    db: example.com.db
    secondaries: [10.1.1.1, "10.1.1.2:8000"]
    log_file: /var/log/example.com.log
  example.org:
    primary: 10.2.2.2:8000
`)

	sf, err := LoadServerFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"example.com", "example.org"}, sf.ZoneNames())
	com := sf.Zones["example.com"]
	assert.True(t, com.Authoritative())
	assert.Equal(t, filepath.Join(dir, "example.com.db"), com.DB)
	assert.Equal(t, "/var/log/example.com.log", com.LogFile)
	assert.Equal(t, []string{"10.1.1.1", "10.1.1.2:8000"}, com.Secondaries)
	assert.Equal(t, filepath.Join(dir, "all.log"), sf.LogFile)

	org := sf.Zones["example.org"]
	assert.False(t, org.Authoritative())
	assert.Equal(t, "10.2.2.2:8000", org.Primary)

	roots, err := sf.RootServerAddrs()
	require.NoError(t, err)
	require.Len(t, roots, 3)
	assert.Equal(t, "10.9.9.9:5353", roots[0].String())
	assert.Equal(t, "10.0.0.1:5353", roots[1].String())
	assert.Equal(t, "10.0.0.2:5353", roots[2].String(), "bare address gets the default port")
}

func TestLoadServerFile_JSONAndTOML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeFile(t, dir, "server.json", `{"zones": {"example.com": {"db": "/zones/example.com.db"}}}`)
	tomlPath := writeFile(t, dir, "server.toml", "[zones.\"example.com\"]\nprimary = \"10.2.2.2:8000\"\n")

	sf, err := LoadServerFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "/zones/example.com.db", sf.Zones["example.com"].DB)

	sf, err = LoadServerFile(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "10.2.2.2:8000", sf.Zones["example.com"].Primary)
}

func TestLoadServerFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "server.ini", "zones=1"},
		{"db and primary", "both.yaml", "zones:\n  example.com:\n    db: x.db\n    primary: 10.0.0.1:8000\n"},
		{"neither db nor primary", "neither.yaml", "zones:\n  example.com:\n    log_file: x.log\n"},
		{"bad primary", "badprimary.yaml", "zones:\n  example.com:\n    primary: nowhere\n"},
		{"bad root server", "badroot.yaml", "root_servers: [\"10.0.0.1\"]\n"},
		{"bad secondary", "badsec.yaml", "zones:\n  example.com:\n    db: x.db\n    secondaries: [somehost]\n"},
		{"malformed yaml", "broken.yaml", "zones: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			_, err := LoadServerFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadServerFile_Missing(t *testing.T) {
	_, err := LoadServerFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRootServers_BadLine(t *testing.T) {
	path := writeFile(t, t.TempDir(), "roots.txt", "10.0.0.1:5353\nnot-an-address\n")
	_, err := LoadRootServers(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
}

func TestParseServerAddr(t *testing.T) {
	ap, err := ParseServerAddr(" 10.0.0.1:53 ")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:53", ap.String())

	_, err = ParseServerAddr("example.com:53")
	assert.Error(t, err)
}

func TestZoneConfig_SecondaryAddrs(t *testing.T) {
	zc := ZoneConfig{Secondaries: []string{"10.0.0.7", "10.0.0.8:8000"}}
	addrs, err := zc.SecondaryAddrs()
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.7"), netip.MustParseAddr("10.0.0.8")}, addrs)

	_, err = ZoneConfig{Secondaries: []string{"nope"}}.SecondaryAddrs()
	assert.Error(t, err)
}
