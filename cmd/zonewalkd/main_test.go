package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/zonewalk/internal/dns/config"
	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/upstream"
)

const exampleDB = `@ DEFAULT example.com.
@ SOASP ns1.example.com. 86400
@ SOAADMIN admin.example.com. 86400
@ SOASERIAL 7 86400
@ SOAREFRESH 60 86400
@ SOARETRY 30 86400
@ SOAEXPIRE 600 86400
@ NS ns1.example.com. 86400
ns1 A 10.2.2.2 86400
www A 10.3.3.1 86400
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// testConfig returns the default configuration with an ephemeral query port
// and transfers disabled.
func testConfig(serverFile string) *config.AppConfig {
	cfg := config.DEFAULT_APP_CONFIG
	cfg.Env = "dev"
	cfg.LogLevel = "debug"
	cfg.Port = 0
	cfg.TransferPort = 0
	cfg.ConfigPath = serverFile
	cfg.Workers = 2
	cfg.Timeout = 200 * time.Millisecond
	return &cfg
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startApp runs app until the test ends and returns its query address on the
// loopback interface.
func startApp(t *testing.T, app *Application) netip.AddrPort {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	appErr := make(chan error, 1)
	go func() { appErr <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-appErr:
			assert.NoError(t, err, "application should shut down gracefully")
		case <-time.After(5 * time.Second):
			t.Error("application failed to shut down within timeout")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ap, err := netip.ParseAddrPort(app.transport.Address()); err == nil && ap.Port() != 0 {
			return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ap.Port())
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server failed to start within timeout")
	return netip.AddrPort{}
}

func ask(t *testing.T, server netip.AddrPort, name string, qtype domain.RRType) domain.Message {
	t.Helper()
	client := upstream.NewClient(upstream.Options{Timeout: time.Second})
	reply, err := client.Exchange(context.Background(), server, domain.NewQuery(domain.ParseDomain(name), qtype, false))
	require.NoError(t, err)
	return reply
}

func TestBuildApplication_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name          string
		serverFile    string
		errorContains string
	}{
		{
			name:          "missing server file",
			serverFile:    filepath.Join(dir, "absent.yaml"),
			errorContains: "failed to load server file",
		},
		{
			name:          "unsupported extension",
			serverFile:    writeFile(t, dir, "server.ini", "x=1\n"),
			errorContains: "unsupported server file type",
		},
		{
			name: "missing zone database",
			serverFile: writeFile(t, dir, "nodb.yaml", `
zones:
  example.com:
    db: absent.db
`),
			errorContains: "failed to open zone file",
		},
		{
			name: "apex mismatch",
			serverFile: writeFile(t, dir, "mismatch.yaml", fmt.Sprintf(`
zones:
  example.org:
    db: %s
`, writeFile(t, dir, "example.com.db", exampleDB))),
			errorContains: "configured as example.org",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := buildApplication(testConfig(tt.serverFile))
			require.Error(t, err)
			assert.Nil(t, app)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestApplication_AnswersFromZone(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "example.com.db", exampleDB)
	serverFile := writeFile(t, dir, "server.yaml", `
log_file: queries.log
zones:
  example.com:
    db: example.com.db
    log_file: example.com.log
`)

	app, err := buildApplication(testConfig(serverFile))
	require.NoError(t, err)
	server := startApp(t, app)

	reply := ask(t, server, "www.example.com", domain.RRTypeA)
	assert.True(t, reply.Header.Flags.Has(domain.FlagAuthoritative))
	rc, ok := reply.RCode()
	require.True(t, ok)
	assert.Equal(t, domain.RCodeAnswer, rc)
	require.Len(t, reply.Answers, 1)
	assert.Equal(t, "10.3.3.1", reply.Answers[0].Value.String())

	for _, name := range []string{"queries.log", "example.com.log"} {
		require.Eventually(t, func() bool {
			data, err := os.ReadFile(filepath.Join(dir, name))
			return err == nil && strings.Contains(string(data), `"RP"`)
		}, 2*time.Second, 20*time.Millisecond, "%s holds the query lines", name)
	}
}

func TestApplication_NoZoneWithoutRoots(t *testing.T) {
	dir := t.TempDir()
	serverFile := writeFile(t, dir, "server.yaml", "root_servers: []\n")

	app, err := buildApplication(testConfig(serverFile))
	require.NoError(t, err)
	server := startApp(t, app)

	reply := ask(t, server, "www.example.net", domain.RRTypeA)
	rc, ok := reply.RCode()
	require.True(t, ok)
	assert.Equal(t, domain.RCodeReferral, rc)
	assert.False(t, reply.Header.Flags.Has(domain.FlagAuthoritative))
}

func TestApplication_ZoneReload(t *testing.T) {
	dir := t.TempDir()
	db := writeFile(t, dir, "example.com.db", exampleDB)
	serverFile := writeFile(t, dir, "server.yaml", `
zones:
  example.com:
    db: example.com.db
`)

	app, err := buildApplication(testConfig(serverFile))
	require.NoError(t, err)
	startApp(t, app)

	updated := strings.Replace(exampleDB, "SOASERIAL 7", "SOASERIAL 8", 1) + "ftp A 10.3.3.9 86400\n"
	require.NoError(t, os.WriteFile(db, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		z, ok := app.registry.Get(domain.ParseDomain("example.com"))
		return ok && z.SOA.Serial == 8
	}, 3*time.Second, 20*time.Millisecond)
}

func TestApplication_SecondaryPullsFromPrimary(t *testing.T) {
	primaryDir := t.TempDir()
	writeFile(t, primaryDir, "example.com.db", exampleDB)
	primaryFile := writeFile(t, primaryDir, "server.yaml", `
zones:
  example.com:
    db: example.com.db
    secondaries: [127.0.0.1]
`)
	primaryCfg := testConfig(primaryFile)
	primaryCfg.TransferPort = freeTCPPort(t)
	primary, err := buildApplication(primaryCfg)
	require.NoError(t, err)
	startApp(t, primary)

	secondaryDir := t.TempDir()
	secondaryFile := writeFile(t, secondaryDir, "server.yaml", fmt.Sprintf(`
zones:
  example.com:
    primary: 127.0.0.1:%d
`, primaryCfg.TransferPort))
	secondaryCfg := testConfig(secondaryFile)
	secondaryCfg.StateDB = filepath.Join(secondaryDir, "state.db")
	secondaryCfg.DefaultRetry = 50 * time.Millisecond

	secondary, err := buildApplication(secondaryCfg)
	require.NoError(t, err)
	server := startApp(t, secondary)

	require.Eventually(t, func() bool {
		z, ok := secondary.registry.Get(domain.ParseDomain("example.com"))
		return ok && z.SOA.Serial == 7
	}, 5*time.Second, 20*time.Millisecond)

	reply := ask(t, server, "www.example.com", domain.RRTypeA)
	assert.True(t, reply.Header.Flags.Has(domain.FlagAuthoritative))
	require.Len(t, reply.Answers, 1)
	assert.Equal(t, "10.3.3.1", reply.Answers[0].Value.String())
}
