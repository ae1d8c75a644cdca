package config

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/zonewalk/internal/dns/domain"
)

// serverFileDelim separates nested keys. Zone names contain dots, so the
// default "." cannot be used.
const serverFileDelim = "/"

// ServerFile describes the zones a server owns or replicates and where it
// finds the root servers.
type ServerFile struct {
	// RootServers lists root server addresses inline.
	RootServers []string `koanf:"root_servers" validate:"dive,ip_port"`

	// RootServersFile names a file with one ip:port per line.
	RootServersFile string `koanf:"root_servers_file"`

	// LogFile receives a line for every query handled by this server.
	LogFile string `koanf:"log_file"`

	Zones map[string]ZoneConfig `koanf:"zones" validate:"dive"`
}

// ZoneConfig is one entry of ServerFile.Zones. Exactly one of DB and Primary
// is set: DB for zones loaded from disk, Primary for zones pulled as a secondary.
type ZoneConfig struct {
	DB          string   `koanf:"db" validate:"required_without=Primary,excluded_with=Primary"`
	Primary     string   `koanf:"primary" validate:"omitempty,ip_port"`
	Secondaries []string `koanf:"secondaries" validate:"dive,ip|ip_port"`
	LogFile     string   `koanf:"log_file"`
}

// Authoritative reports whether the zone is loaded from a local database file.
func (z ZoneConfig) Authoritative() bool {
	return z.DB != ""
}

// fileParser picks the koanf parser for path's extension.
func fileParser(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported server file type %q", filepath.Ext(path))
	}
}

// LoadServerFile reads and validates the server file at path. Relative paths
// inside it are resolved against the file's directory.
func LoadServerFile(path string) (*ServerFile, error) {
	parser, err := fileParser(path)
	if err != nil {
		return nil, err
	}

	k := koanf.New(serverFileDelim)
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load server file %s: %w", path, err)
	}

	var sf ServerFile
	if err := k.Unmarshal("", &sf); err != nil {
		return nil, fmt.Errorf("error unmarshalling server file %s: %w", path, err)
	}

	validate, err := newValidator()
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(&sf); err != nil {
		return nil, fmt.Errorf("server file %s: validation failed: %w", path, err)
	}

	base := filepath.Dir(path)
	sf.RootServersFile = resolvePath(base, sf.RootServersFile)
	sf.LogFile = resolvePath(base, sf.LogFile)
	for name, zc := range sf.Zones {
		zc.DB = resolvePath(base, zc.DB)
		zc.LogFile = resolvePath(base, zc.LogFile)
		sf.Zones[name] = zc
	}
	return &sf, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// ZoneNames returns the configured zone apexes in a stable order.
func (sf *ServerFile) ZoneNames() []string {
	names := make([]string, 0, len(sf.Zones))
	for name := range sf.Zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RootServerAddrs returns the inline root servers followed by those read from
// RootServersFile.
func (sf *ServerFile) RootServerAddrs() ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	for _, s := range sf.RootServers {
		ap, err := ParseServerAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ap)
	}
	if sf.RootServersFile == "" {
		return out, nil
	}
	fromFile, err := LoadRootServers(sf.RootServersFile)
	if err != nil {
		return nil, err
	}
	return append(out, fromFile...), nil
}

// LoadRootServers reads one server address per line. Blank lines and lines
// starting with '#' are skipped.
func LoadRootServers(path string) ([]netip.AddrPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open root servers file: %w", err)
	}
	defer f.Close()

	var out []netip.AddrPort
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ap, err := ParseServerAddr(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		out = append(out, ap)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read root servers file: %w", err)
	}
	return out, nil
}

// ParseServerAddr parses "ip:port" or a bare "ip", which gets the default
// server port.
func ParseServerAddr(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid server address %q", s)
	}
	return netip.AddrPortFrom(addr, domain.DefaultServerPort), nil
}

// SecondaryAddrs returns the addresses allowed to pull the zone. Ports are
// ignored: a secondary connects from an ephemeral one.
func (z ZoneConfig) SecondaryAddrs() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(z.Secondaries))
	for _, s := range z.Secondaries {
		ap, err := ParseServerAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ap.Addr())
	}
	return out, nil
}
