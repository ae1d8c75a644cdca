// Package zone loads authoritative zone databases from disk and keeps them in
// step with their files.
package zone

import (
	"fmt"
	"os"

	"github.com/haukened/zonewalk/internal/dns/common/zonefile"
	"github.com/haukened/zonewalk/internal/dns/config"
	"github.com/haukened/zonewalk/internal/dns/domain"
)

// LoadZoneFile reads and parses a single zone database file.
func LoadZoneFile(path string) (*domain.Zone, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zone file %s: %w", path, err)
	}
	defer f.Close()

	z, err := zonefile.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("error parsing zone file %s: %w", path, err)
	}
	return z, nil
}

// LoadZones loads every zone the server file marks as authoritative (those
// with a db entry). A file whose apex differs from its configured name is an
// error.
func LoadZones(sf *config.ServerFile) (map[domain.Domain]*domain.Zone, error) {
	zones := make(map[domain.Domain]*domain.Zone)
	for _, name := range sf.ZoneNames() {
		zc := sf.Zones[name]
		if !zc.Authoritative() {
			continue
		}
		z, err := LoadZoneFile(zc.DB)
		if err != nil {
			return nil, err
		}
		if want := domain.ParseDomain(name); z.Apex != want {
			return nil, fmt.Errorf("zone file %s defines %s, configured as %s", zc.DB, z.Apex, want)
		}
		zones[z.Apex] = z
	}
	return zones, nil
}
