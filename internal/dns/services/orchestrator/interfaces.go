package orchestrator

import (
	"context"
	"net/netip"

	"github.com/haukened/zonewalk/internal/dns/domain"
)

// Resolver follows referrals from a list of candidate servers.
type Resolver interface {
	Resolve(ctx context.Context, query domain.Message, servers []netip.AddrPort, recursionDesired bool) (domain.Message, error)
}

// ZoneRegistry is the shared zone map. Implementations lock internally; the
// orchestrator never holds a lock across a Resolve call.
type ZoneRegistry interface {
	Lookup(name domain.Domain) (*domain.Zone, bool)
	Cache(name domain.Domain, records []domain.ResourceRecord) *domain.Zone
}
