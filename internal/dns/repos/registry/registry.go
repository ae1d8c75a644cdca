// Package registry holds the zones a server answers from: zones it owns,
// zones it replicates as a secondary, and answers it has cached.
package registry

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/zonewalk/internal/dns/domain"
)

// Registry maps zone apexes to zones. One mutex covers the whole map.
//
// Stored zones are never modified; every update builds a new *domain.Zone and
// swaps it in, so a zone returned by Lookup or Get stays consistent after the
// lock is released and may be used during network calls.
type Registry struct {
	mu        sync.Mutex
	zones     map[domain.Domain]*domain.Zone
	cached    *lru.Cache[domain.Domain, struct{}]
	evictions uint64
}

// New returns an empty registry that keeps at most cacheSize non-authoritative
// zones, dropping the least recently used beyond that.
func New(cacheSize int) (*Registry, error) {
	r := &Registry{zones: make(map[domain.Domain]*domain.Zone)}
	// The callback runs synchronously inside cached.Add/Remove, which are only
	// called with r.mu held.
	cache, err := lru.NewWithEvict(cacheSize, func(apex domain.Domain, _ struct{}) {
		if z, ok := r.zones[apex]; ok && !z.Authoritative {
			delete(r.zones, apex)
			r.evictions++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create zone cache: %w", err)
	}
	r.cached = cache
	return r, nil
}

// Lookup returns the zone whose apex is the longest ancestor-or-equal of name.
func (r *Registry) Lookup(name domain.Domain) (*domain.Zone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for d := name; ; d = d.Parent() {
		if z, ok := r.zones[d]; ok {
			if !z.Authoritative {
				r.cached.Get(d)
			}
			return z, true
		}
		if d.IsRoot() {
			return nil, false
		}
	}
}

// Get returns the zone stored exactly at apex.
func (r *Registry) Get(apex domain.Domain) (*domain.Zone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	z, ok := r.zones[apex]
	return z, ok
}

// Put stores z under its apex, replacing any previous zone in one step. The
// caller must not modify z afterwards. A delegation outside the apex is a
// programming error and panics.
func (r *Registry) Put(z *domain.Zone) {
	for k := range z.Delegations {
		if !k.IsSubdomainOf(z.Apex) {
			panic(fmt.Sprintf("registry: zone %s has delegation %s outside its apex", z.Apex, k))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(z)
}

func (r *Registry) putLocked(z *domain.Zone) {
	if z.Authoritative {
		// Store first so the evict callback sees an owned zone and leaves
		// both the map and the eviction count alone.
		r.zones[z.Apex] = z
		r.cached.Remove(z.Apex)
		return
	}
	r.zones[z.Apex] = z
	r.cached.Add(z.Apex, struct{}{})
}

// Cache merges records into the non-authoritative zone keyed by name,
// creating it when absent. Records already present are skipped, as are NS
// records that fall outside name. A zone owned authoritatively at name is left
// untouched. It returns the zone now stored at name.
func (r *Registry) Cache(name domain.Domain, records []domain.ResourceRecord) *domain.Zone {
	r.mu.Lock()
	defer r.mu.Unlock()

	var z *domain.Zone
	if existing, ok := r.zones[name]; ok {
		if existing.Authoritative {
			return existing
		}
		z = existing.Clone()
	} else {
		z = domain.NewZone(name, false)
	}

	for _, rr := range records {
		if z.Contains(rr) {
			continue
		}
		_ = z.Add(rr) // rejects NS outside the apex
	}
	r.putLocked(z)
	return z
}

// Remove deletes the zone at apex and reports whether one was stored.
func (r *Registry) Remove(apex domain.Domain) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.zones[apex]
	delete(r.zones, apex)
	r.cached.Remove(apex)
	return ok
}

// Zones returns every stored apex in text order.
func (r *Registry) Zones() []domain.Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Domain, 0, len(r.zones))
	for apex := range r.zones {
		out = append(out, apex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of stored zones.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.zones)
}

// Stats returns the number of cached zones and how many were evicted.
func (r *Registry) Stats() (cached int, evictions uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached.Len(), r.evictions
}
