// Package secondary keeps local copies of zones pulled from their primaries.
// One Worker runs per replicated zone.
package secondary

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/haukened/zonewalk/internal/dns/common/clock"
	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/zonexfer"
	"github.com/haukened/zonewalk/internal/dns/repos/zonestore"
)

// DefaultRetry is the wait after a failure before any SOA is known.
const DefaultRetry = 3600 * time.Second

// Puller fetches a zone from a primary.
type Puller interface {
	Pull(ctx context.Context, req zonexfer.PullRequest) (*domain.Zone, error)
}

// ZoneRegistry receives the pulled zones.
type ZoneRegistry interface {
	Put(z *domain.Zone)
	Remove(apex domain.Domain) bool
}

// ZoneStore persists pulled zones across restarts.
type ZoneStore interface {
	Save(z *domain.Zone, syncedAt time.Time) error
	Touch(apex domain.Domain, syncedAt time.Time) error
	Load(apex domain.Domain) (*domain.Zone, time.Time, error)
	Delete(apex domain.Domain) error
}

// State is the phase of a Worker.
type State int

const (
	// StateInitial means no copy of the zone is held.
	StateInitial State = iota
	// StateSteady means a copy is held and is refreshed periodically.
	StateSteady
)

func (s State) String() string {
	if s == StateSteady {
		return "steady"
	}
	return "initial"
}

type Options struct {
	Zone     domain.Domain
	Primary  netip.AddrPort
	Puller   Puller
	Registry ZoneRegistry
	// Store is optional.
	Store        ZoneStore
	Clock        clock.Clock
	Logger       log.Logger
	DefaultRetry time.Duration
}

// Worker replicates one zone. Step and Run must not be called concurrently.
type Worker struct {
	zone         domain.Domain
	primary      netip.AddrPort
	puller       Puller
	registry     ZoneRegistry
	store        ZoneStore
	clock        clock.Clock
	logger       log.Logger
	defaultRetry time.Duration

	state       State
	soa         domain.SOA
	lastContact time.Time
}

func NewWorker(opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.DefaultRetry <= 0 {
		opts.DefaultRetry = DefaultRetry
	}
	return &Worker{
		zone:         opts.Zone,
		primary:      opts.Primary,
		puller:       opts.Puller,
		registry:     opts.Registry,
		store:        opts.Store,
		clock:        opts.Clock,
		logger:       opts.Logger,
		defaultRetry: opts.DefaultRetry,
	}
}

// State returns the current phase.
func (w *Worker) State() State {
	return w.state
}

// Serial returns the serial of the held copy.
func (w *Worker) Serial() (uint32, bool) {
	return w.soa.Serial, w.state == StateSteady
}

// Restore loads the persisted copy, if any, into the registry so the zone is
// served before the first transfer. A copy already past its expire time is
// discarded instead.
func (w *Worker) Restore() error {
	if w.store == nil {
		return nil
	}
	z, syncedAt, err := w.store.Load(w.zone)
	if errors.Is(err, zonestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	w.hold(z, syncedAt)
	if w.expired() {
		w.drop()
		return nil
	}
	w.registry.Put(z)
	w.logger.Info(map[string]any{
		"zone":      w.zone.String(),
		"serial":    z.SOA.Serial,
		"synced_at": syncedAt,
	}, "Restored stored zone copy")
	return nil
}

// Step runs one transfer attempt and returns how long to wait before the next.
func (w *Worker) Step(ctx context.Context) time.Duration {
	req := zonexfer.PullRequest{Primary: w.primary, Zone: w.zone}
	if serial, ok := w.Serial(); ok {
		req.LastSerial = &serial
	}

	z, err := w.puller.Pull(ctx, req)
	now := w.clock.Now()
	switch {
	case err == nil:
		w.hold(z, now)
		w.registry.Put(z)
		if w.store != nil {
			if err := w.store.Save(z, now); err != nil {
				w.logger.Error(map[string]any{"zone": w.zone.String(), "error": err.Error()}, "Failed to store zone copy")
			}
		}
		w.logger.Info(map[string]any{
			"zone":    w.zone.String(),
			"server":  w.primary.String(),
			"serial":  z.SOA.Serial,
			"records": z.Len(),
		}, "Zone transfer complete")
		return w.refresh()

	case errors.Is(err, zonexfer.ErrSameSerial):
		w.lastContact = now
		if w.store != nil {
			if err := w.store.Touch(w.zone, now); err != nil {
				w.logger.Error(map[string]any{"zone": w.zone.String(), "error": err.Error()}, "Failed to update zone copy")
			}
		}
		w.logger.Debug(map[string]any{"zone": w.zone.String(), "serial": w.soa.Serial}, "Zone is current")
		return w.refresh()

	default:
		w.logger.Warn(map[string]any{
			"zone":   w.zone.String(),
			"server": w.primary.String(),
			"state":  w.state.String(),
			"error":  err.Error(),
		}, "Zone transfer failed")
		if w.expired() {
			w.drop()
		}
		return w.retry()
	}
}

// Run repeats Step until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		wait := w.Step(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(wait):
		}
	}
}

func (w *Worker) hold(z *domain.Zone, contact time.Time) {
	w.state = StateSteady
	w.soa = z.SOA
	w.lastContact = contact
}

// expired reports whether the held copy outlived the SOA expire interval
// since the primary last confirmed it.
func (w *Worker) expired() bool {
	if w.state != StateSteady || w.soa.Expire == 0 {
		return false
	}
	return w.clock.Now().Sub(w.lastContact) >= seconds(w.soa.Expire)
}

func (w *Worker) drop() {
	w.logger.Warn(map[string]any{
		"zone":         w.zone.String(),
		"serial":       w.soa.Serial,
		"last_contact": w.lastContact,
	}, "Zone copy expired, no longer served")
	w.registry.Remove(w.zone)
	if w.store != nil {
		if err := w.store.Delete(w.zone); err != nil {
			w.logger.Error(map[string]any{"zone": w.zone.String(), "error": err.Error()}, "Failed to delete zone copy")
		}
	}
	w.state = StateInitial
	w.soa = domain.SOA{}
	w.lastContact = time.Time{}
}

func (w *Worker) refresh() time.Duration {
	if w.soa.Refresh == 0 {
		return w.defaultRetry
	}
	return seconds(w.soa.Refresh)
}

func (w *Worker) retry() time.Duration {
	if w.state != StateSteady || w.soa.Retry == 0 {
		return w.defaultRetry
	}
	return seconds(w.soa.Retry)
}

func seconds(v uint32) time.Duration {
	return time.Duration(v) * time.Second
}
