// Package orchestrator answers queries from the local zones, falling back to
// iterative resolution when they cannot.
package orchestrator

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/domain"
)

const defaultMaxInflight = 64

type Options struct {
	Registry    ZoneRegistry
	Resolver    Resolver
	RootServers []netip.AddrPort
	// Recursive is passed to the resolver: whether servers further down the
	// chain are asked to recurse on our behalf.
	Recursive bool
	// MaxInflight caps concurrent resolutions.
	MaxInflight int
	Logger      log.Logger
	// QueryLog receives a QR/RP pair for every query.
	QueryLog log.Logger
	// ZoneLogs receive a QR/RP pair for every query answered from the zone.
	ZoneLogs map[domain.Domain]log.Logger
}

// Orchestrator implements transport.QueryHandler.
type Orchestrator struct {
	registry    ZoneRegistry
	resolver    Resolver
	rootServers []netip.AddrPort
	recursive   bool
	logger      log.Logger
	queryLog    log.Logger
	zoneLogs    map[domain.Domain]log.Logger

	inflight *semaphore.Weighted
	group    singleflight.Group
}

func New(opts Options) *Orchestrator {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = defaultMaxInflight
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Orchestrator{
		registry:    opts.Registry,
		resolver:    opts.Resolver,
		rootServers: opts.RootServers,
		recursive:   opts.Recursive,
		logger:      opts.Logger,
		queryLog:    opts.QueryLog,
		zoneLogs:    opts.ZoneLogs,
		inflight:    semaphore.NewWeighted(int64(opts.MaxInflight)),
	}
}

// HandleQuery answers query and writes the query logs.
func (o *Orchestrator) HandleQuery(ctx context.Context, query domain.Message, client netip.AddrPort) (domain.Message, error) {
	start := time.Now()
	reply, zone, err := o.answer(ctx, query)

	loggers := []log.Logger{o.queryLog}
	if zone != nil {
		loggers = append(loggers, o.zoneLogs[zone.Apex])
	}
	for _, l := range loggers {
		if l == nil {
			continue
		}
		l.Info(map[string]any{"client": client.String(), "message": query.String()}, "QR")
		l.Info(map[string]any{
			"client":     client.String(),
			"message":    reply.String(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		}, "RP")
	}
	return reply, err
}

// Answer returns the reply to query. The reply always carries the query ID
// and a response code. When resolution fails the error is returned together
// with a referral-coded fallback reply that the caller can still send.
func (o *Orchestrator) Answer(ctx context.Context, query domain.Message) (domain.Message, error) {
	reply, _, err := o.answer(ctx, query)
	return reply, err
}

// answer also returns the authoritative zone the reply was built from, if any.
func (o *Orchestrator) answer(ctx context.Context, query domain.Message) (domain.Message, *domain.Zone, error) {
	name, qtype := query.Question.Name, query.Question.Type

	z, ok := o.registry.Lookup(name)
	if !ok {
		o.logger.Debug(map[string]any{"name": name.String()}, "No local zone, resolving from the roots")
		reply, err := o.resolve(ctx, query, o.rootServers)
		return reply, nil, err
	}

	cut, ns, found := z.FindCut(name)
	if !found {
		cut = z.Apex
	}
	reply := newReply(query, z.Authoritative)

	if cut == z.Apex {
		answers, ok := z.QueryRecords(qtype, name)
		if !ok && !z.Authoritative {
			o.logger.Debug(map[string]any{"name": name.String(), "zone": z.Apex.String()}, "Cached zone has no data, resolving from the roots")
			reply, err := o.resolve(ctx, query, o.rootServers)
			return reply, nil, err
		}
		reply.Authorities = ns
		if ok {
			reply.Answers = answers
			reply.SetResponseCode(domain.RCodeAnswer)
		} else {
			reply.SetResponseCode(domain.RCodeNameError)
		}
		reply.Extras = o.glue(z, reply.Answers, reply.Authorities)
		reply.SetCounts()
		return reply, authoritative(z), nil
	}

	reply.Authorities = ns
	reply.SetResponseCode(domain.RCodeReferral)
	reply.Extras = o.glue(z, nil, ns)
	reply.SetCounts()

	if !query.RecursionDesired() {
		return reply, authoritative(z), nil
	}
	servers := o.serverAddrs(z, ns)
	resolved, err := o.resolve(ctx, query, servers)
	if err != nil {
		return reply, authoritative(z), err
	}
	return resolved, nil, nil
}

// resolve runs the resolver, caching answers under the queried name.
// Identical concurrent resolutions share one run.
func (o *Orchestrator) resolve(ctx context.Context, query domain.Message, servers []netip.AddrPort) (domain.Message, error) {
	v, err, shared := o.group.Do(flightKey(query, servers), func() (any, error) {
		if err := o.inflight.Acquire(ctx, 1); err != nil {
			return domain.Message{}, err
		}
		defer o.inflight.Release(1)

		reply, err := o.resolver.Resolve(ctx, query, servers, o.recursive)
		if err != nil {
			return domain.Message{}, err
		}
		if rc, _ := reply.RCode(); rc == domain.RCodeAnswer && len(reply.Answers) > 0 {
			o.registry.Cache(query.Question.Name, reply.Answers)
		}
		return reply, nil
	})
	if err != nil {
		o.logger.Warn(map[string]any{
			"name":  query.Question.Name.String(),
			"type":  query.Question.Type.String(),
			"error": err.Error(),
		}, "Resolution failed")
		fallback := newReply(query, false)
		fallback.SetResponseCode(domain.RCodeReferral)
		return fallback, err
	}

	reply := v.(domain.Message)
	if shared {
		reply = reply.Clone()
	}
	reply.Header.ID = query.Header.ID
	return reply, nil
}

// flightKey identifies resolutions that may share one run. The recursion bit
// is part of it because the resolver forwards that bit upstream.
func flightKey(query domain.Message, servers []netip.AddrPort) string {
	return fmt.Sprintf("%s/%s/%t/%v", query.Question.Name, query.Question.Type, query.RecursionDesired(), servers)
}

// glue collects, from z, the address records of every name a record in lists
// points to. A answers are skipped: they already are addresses.
func (o *Orchestrator) glue(z *domain.Zone, lists ...[]domain.ResourceRecord) []domain.ResourceRecord {
	extras := []domain.ResourceRecord{}
	seen := make(map[domain.Domain]bool)
	for _, records := range lists {
		for _, rr := range records {
			if rr.Type == domain.RRTypeA {
				continue
			}
			target, ok := rr.Value.Name()
			if !ok || seen[target] {
				continue
			}
			seen[target] = true
			matches := z.Glue(target)
			if len(matches) == 0 {
				o.logger.Debug(map[string]any{
					"zone": z.Apex.String(),
					"name": target.String(),
				}, "No glue in zone")
				continue
			}
			extras = append(extras, matches...)
		}
	}
	return extras
}

// serverAddrs translates name server records into addresses using the glue
// held by z.
func (o *Orchestrator) serverAddrs(z *domain.Zone, ns []domain.ResourceRecord) []netip.AddrPort {
	var out []netip.AddrPort
	for _, rr := range ns {
		if ap, ok := rr.Value.ServerAddress(); ok {
			out = append(out, ap)
			continue
		}
		target, _ := rr.Value.Name()
		for _, g := range z.Glue(target) {
			if ap, ok := g.Value.ServerAddress(); ok {
				out = append(out, ap)
			}
		}
	}
	return out
}

// newReply starts a reply to query: same ID and question, the authoritative
// flag as given and no other flags.
func newReply(query domain.Message, authoritative bool) domain.Message {
	var flags domain.Flags
	if authoritative {
		flags = domain.FlagAuthoritative
	}
	return domain.Message{
		Header:   domain.Header{ID: query.Header.ID, Flags: flags},
		Question: query.Question,
	}
}

func authoritative(z *domain.Zone) *domain.Zone {
	if z.Authoritative {
		return z
	}
	return nil
}
