// Package resolver follows referrals from a list of candidate servers until
// one of them returns a final answer.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/domain"
)

// DefaultMaxDelegations bounds how many referrals one resolution follows.
const DefaultMaxDelegations = 8

var (
	ErrEmptyServerList          = errors.New("empty server list")
	ErrMalformedUpstream        = errors.New("upstream reported a malformed query")
	ErrNoGlueForAuthority       = errors.New("no address for any delegated name server")
	ErrInvalidResponseCode      = errors.New("invalid response code")
	ErrNoServerAnswered         = errors.New("no server answered")
	ErrReferralWithoutAuthority = errors.New("referral without authority records")
	ErrMaxDelegations           = errors.New("delegation chain too long")
)

type Resolver struct {
	upstream       Exchanger
	logger         log.Logger
	maxDelegations int
}

type ResolverOptions struct {
	Upstream       Exchanger
	Logger         log.Logger
	MaxDelegations int
}

func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.MaxDelegations <= 0 {
		opts.MaxDelegations = DefaultMaxDelegations
	}
	return &Resolver{
		upstream:       opts.Upstream,
		logger:         opts.Logger,
		maxDelegations: opts.MaxDelegations,
	}
}

// Resolve asks servers in order for query. A reply with the answer or
// name-error code is returned as is. A referral replaces the candidate list
// with the delegated servers and starts over; the remaining candidates of the
// previous list are not tried. Without recursionDesired the RD bit is cleared
// before sending.
func (r *Resolver) Resolve(ctx context.Context, query domain.Message, servers []netip.AddrPort, recursionDesired bool) (domain.Message, error) {
	if len(servers) == 0 {
		return domain.Message{}, ErrEmptyServerList
	}

	q := query.Clone()
	if !recursionDesired {
		q.Header.Flags &^= domain.FlagRecursionDesired
	}

	for hop := 0; ; hop++ {
		reply, next, err := r.askAll(ctx, q, servers)
		if err != nil {
			return domain.Message{}, err
		}
		if next == nil {
			return reply, nil
		}
		if hop >= r.maxDelegations {
			return domain.Message{}, fmt.Errorf("%w: %d referrals for %s", ErrMaxDelegations, hop+1, q.Question.Name)
		}
		r.logger.Debug(map[string]any{
			"name":    q.Question.Name.String(),
			"type":    q.Question.Type.String(),
			"hop":     hop + 1,
			"servers": addrStrings(next),
		}, "Following referral")
		servers = next
	}
}

// askAll tries each server until one replies. It returns either a terminal
// reply, or the servers a referral points to.
func (r *Resolver) askAll(ctx context.Context, q domain.Message, servers []netip.AddrPort) (domain.Message, []netip.AddrPort, error) {
	for _, server := range servers {
		reply, err := r.upstream.Exchange(ctx, server, q)
		if err != nil {
			if errors.Is(err, ErrUnreachable) {
				r.logger.Debug(map[string]any{
					"server": server.String(),
					"name":   q.Question.Name.String(),
					"error":  err.Error(),
				}, "Server did not answer, trying next")
				continue
			}
			return domain.Message{}, nil, err
		}

		rc, ok := reply.RCode()
		if !ok {
			return domain.Message{}, nil, fmt.Errorf("%w: %s sent none", ErrInvalidResponseCode, server)
		}
		switch rc {
		case domain.RCodeAnswer, domain.RCodeNameError:
			return reply, nil, nil
		case domain.RCodeMalformed:
			return domain.Message{}, nil, fmt.Errorf("%w: %s", ErrMalformedUpstream, server)
		case domain.RCodeReferral:
			if len(reply.Authorities) == 0 {
				return domain.Message{}, nil, fmt.Errorf("%w: from %s", ErrReferralWithoutAuthority, server)
			}
			next, err := r.referralServers(reply)
			if err != nil {
				return domain.Message{}, nil, fmt.Errorf("referral from %s: %w", server, err)
			}
			return domain.Message{}, next, nil
		default:
			return domain.Message{}, nil, fmt.Errorf("%w: %d from %s", ErrInvalidResponseCode, rc, server)
		}
	}
	return domain.Message{}, nil, fmt.Errorf("%w: tried %d for %s", ErrNoServerAnswered, len(servers), q.Question.Name)
}

// referralServers turns the authority section of a referral into addresses.
// A literal address is used directly; a name is looked up among the extras.
// A name server without glue is skipped rather than failing the referral, so
// one glued server is enough to follow it. ErrNoGlueForAuthority is returned
// only when no authority record yields an address.
func (r *Resolver) referralServers(reply domain.Message) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	seen := make(map[netip.AddrPort]bool)
	add := func(ap netip.AddrPort) {
		if !seen[ap] {
			seen[ap] = true
			out = append(out, ap)
		}
	}

	for _, ns := range reply.Authorities {
		if ap, ok := ns.Value.ServerAddress(); ok {
			add(ap)
			continue
		}
		name, _ := ns.Value.Name()
		found := false
		for _, glue := range reply.Extras {
			if glue.Type != domain.RRTypeA || glue.Owner != name {
				continue
			}
			if ap, ok := glue.Value.ServerAddress(); ok {
				add(ap)
				found = true
			}
		}
		if !found {
			r.logger.Debug(map[string]any{
				"zone":   ns.Owner.String(),
				"server": name.String(),
			}, "No glue for delegated name server")
		}
	}

	if len(out) == 0 {
		return nil, ErrNoGlueForAuthority
	}
	return out, nil
}

func addrStrings(addrs []netip.AddrPort) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
