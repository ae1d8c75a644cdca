package resolver

import (
	"context"
	"errors"
	"net/netip"

	"github.com/haukened/zonewalk/internal/dns/domain"
)

// ErrUnreachable is wrapped by exchange errors after which the next candidate
// server is tried: the server did not answer in time or refused the datagram.
// Any other exchange error ends the resolution.
var ErrUnreachable = errors.New("server unreachable")

// Exchanger sends one query to one server and returns its reply.
type Exchanger interface {
	Exchange(ctx context.Context, server netip.AddrPort, query domain.Message) (domain.Message, error)
}
