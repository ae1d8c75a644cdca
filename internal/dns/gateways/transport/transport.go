// Package transport receives query datagrams, hands the decoded messages to
// the service layer and writes the replies back. Handlers only see domain
// messages; wire conversion stays here.
package transport

import (
	"context"
	"net/netip"

	"github.com/haukened/zonewalk/internal/dns/domain"
)

// ServerTransport is a listening endpoint for queries.
type ServerTransport interface {
	// Start binds the socket and begins dispatching queries to handler.
	Start(ctx context.Context, handler QueryHandler) error

	// Stop closes the socket and waits for in-flight queries to finish.
	Stop() error

	// Address returns the bound address once started, the configured one before.
	Address() string
}

// QueryHandler answers one decoded query. It always returns a reply to send;
// a non-nil error is logged by the transport but the reply is still sent.
type QueryHandler interface {
	HandleQuery(ctx context.Context, query domain.Message, client netip.AddrPort) (domain.Message, error)
}

// QueryHandlerFunc adapts a function to QueryHandler.
type QueryHandlerFunc func(ctx context.Context, query domain.Message, client netip.AddrPort) (domain.Message, error)

// HandleQuery calls f.
func (f QueryHandlerFunc) HandleQuery(ctx context.Context, query domain.Message, client netip.AddrPort) (domain.Message, error) {
	return f(ctx, query, client)
}
