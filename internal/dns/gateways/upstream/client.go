// Package upstream sends one query to one server over UDP and waits for its
// reply. Choosing servers and following referrals is the resolver's job.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/wire"
	"github.com/haukened/zonewalk/internal/dns/services/resolver"
)

const defaultTimeout = 1 * time.Second

var (
	// ErrSend covers every failure up to and including writing the query.
	ErrSend = errors.New("send query")
	// ErrTimeout means no reply arrived before the read deadline.
	ErrTimeout = fmt.Errorf("no reply before deadline: %w", resolver.ErrUnreachable)
	// ErrReceive means reading the reply failed for another reason, such as
	// an ICMP port-unreachable surfacing as a refused connection.
	ErrReceive = fmt.Errorf("receive reply: %w", resolver.ErrUnreachable)
	// ErrDecode means a reply arrived but could not be decoded.
	ErrDecode = errors.New("decode reply")
)

// DialFunc establishes a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	// Timeout bounds the write and, separately, the read of each exchange.
	Timeout time.Duration
	// options to inject for testing purposes
	Codec wire.MessageCodec
	Dial  DialFunc
}

// Client performs single query/reply exchanges.
type Client struct {
	timeout time.Duration
	codec   wire.MessageCodec
	dial    DialFunc
}

// NewClient returns a Client with defaults filled in for unset options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewCodec()
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	return &Client{timeout: opts.Timeout, codec: opts.Codec, dial: opts.Dial}
}

// Timeout returns the per-operation deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Exchange sends query to server and returns the first reply carrying the
// query's ID. Replies with another ID are discarded.
func (c *Client) Exchange(ctx context.Context, server netip.AddrPort, query domain.Message) (domain.Message, error) {
	data, err := c.codec.Encode(query)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: encode: %w", ErrSend, err)
	}

	conn, err := c.dial(ctx, "udp", server.String())
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: dial %s: %w", ErrSend, server, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %w", ErrSend, err)
	}
	if _, err := conn.Write(data); err != nil {
		return domain.Message{}, fmt.Errorf("%w: write to %s: %w", ErrSend, server, err)
	}

	if err := conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	buf := make([]byte, wire.MaxMessageSize+1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if cerr := contextDone(ctx); cerr != nil {
				return domain.Message{}, cerr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return domain.Message{}, fmt.Errorf("%w: %s after %v", ErrTimeout, server, c.timeout)
			}
			return domain.Message{}, fmt.Errorf("%w: %s: %w", ErrReceive, server, err)
		}

		reply, err := c.codec.Decode(buf[:n])
		if err != nil {
			return domain.Message{}, fmt.Errorf("%w: from %s: %w", ErrDecode, server, err)
		}
		if reply.Header.ID != query.Header.ID {
			log.Debug(map[string]any{
				"server":   server.String(),
				"query_id": query.Header.ID,
				"reply_id": reply.Header.ID,
			}, "Discarding reply with unexpected ID")
			continue
		}
		return reply, nil
	}
}

// deadline is the per-operation timeout, shortened to the context deadline
// when that comes first.
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// contextDone reports the context error, counting a deadline that has passed
// even if the context timer has not fired yet.
func contextDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cd, ok := ctx.Deadline(); ok && !time.Now().Before(cd) {
		return context.DeadlineExceeded
	}
	return nil
}

var _ resolver.Exchanger = (*Client)(nil)
