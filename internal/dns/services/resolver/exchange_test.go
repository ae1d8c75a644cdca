package resolver_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/upstream"
	"github.com/haukened/zonewalk/internal/dns/gateways/wire"
	"github.com/haukened/zonewalk/internal/dns/services/resolver"
)

// udpServer answers every query it receives with reply(query). A nil reply
// function makes a server that never answers.
func udpServer(t *testing.T, reply func(domain.Message) domain.Message) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	codec := wire.NewCodec()
	go func() {
		buf := make([]byte, wire.MaxMessageSize)
		for {
			n, addr, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if reply == nil {
				continue
			}
			q, err := codec.Decode(buf[:n])
			if err != nil {
				continue
			}
			out, err := codec.Encode(reply(q))
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDPAddrPort(out, addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func answer(t *testing.T, value string) func(domain.Message) domain.Message {
	return func(q domain.Message) domain.Message {
		r := q
		r.Header.Flags = domain.FlagAuthoritative
		r.SetResponseCode(domain.RCodeAnswer)
		a, err := domain.NewResourceRecord(q.Question.Name.String(), domain.RRTypeA, value, 60, nil)
		if err != nil {
			t.Errorf("build answer: %v", err)
		}
		r.Answers = []domain.ResourceRecord{a}
		r.SetCounts()
		return r
	}
}

// A silent first server costs exactly one timeout before the second answers.
func TestResolve_SilentServerThenAnswer(t *testing.T) {
	const timeout = 200 * time.Millisecond
	silent := udpServer(t, nil)
	live := udpServer(t, answer(t, "10.3.3.1"))

	r := resolver.NewResolver(resolver.ResolverOptions{
		Upstream: upstream.NewClient(upstream.Options{Timeout: timeout}),
	})
	q := domain.NewQuery(domain.ParseDomain("www.example.com"), domain.RRTypeA, true)

	start := time.Now()
	reply, err := r.Resolve(context.Background(), q, []netip.AddrPort{silent, live}, true)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, reply.Answers, 1)
	assert.Equal(t, "www.example.com. A 10.3.3.1 60", reply.Answers[0].String())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*timeout)
}

func TestResolve_DelegationOverUDP(t *testing.T) {
	leaf := udpServer(t, answer(t, "10.3.3.9"))
	top := udpServer(t, func(q domain.Message) domain.Message {
		r := q
		r.Header.Flags = 0
		r.SetResponseCode(domain.RCodeReferral)
		ns, _ := domain.NewResourceRecord("sub.example.com", domain.RRTypeNS, "ns1.sub.example.com", 60, nil)
		glue, _ := domain.NewResourceRecord("ns1.sub.example.com", domain.RRTypeA, leaf.String(), 60, nil)
		r.Authorities = []domain.ResourceRecord{ns}
		r.Extras = []domain.ResourceRecord{glue}
		r.SetCounts()
		return r
	})

	r := resolver.NewResolver(resolver.ResolverOptions{
		Upstream: upstream.NewClient(upstream.Options{Timeout: time.Second}),
	})
	q := domain.NewQuery(domain.ParseDomain("www.sub.example.com"), domain.RRTypeA, false)

	reply, err := r.Resolve(context.Background(), q, []netip.AddrPort{top}, false)
	require.NoError(t, err)
	require.Len(t, reply.Answers, 1)
	assert.Equal(t, "www.sub.example.com. A 10.3.3.9 60", reply.Answers[0].String())
}

func TestResolve_MalformedReplyIsFatal(t *testing.T) {
	garbage, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = garbage.Close() })
	go func() {
		buf := make([]byte, 2048)
		_, addr, err := garbage.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		_, _ = garbage.WriteToUDPAddrPort([]byte{0xff}, addr)
	}()
	live := udpServer(t, answer(t, "10.3.3.1"))

	r := resolver.NewResolver(resolver.ResolverOptions{
		Upstream: upstream.NewClient(upstream.Options{Timeout: time.Second}),
	})
	q := domain.NewQuery(domain.ParseDomain("www.example.com"), domain.RRTypeA, true)
	_, err = r.Resolve(context.Background(), q, []netip.AddrPort{garbage.LocalAddr().(*net.UDPAddr).AddrPort(), live}, true)
	assert.ErrorIs(t, err, upstream.ErrDecode)
}
