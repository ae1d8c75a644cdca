package zonexfer

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/common/zonefile"
	"github.com/haukened/zonewalk/internal/dns/domain"
)

// ZoneProvider looks up the current copy of a zone.
type ZoneProvider interface {
	Get(apex domain.Domain) (*domain.Zone, bool)
}

// ACL lists, per zone, the addresses allowed to pull it. A zone without an
// entry may be pulled by anyone.
type ACL map[domain.Domain][]netip.Addr

// Allows reports whether peer may pull zone.
func (a ACL) Allows(zone domain.Domain, peer netip.Addr) bool {
	allowed, ok := a[zone]
	if !ok {
		return true
	}
	return slices.Contains(allowed, peer.Unmap())
}

// Server serves authoritative zones to secondaries. Each accepted connection
// is handled on its own goroutine and reads the zone from the provider at
// request time, so a reloaded zone is served without a restart.
type Server struct {
	addr     string
	zones    ZoneProvider
	acl      ACL
	timeout  time.Duration
	logger   log.Logger
	listener net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewServer returns a Server that will listen on addr. A non-positive timeout
// selects 30 seconds per I/O step.
func NewServer(addr string, zones ZoneProvider, acl ACL, timeout time.Duration, logger log.Logger) *Server {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Server{addr: addr, zones: zones, acl: acl, timeout: timeout, logger: logger}
}

// Start binds the listener and starts accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("zone transfer server already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop()
	context.AfterFunc(ctx, func() { _ = s.Stop() })

	s.logger.Info(map[string]any{
		"address": ln.Addr().String(),
	}, "Zone transfer server started")
	return nil
}

// Stop closes the listener and waits for open transfers to end.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	err := s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info(map[string]any{"address": s.addr}, "Zone transfer server stopped")
	return err
}

// Address returns the bound address once started, the configured one before.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			s.logger.Warn(map[string]any{"error": err.Error()}, "Failed to accept transfer connection")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.serve(conn); err != nil {
				s.logger.Warn(map[string]any{
					"peer":  conn.RemoteAddr().String(),
					"error": err.Error(),
				}, "Zone transfer failed")
			}
		}()
	}
}

// serve runs the primary side of one exchange. Returning closes the connection.
func (s *Server) serve(conn net.Conn) error {
	sess := &session{conn: conn, r: bufio.NewReader(conn), timeout: s.timeout}
	peer := peerAddr(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.timeout))
	name, err := readLine(sess.r, maxZoneNameLength)
	if err != nil {
		return err
	}
	apex := domain.ParseDomain(name)

	z, ok := s.zones.Get(apex)
	if !ok || !z.Authoritative {
		s.logger.Info(map[string]any{"zone": apex.String(), "peer": peer.String()}, "Transfer requested for zone not served")
		return nil
	}
	if !s.acl.Allows(apex, peer) {
		s.logger.Warn(map[string]any{"zone": apex.String(), "peer": peer.String()}, "Transfer refused by ACL")
		return nil
	}

	var serial [4]byte
	binary.BigEndian.PutUint32(serial[:], z.SOA.Serial)
	if err := sess.write(serial[:]); err != nil {
		return err
	}

	var accept [1]byte
	if err := sess.read(accept[:]); err != nil {
		return err
	}
	if accept[0] != acceptTransfer {
		s.logger.Debug(map[string]any{"zone": apex.String(), "peer": peer.String(), "serial": z.SOA.Serial}, "Secondary is current")
		return nil
	}

	lines := zonefile.Marshal(z)
	if len(lines) > 0xFFFF {
		return fmt.Errorf("%w: zone %s has %d lines", ErrProtocol, apex, len(lines))
	}
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(lines)))
	if err := sess.write(count[:]); err != nil {
		return err
	}
	var echo [2]byte
	if err := sess.read(echo[:]); err != nil {
		return err
	}
	if echo != count {
		return fmt.Errorf("%w: count echo %x, sent %x", ErrProtocol, echo, count)
	}

	w := bufio.NewWriter(conn)
	for i, line := range lines {
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
		var seq [2]byte
		binary.BigEndian.PutUint16(seq[:], uint16(i))
		_, _ = w.Write(seq[:])
		_, _ = w.WriteString(line)
		_ = w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			return fmt.Errorf("%w: write record %d: %w", ErrProtocol, i, err)
		}
	}

	s.logger.Info(map[string]any{
		"zone":    apex.String(),
		"peer":    peer.String(),
		"serial":  z.SOA.Serial,
		"records": len(lines),
	}, "Zone transferred")
	return nil
}

func peerAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	return netip.Addr{}
}
