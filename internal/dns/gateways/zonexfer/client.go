package zonexfer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/haukened/zonewalk/internal/dns/common/zonefile"
	"github.com/haukened/zonewalk/internal/dns/domain"
)

// PullRequest names the zone to fetch and the serial already held, if any.
type PullRequest struct {
	Primary    netip.AddrPort
	Zone       domain.Domain
	LastSerial *uint32
}

// Client pulls zones from primaries.
type Client struct {
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient returns a Client whose connect and per-step I/O deadlines are
// timeout. A non-positive timeout selects 30 seconds.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{timeout: timeout, dialer: net.Dialer{Timeout: timeout}}
}

// Pull runs one transfer. It returns ErrSameSerial when the primary's serial
// matches req.LastSerial, and otherwise the parsed zone.
func (c *Client) Pull(ctx context.Context, req PullRequest) (*domain.Zone, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", req.Primary.String())
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnect, req.Primary, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s := &session{conn: conn, r: bufio.NewReader(conn), timeout: c.timeout}

	if err := s.write([]byte(req.Zone.String() + "\n")); err != nil {
		return nil, err
	}

	var serialBuf [4]byte
	if err := s.read(serialBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s at %s", ErrUnknownZone, req.Zone, req.Primary)
		}
		return nil, err
	}
	serial := binary.BigEndian.Uint32(serialBuf[:])

	if req.LastSerial != nil && *req.LastSerial == serial {
		if err := s.write([]byte{declineTransfer}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s serial %d", ErrSameSerial, req.Zone, serial)
	}
	if err := s.write([]byte{acceptTransfer}); err != nil {
		return nil, err
	}

	var countBuf [2]byte
	if err := s.read(countBuf[:]); err != nil {
		return nil, err
	}
	if err := s.write(countBuf[:]); err != nil {
		return nil, err
	}
	count := int(binary.BigEndian.Uint16(countBuf[:]))

	lines := make([]string, count)
	seen := make([]bool, count)
	for i := 0; i < count; i++ {
		seq, line, err := s.readRecord()
		if err != nil {
			return nil, err
		}
		if int(seq) >= count || seen[seq] {
			return nil, fmt.Errorf("%w: bad sequence number %d of %d", ErrProtocol, seq, count)
		}
		lines[seq], seen[seq] = line, true
	}

	z, err := zonefile.ParseString(strings.Join(lines, "\n"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if z.Apex != req.Zone {
		return nil, fmt.Errorf("%w: asked for %s, received %s", ErrProtocol, req.Zone, z.Apex)
	}
	if z.SOA.Serial != serial {
		return nil, fmt.Errorf("%w: announced serial %d, received %d", ErrProtocol, serial, z.SOA.Serial)
	}
	return z, nil
}

// session wraps one connection with a deadline renewed on every step.
type session struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func (s *session) write(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("%w: write: %w", ErrProtocol, err)
	}
	return nil
}

func (s *session) read(b []byte) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	if _, err := io.ReadFull(s.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("%w: read: %w", ErrProtocol, err)
	}
	return nil
}

// readRecord reads one framed record: a sequence number and a line.
func (s *session) readRecord() (uint16, string, error) {
	var seqBuf [2]byte
	if err := s.read(seqBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, "", fmt.Errorf("%w: stream ended early", ErrProtocol)
		}
		return 0, "", err
	}
	line, err := readLine(s.r, maxLineLength)
	if err != nil {
		return 0, "", err
	}
	return binary.BigEndian.Uint16(seqBuf[:]), line, nil
}

// readLine reads up to and excluding '\n', failing past limit bytes.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: read line: %w", ErrProtocol, err)
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if sb.Len() >= limit {
			return "", fmt.Errorf("%w: line longer than %d bytes", ErrProtocol, limit)
		}
		sb.WriteByte(b)
	}
}
