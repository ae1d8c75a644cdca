package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/wire"
)

// packet is one received datagram waiting for a worker.
type packet struct {
	data   []byte
	client netip.AddrPort
}

// UDPTransport implements ServerTransport over UDP. A fixed set of workers
// drains a bounded queue; when the queue is full the read loop blocks and the
// kernel socket buffer absorbs the excess.
type UDPTransport struct {
	addr      string
	conn      *net.UDPConn
	codec     wire.MessageCodec
	logger    log.Logger
	workers   int
	queueSize int

	// Synchronization for graceful shutdown
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewUDPTransport creates a new UDP transport instance. workers and queueSize
// fall back to 1 when not positive.
func NewUDPTransport(addr string, codec wire.MessageCodec, logger log.Logger, workers, queueSize int) *UDPTransport {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &UDPTransport{
		addr:      addr,
		codec:     codec,
		logger:    logger,
		workers:   workers,
		queueSize: queueSize,
		stopCh:    make(chan struct{}),
	}
}

// Start binds the UDP socket and starts the read loop and the workers.
func (t *UDPTransport) Start(ctx context.Context, handler QueryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("UDP transport already running")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", t.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.addr, err)
	}

	t.conn = conn
	t.running = true

	queue := make(chan packet, t.queueSize)
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.worker(ctx, queue, handler)
	}
	t.wg.Add(1)
	go t.listenLoop(ctx, queue)
	// a blocked read only returns once the socket is closed
	context.AfterFunc(ctx, func() { _ = t.Stop() })

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   conn.LocalAddr().String(),
		"workers":   t.workers,
	}, "DNS transport started")
	return nil
}

// Stop closes the socket and waits for the workers to drain the queue.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	closeErr := t.conn.Close()
	t.mu.Unlock()

	if closeErr != nil {
		t.logger.Warn(map[string]any{
			"error": closeErr.Error(),
		}, "Error closing UDP connection")
	}
	t.wg.Wait()

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.addr,
	}, "DNS transport stopped")
	return closeErr
}

// Address returns the bound address once started, the configured one before.
func (t *UDPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return t.addr
}

func (t *UDPTransport) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// listenLoop reads datagrams and queues them for the workers. It owns the
// queue and closes it on exit so the workers finish what is already queued.
func (t *UDPTransport) listenLoop(ctx context.Context, queue chan<- packet) {
	defer t.wg.Done()
	defer close(queue)

	buffer := make([]byte, wire.MaxMessageSize+1)
	for {
		n, client, err := t.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if !t.isRunning() || ctx.Err() != nil {
				return // Normal shutdown
			}
			t.logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to read UDP packet")
			continue
		}

		p := packet{data: append([]byte(nil), buffer[:n]...), client: client}
		select {
		case queue <- p:
		case <-ctx.Done():
			t.logger.Debug(nil, "UDP transport stopping due to context cancellation")
			return
		case <-t.stopCh:
			t.logger.Debug(nil, "UDP transport stopping due to stop signal")
			return
		}
	}
}

func (t *UDPTransport) worker(ctx context.Context, queue <-chan packet, handler QueryHandler) {
	defer t.wg.Done()
	for p := range queue {
		t.handlePacket(ctx, p.data, p.client, handler)
	}
}

// handlePacket answers one datagram. Every datagram gets a reply: one that
// cannot be decoded is answered with the malformed response code.
func (t *UDPTransport) handlePacket(ctx context.Context, data []byte, client netip.AddrPort, handler QueryHandler) {
	t.logger.Debug(map[string]any{
		"client": client.String(),
		"bytes":  len(data),
		"raw":    fmt.Sprintf("%x", data),
	}, "Received raw query data")

	var reply domain.Message
	query, err := t.codec.Decode(data)
	if err != nil {
		t.logger.Warn(map[string]any{
			"client": client.String(),
			"error":  err.Error(),
			"bytes":  len(data),
		}, "Failed to decode query")
		reply = domain.NewErrorReply(peekID(data), domain.RCodeMalformed)
	} else {
		t.logger.Debug(map[string]any{
			"client":   client.String(),
			"query_id": query.Header.ID,
			"name":     query.Question.Name.String(),
			"type":     query.Question.Type.String(),
		}, "Received query")

		reply, err = handler.HandleQuery(ctx, query, client)
		if err != nil {
			t.logger.Error(map[string]any{
				"client":   client.String(),
				"query_id": query.Header.ID,
				"error":    err.Error(),
			}, "Failed to handle query")
		}
	}

	out, err := t.encodeReply(reply)
	if err != nil {
		t.logger.Error(map[string]any{
			"client":   client.String(),
			"query_id": reply.Header.ID,
			"error":    err.Error(),
		}, "Failed to encode reply")
		return
	}

	if _, err := t.conn.WriteToUDPAddrPort(out, client); err != nil {
		t.logger.Error(map[string]any{
			"client":   client.String(),
			"query_id": reply.Header.ID,
			"error":    err.Error(),
		}, "Failed to send reply")
		return
	}

	rc, _ := reply.RCode()
	t.logger.Debug(map[string]any{
		"client":   client.String(),
		"query_id": reply.Header.ID,
		"rcode":    rc.String(),
		"answers":  len(reply.Answers),
		"bytes":    len(out),
	}, "Sent reply")
}

// encodeReply encodes reply. When the full message does not fit a datagram it
// drops the extras, then the authorities. A reply whose answers alone do not
// fit is replaced by an empty one carrying the referral code, so a client
// never sees the answer code without answers.
func (t *UDPTransport) encodeReply(reply domain.Message) ([]byte, error) {
	out, err := t.codec.Encode(reply)
	if err == nil {
		return out, nil
	}
	trimmed := reply
	trimmed.Extras = nil
	trimmed.SetCounts()
	if out, err2 := t.codec.Encode(trimmed); err2 == nil {
		return out, nil
	}
	trimmed.Authorities = nil
	trimmed.SetCounts()
	if out, err2 := t.codec.Encode(trimmed); err2 == nil {
		return out, nil
	}

	failed := domain.Message{
		Header:   domain.Header{ID: reply.Header.ID, Flags: reply.Header.Flags &^ domain.FlagAuthoritative},
		Question: reply.Question,
	}
	failed.SetResponseCode(domain.RCodeReferral)
	if out, err2 := t.codec.Encode(failed); err2 == nil {
		return out, nil
	}
	return t.codec.Encode(domain.NewErrorReply(reply.Header.ID, domain.RCodeReferral))
}

// peekID returns the message ID from the first two bytes, or zero.
func peekID(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(data)
}
