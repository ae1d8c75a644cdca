// Package wire encodes messages into single datagrams.
//
// Layout, all integers big-endian:
//
//	header   id:u16 flags:u8 present:u8 [rcode:u8] [answers:u8] [authorities:u8] [extras:u8]
//	question name qtype:u16
//	section  count:u8 record*   (for each present section, in answer/authority/extra order)
//	record   owner type:u16 value ttl:u32 hasPriority:u8 [priority:u16]
//	value    kind:u8 (1=name: name | 2=address: len:u8 ip port:u16)
//	name     (len:u8 label)* 0
//
// The present byte carries one bit per optional field, see the present* constants.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/haukened/zonewalk/internal/dns/domain"
)

const (
	presentRCode uint8 = 1 << iota
	presentNumAnswers
	presentNumAuthorities
	presentNumExtras
	presentAnswers
	presentAuthorities
	presentExtras
)

const (
	valueName    uint8 = 1
	valueAddress uint8 = 2
)

const maxLabelLength = domain.MaxLabelLength

var (
	ErrMessageTooLarge = errors.New("encoded message exceeds datagram limit")
	ErrTruncated       = errors.New("message truncated")
	ErrTrailingData    = errors.New("trailing bytes after message")
	ErrInvalidMessage  = errors.New("invalid message")
)

// binaryCodec implements MessageCodec.
type binaryCodec struct{}

// NewCodec returns the datagram codec.
func NewCodec() MessageCodec {
	return binaryCodec{}
}

// Encode serializes msg. It fails when a label is too long, a section holds
// more than 255 records, or the result exceeds MaxMessageSize.
func (binaryCodec) Encode(msg domain.Message) ([]byte, error) {
	h := msg.Header
	buf := make([]byte, 0, 128)
	buf = binary.BigEndian.AppendUint16(buf, h.ID)
	buf = append(buf, uint8(h.Flags))

	var present uint8
	optional := []struct {
		bit uint8
		v   *uint8
	}{
		{presentRCode, (*uint8)(h.ResponseCode)},
		{presentNumAnswers, h.NumAnswers},
		{presentNumAuthorities, h.NumAuthorities},
		{presentNumExtras, h.NumExtras},
	}
	for _, o := range optional {
		if o.v != nil {
			present |= o.bit
		}
	}
	sections := []struct {
		bit     uint8
		records []domain.ResourceRecord
	}{
		{presentAnswers, msg.Answers},
		{presentAuthorities, msg.Authorities},
		{presentExtras, msg.Extras},
	}
	for _, s := range sections {
		if s.records != nil {
			present |= s.bit
		}
	}
	buf = append(buf, present)
	for _, o := range optional {
		if o.v != nil {
			buf = append(buf, *o.v)
		}
	}

	var err error
	if buf, err = appendName(buf, msg.Question.Name); err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(msg.Question.Type))

	for _, s := range sections {
		if s.records == nil {
			continue
		}
		if len(s.records) > 255 {
			return nil, fmt.Errorf("%w: section holds %d records", ErrMessageTooLarge, len(s.records))
		}
		buf = append(buf, uint8(len(s.records)))
		for _, rr := range s.records {
			if buf, err = appendRecord(buf, rr); err != nil {
				return nil, err
			}
		}
	}

	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(buf))
	}
	return buf, nil
}

func appendName(buf []byte, d domain.Domain) ([]byte, error) {
	for _, label := range d.Labels() {
		if len(label) == 0 || len(label) > maxLabelLength {
			return nil, fmt.Errorf("%w: bad label length in %s", ErrInvalidMessage, d)
		}
		buf = append(buf, uint8(len(label)))
		buf = append(buf, label...)
	}
	return append(buf, 0), nil
}

func appendRecord(buf []byte, rr domain.ResourceRecord) ([]byte, error) {
	var err error
	if buf, err = appendName(buf, rr.Owner); err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(rr.Type))

	switch rr.Value.Kind() {
	case domain.ValueName:
		name, _ := rr.Value.Name()
		buf = append(buf, valueName)
		if buf, err = appendName(buf, name); err != nil {
			return nil, err
		}
	case domain.ValueAddress:
		ap, _ := rr.Value.Address()
		ip := ap.Addr().AsSlice()
		buf = append(buf, valueAddress, uint8(len(ip)))
		buf = append(buf, ip...)
		buf = binary.BigEndian.AppendUint16(buf, ap.Port())
	default:
		return nil, fmt.Errorf("%w: record %s has no value", ErrInvalidMessage, rr.Owner)
	}

	buf = binary.BigEndian.AppendUint32(buf, rr.TTL)
	if rr.Priority == nil {
		return append(buf, 0), nil
	}
	buf = append(buf, 1)
	return binary.BigEndian.AppendUint16(buf, *rr.Priority), nil
}

// Decode parses a datagram. The response code and flags are carried as-is;
// the question type and every record must be valid.
func (binaryCodec) Decode(data []byte) (domain.Message, error) {
	if len(data) > MaxMessageSize {
		return domain.Message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	r := &reader{data: data}
	var msg domain.Message

	msg.Header.ID = r.u16()
	msg.Header.Flags = domain.Flags(r.u8())
	present := r.u8()
	if present&presentRCode != 0 {
		rc := domain.RCode(r.u8())
		msg.Header.ResponseCode = &rc
	}
	msg.Header.NumAnswers = r.optional(present, presentNumAnswers)
	msg.Header.NumAuthorities = r.optional(present, presentNumAuthorities)
	msg.Header.NumExtras = r.optional(present, presentNumExtras)

	msg.Question.Name = r.name()
	msg.Question.Type = domain.RRType(r.u16())
	if r.err == nil && !msg.Question.Type.IsValid() {
		return domain.Message{}, fmt.Errorf("%w: unknown query type %d", ErrInvalidMessage, msg.Question.Type)
	}

	msg.Answers = r.section(present, presentAnswers)
	msg.Authorities = r.section(present, presentAuthorities)
	msg.Extras = r.section(present, presentExtras)

	if r.err != nil {
		return domain.Message{}, r.err
	}
	if r.off != len(data) {
		return domain.Message{}, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(data)-r.off)
	}
	return msg, nil
}

// reader walks a datagram. The first failure sticks in err and every later
// read returns zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w at offset %d", ErrTruncated, r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) optional(present, bit uint8) *uint8 {
	if present&bit == 0 {
		return nil
	}
	v := r.u8()
	return &v
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrInvalidMessage}, args...)...)
	}
}

func (r *reader) name() domain.Domain {
	var text []byte
	for r.err == nil {
		n := int(r.u8())
		if n == 0 {
			break
		}
		if n > maxLabelLength {
			r.fail("label length %d", n)
			break
		}
		label := r.take(n)
		if len(text) > 0 {
			text = append(text, '.')
		}
		text = append(text, label...)
	}
	return domain.ParseDomain(string(text))
}

func (r *reader) section(present, bit uint8) []domain.ResourceRecord {
	if present&bit == 0 || r.err != nil {
		return nil
	}
	n := int(r.u8())
	records := make([]domain.ResourceRecord, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		records = append(records, r.record())
	}
	return records
}

func (r *reader) record() domain.ResourceRecord {
	var rr domain.ResourceRecord
	rr.Owner = r.name()
	rr.Type = domain.RRType(r.u16())

	switch kind := r.u8(); kind {
	case valueName:
		rr.Value = domain.NameValue(r.name())
	case valueAddress:
		ip, ok := netip.AddrFromSlice(r.take(int(r.u8())))
		port := r.u16()
		if !ok && r.err == nil {
			r.fail("bad address in record %s", rr.Owner)
		}
		rr.Value = domain.AddressValue(netip.AddrPortFrom(ip, port))
	default:
		if r.err == nil {
			r.fail("value kind %d", kind)
		}
	}

	rr.TTL = r.u32()
	if r.u8() == 1 {
		rr.Priority = domain.Uint16(r.u16())
	}
	if r.err == nil {
		if err := rr.Validate(); err != nil {
			r.err = fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	return rr
}
