package domain

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// DefaultServerPort is assumed for name server addresses written without a port.
const DefaultServerPort = 5353

// ValueKind tags the variant held by a RecordValue.
type ValueKind uint8

const (
	// ValueName marks a value that is another domain name.
	ValueName ValueKind = iota + 1
	// ValueAddress marks a value that is a literal address, optionally with a port.
	ValueAddress
)

// RecordValue is the data of a resource record: either a literal address or
// a domain name.
type RecordValue struct {
	kind ValueKind
	addr netip.AddrPort
	name Domain
}

// AddressValue wraps a literal address. A zero port means "not specified".
func AddressValue(ap netip.AddrPort) RecordValue {
	return RecordValue{kind: ValueAddress, addr: ap}
}

// NameValue wraps a domain name.
func NameValue(d Domain) RecordValue {
	return RecordValue{kind: ValueName, name: d}
}

// ParseRecordValue reads text as an address ("10.0.0.1" or "10.0.0.1:5353")
// when it parses as one, and as a domain name otherwise.
func ParseRecordValue(text string) RecordValue {
	text = strings.TrimSpace(text)
	if ap, err := netip.ParseAddrPort(text); err == nil {
		return AddressValue(ap)
	}
	if a, err := netip.ParseAddr(text); err == nil {
		return AddressValue(netip.AddrPortFrom(a, 0))
	}
	return NameValue(ParseDomain(text))
}

// Kind returns the variant held by v.
func (v RecordValue) Kind() ValueKind {
	return v.kind
}

// Address returns the literal address held by v.
func (v RecordValue) Address() (netip.AddrPort, bool) {
	return v.addr, v.kind == ValueAddress
}

// ServerAddress returns the address with DefaultServerPort filled in when the
// value carries no port.
func (v RecordValue) ServerAddress() (netip.AddrPort, bool) {
	if v.kind != ValueAddress {
		return netip.AddrPort{}, false
	}
	if v.addr.Port() == 0 {
		return netip.AddrPortFrom(v.addr.Addr(), DefaultServerPort), true
	}
	return v.addr, true
}

// Name returns the domain name held by v.
func (v RecordValue) Name() (Domain, bool) {
	return v.name, v.kind == ValueName
}

// String renders the value in zone-file form.
func (v RecordValue) String() string {
	switch v.kind {
	case ValueAddress:
		if v.addr.Port() == 0 {
			return v.addr.Addr().String()
		}
		return v.addr.String()
	case ValueName:
		return v.name.String()
	default:
		return ""
	}
}

// ResourceRecord is one entry of a zone or a message section.
type ResourceRecord struct {
	Owner    Domain
	Type     RRType
	Value    RecordValue
	TTL      uint32
	Priority *uint16 // nil when the record carries no priority
}

// NewResourceRecord constructs a ResourceRecord from text fields and validates it.
func NewResourceRecord(owner string, rrtype RRType, value string, ttl uint32, priority *uint16) (ResourceRecord, error) {
	rr := ResourceRecord{
		Owner:    ParseDomain(owner),
		Type:     rrtype,
		Value:    ParseRecordValue(value),
		TTL:      ttl,
		Priority: priority,
	}
	if err := rr.Validate(); err != nil {
		return ResourceRecord{}, err
	}
	return rr, nil
}

// Validate checks whether the ResourceRecord fields are valid.
func (rr ResourceRecord) Validate() error {
	if !rr.Type.IsValid() {
		return fmt.Errorf("invalid RRType: %d", rr.Type)
	}
	if err := rr.Owner.Validate(); err != nil {
		return err
	}
	if name, ok := rr.Value.Name(); ok {
		if err := name.Validate(); err != nil {
			return err
		}
	}
	switch {
	case rr.Value.kind == 0:
		return fmt.Errorf("%s record for %s has no value", rr.Type, rr.Owner)
	case rr.Type == RRTypeA && rr.Value.kind != ValueAddress:
		return fmt.Errorf("A record for %s must hold an address, got %q", rr.Owner, rr.Value)
	case rr.Type.valueIsName() && rr.Value.kind != ValueName:
		return fmt.Errorf("%s record for %s must hold a name, got %q", rr.Type, rr.Owner, rr.Value)
	}
	return nil
}

// String renders the record as a zone-file line: "owner TYPE value ttl [priority]".
func (rr ResourceRecord) String() string {
	s := rr.Owner.String() + " " + rr.Type.String() + " " + rr.Value.String() + " " + strconv.FormatUint(uint64(rr.TTL), 10)
	if rr.Priority != nil {
		s += " " + strconv.FormatUint(uint64(*rr.Priority), 10)
	}
	return s
}

// Uint16 returns a pointer to v, for filling optional priorities.
func Uint16(v uint16) *uint16 {
	return &v
}

// SOA holds the start-of-authority parameters of a zone. Intervals are in seconds.
type SOA struct {
	PrimaryNS Domain
	Contact   string
	Serial    uint32
	Refresh   uint32
	Retry     uint32
	Expire    uint32
	TTL       uint32
}
