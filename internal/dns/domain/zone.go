package domain

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutsideZone is returned when a delegation is added for a name that does
// not sit at or below the zone apex.
var ErrOutsideZone = errors.New("delegation outside zone apex")

// Zone is the record store for one zone apex. Name server records live in
// Delegations keyed by the apex they delegate; the apex itself may appear as a
// key, meaning "authoritative here".
//
// A Zone placed in the registry is never modified again; updates build a new
// Zone and replace the old one.
type Zone struct {
	Apex          Domain
	Authoritative bool
	SOA           SOA
	Delegations   map[Domain][]ResourceRecord
	A             []ResourceRecord
	CNAME         []ResourceRecord
	MX            []ResourceRecord
	PTR           []ResourceRecord
}

// NewZone returns an empty zone rooted at apex.
func NewZone(apex Domain, authoritative bool) *Zone {
	return &Zone{
		Apex:          apex,
		Authoritative: authoritative,
		Delegations:   make(map[Domain][]ResourceRecord),
	}
}

// Add appends rr to the list matching its type.
func (z *Zone) Add(rr ResourceRecord) error {
	if err := rr.Validate(); err != nil {
		return err
	}
	switch rr.Type {
	case RRTypeNS:
		if !rr.Owner.IsSubdomainOf(z.Apex) {
			return fmt.Errorf("%w: %s is not under %s", ErrOutsideZone, rr.Owner, z.Apex)
		}
		if z.Delegations == nil {
			z.Delegations = make(map[Domain][]ResourceRecord)
		}
		z.Delegations[rr.Owner] = append(z.Delegations[rr.Owner], rr)
	case RRTypeA:
		z.A = append(z.A, rr)
	case RRTypeCNAME:
		z.CNAME = append(z.CNAME, rr)
	case RRTypeMX:
		z.MX = append(z.MX, rr)
	case RRTypePTR:
		z.PTR = append(z.PTR, rr)
	}
	return nil
}

// FindCut returns the most specific delegation key that is an ancestor of (or
// equal to) queried, together with its name server records. Keys are compared
// by label count; equal counts fall back to text order. ok is false only when
// no key matches.
func (z *Zone) FindCut(queried Domain) (cut Domain, ns []ResourceRecord, ok bool) {
	for k, records := range z.Delegations {
		if !queried.IsSubdomainOf(k) {
			continue
		}
		if !ok || moreSpecific(k, cut) {
			cut, ns, ok = k, records, true
		}
	}
	return cut, ns, ok
}

func moreSpecific(a, b Domain) bool {
	if a.LabelCount() != b.LabelCount() {
		return a.LabelCount() > b.LabelCount()
	}
	return a.String() > b.String()
}

// QueryRecords returns the records of type t owned exactly by name. NS lookups
// search every delegation list. ok is false when nothing matches, which means
// "no data of this type" rather than "no such zone".
func (z *Zone) QueryRecords(t RRType, name Domain) (records []ResourceRecord, ok bool) {
	var pool []ResourceRecord
	switch t {
	case RRTypeNS:
		pool = z.NSRecords()
	case RRTypeA:
		pool = z.A
	case RRTypeCNAME:
		pool = z.CNAME
	case RRTypeMX:
		pool = z.MX
	case RRTypePTR:
		pool = z.PTR
	}
	for _, rr := range pool {
		if rr.Owner == name {
			records = append(records, rr)
		}
	}
	return records, len(records) > 0
}

// NSRecords flattens every delegation list, ordered by delegated apex.
func (z *Zone) NSRecords() []ResourceRecord {
	keys := make([]Domain, 0, len(z.Delegations))
	for k := range z.Delegations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	var out []ResourceRecord
	for _, k := range keys {
		out = append(out, z.Delegations[k]...)
	}
	return out
}

// Glue returns the A records owned by name.
func (z *Zone) Glue(name Domain) []ResourceRecord {
	records, _ := z.QueryRecords(RRTypeA, name)
	return records
}

// Records returns every record in transfer order: NS, A, CNAME, MX, PTR.
func (z *Zone) Records() []ResourceRecord {
	out := z.NSRecords()
	out = append(out, z.A...)
	out = append(out, z.CNAME...)
	out = append(out, z.MX...)
	return append(out, z.PTR...)
}

// Len returns the number of records held, SOA excluded.
func (z *Zone) Len() int {
	n := len(z.A) + len(z.CNAME) + len(z.MX) + len(z.PTR)
	for _, records := range z.Delegations {
		n += len(records)
	}
	return n
}

// Clone returns a deep copy of z.
func (z *Zone) Clone() *Zone {
	c := &Zone{
		Apex:          z.Apex,
		Authoritative: z.Authoritative,
		SOA:           z.SOA,
		Delegations:   make(map[Domain][]ResourceRecord, len(z.Delegations)),
		A:             append([]ResourceRecord(nil), z.A...),
		CNAME:         append([]ResourceRecord(nil), z.CNAME...),
		MX:            append([]ResourceRecord(nil), z.MX...),
		PTR:           append([]ResourceRecord(nil), z.PTR...),
	}
	for k, v := range z.Delegations {
		c.Delegations[k] = append([]ResourceRecord(nil), v...)
	}
	return c
}

// Contains reports whether an identical record is already stored.
func (z *Zone) Contains(rr ResourceRecord) bool {
	var pool []ResourceRecord
	if rr.Type == RRTypeNS {
		pool = z.Delegations[rr.Owner]
	} else {
		pool, _ = z.QueryRecords(rr.Type, rr.Owner)
	}
	for _, have := range pool {
		if sameRecord(have, rr) {
			return true
		}
	}
	return false
}

func sameRecord(a, b ResourceRecord) bool {
	if a.Owner != b.Owner || a.Type != b.Type || a.Value != b.Value || a.TTL != b.TTL {
		return false
	}
	if (a.Priority == nil) != (b.Priority == nil) {
		return false
	}
	return a.Priority == nil || *a.Priority == *b.Priority
}
