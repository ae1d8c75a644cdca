package domain

import (
	"math/rand"
	"strconv"
	"strings"
)

// Flags is the header flag bitmask.
type Flags uint8

const (
	FlagAuthoritative    Flags = 1 << 0 // answer comes from a zone this server owns
	FlagRecursionDesired Flags = 1 << 1
	FlagQuery            Flags = 1 << 2
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String renders the set flags as "Q", "R", "A" joined by '+', in that order.
func (f Flags) String() string {
	var parts []string
	if f.Has(FlagQuery) {
		parts = append(parts, "Q")
	}
	if f.Has(FlagRecursionDesired) {
		parts = append(parts, "R")
	}
	if f.Has(FlagAuthoritative) {
		parts = append(parts, "A")
	}
	return strings.Join(parts, "+")
}

// Header is the fixed part of a Message. Optional fields are nil when absent.
type Header struct {
	ID             uint16
	Flags          Flags
	ResponseCode   *RCode
	NumAnswers     *uint8
	NumAuthorities *uint8
	NumExtras      *uint8
}

// Question names what is being asked.
type Question struct {
	Name Domain
	Type RRType
}

// Message is a query or a reply. A nil section is absent; a non-nil empty
// section is present but holds no records.
type Message struct {
	Header      Header
	Question    Question
	Answers     []ResourceRecord
	Authorities []ResourceRecord
	Extras      []ResourceRecord
}

// NewQuery builds a query message with a random ID.
func NewQuery(name Domain, t RRType, recursionDesired bool) Message {
	flags := FlagQuery
	if recursionDesired {
		flags |= FlagRecursionDesired
	}
	return Message{
		Header:   Header{ID: uint16(rand.Uint32()), Flags: flags},
		Question: Question{Name: name, Type: t},
	}
}

// NewErrorReply builds an empty reply with the given ID and response code.
func NewErrorReply(id uint16, rc RCode) Message {
	m := Message{Header: Header{ID: id}}
	m.SetResponseCode(rc)
	return m
}

// RCode returns the response code and whether one is set.
func (m Message) RCode() (RCode, bool) {
	if m.Header.ResponseCode == nil {
		return 0, false
	}
	return *m.Header.ResponseCode, true
}

// SetResponseCode sets the header response code.
func (m *Message) SetResponseCode(rc RCode) {
	m.Header.ResponseCode = &rc
}

// RecursionDesired reports whether the RD flag is set.
func (m Message) RecursionDesired() bool {
	return m.Header.Flags.Has(FlagRecursionDesired)
}

// SetCounts fills the header counts from the section lengths. Absent sections
// leave their count absent.
func (m *Message) SetCounts() {
	m.Header.NumAnswers = count(m.Answers)
	m.Header.NumAuthorities = count(m.Authorities)
	m.Header.NumExtras = count(m.Extras)
}

func count(records []ResourceRecord) *uint8 {
	if records == nil {
		return nil
	}
	n := len(records)
	if n > 255 {
		n = 255
	}
	v := uint8(n)
	return &v
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	c.Header.ResponseCode = clonePtr(m.Header.ResponseCode)
	c.Header.NumAnswers = clonePtr(m.Header.NumAnswers)
	c.Header.NumAuthorities = clonePtr(m.Header.NumAuthorities)
	c.Header.NumExtras = clonePtr(m.Header.NumExtras)
	c.Answers = cloneRecords(m.Answers)
	c.Authorities = cloneRecords(m.Authorities)
	c.Extras = cloneRecords(m.Extras)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRecords(in []ResourceRecord) []ResourceRecord {
	if in == nil {
		return nil
	}
	out := make([]ResourceRecord, len(in))
	for i, rr := range in {
		rr.Priority = clonePtr(rr.Priority)
		out[i] = rr
	}
	return out
}

// String renders the message in the line form used by logs and the client:
// "id,flags,rc,answers,authorities,extras;name,type;" followed by one
// ';'-terminated group per present section.
func (m Message) String() string {
	var b strings.Builder
	rc, _ := m.RCode()
	b.WriteString(strconv.Itoa(int(m.Header.ID)))
	b.WriteByte(',')
	b.WriteString(m.Header.Flags.String())
	for _, v := range []uint8{uint8(rc), deref(m.Header.NumAnswers), deref(m.Header.NumAuthorities), deref(m.Header.NumExtras)} {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(int(v)))
	}
	b.WriteByte(';')
	b.WriteString(m.Question.Name.String())
	b.WriteByte(',')
	b.WriteString(m.Question.Type.String())
	b.WriteByte(';')
	for _, section := range [][]ResourceRecord{m.Answers, m.Authorities, m.Extras} {
		if len(section) == 0 {
			continue
		}
		for i, rr := range section {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(rr.String())
		}
		b.WriteByte(';')
	}
	return b.String()
}

func deref(p *uint8) uint8 {
	if p == nil {
		return 0
	}
	return *p
}
