// Package zonefile reads and writes the line-oriented zone database format.
//
// A file is a sequence of lines:
//
//	@ DEFAULT example.com.
//	TTL DEFAULT 86400
//	@ SOASP ns1.example.com. TTL
//	@ SOASERIAL 2024010101 TTL
//	www A 10.3.3.1 TTL
//	mail MX mx1.example.com. TTL 10
//
// DEFAULT lines define variables. A variable token used as a NAME or TTL is
// replaced by its value. Names without a trailing dot are completed with the
// value of "@". Blank lines and lines starting with '#' are ignored.
package zonefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/haukened/zonewalk/internal/dns/domain"
)

// ErrSyntax is wrapped by every parse failure.
var ErrSyntax = errors.New("zone file syntax error")

// SOA pseudo-record types.
const (
	SOAPrimary = "SOASP"
	SOAAdmin   = "SOAADMIN"
	SOASerial  = "SOASERIAL"
	SOARefresh = "SOAREFRESH"
	SOARetry   = "SOARETRY"
	SOAExpire  = "SOAEXPIRE"
)

const (
	directiveDefault = "DEFAULT"
	originVariable   = "@"
)

type line struct {
	num    int
	fields []string
}

// Parse reads a zone database and returns an authoritative zone. The apex is
// the value of the "@" variable, or the owner of the SOA lines when "@" is not
// defined.
func Parse(r io.Reader) (*domain.Zone, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string)
	var entries []line
	for _, l := range lines {
		if len(l.fields) >= 2 && l.fields[1] == directiveDefault {
			if len(l.fields) != 3 {
				return nil, syntaxErr(l.num, "DEFAULT needs exactly one value")
			}
			vars[l.fields[0]] = l.fields[2]
			continue
		}
		entries = append(entries, l)
	}

	p := &parser{vars: vars}
	for _, l := range entries {
		if err := p.entry(l); err != nil {
			return nil, err
		}
	}
	return p.finish()
}

// ParseString is Parse over an in-memory text.
func ParseString(text string) (*domain.Zone, error) {
	return Parse(strings.NewReader(text))
}

func readLines(r io.Reader) ([]line, error) {
	var out []line
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		for i, f := range fields {
			if strings.HasPrefix(f, "#") {
				fields = fields[:i]
				break
			}
		}
		out = append(out, line{num: n, fields: fields})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read zone file: %w", err)
	}
	return out, nil
}

type parser struct {
	vars     map[string]string
	soaOwner domain.Domain
	soaSeen  map[string]bool
	soa      domain.SOA
	records  []domain.ResourceRecord
	lines    []int
}

func (p *parser) entry(l line) error {
	if len(l.fields) < 4 || len(l.fields) > 5 {
		return syntaxErr(l.num, "expected NAME TYPE VALUE TTL [PRIORITY]")
	}
	name, err := p.name(l.num, l.fields[0])
	if err != nil {
		return err
	}
	ttl, err := p.number(l.num, "TTL", p.substitute(l.fields[3]), 32)
	if err != nil {
		return err
	}

	typ, value := l.fields[1], l.fields[2]
	if strings.HasPrefix(typ, "SOA") {
		return p.soaEntry(l.num, name, typ, value, uint32(ttl))
	}

	rrtype := domain.RRTypeFromString(typ)
	if rrtype == 0 {
		return syntaxErr(l.num, fmt.Sprintf("unknown record type %q", typ))
	}
	var priority *uint16
	if len(l.fields) == 5 {
		prio, err := p.number(l.num, "priority", l.fields[4], 16)
		if err != nil {
			return err
		}
		priority = domain.Uint16(uint16(prio))
	}
	rr := domain.ResourceRecord{
		Owner:    domain.ParseDomain(name),
		Type:     rrtype,
		Value:    domain.ParseRecordValue(value),
		TTL:      uint32(ttl),
		Priority: priority,
	}
	if err := rr.Validate(); err != nil {
		return syntaxErr(l.num, err.Error())
	}
	p.records = append(p.records, rr)
	p.lines = append(p.lines, l.num)
	return nil
}

func (p *parser) soaEntry(num int, owner, typ, value string, ttl uint32) error {
	if p.soaSeen == nil {
		p.soaSeen = make(map[string]bool)
		p.soaOwner = domain.ParseDomain(owner)
	} else if domain.ParseDomain(owner) != p.soaOwner {
		return syntaxErr(num, fmt.Sprintf("SOA owner %s differs from %s", owner, p.soaOwner))
	}
	p.soaSeen[typ] = true
	p.soa.TTL = ttl

	switch typ {
	case SOAPrimary:
		p.soa.PrimaryNS = domain.ParseDomain(value)
		if err := p.soa.PrimaryNS.Validate(); err != nil {
			return syntaxErr(num, err.Error())
		}
		return nil
	case SOAAdmin:
		p.soa.Contact = value
		return nil
	}

	n, err := p.number(num, typ, value, 32)
	if err != nil {
		return err
	}
	switch typ {
	case SOASerial:
		p.soa.Serial = uint32(n)
	case SOARefresh:
		p.soa.Refresh = uint32(n)
	case SOARetry:
		p.soa.Retry = uint32(n)
	case SOAExpire:
		p.soa.Expire = uint32(n)
	default:
		return syntaxErr(num, fmt.Sprintf("unknown SOA field %q", typ))
	}
	return nil
}

func (p *parser) finish() (*domain.Zone, error) {
	var apex domain.Domain
	if origin, ok := p.vars[originVariable]; ok {
		apex = domain.ParseDomain(origin)
	} else if p.soaSeen != nil {
		apex = p.soaOwner
	} else {
		return nil, fmt.Errorf("%w: no @ variable and no SOA lines, zone apex unknown", ErrSyntax)
	}

	if err := apex.Validate(); err != nil {
		return nil, fmt.Errorf("%w: zone apex: %v", ErrSyntax, err)
	}

	z := domain.NewZone(apex, true)
	z.SOA = p.soa
	for i, rr := range p.records {
		if err := z.Add(rr); err != nil {
			return nil, syntaxErr(p.lines[i], err.Error())
		}
	}
	return z, nil
}

func (p *parser) substitute(token string) string {
	if v, ok := p.vars[token]; ok {
		return v
	}
	return token
}

func (p *parser) name(num int, token string) (string, error) {
	name := p.substitute(token)
	if strings.HasSuffix(name, ".") {
		return name, nil
	}
	origin, ok := p.vars[originVariable]
	if !ok {
		return "", syntaxErr(num, fmt.Sprintf("relative name %q with no @ variable defined", name))
	}
	return name + "." + origin, nil
}

func (p *parser) number(num int, what, token string, bits int) (uint64, error) {
	n, err := strconv.ParseUint(token, 10, bits)
	if err != nil {
		return 0, syntaxErr(num, fmt.Sprintf("invalid %s %q", what, token))
	}
	return n, nil
}

func syntaxErr(num int, msg string) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, num, msg)
}

// Marshal renders z as zone database lines: the six SOA lines first, then
// every record in NS, A, CNAME, MX, PTR order. Names are fully qualified so
// the output parses without variables.
func Marshal(z *domain.Zone) []string {
	apex := z.Apex.String()
	ttl := strconv.FormatUint(uint64(z.SOA.TTL), 10)
	u := func(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

	contact := z.SOA.Contact
	if contact == "" {
		contact = apex
	}
	out := []string{
		strings.Join([]string{apex, SOAPrimary, z.SOA.PrimaryNS.String(), ttl}, " "),
		strings.Join([]string{apex, SOAAdmin, contact, ttl}, " "),
		strings.Join([]string{apex, SOASerial, u(z.SOA.Serial), ttl}, " "),
		strings.Join([]string{apex, SOARefresh, u(z.SOA.Refresh), ttl}, " "),
		strings.Join([]string{apex, SOARetry, u(z.SOA.Retry), ttl}, " "),
		strings.Join([]string{apex, SOAExpire, u(z.SOA.Expire), ttl}, " "),
	}
	for _, rr := range z.Records() {
		out = append(out, rr.String())
	}
	return out
}
