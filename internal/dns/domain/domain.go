// Package domain holds the core value types of the resolver: domain names,
// resource records, zones and the messages exchanged between clients and servers.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Domain is a normalized DNS name. Labels are lowercased and stored joined by
// '.' without the trailing separator. The zero value is the root.
//
// Domain is comparable and can be used as a map key; two Domains are equal
// exactly when their label sequences are equal.
type Domain struct {
	name string
}

// Root is the root of the name hierarchy.
var Root = Domain{}

const (
	// MaxLabelLength bounds a single label.
	MaxLabelLength = 63
	// MaxNameLength bounds the text form without the trailing separator.
	MaxNameLength = 253
)

// ErrInvalidDomain is returned by Validate for names that cannot be encoded.
var ErrInvalidDomain = errors.New("invalid domain name")

// ParseDomain builds a Domain from its text form. Surrounding whitespace and
// trailing dots are removed; empty or dot-only text yields the root.
// Non-ASCII labels are converted to their IDNA (punycode) form.
func ParseDomain(text string) Domain {
	text = strings.TrimSpace(text)
	for strings.HasSuffix(text, ".") {
		text = strings.TrimSuffix(text, ".")
	}
	if text == "" {
		return Root
	}
	if !isASCII(text) {
		if ascii, err := idna.Lookup.ToASCII(text); err == nil {
			text = ascii
		}
	}
	return Domain{name: strings.ToLower(text)}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Validate reports names with an empty label, a label longer than
// MaxLabelLength or a text form longer than MaxNameLength. The root is valid.
func (d Domain) Validate() error {
	if d.IsRoot() {
		return nil
	}
	if len(d.name) > MaxNameLength {
		return fmt.Errorf("%w: %s is longer than %d bytes", ErrInvalidDomain, d, MaxNameLength)
	}
	for _, label := range d.Labels() {
		switch {
		case label == "":
			return fmt.Errorf("%w: empty label in %s", ErrInvalidDomain, d)
		case len(label) > MaxLabelLength:
			return fmt.Errorf("%w: label %q in %s is longer than %d bytes", ErrInvalidDomain, label, d, MaxLabelLength)
		}
	}
	return nil
}

// IsRoot reports whether d is the root domain.
func (d Domain) IsRoot() bool {
	return d.name == ""
}

// Labels returns the labels of d, most significant last.
func (d Domain) Labels() []string {
	if d.IsRoot() {
		return nil
	}
	return strings.Split(d.name, ".")
}

// LabelCount returns the number of labels in d. The root has zero.
func (d Domain) LabelCount() int {
	if d.IsRoot() {
		return 0
	}
	return strings.Count(d.name, ".") + 1
}

// IsSubdomainOf reports whether d equals other or sits below it.
// Every domain is a subdomain of the root.
func (d Domain) IsSubdomainOf(other Domain) bool {
	if other.IsRoot() {
		return true
	}
	if d.name == other.name {
		return true
	}
	return strings.HasSuffix(d.name, "."+other.name)
}

// Parent returns the domain one label up. The parent of the root is the root.
func (d Domain) Parent() Domain {
	i := strings.IndexByte(d.name, '.')
	if i < 0 {
		return Root
	}
	return Domain{name: d.name[i+1:]}
}

// String returns the fully qualified text form. The root renders as ".".
func (d Domain) String() string {
	if d.IsRoot() {
		return "."
	}
	return d.name + "."
}
