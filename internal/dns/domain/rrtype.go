package domain

import "fmt"

// RRType represents a resource record type. Values follow the IANA assignments
// for the five types this server stores.
type RRType uint16

// Resource record type constants
const (
	RRTypeA     RRType = 1  // A - IPv4 address
	RRTypeNS    RRType = 2  // NS - Name server
	RRTypeCNAME RRType = 5  // CNAME - Canonical name
	RRTypePTR   RRType = 12 // PTR - Pointer
	RRTypeMX    RRType = 15 // MX - Mail exchange
)

// RRTypes lists every supported type in zone-transfer order after NS.
var RRTypes = []RRType{RRTypeNS, RRTypeA, RRTypeCNAME, RRTypeMX, RRTypePTR}

// IsValid returns true if the RRType is one of the supported types.
func (t RRType) IsValid() bool {
	switch t {
	case RRTypeA, RRTypeNS, RRTypeCNAME, RRTypePTR, RRTypeMX:
		return true
	default:
		return false
	}
}

// String returns the textual representation of the RRType.
// For unknown types, it returns "UNKNOWN(<value>)".
func (t RRType) String() string {
	switch t {
	case RRTypeA:
		return "A"
	case RRTypeNS:
		return "NS"
	case RRTypeCNAME:
		return "CNAME"
	case RRTypePTR:
		return "PTR"
	case RRTypeMX:
		return "MX"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// RRTypeFromString converts a record type string to its corresponding RRType value.
// Unknown strings map to 0.
func RRTypeFromString(s string) RRType {
	switch s {
	case "A":
		return RRTypeA
	case "NS":
		return RRTypeNS
	case "CNAME":
		return RRTypeCNAME
	case "PTR":
		return RRTypePTR
	case "MX":
		return RRTypeMX
	default:
		return 0
	}
}

// valueIsName reports whether records of this type carry a domain name rather
// than an address. NS may carry either.
func (t RRType) valueIsName() bool {
	switch t {
	case RRTypeCNAME, RRTypePTR, RRTypeMX:
		return true
	default:
		return false
	}
}
