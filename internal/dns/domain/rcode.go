package domain

import "fmt"

// RCode is the response code carried in a reply header.
type RCode uint8

const (
	// RCodeAnswer means the answer section holds the requested data.
	RCodeAnswer RCode = 0
	// RCodeReferral means no authoritative answer was produced here; the
	// authority section names the servers to ask next.
	RCodeReferral RCode = 1
	// RCodeNameError means the name (or data of the type) does not exist.
	RCodeNameError RCode = 2
	// RCodeMalformed means the query could not be decoded or understood.
	RCodeMalformed RCode = 3
)

// IsValid returns true if the RCode is one of the four defined codes.
func (r RCode) IsValid() bool {
	return r <= RCodeMalformed
}

// String returns the textual representation of the RCode.
func (r RCode) String() string {
	switch r {
	case RCodeAnswer:
		return "ANSWER"
	case RCodeReferral:
		return "REFERRAL"
	case RCodeNameError:
		return "NXDOMAIN"
	case RCodeMalformed:
		return "MALFORMED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", r)
	}
}
