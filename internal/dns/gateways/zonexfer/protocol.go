// Package zonexfer implements the zone-transfer exchange between a primary
// and its secondaries over TCP. All integers are big-endian.
//
//	secondary                       primary
//	zone name '\n'          ->
//	                        <-      serial:u32
//	accept:u8 (0|1)         ->
//	                        <-      count:u16        (only when accepted)
//	count:u16 (echo)        ->
//	                        <-      count x (seq:u16 line '\n')
//
// Lines use the zone database format: the six SOA lines first, then the
// records. The primary closes the connection for a zone it does not serve or
// a secondary it does not allow.
package zonexfer

import (
	"errors"
	"time"
)

// DefaultPort is the conventional transfer port on a primary.
const DefaultPort = 8000

const (
	declineTransfer byte = 0
	acceptTransfer  byte = 1

	maxZoneNameLength = 255
	maxLineLength     = 4096
	defaultTimeout    = 30 * time.Second
)

var (
	// ErrConnect means the primary could not be reached.
	ErrConnect = errors.New("connect to primary")
	// ErrSameSerial means the primary still holds the serial the secondary
	// already has. No records were transferred.
	ErrSameSerial = errors.New("serial unchanged")
	// ErrUnknownZone means the primary closed the connection instead of
	// sending a serial: it does not serve the zone or refused the peer.
	ErrUnknownZone = errors.New("zone not served by primary")
	// ErrProtocol covers malformed or truncated exchanges.
	ErrProtocol = errors.New("zone transfer protocol error")
	// ErrParse means the transferred lines do not form a valid zone.
	ErrParse = errors.New("transferred zone does not parse")
)
