package wire

import "github.com/haukened/zonewalk/internal/dns/domain"

// MaxMessageSize bounds an encoded message so it fits one datagram.
const MaxMessageSize = 1000

// MessageCodec converts messages to and from their datagram form.
type MessageCodec interface {
	Encode(msg domain.Message) ([]byte, error)
	Decode(data []byte) (domain.Message, error)
}
