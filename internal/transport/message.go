package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length of a message header: [tag:2][length:4] in host
// byte order. Both ends always run on the same host.
const HeaderSize = 6

// MaxPayload bounds the payload a reader accepts.
const MaxPayload = 16 << 20

var ErrMessageTooLarge = errors.New("message too large")

// Message is a tagged, length-prefixed payload.
type Message struct {
	Tag     uint16
	Payload []byte
}

func (m Message) encode() ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(m.Payload))
	}
	b := make([]byte, HeaderSize+len(m.Payload))
	binary.NativeEndian.PutUint16(b[0:2], m.Tag)
	binary.NativeEndian.PutUint32(b[2:6], uint32(len(m.Payload)))
	copy(b[HeaderSize:], m.Payload)
	return b, nil
}

func decodeHeader(b []byte) (tag uint16, length uint32) {
	return binary.NativeEndian.Uint16(b[0:2]), binary.NativeEndian.Uint32(b[2:6])
}
