// Package wire implements the binary frame format spoken on every robot
// connection. It is a pure codec: no sockets, no goroutines, no state
// beyond the Decoder's input buffer.
//
// A frame on the wire is laid out big-endian:
//
//	offset  size  field
//	0       2     sync marker (0x5A 0xA5)
//	2       1     protocol version (0x01)
//	3       1     message type
//	4       2     command code
//	6       2     sequence number (0 for uncorrelated frames)
//	8       4     payload length
//	12      n     payload (conventionally UTF-8 JSON)
//	12+n    4     CRC-32 (IEEE) over header and payload
package wire

import (
	"encoding/binary"
	"hash/crc32"
)

// MessageType identifies the role of a frame in the protocol.
type MessageType uint8

const (
	TypeRequest  MessageType = 0x01
	TypeResponse MessageType = 0x02
	TypePush     MessageType = 0x03
	TypeError    MessageType = 0x04
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypePush:
		return "push"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

func (t MessageType) valid() bool {
	return t >= TypeRequest && t <= TypeError
}

const (
	// Version is the protocol version this codec speaks. Frames carrying
	// any other version are rejected as corrupt.
	Version = 0x01

	// HeaderSize is the fixed number of bytes before the payload.
	HeaderSize = 12

	// ChecksumSize is the number of trailing checksum bytes.
	ChecksumSize = 4

	// DefaultMaxPayload bounds the payload length a decoder will accept
	// unless configured otherwise. A length field beyond the bound is
	// treated as corruption, not as an allocation request.
	DefaultMaxPayload = 4 << 20

	syncByte0 = 0x5A
	syncByte1 = 0xA5
)

// Frame is one decoded unit of wire exchange. The payload is opaque to
// this package; its shape is the business of the command code's owner.
type Frame struct {
	Type    MessageType
	Code    uint16
	Seq     uint16
	Payload []byte
}

// EncodedSize returns the number of bytes Encode will produce for f.
func (f Frame) EncodedSize() int {
	return HeaderSize + len(f.Payload) + ChecksumSize
}

// Encode serializes f into a freshly allocated byte slice.
func Encode(f Frame) []byte {
	return AppendEncode(make([]byte, 0, f.EncodedSize()), f)
}

// AppendEncode serializes f and appends the result to dst.
func AppendEncode(dst []byte, f Frame) []byte {
	start := len(dst)
	dst = append(dst, syncByte0, syncByte1, Version, byte(f.Type))
	dst = binary.BigEndian.AppendUint16(dst, f.Code)
	dst = binary.BigEndian.AppendUint16(dst, f.Seq)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	dst = append(dst, f.Payload...)
	sum := crc32.ChecksumIEEE(dst[start:])
	return binary.BigEndian.AppendUint32(dst, sum)
}
