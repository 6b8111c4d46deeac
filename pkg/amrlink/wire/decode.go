package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrShortFrame reports that the buffer holds only a prefix of a frame.
// It is not a corruption signal: the caller should read more bytes and
// try again.
var ErrShortFrame = errors.New("wire: incomplete frame")

// Corruption errors. All of them unwrap to ErrCorruptFrame, so callers
// can test the whole family with errors.Is(err, ErrCorruptFrame) and
// still log the specific cause.
var (
	ErrCorruptFrame    = errors.New("wire: corrupt frame")
	ErrBadSync         = fmt.Errorf("%w: sync marker not found", ErrCorruptFrame)
	ErrBadVersion      = fmt.Errorf("%w: unsupported protocol version", ErrCorruptFrame)
	ErrBadType         = fmt.Errorf("%w: unknown message type", ErrCorruptFrame)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload length exceeds limit", ErrCorruptFrame)
	ErrBadChecksum     = fmt.Errorf("%w: checksum mismatch", ErrCorruptFrame)
)

// Decode attempts to read one frame from the start of buf. It returns
// the frame and the number of bytes consumed. maxPayload bounds the
// accepted payload length; zero means DefaultMaxPayload.
//
// ErrShortFrame means buf is a valid prefix and more bytes are needed.
// Any error wrapping ErrCorruptFrame means the stream is desynchronized
// at the current position; the caller should scan forward with Resync
// before decoding again.
//
// The returned frame's payload aliases buf; callers that retain the
// frame beyond the life of buf must copy it.
func Decode(buf []byte, maxPayload uint32) (Frame, int, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	// Report desynchronization as early as the bytes allow, so a caller
	// never waits for a full header that provably is not one.
	if len(buf) >= 1 && buf[0] != syncByte0 {
		return Frame{}, 0, ErrBadSync
	}
	if len(buf) >= 2 && buf[1] != syncByte1 {
		return Frame{}, 0, ErrBadSync
	}
	if len(buf) >= 3 && buf[2] != Version {
		return Frame{}, 0, fmt.Errorf("%w 0x%02x", ErrBadVersion, buf[2])
	}
	if len(buf) >= 4 && !MessageType(buf[3]).valid() {
		return Frame{}, 0, fmt.Errorf("%w 0x%02x", ErrBadType, buf[3])
	}
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrShortFrame
	}
	typ := MessageType(buf[3])
	length := binary.BigEndian.Uint32(buf[8:12])
	if length > maxPayload {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, maxPayload)
	}
	total := HeaderSize + int(length) + ChecksumSize
	if len(buf) < total {
		return Frame{}, 0, ErrShortFrame
	}
	body := buf[:HeaderSize+int(length)]
	want := binary.BigEndian.Uint32(buf[total-ChecksumSize : total])
	if got := crc32.ChecksumIEEE(body); got != want {
		return Frame{}, 0, fmt.Errorf("%w: got 0x%08x want 0x%08x", ErrBadChecksum, got, want)
	}
	return Frame{
		Type:    typ,
		Code:    binary.BigEndian.Uint16(buf[4:6]),
		Seq:     binary.BigEndian.Uint16(buf[6:8]),
		Payload: body[HeaderSize:],
	}, total, nil
}

// Resync returns the index of the next sync marker in buf at or after
// from, or -1 if none is present. A trailing lone first sync byte does
// not count: it may be completed by the next read, so callers should
// keep it buffered.
func Resync(buf []byte, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+1 < len(buf); i++ {
		if buf[i] == syncByte0 && buf[i+1] == syncByte1 {
			return i
		}
	}
	return -1
}

// Decoder incrementally decodes a frame stream that arrives in
// arbitrary chunks. Feed bytes with Write, then drain frames with Next
// until it returns ErrShortFrame.
type Decoder struct {
	buf        []byte
	maxPayload uint32
}

// NewDecoder returns a Decoder accepting payloads up to maxPayload
// bytes (zero means DefaultMaxPayload).
func NewDecoder(maxPayload uint32) *Decoder {
	return &Decoder{maxPayload: maxPayload}
}

// Write appends p to the decoder's input buffer.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of undecoded bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame from the buffered input.
//
// ErrShortFrame means the buffer is exhausted; feed more bytes and call
// again. A corruption error means the decoder discarded garbage up to
// the next sync marker (or the end of the buffer); the caller may count
// or log the error and simply call Next again. The returned frame's
// payload is a copy and remains valid after further Writes.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf, d.maxPayload)
	switch {
	case err == nil:
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		f.Payload = payload
		d.consume(n)
		return f, nil
	case errors.Is(err, ErrShortFrame):
		return Frame{}, ErrShortFrame
	default:
		// Desynchronized. Skip the bad marker position and scan for the
		// next plausible frame start.
		if i := Resync(d.buf, 1); i >= 0 {
			d.consume(i)
		} else if len(d.buf) > 0 {
			// Keep a trailing sync-byte candidate, drop the rest.
			if d.buf[len(d.buf)-1] == syncByte0 {
				d.consume(len(d.buf) - 1)
			} else {
				d.consume(len(d.buf))
			}
		}
		return Frame{}, err
	}
}

func (d *Decoder) consume(n int) {
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}
