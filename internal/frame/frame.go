// Package frame implements the native messaging wire framing: each message
// is a 4-byte little-endian unsigned length prefix followed by that many
// bytes of UTF-8 JSON, with no inter-message delimiter.
//
// The encoding must stay bit-exact with the native messaging host protocol
// so an unmodified worker binary can sit on the other end of the pipe.
package frame

import (
	"encoding/binary"
	"fmt"
)

const (
	// PrefixSize is the byte length of the frame length prefix.
	PrefixSize = 4

	// MaxPayloadSize caps a single frame. A prefix above this is treated as
	// stream corruption rather than an allocation request.
	MaxPayloadSize = 64 * 1024 * 1024 // 64MB
)

// Encode frames a payload for the wire.
func Encode(payload []byte) []byte {
	framed := make([]byte, PrefixSize+len(payload))
	binary.LittleEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[PrefixSize:], payload)

	return framed
}

// Decoder reassembles discrete messages from a streaming byte sequence.
// Inbound chunks are buffered until at least one complete frame is
// available; a single Feed may therefore yield zero, one, or many messages.
//
// Decoder is not safe for concurrent use; the native client feeds it from a
// single read loop.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk of stream bytes and returns every complete message
// payload now available, in arrival order. Returned slices are copies and
// remain valid after subsequent Feed calls.
//
// An oversized length prefix returns an error; the stream is unrecoverable
// past that point and the caller should drop the connection.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var payloads [][]byte

	for {
		if len(d.buf) < PrefixSize {
			return payloads, nil
		}

		length := binary.LittleEndian.Uint32(d.buf)
		if length > MaxPayloadSize {
			return payloads, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxPayloadSize)
		}

		total := PrefixSize + int(length)
		if len(d.buf) < total {
			return payloads, nil
		}

		payload := make([]byte, length)
		copy(payload, d.buf[PrefixSize:total])
		payloads = append(payloads, payload)

		// Consume the frame. Copy the tail down so the buffer does not pin
		// the full history of the stream.
		remaining := len(d.buf) - total
		copy(d.buf, d.buf[total:])
		d.buf = d.buf[:remaining]
	}
}

// Buffered reports how many bytes are waiting for frame completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
