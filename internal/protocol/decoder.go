package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNeedMore is returned by Decoder.Next when the buffered bytes do not
// yet contain a complete frame. It is the normal "keep reading" signal,
// never a failure.
var ErrNeedMore = errors.New("protocol: need more bytes")

// Decoder is an incremental frame parser over a byte stream. TCP gives no
// message boundaries, so callers feed whatever the socket returned and pull
// zero or more complete frames out; a frame split at any byte boundary is
// resumed on the next feed. A decode error is a protocol violation and the
// decoder must not be used again (the stream position is unrecoverable).
type Decoder struct {
	maxPayload int
	buf        []byte
}

func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends raw bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete frame, or ErrNeedMore when the buffer
// holds only a partial frame. Any other error means the stream is
// desynchronized beyond recovery.
func (d *Decoder) Next() (Frame, error) {
	if len(d.buf) < HeaderSize {
		return Frame{}, ErrNeedMore
	}
	t := MsgType(d.buf[0])
	if !t.Valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, d.buf[0])
	}
	length := binary.BigEndian.Uint32(d.buf[1:HeaderSize])
	if int64(length) > int64(d.maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, d.maxPayload)
	}
	total := HeaderSize + int(length)
	if len(d.buf) < total {
		return Frame{}, ErrNeedMore
	}
	payload := make([]byte, length)
	copy(payload, d.buf[HeaderSize:total])
	// Shift the tail down instead of re-slicing so the retained backing
	// array cannot grow without bound across many frames.
	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]
	return Frame{Type: t, Payload: payload}, nil
}
