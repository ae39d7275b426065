// Package protocol implements the binary frame format shared by the TCP
// control channel and the UDP media relay: a one-byte message tag, a 4-byte
// big-endian payload length, then the payload bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType tags every frame on the wire. Values are part of the protocol:
// new types get appended, existing ones are never renumbered.
type MsgType byte

const (
	MsgChat MsgType = iota + 1
	MsgFileNotify
	MsgFileRequest
	MsgFileChunk
	MsgScreenStart
	MsgScreenImage
	MsgScreenStop
	MsgUserJoin
	MsgUserLeave
	MsgVideoStream
	MsgAudioStream
	MsgUDPRegister
	MsgStatusUpdate
)

// HeaderSize is the fixed frame prefix: 1 type byte + 4 length bytes.
const HeaderSize = 5

// MaxDatagramPayload bounds media frames so an encoded datagram stays
// under the classic 64 KiB UDP limit.
const MaxDatagramPayload = 65536 - HeaderSize

var (
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds maximum size")
	ErrShortDatagram   = errors.New("protocol: datagram shorter than declared length")
)

var msgNames = map[MsgType]string{
	MsgChat:         "CHAT",
	MsgFileNotify:   "FILE_NOTIFY",
	MsgFileRequest:  "FILE_REQUEST",
	MsgFileChunk:    "FILE_CHUNK",
	MsgScreenStart:  "SCREEN_START",
	MsgScreenImage:  "SCREEN_IMAGE",
	MsgScreenStop:   "SCREEN_STOP",
	MsgUserJoin:     "USER_JOIN",
	MsgUserLeave:    "USER_LEAVE",
	MsgVideoStream:  "VIDEO_STREAM",
	MsgAudioStream:  "AUDIO_STREAM",
	MsgUDPRegister:  "UDP_REGISTER",
	MsgStatusUpdate: "STATUS_UPDATE",
}

func (t MsgType) String() string {
	if s, ok := msgNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

// Valid reports whether t is a tag this build of the protocol knows.
func (t MsgType) Valid() bool {
	_, ok := msgNames[t]
	return ok
}

// Frame is one complete unit of the wire protocol. Payload contents are
// opaque to the relay; only Type and the length are interpreted.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// Encode produces the wire bytes for one frame: exactly
// HeaderSize+len(payload) bytes.
func Encode(t MsgType, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// ParseDatagram decodes a frame that must be fully contained in buf, the
// UDP case. Trailing bytes beyond the declared length are rejected as a
// short/garbled datagram would be.
func ParseDatagram(buf []byte, maxPayload int) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrShortDatagram
	}
	t := MsgType(buf[0])
	if !t.Valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, buf[0])
	}
	length := binary.BigEndian.Uint32(buf[1:HeaderSize])
	if int64(length) > int64(maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, maxPayload)
	}
	if len(buf) != HeaderSize+int(length) {
		return Frame{}, ErrShortDatagram
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:])
	return Frame{Type: t, Payload: payload}, nil
}
