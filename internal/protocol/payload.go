package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/bytedance/sonic"
)

// Control-channel payloads are JSON. The relay only touches the fields it
// needs for routing (sender attribution, transfer bookkeeping); everything
// else passes through untouched.

type ChatMessage struct {
	User string `json:"user,omitempty"`
	Msg  string `json:"msg"`
	TS   int64  `json:"ts,omitempty"`
}

type FileNotify struct {
	User       string `json:"user,omitempty"`
	TransferID string `json:"transfer_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
}

type FileChunk struct {
	User       string `json:"user,omitempty"`
	TransferID string `json:"transfer_id"`
	Seq        int    `json:"seq"`
	Data       []byte `json:"data"`
}

// FileRequest asks the original sender to re-offer a transfer. The relay
// broadcasts it and keeps no state.
type FileRequest struct {
	User       string `json:"user,omitempty"`
	TransferID string `json:"transfer_id"`
}

type ScreenEvent struct {
	User  string `json:"user,omitempty"`
	Image []byte `json:"image,omitempty"`
}

type UserEvent struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

// UDPRegister announces the client's media port. The server pairs it with
// the IP the control connection came from.
type UDPRegister struct {
	Port int `json:"port"`
}

type StatusUpdate struct {
	User   string `json:"user,omitempty"`
	Mic    bool   `json:"mic"`
	Camera bool   `json:"camera"`
}

func MarshalPayload(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func UnmarshalPayload(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// EncodeJSON frames v as a payload of the given type in one step.
func EncodeJSON(t MsgType, v any) ([]byte, error) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Encode(t, payload), nil
}

var ErrBadMediaPayload = errors.New("protocol: malformed media payload")

// Media datagrams carry the sender's session id in-band so the server can
// correlate the datagram with a registered session and recipients can
// attribute the stream: [4-byte BE id length][id bytes][media bytes].

// PackMedia builds a media payload from a sender id and opaque media bytes.
func PackMedia(senderID string, media []byte) []byte {
	buf := make([]byte, 4+len(senderID)+len(media))
	binary.BigEndian.PutUint32(buf, uint32(len(senderID)))
	copy(buf[4:], senderID)
	copy(buf[4+len(senderID):], media)
	return buf
}

// SplitMedia splits a media payload back into sender id and media bytes.
// The returned slices alias payload.
func SplitMedia(payload []byte) (senderID string, media []byte, err error) {
	if len(payload) < 4 {
		return "", nil, ErrBadMediaPayload
	}
	idLen := binary.BigEndian.Uint32(payload)
	if idLen == 0 || int64(idLen) > int64(len(payload)-4) {
		return "", nil, ErrBadMediaPayload
	}
	return string(payload[4 : 4+idLen]), payload[4+idLen:], nil
}
