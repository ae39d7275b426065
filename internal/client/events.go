package client

import "github.com/akosyrev/huddle/internal/transfer"

// Event is anything the relay delivers to the UI/capture layers. Events
// cross goroutines only through the client's buffered channel; the
// consumer drains it on its own loop.
type Event interface{ isEvent() }

type ChatReceived struct {
	User string
	Msg  string
	TS   int64
}

type PeerJoined struct {
	SessionID string
	Name      string
}

type PeerLeft struct {
	SessionID string
	Name      string
}

type ScreenStarted struct{ User string }

type ScreenStopped struct{ User string }

// ScreenFrame carries one encoded screen capture; the bytes are whatever
// the sharing peer's capture layer produced.
type ScreenFrame struct {
	User  string
	Image []byte
}

type VideoFrame struct {
	SenderID string
	Data     []byte
}

type AudioPacket struct {
	SenderID string
	Data     []byte
}

// FileOffered announces an incoming transfer.
type FileOffered struct {
	User       string
	TransferID string
	Filename   string
	Size       int64
}

type TransferProgress struct {
	Progress transfer.Progress
}

type TransferComplete struct {
	TransferID string
	Filename   string
	Size       int64
}

type StatusChanged struct {
	User   string
	Mic    bool
	Camera bool
}

// Disconnected is the final event on a connection: the server went away or
// the stream desynchronized.
type Disconnected struct{ Err error }

func (ChatReceived) isEvent()     {}
func (PeerJoined) isEvent()       {}
func (PeerLeft) isEvent()         {}
func (ScreenStarted) isEvent()    {}
func (ScreenStopped) isEvent()    {}
func (ScreenFrame) isEvent()      {}
func (VideoFrame) isEvent()       {}
func (AudioPacket) isEvent()      {}
func (FileOffered) isEvent()      {}
func (TransferProgress) isEvent() {}
func (TransferComplete) isEvent() {}
func (StatusChanged) isEvent()    {}
func (Disconnected) isEvent()     {}
