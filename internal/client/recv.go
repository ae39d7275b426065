package client

import (
	"github.com/akosyrev/huddle/internal/protocol"
	"github.com/akosyrev/huddle/internal/transfer"
)

// readLoop drains the control channel and turns frames into events. A
// desynchronized stream is fatal for the connection, same policy as the
// server: close, never resync.
func (c *Client) readLoop(dec *protocol.Decoder, buf []byte) {
	defer c.closeSockets()
	for {
		f, err := c.readFrame(dec, buf)
		if err != nil {
			if !c.closed.Load() {
				c.log.Debug().Err(err).Msg("control channel closed")
				c.emit(Disconnected{Err: err})
			}
			return
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.MsgChat:
		var m protocol.ChatMessage
		if protocol.UnmarshalPayload(f.Payload, &m) == nil {
			c.emit(ChatReceived{User: m.User, Msg: m.Msg, TS: m.TS})
		}

	case protocol.MsgUserJoin:
		var u protocol.UserEvent
		if protocol.UnmarshalPayload(f.Payload, &u) == nil {
			c.emit(PeerJoined{SessionID: u.ID, Name: u.User})
		}

	case protocol.MsgUserLeave:
		var u protocol.UserEvent
		if protocol.UnmarshalPayload(f.Payload, &u) == nil {
			c.emit(PeerLeft{SessionID: u.ID, Name: u.User})
		}

	case protocol.MsgScreenStart:
		var s protocol.ScreenEvent
		if protocol.UnmarshalPayload(f.Payload, &s) == nil {
			c.emit(ScreenStarted{User: s.User})
		}

	case protocol.MsgScreenStop:
		var s protocol.ScreenEvent
		if protocol.UnmarshalPayload(f.Payload, &s) == nil {
			c.emit(ScreenStopped{User: s.User})
		}

	case protocol.MsgScreenImage:
		var s protocol.ScreenEvent
		if protocol.UnmarshalPayload(f.Payload, &s) == nil {
			c.emit(ScreenFrame{User: s.User, Image: s.Image})
		}

	case protocol.MsgStatusUpdate:
		var st protocol.StatusUpdate
		if protocol.UnmarshalPayload(f.Payload, &st) == nil {
			c.emit(StatusChanged{User: st.User, Mic: st.Mic, Camera: st.Camera})
		}

	case protocol.MsgFileNotify:
		var fn protocol.FileNotify
		if protocol.UnmarshalPayload(f.Payload, &fn) != nil {
			return
		}
		done := c.asm.Notify(fn.TransferID, fn.Filename, fn.Size)
		c.emit(FileOffered{User: fn.User, TransferID: fn.TransferID, Filename: fn.Filename, Size: fn.Size})
		if done != nil {
			c.finishTransfer(done)
		}

	case protocol.MsgFileChunk:
		var fc protocol.FileChunk
		if protocol.UnmarshalPayload(f.Payload, &fc) != nil {
			return
		}
		done, prog, err := c.asm.Chunk(fc.TransferID, fc.Data)
		if err != nil {
			c.log.Warn().Str("transfer_id", fc.TransferID).Msg("chunk without notify, dropped")
			return
		}
		c.emit(TransferProgress{Progress: prog})
		if done != nil {
			c.finishTransfer(done)
		}

	case protocol.MsgFileRequest:
		// Re-offer requests are surfaced to the sending layer via the
		// generic chat/file UI; no client-side state.
		c.log.Debug().Msg("file re-offer requested")

	default:
		c.log.Warn().Stringer("type", f.Type).Msg("unexpected frame on control channel")
	}
}

// finishTransfer hands a reassembled file to the persistence layer and
// tells the UI.
func (c *Client) finishTransfer(done *transfer.Completed) {
	if c.cfg.Save != nil {
		if err := c.cfg.Save(done.TransferID, done.Filename, done.Data); err != nil {
			c.log.Error().Err(err).Str("filename", done.Filename).Msg("save failed")
		}
	}
	c.emit(TransferComplete{TransferID: done.TransferID, Filename: done.Filename, Size: int64(len(done.Data))})
}

// udpLoop drains the media socket. Every valid datagram becomes a video or
// audio event; anything garbled is dropped silently, consistent with
// best-effort media.
func (c *Client) udpLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err := protocol.ParseDatagram(buf[:n], protocol.MaxDatagramPayload)
		if err != nil {
			continue
		}
		senderID, media, err := protocol.SplitMedia(f.Payload)
		if err != nil || senderID == c.id {
			continue
		}
		data := make([]byte, len(media))
		copy(data, media)

		switch f.Type {
		case protocol.MsgVideoStream:
			c.emit(VideoFrame{SenderID: senderID, Data: data})
		case protocol.MsgAudioStream:
			c.emit(AudioPacket{SenderID: senderID, Data: data})
		}
	}
}

// emit hands an event to the consumer without ever blocking a receive
// loop. A full queue sheds the newest event; the consumer is expected to
// drain promptly.
func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Debug().Msg("event queue full, dropping event")
	}
}
