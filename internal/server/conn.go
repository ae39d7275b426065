package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akosyrev/huddle/internal/protocol"
	"github.com/akosyrev/huddle/internal/registry"
	"github.com/akosyrev/huddle/internal/transfer"
)

var (
	// ErrBackpressure means a recipient's outbound queue is full; the
	// relay disconnects that recipient rather than stall the sender.
	ErrBackpressure = errors.New("server: outbound queue full")
	ErrConnClosed   = errors.New("server: connection closed")
)

const writeTimeout = 10 * time.Second

// errLeave marks a clean, client-initiated departure.
var errLeave = errors.New("server: client sent USER_LEAVE")

// conn is one control connection. The reader goroutine owns the decoder
// and dispatch; a dedicated writer goroutine drains the bounded send queue
// so frame bytes from concurrent broadcasters never interleave.
type conn struct {
	sock net.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	id   string
	name string
	log  zerolog.Logger
}

var _ registry.ControlConn = (*conn)(nil)

// TrySend queues one encoded frame without blocking.
func (c *conn) TrySend(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBackpressure
	}
}

func (c *conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
			if _, err := c.sock.Write(frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed, closing")
				c.Close()
				return
			}
		}
	}
}

// handleConn runs the control state machine: Connecting (first frame must
// be USER_JOIN) -> Active (dispatch loop) -> Closing (remove from registry,
// broadcast USER_LEAVE).
func (s *Server) handleConn(sock net.Conn) {
	c := &conn{
		sock: sock,
		send: make(chan []byte, s.cfg.SendQueue),
		done: make(chan struct{}),
		log:  s.log.With().Stringer("peer", sock.RemoteAddr()).Logger(),
	}
	defer c.Close()

	dec := protocol.NewDecoder(s.cfg.MaxPayload)
	buf := make([]byte, 64*1024)

	// Connecting: any first frame other than USER_JOIN closes the
	// connection with no join or leave broadcast.
	first, err := c.readFrame(dec, buf, s.cfg.IdleTimeout)
	if err != nil {
		c.log.Debug().Err(err).Msg("handshake read failed")
		return
	}
	if first.Type != protocol.MsgUserJoin {
		c.log.Warn().Stringer("type", first.Type).Msg("first frame is not USER_JOIN")
		return
	}
	var join protocol.UserEvent
	if err := protocol.UnmarshalPayload(first.Payload, &join); err != nil || join.User == "" {
		c.log.Warn().Msg("malformed USER_JOIN payload")
		return
	}

	id := uuid.NewString()
	name, err := s.reg.Add(id, join.User, c)
	if err != nil {
		c.log.Warn().Err(err).Msg("join rejected")
		return
	}
	c.id = id
	c.name = name
	c.log = c.log.With().Str("sid", id).Str("name", name).Logger()

	go c.writePump()

	// Closing: runs on every exit path after a successful join.
	defer func() {
		if _, ok := s.reg.Remove(id); !ok {
			return
		}
		leave, err := protocol.EncodeJSON(protocol.MsgUserLeave, protocol.UserEvent{ID: id, User: name})
		if err == nil {
			s.broadcast(id, leave)
		}
		s.events.publish(Event{Kind: "leave", SessionID: id, Name: name, Time: time.Now()})
		c.log.Info().Msg("session closed")
	}()

	// Ack the join with the assigned id and deduplicated name, then
	// announce it to everyone else.
	announce, err := protocol.EncodeJSON(protocol.MsgUserJoin, protocol.UserEvent{ID: id, User: name})
	if err != nil {
		return
	}
	if err := c.TrySend(announce); err != nil {
		return
	}
	// Replay the current roster so a late joiner learns who is here.
	for _, sess := range s.reg.BroadcastTargets(id) {
		peer, err := protocol.EncodeJSON(protocol.MsgUserJoin, protocol.UserEvent{ID: sess.ID, User: sess.Name})
		if err == nil {
			_ = c.TrySend(peer)
		}
	}
	s.broadcast(id, announce)
	s.events.publish(Event{Kind: "join", SessionID: id, Name: name, Time: time.Now()})
	c.log.Info().Msg("session joined")

	// Active: frames are handled strictly in arrival order, which is what
	// preserves per-sender ordering end to end.
	for {
		f, err := c.readFrame(dec, buf, s.cfg.IdleTimeout)
		if err != nil {
			c.log.Debug().Err(err).Msg("read loop ending")
			return
		}
		if err := s.dispatch(c, f); err != nil {
			if errors.Is(err, errLeave) {
				c.log.Info().Msg("client left")
			} else {
				c.log.Warn().Err(err).Stringer("type", f.Type).Msg("protocol violation, closing")
			}
			return
		}
	}
}

// readFrame pulls the next complete frame, reading from the socket as
// needed. The idle deadline is refreshed per read so an abandoned session
// eventually times out.
func (c *conn) readFrame(dec *protocol.Decoder, buf []byte, idle time.Duration) (protocol.Frame, error) {
	for {
		f, err := dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, protocol.ErrNeedMore) {
			return protocol.Frame{}, err
		}
		if idle > 0 {
			if err := c.sock.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return protocol.Frame{}, err
			}
		}
		n, err := c.sock.Read(buf)
		if err != nil {
			return protocol.Frame{}, err
		}
		dec.Feed(buf[:n])
	}
}

// dispatch applies one frame from an Active connection. A returned error
// is a protocol violation and closes the connection; recoverable oddities
// (orphan chunks) are logged and dropped instead.
func (s *Server) dispatch(c *conn, f protocol.Frame) error {
	switch f.Type {
	case protocol.MsgChat, protocol.MsgScreenImage, protocol.MsgFileRequest:
		// Relayed verbatim; the sender stamps its own attribution.
		s.broadcast(c.id, protocol.Encode(f.Type, f.Payload))

	case protocol.MsgScreenStart:
		s.reg.SetSharing(c.id, true)
		s.broadcast(c.id, protocol.Encode(f.Type, f.Payload))

	case protocol.MsgScreenStop:
		s.reg.SetSharing(c.id, false)
		s.broadcast(c.id, protocol.Encode(f.Type, f.Payload))

	case protocol.MsgFileNotify:
		var fn protocol.FileNotify
		if err := protocol.UnmarshalPayload(f.Payload, &fn); err != nil {
			return fmt.Errorf("malformed FILE_NOTIFY: %w", err)
		}
		if fn.TransferID == "" || fn.Size < 0 {
			return fmt.Errorf("FILE_NOTIFY missing transfer id or size")
		}
		s.tracker.Notify(fn.TransferID, fn.Filename, fn.Size)
		s.broadcast(c.id, protocol.Encode(f.Type, f.Payload))

	case protocol.MsgFileChunk:
		var fc protocol.FileChunk
		if err := protocol.UnmarshalPayload(f.Payload, &fc); err != nil {
			return fmt.Errorf("malformed FILE_CHUNK: %w", err)
		}
		if _, err := s.tracker.Chunk(fc.TransferID, len(fc.Data)); errors.Is(err, transfer.ErrUnknownTransfer) {
			// Chunk before notify: recoverable by the receiving
			// client layer, so drop rather than close.
			c.log.Warn().Str("transfer_id", fc.TransferID).Msg("chunk for unknown transfer, dropped")
			return nil
		}
		s.broadcast(c.id, protocol.Encode(f.Type, f.Payload))

	case protocol.MsgUDPRegister:
		var reg protocol.UDPRegister
		if err := protocol.UnmarshalPayload(f.Payload, &reg); err != nil {
			return fmt.Errorf("malformed UDP_REGISTER: %w", err)
		}
		if reg.Port <= 0 || reg.Port > 65535 {
			return fmt.Errorf("UDP_REGISTER with invalid port %d", reg.Port)
		}
		// The claimed port is paired with the address the control
		// connection actually came from.
		ip := net.ParseIP(remoteIP(c.sock))
		s.reg.SetMediaEndpoint(c.id, &net.UDPAddr{IP: ip, Port: reg.Port})
		c.log.Info().Int("port", reg.Port).Msg("media endpoint registered")

	case protocol.MsgStatusUpdate:
		var st protocol.StatusUpdate
		if err := protocol.UnmarshalPayload(f.Payload, &st); err != nil {
			return fmt.Errorf("malformed STATUS_UPDATE: %w", err)
		}
		s.reg.UpdateStatus(c.id, &st.Mic, &st.Camera)
		s.broadcast(c.id, protocol.Encode(f.Type, f.Payload))

	case protocol.MsgUserLeave:
		return errLeave

	default:
		// USER_JOIN after the handshake, media types on TCP, or anything
		// the decoder let through that has no control-channel meaning.
		return fmt.Errorf("unexpected %s on control channel", f.Type)
	}
	return nil
}
