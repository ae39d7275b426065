// Package client is the peer-side counterpart of the relay: one TCP
// control connection plus one UDP media socket, with typed send APIs for
// the capture layer and an event channel for the UI layer.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/akosyrev/huddle/internal/protocol"
	"github.com/akosyrev/huddle/internal/transfer"
)

// SaveFunc hands a completed transfer to the persistence layer.
type SaveFunc func(transferID, filename string, data []byte) error

type Config struct {
	// ServerHost is the relay's address or hostname.
	ServerHost string
	TCPPort    int
	UDPPort    int

	MaxPayload  int
	ChunkSize   int
	EventBuffer int
	DialTimeout time.Duration

	// Save is invoked for every fully reassembled incoming file. Nil
	// means completed transfers are dropped after the event is emitted.
	Save SaveFunc
}

func (c *Config) fillDefaults() {
	if c.TCPPort == 0 {
		c.TCPPort = 5000
	}
	if c.UDPPort == 0 {
		c.UDPPort = 5001
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = 8 << 20
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 32 * 1024
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

var (
	ErrNotJoined = errors.New("client: not joined")
	ErrClosed    = errors.New("client: closed")
)

type Client struct {
	cfg Config

	tcp       net.Conn
	udp       *net.UDPConn
	serverUDP *net.UDPAddr

	id   string
	name string

	writeMu sync.Mutex
	events  chan Event
	asm     *transfer.Assembler

	wg       conc.WaitGroup
	sockOnce sync.Once
	closed   atomic.Bool
	log      zerolog.Logger
}

// Dial opens the control connection and binds a local UDP socket on an
// ephemeral port. The session is not announced until Join.
func Dial(cfg Config) (*Client, error) {
	cfg.fillDefaults()

	tcpAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.TCPPort)
	tcp, err := net.DialTimeout("tcp", tcpAddr, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("bind media socket: %w", err)
	}
	serverUDP, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.UDPPort))
	if err != nil {
		tcp.Close()
		udp.Close()
		return nil, fmt.Errorf("resolve media address: %w", err)
	}

	return &Client{
		cfg:       cfg,
		tcp:       tcp,
		udp:       udp,
		serverUDP: serverUDP,
		events:    make(chan Event, cfg.EventBuffer),
		asm:       transfer.NewAssembler(),
		log:       log.With().Str("module", "client").Logger(),
	}, nil
}

// Join announces the session, waits for the server's ack carrying the
// assigned id and (possibly deduplicated) name, registers the UDP port,
// and starts the receive loops.
func (c *Client) Join(displayName string) error {
	if err := c.sendJSON(protocol.MsgUserJoin, protocol.UserEvent{User: displayName}); err != nil {
		return err
	}

	dec := protocol.NewDecoder(c.cfg.MaxPayload)
	buf := make([]byte, 64*1024)
	if err := c.tcp.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout)); err != nil {
		return err
	}
	f, err := c.readFrame(dec, buf)
	if err != nil {
		return fmt.Errorf("join ack: %w", err)
	}
	if err := c.tcp.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	if f.Type != protocol.MsgUserJoin {
		return fmt.Errorf("join ack: unexpected %s", f.Type)
	}
	var ack protocol.UserEvent
	if err := protocol.UnmarshalPayload(f.Payload, &ack); err != nil || ack.ID == "" {
		return fmt.Errorf("join ack: malformed payload")
	}
	c.id = ack.ID
	c.name = ack.User
	c.log = c.log.With().Str("sid", c.id).Str("name", c.name).Logger()

	localPort := c.udp.LocalAddr().(*net.UDPAddr).Port
	if err := c.sendJSON(protocol.MsgUDPRegister, protocol.UDPRegister{Port: localPort}); err != nil {
		return err
	}
	c.log.Info().Int("udp_port", localPort).Msg("joined")

	c.wg.Go(func() { c.readLoop(dec, buf) })
	c.wg.Go(func() { c.udpLoop() })
	return nil
}

// ID returns the server-assigned session id (empty before Join).
func (c *Client) ID() string { return c.id }

// Name returns the assigned display name, which may carry a dedup suffix.
func (c *Client) Name() string { return c.name }

// Events delivers every received frame and lifecycle notification. The
// channel is buffered; when the consumer falls behind, media and screen
// events are dropped first.
func (c *Client) Events() <-chan Event { return c.events }

// Close tears down both sockets and waits for the receive loops.
func (c *Client) Close() {
	c.closed.Store(true)
	c.closeSockets()
	c.wg.Wait()
}

func (c *Client) closeSockets() {
	c.sockOnce.Do(func() {
		_ = c.tcp.Close()
		_ = c.udp.Close()
	})
}

// SendChat broadcasts a chat line to all other participants.
func (c *Client) SendChat(msg string) error {
	if c.id == "" {
		return ErrNotJoined
	}
	return c.sendJSON(protocol.MsgChat, protocol.ChatMessage{
		User: c.name,
		Msg:  msg,
		TS:   time.Now().Unix(),
	})
}

// SetStatus reports the local mic/camera state to other participants.
func (c *Client) SetStatus(mic, camera bool) error {
	if c.id == "" {
		return ErrNotJoined
	}
	return c.sendJSON(protocol.MsgStatusUpdate, protocol.StatusUpdate{User: c.name, Mic: mic, Camera: camera})
}

// StartScreenShare announces a screen-share; frames follow via
// SendScreenFrame.
func (c *Client) StartScreenShare() error {
	if c.id == "" {
		return ErrNotJoined
	}
	return c.sendJSON(protocol.MsgScreenStart, protocol.ScreenEvent{User: c.name})
}

func (c *Client) StopScreenShare() error {
	if c.id == "" {
		return ErrNotJoined
	}
	return c.sendJSON(protocol.MsgScreenStop, protocol.ScreenEvent{User: c.name})
}

// SendScreenFrame relays one already-encoded screen capture.
func (c *Client) SendScreenFrame(image []byte) error {
	if c.id == "" {
		return ErrNotJoined
	}
	return c.sendJSON(protocol.MsgScreenImage, protocol.ScreenEvent{User: c.name, Image: image})
}

// RequestFile asks the original sender to re-offer a transfer.
func (c *Client) RequestFile(transferID string) error {
	if c.id == "" {
		return ErrNotJoined
	}
	return c.sendJSON(protocol.MsgFileRequest, protocol.FileRequest{User: c.name, TransferID: transferID})
}

// SendFile announces and streams one file to all other participants,
// returning the generated transfer id.
func (c *Client) SendFile(filename string, data []byte) (string, error) {
	if c.id == "" {
		return "", ErrNotJoined
	}
	transferID := uuid.NewString()
	err := c.sendJSON(protocol.MsgFileNotify, protocol.FileNotify{
		User:       c.name,
		TransferID: transferID,
		Filename:   filename,
		Size:       int64(len(data)),
	})
	if err != nil {
		return "", err
	}

	for seq := 0; len(data) > 0; seq++ {
		n := min(c.cfg.ChunkSize, len(data))
		err := c.sendJSON(protocol.MsgFileChunk, protocol.FileChunk{
			User:       c.name,
			TransferID: transferID,
			Seq:        seq,
			Data:       data[:n],
		})
		if err != nil {
			return transferID, fmt.Errorf("chunk %d: %w", seq, err)
		}
		data = data[n:]
	}
	return transferID, nil
}

// SendVideoFrame ships one encoded video frame over UDP, fire and forget.
func (c *Client) SendVideoFrame(frame []byte) error {
	return c.sendMedia(protocol.MsgVideoStream, frame)
}

// SendAudioPacket ships one encoded audio packet over UDP, fire and forget.
func (c *Client) SendAudioPacket(packet []byte) error {
	return c.sendMedia(protocol.MsgAudioStream, packet)
}

func (c *Client) sendMedia(t protocol.MsgType, data []byte) error {
	if c.id == "" {
		return ErrNotJoined
	}
	payload := protocol.PackMedia(c.id, data)
	if len(payload) > protocol.MaxDatagramPayload {
		return protocol.ErrPayloadTooLarge
	}
	_, err := c.udp.WriteToUDP(protocol.Encode(t, payload), c.serverUDP)
	return err
}

// sendJSON frames and writes one control message. Writes are serialized
// so concurrent senders cannot interleave frame bytes.
func (c *Client) sendJSON(t protocol.MsgType, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	wire, err := protocol.EncodeJSON(t, v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.tcp.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	_, err = c.tcp.Write(wire)
	return err
}

func (c *Client) readFrame(dec *protocol.Decoder, buf []byte) (protocol.Frame, error) {
	for {
		f, err := dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, protocol.ErrNeedMore) {
			return protocol.Frame{}, err
		}
		n, err := c.tcp.Read(buf)
		if err != nil {
			return protocol.Frame{}, err
		}
		dec.Feed(buf[:n])
	}
}
