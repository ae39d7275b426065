package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akosyrev/huddle/internal/config"
	"github.com/akosyrev/huddle/internal/protocol"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.UDPPort = 0
	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

// testPeer drives the raw wire protocol against a live server.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
	buf  []byte
	id   string
	name string
}

func dialRaw(t *testing.T, s *Server) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testPeer{
		t:    t,
		conn: conn,
		dec:  protocol.NewDecoder(8 << 20),
		buf:  make([]byte, 64*1024),
	}
}

// join dials and completes the handshake, consuming the ack and any roster
// replay frames are left for the caller.
func join(t *testing.T, s *Server, name string) *testPeer {
	t.Helper()
	p := dialRaw(t, s)
	p.send(protocol.MsgUserJoin, protocol.UserEvent{User: name})

	ack := p.recv(2 * time.Second)
	require.Equal(t, protocol.MsgUserJoin, ack.Type)
	var u protocol.UserEvent
	require.NoError(t, protocol.UnmarshalPayload(ack.Payload, &u))
	require.NotEmpty(t, u.ID)
	p.id = u.ID
	p.name = u.User
	return p
}

func (p *testPeer) send(t protocol.MsgType, v any) {
	p.t.Helper()
	wire, err := protocol.EncodeJSON(t, v)
	require.NoError(p.t, err)
	_, err = p.conn.Write(wire)
	require.NoError(p.t, err)
}

func (p *testPeer) sendRaw(b []byte) {
	p.t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func (p *testPeer) recv(timeout time.Duration) protocol.Frame {
	p.t.Helper()
	f, err := p.tryRecv(timeout)
	require.NoError(p.t, err)
	return f
}

func (p *testPeer) tryRecv(timeout time.Duration) (protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := p.dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, protocol.ErrNeedMore) {
			return protocol.Frame{}, err
		}
		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return protocol.Frame{}, err
		}
		n, err := p.conn.Read(p.buf)
		if err != nil {
			return protocol.Frame{}, err
		}
		p.dec.Feed(p.buf[:n])
	}
}

// expectSilence asserts no frame arrives within the window.
func (p *testPeer) expectSilence(window time.Duration) {
	p.t.Helper()
	f, err := p.tryRecv(window)
	if err == nil {
		p.t.Fatalf("expected silence, got %s", f.Type)
	}
	var ne net.Error
	require.ErrorAs(p.t, err, &ne)
	require.True(p.t, ne.Timeout())
}

// expectUserEvent waits for a frame of the wanted type and decodes it.
func (p *testPeer) expectUserEvent(want protocol.MsgType) protocol.UserEvent {
	p.t.Helper()
	f := p.recv(2 * time.Second)
	require.Equal(p.t, want, f.Type)
	var u protocol.UserEvent
	require.NoError(p.t, protocol.UnmarshalPayload(f.Payload, &u))
	return u
}

func TestJoinAckAndNameDedup(t *testing.T) {
	s := startTestServer(t)

	a := join(t, s, "bob")
	assert.Equal(t, "bob", a.name)

	b := join(t, s, "bob")
	assert.Equal(t, "bob_1", b.name)
	assert.NotEqual(t, a.id, b.id)

	// b gets the roster (a), a gets the announcement of b.
	roster := b.expectUserEvent(protocol.MsgUserJoin)
	assert.Equal(t, a.id, roster.ID)
	announce := a.expectUserEvent(protocol.MsgUserJoin)
	assert.Equal(t, b.id, announce.ID)
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "alice")

	p := dialRaw(t, s)
	p.send(protocol.MsgChat, protocol.ChatMessage{Msg: "premature"})

	// Connection is closed without any join or leave broadcast.
	_, err := p.tryRecv(2 * time.Second)
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed")
	}
	a.expectSilence(200 * time.Millisecond)
}

func TestChatBroadcastNoSelfDelivery(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	c := join(t, s, "c")
	drainJoins(t, a, b, c)

	a.send(protocol.MsgChat, protocol.ChatMessage{User: "a", Msg: "hello"})

	for _, p := range []*testPeer{b, c} {
		f := p.recv(2 * time.Second)
		require.Equal(t, protocol.MsgChat, f.Type)
		var m protocol.ChatMessage
		require.NoError(t, protocol.UnmarshalPayload(f.Payload, &m))
		assert.Equal(t, "hello", m.Msg)
		assert.Equal(t, "a", m.User)
	}
	a.expectSilence(200 * time.Millisecond)
}

func TestPerSenderOrdering(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	drainJoins(t, a, b)

	const n = 50
	for i := 0; i < n; i++ {
		a.send(protocol.MsgChat, protocol.ChatMessage{User: "a", Msg: fmt.Sprintf("m%d", i)})
	}
	for i := 0; i < n; i++ {
		f := b.recv(2 * time.Second)
		require.Equal(t, protocol.MsgChat, f.Type)
		var m protocol.ChatMessage
		require.NoError(t, protocol.UnmarshalPayload(f.Payload, &m))
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Msg)
	}
}

func TestViolationIsolation(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	c := join(t, s, "c")
	drainJoins(t, a, b, c)

	// a garbles its stream with an unknown type tag.
	a.sendRaw([]byte{0xff, 0, 0, 0, 0})

	// a is closed and everyone else sees the leave; b and c stay up.
	leaveAtB := b.expectUserEvent(protocol.MsgUserLeave)
	assert.Equal(t, a.id, leaveAtB.ID)
	leaveAtC := c.expectUserEvent(protocol.MsgUserLeave)
	assert.Equal(t, a.id, leaveAtC.ID)

	b.send(protocol.MsgChat, protocol.ChatMessage{User: "b", Msg: "still here"})
	f := c.recv(2 * time.Second)
	assert.Equal(t, protocol.MsgChat, f.Type)
}

func TestExplicitLeave(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	drainJoins(t, a, b)

	a.send(protocol.MsgUserLeave, protocol.UserEvent{ID: a.id, User: a.name})

	leave := b.expectUserEvent(protocol.MsgUserLeave)
	assert.Equal(t, a.id, leave.ID)
	require.Eventually(t, func() bool { return s.Registry().Len() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestOrphanChunkDoesNotCloseConnection(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	drainJoins(t, a, b)

	a.send(protocol.MsgFileChunk, protocol.FileChunk{User: "a", TransferID: "never-announced", Data: []byte("x")})
	a.send(protocol.MsgChat, protocol.ChatMessage{User: "a", Msg: "alive"})

	// The orphan chunk is dropped, not forwarded; the chat still flows.
	f := b.recv(2 * time.Second)
	require.Equal(t, protocol.MsgChat, f.Type)
}

func TestFileTransferTracking(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	drainJoins(t, a, b)

	a.send(protocol.MsgFileNotify, protocol.FileNotify{User: "a", TransferID: "t1", Filename: "f.bin", Size: 6})
	a.send(protocol.MsgFileChunk, protocol.FileChunk{User: "a", TransferID: "t1", Seq: 0, Data: []byte("abc")})
	a.send(protocol.MsgFileChunk, protocol.FileChunk{User: "a", TransferID: "t1", Seq: 1, Data: []byte("def")})

	// b receives notify + both chunks, in order.
	require.Equal(t, protocol.MsgFileNotify, b.recv(2*time.Second).Type)
	require.Equal(t, protocol.MsgFileChunk, b.recv(2*time.Second).Type)
	require.Equal(t, protocol.MsgFileChunk, b.recv(2*time.Second).Type)

	// Completed transfer is freed on the tracker.
	require.Eventually(t, func() bool { return len(s.Tracker().Snapshot()) == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestStatusUpdate(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	drainJoins(t, a, b)

	a.send(protocol.MsgStatusUpdate, protocol.StatusUpdate{User: "a", Mic: true, Camera: false})

	f := b.recv(2 * time.Second)
	require.Equal(t, protocol.MsgStatusUpdate, f.Type)

	require.Eventually(t, func() bool {
		sess, ok := s.Registry().Get(a.id)
		return ok && sess.MicOn && !sess.CameraOn
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScreenShareFlagTracksFrames(t *testing.T) {
	s := startTestServer(t)
	a := join(t, s, "a")
	b := join(t, s, "b")
	drainJoins(t, a, b)

	a.send(protocol.MsgScreenStart, protocol.ScreenEvent{User: "a"})
	require.Equal(t, protocol.MsgScreenStart, b.recv(2*time.Second).Type)
	require.Eventually(t, func() bool {
		sess, _ := s.Registry().Get(a.id)
		return sess.SharingScreen
	}, 2*time.Second, 20*time.Millisecond)

	a.send(protocol.MsgScreenStop, protocol.ScreenEvent{User: "a"})
	require.Equal(t, protocol.MsgScreenStop, b.recv(2*time.Second).Type)
	require.Eventually(t, func() bool {
		sess, _ := s.Registry().Get(a.id)
		return !sess.SharingScreen
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEventFeed(t *testing.T) {
	s := startTestServer(t)
	events, cancel := s.Subscribe()
	defer cancel()

	a := join(t, s, "watcher")

	select {
	case e := <-events:
		assert.Equal(t, "join", e.Kind)
		assert.Equal(t, a.id, e.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no join event")
	}

	a.conn.Close()
	select {
	case e := <-events:
		assert.Equal(t, "leave", e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no leave event")
	}
}

// drainJoins consumes the roster/announcement frames that follow a batch
// of joins so tests start from a quiet wire.
func drainJoins(t *testing.T, peers ...*testPeer) {
	t.Helper()
	// Peer i receives one roster frame per earlier peer and one
	// announcement per later peer.
	for i, p := range peers {
		for range peers[:i] {
			p.expectUserEvent(protocol.MsgUserJoin)
		}
		for range peers[i+1:] {
			p.expectUserEvent(protocol.MsgUserJoin)
		}
	}
}
