package client

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akosyrev/huddle/internal/config"
	"github.com/akosyrev/huddle/internal/server"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func startRelay(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.UDPPort = 0
	s := server.New(cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func dialJoined(t *testing.T, s *server.Server, name string, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ServerHost: "127.0.0.1",
		TCPPort:    s.TCPAddr().(*net.TCPAddr).Port,
		UDPPort:    s.UDPAddr().(*net.UDPAddr).Port,
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := Dial(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Join(name))
	return c
}

// waitEvent pulls events until one matches, discarding the rest.
func waitEvent[T Event](t *testing.T, c *Client, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-c.Events():
			if ev, ok := e.(T); ok {
				return ev
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestJoinAssignsIdentity(t *testing.T) {
	s := startRelay(t)

	a := dialJoined(t, s, "alice")
	assert.NotEmpty(t, a.ID())
	assert.Equal(t, "alice", a.Name())

	// Same requested name gets a dedup suffix from the server.
	b := dialJoined(t, s, "alice")
	assert.Equal(t, "alice_1", b.Name())

	joined := waitEvent[PeerJoined](t, a, 2*time.Second)
	assert.Equal(t, b.ID(), joined.SessionID)
}

func TestChatBetweenClients(t *testing.T) {
	s := startRelay(t)
	a := dialJoined(t, s, "a")
	b := dialJoined(t, s, "b")

	require.NoError(t, a.SendChat("hello b"))

	msg := waitEvent[ChatReceived](t, b, 2*time.Second)
	assert.Equal(t, "a", msg.User)
	assert.Equal(t, "hello b", msg.Msg)
}

func TestPeerLeftEvent(t *testing.T) {
	s := startRelay(t)
	a := dialJoined(t, s, "a")
	b := dialJoined(t, s, "b")

	bID := b.ID()
	b.Close()

	left := waitEvent[PeerLeft](t, a, 2*time.Second)
	assert.Equal(t, bID, left.SessionID)
}

func TestFileTransferEndToEnd(t *testing.T) {
	s := startRelay(t)

	var mu sync.Mutex
	saved := map[string][]byte{}
	a := dialJoined(t, s, "sender")
	b := dialJoined(t, s, "receiver", func(cfg *Config) {
		cfg.ChunkSize = 16
		cfg.Save = func(transferID, filename string, data []byte) error {
			mu.Lock()
			saved[filename] = append([]byte(nil), data...)
			mu.Unlock()
			return nil
		}
	})

	payload := bytes.Repeat([]byte("0123456789"), 100)
	transferID, err := a.SendFile("blob.bin", payload)
	require.NoError(t, err)

	offered := waitEvent[FileOffered](t, b, 2*time.Second)
	assert.Equal(t, transferID, offered.TransferID)
	assert.Equal(t, "blob.bin", offered.Filename)
	assert.EqualValues(t, len(payload), offered.Size)

	done := waitEvent[TransferComplete](t, b, 5*time.Second)
	assert.Equal(t, transferID, done.TransferID)
	assert.EqualValues(t, len(payload), done.Size)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, bytes.Equal(payload, saved["blob.bin"]))
}

func TestEmptyFileTransferCompletes(t *testing.T) {
	s := startRelay(t)

	var mu sync.Mutex
	saved := map[string][]byte{}
	a := dialJoined(t, s, "sender")
	b := dialJoined(t, s, "receiver", func(cfg *Config) {
		cfg.Save = func(transferID, filename string, data []byte) error {
			mu.Lock()
			saved[filename] = append([]byte(nil), data...)
			mu.Unlock()
			return nil
		}
	})

	// An empty file is announced with size 0 and no chunks follow; it
	// must still complete, save and be freed on both ends.
	transferID, err := a.SendFile("empty.txt", nil)
	require.NoError(t, err)

	offered := waitEvent[FileOffered](t, b, 2*time.Second)
	assert.Equal(t, transferID, offered.TransferID)
	assert.Zero(t, offered.Size)

	done := waitEvent[TransferComplete](t, b, 2*time.Second)
	assert.Equal(t, transferID, done.TransferID)
	assert.Zero(t, done.Size)

	mu.Lock()
	data, ok := saved["empty.txt"]
	mu.Unlock()
	require.True(t, ok)
	assert.Empty(t, data)

	// The relay's tracker did not retain the announced transfer either.
	require.Eventually(t, func() bool { return len(s.Tracker().Snapshot()) == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestScreenShareEvents(t *testing.T) {
	s := startRelay(t)
	a := dialJoined(t, s, "a")
	b := dialJoined(t, s, "b")

	require.NoError(t, a.StartScreenShare())
	started := waitEvent[ScreenStarted](t, b, 2*time.Second)
	assert.Equal(t, "a", started.User)

	img := []byte{0xff, 0xd8, 0xff, 0xe0}
	require.NoError(t, a.SendScreenFrame(img))
	frame := waitEvent[ScreenFrame](t, b, 2*time.Second)
	assert.Equal(t, img, frame.Image)

	require.NoError(t, a.StopScreenShare())
	stopped := waitEvent[ScreenStopped](t, b, 2*time.Second)
	assert.Equal(t, "a", stopped.User)
}

func TestStatusPropagates(t *testing.T) {
	s := startRelay(t)
	a := dialJoined(t, s, "a")
	b := dialJoined(t, s, "b")

	require.NoError(t, a.SetStatus(true, false))

	st := waitEvent[StatusChanged](t, b, 2*time.Second)
	assert.Equal(t, "a", st.User)
	assert.True(t, st.Mic)
	assert.False(t, st.Camera)
}

func TestMediaBetweenClients(t *testing.T) {
	s := startRelay(t)
	a := dialJoined(t, s, "a")
	b := dialJoined(t, s, "b")

	frame := []byte{1, 2, 3, 4, 5}
	// UDP is best effort; resend until the relay has learned both
	// endpoints and the frame lands.
	deadline := time.After(5 * time.Second)
	got := make(chan VideoFrame, 1)
	go func() {
		for e := range b.Events() {
			if vf, ok := e.(VideoFrame); ok {
				got <- vf
				return
			}
		}
	}()
	for {
		require.NoError(t, a.SendVideoFrame(frame))
		select {
		case vf := <-got:
			assert.Equal(t, a.ID(), vf.SenderID)
			assert.Equal(t, frame, vf.Data)
			return
		case <-deadline:
			t.Fatal("video frame never arrived")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSendBeforeJoin(t *testing.T) {
	s := startRelay(t)
	cfg := Config{
		ServerHost: "127.0.0.1",
		TCPPort:    s.TCPAddr().(*net.TCPAddr).Port,
		UDPPort:    s.UDPAddr().(*net.UDPAddr).Port,
	}
	c, err := Dial(cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.SendChat("too early"), ErrNotJoined)
	assert.ErrorIs(t, c.SendVideoFrame([]byte("x")), ErrNotJoined)
	_, err = c.SendFile("f", []byte("x"))
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestDisconnectedEventOnServerClose(t *testing.T) {
	s := startRelay(t)
	a := dialJoined(t, s, "a")

	s.Close()

	_ = waitEvent[Disconnected](t, a, 2*time.Second)
}
