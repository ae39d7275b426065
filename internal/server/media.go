package server

import (
	"net"

	"github.com/akosyrev/huddle/internal/protocol"
)

// serveUDP is the single media loop: receive one datagram, correlate the
// sender, refresh its endpoint, fan the bytes out to every other
// registered endpoint. Media is best-effort by design — no buffering, no
// retry, no reordering; jitter handling belongs to the capture/render
// layers.
func (s *Server) serveUDP() {
	mlog := s.log.With().Str("module", "server.media").Logger()
	buf := make([]byte, 64*1024)

	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			mlog.Error().Err(err).Msg("udp read error")
			continue
		}

		f, err := protocol.ParseDatagram(buf[:n], protocol.MaxDatagramPayload)
		if err != nil {
			mlog.Debug().Err(err).Stringer("from", addr).Msg("dropping garbled datagram")
			continue
		}
		if f.Type != protocol.MsgVideoStream && f.Type != protocol.MsgAudioStream {
			mlog.Debug().Stringer("type", f.Type).Stringer("from", addr).Msg("non-media datagram ignored")
			continue
		}

		senderID, _, err := protocol.SplitMedia(f.Payload)
		if err != nil {
			mlog.Debug().Err(err).Stringer("from", addr).Msg("dropping media datagram without sender id")
			continue
		}
		sess, ok := s.reg.Get(senderID)
		if !ok {
			// Datagrams from unknown sessions are ignored until the
			// sender has joined over TCP.
			continue
		}

		// Learn the endpoint from the observed source address; this also
		// follows a client through a port reassignment.
		if sess.MediaEndpoint == nil || !udpAddrEqual(sess.MediaEndpoint, addr) {
			s.reg.SetMediaEndpoint(senderID, addr)
			mlog.Info().Str("sid", senderID).Stringer("endpoint", addr).Msg("media endpoint refreshed")
		}

		// The datagram already carries the sender id in its payload, so
		// it is forwarded byte for byte.
		for _, target := range s.reg.BroadcastTargets(senderID) {
			if target.MediaEndpoint == nil {
				continue
			}
			if _, err := s.udp.WriteToUDP(buf[:n], target.MediaEndpoint); err != nil {
				mlog.Warn().
					Err(err).
					Str("dst_sid", target.ID).
					Stringer("endpoint", target.MediaEndpoint).
					Msg("udp send failed, skipping target")
			}
		}
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
