// Package server implements the relay: one TCP listener for control
// frames, one UDP socket for media, fan-out of every inbound unit to all
// other participants. Payloads are opaque; the relay never transcodes.
package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/akosyrev/huddle/internal/config"
	"github.com/akosyrev/huddle/internal/registry"
	"github.com/akosyrev/huddle/internal/transfer"
)

type Server struct {
	cfg     config.ServerConfig
	reg     *registry.Registry
	tracker *transfer.Tracker
	events  *eventHub
	limiter *joinLimiter
	log     zerolog.Logger

	ln  net.Listener
	udp *net.UDPConn

	wg     conc.WaitGroup
	closed atomic.Bool
}

func New(cfg config.ServerConfig) *Server {
	return &Server{
		cfg:     cfg,
		reg:     registry.New(cfg.MaxSessions),
		tracker: transfer.NewTracker(),
		events:  newEventHub(),
		limiter: newJoinLimiter(cfg.JoinLimit, cfg.JoinWindow),
		log:     log.With().Str("module", "server").Logger(),
	}
}

// Start binds both sockets and launches the accept and media loops.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}
	udpAddr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: s.cfg.UDPPort}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("bind media socket: %w", err)
	}
	s.ln = ln
	s.udp = udp

	s.log.Info().
		Stringer("tcp", ln.Addr()).
		Stringer("udp", udp.LocalAddr()).
		Msg("relay listening")

	s.wg.Go(func() { s.acceptLoop(ctx) })
	s.wg.Go(func() { s.serveUDP() })
	return nil
}

// Run starts the relay and blocks until ctx is canceled, then closes all
// sockets. No farewell frames are sent on shutdown; clients detect the
// disconnect through their sockets.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Close()
	return nil
}

// Close shuts the listeners and every live connection, then waits for all
// connection goroutines to finish.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.udp != nil {
		_ = s.udp.Close()
	}
	for _, sess := range s.reg.ListAll() {
		sess.Conn.Close()
	}
	s.wg.Wait()
	s.log.Info().Msg("relay stopped")
}

// TCPAddr reports the bound control address, for callers that configured
// port 0.
func (s *Server) TCPAddr() net.Addr { return s.ln.Addr() }

// UDPAddr reports the bound media address.
func (s *Server) UDPAddr() net.Addr { return s.udp.LocalAddr() }

// Registry exposes the session table to read-only surfaces.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Tracker exposes in-flight transfer progress.
func (s *Server) Tracker() *transfer.Tracker { return s.tracker }

// Subscribe returns a feed of join/leave events. The returned cancel must
// be called when the subscriber is done.
func (s *Server) Subscribe() (<-chan Event, func()) { return s.events.Subscribe() }

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("accept error")
			continue
		}
		ip := remoteIP(sock)
		if !s.limiter.Allow(ip) {
			s.log.Warn().Str("ip", ip).Msg("join rate limit exceeded, dropping connection")
			_ = sock.Close()
			continue
		}
		s.wg.Go(func() { s.handleConn(sock) })
	}
}

// broadcast fans one encoded frame out to every session except the sender.
// TrySend never blocks; a recipient whose queue is full is disconnected so
// it cannot stall anyone else.
func (s *Server) broadcast(excludeID string, wire []byte) {
	for _, sess := range s.reg.BroadcastTargets(excludeID) {
		if err := sess.Conn.TrySend(wire); err != nil {
			s.log.Warn().
				Err(err).
				Str("sid", sess.ID).
				Str("name", sess.Name).
				Msg("dropping unresponsive recipient")
			sess.Conn.Close()
		}
	}
}

func remoteIP(sock net.Conn) string {
	host, _, err := net.SplitHostPort(sock.RemoteAddr().String())
	if err != nil {
		return sock.RemoteAddr().String()
	}
	return host
}
