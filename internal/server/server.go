// Package server accepts mutually-authenticated client connections, runs one
// server-mode message loop per connection and keeps the IP catalog used to
// push server-initiated events.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/restpipe/internal/catalog"
	"github.com/danmuck/restpipe/internal/conn"
	"github.com/danmuck/restpipe/internal/exchange"
	"github.com/danmuck/restpipe/internal/loop"
	"github.com/danmuck/restpipe/internal/observability"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/frame"
	"github.com/danmuck/restpipe/internal/protocol/session"
	"github.com/danmuck/restpipe/internal/router"
	"github.com/rs/zerolog/log"
)

var ErrRouterRequired = errors.New("server: router required")

const role = "server"

type Config struct {
	ListenAddr string
	Session    session.Config
	// ConnectionWaitTimeout bounds how long Emit waits for a client to
	// (re)connect.
	ConnectionWaitTimeout time.Duration
	// PollInterval is the catalog re-check period used by Emit.
	PollInterval time.Duration
	Limits       frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":9000",
		Session:               session.DefaultConfig(),
		ConnectionWaitTimeout: 30 * time.Second,
		PollInterval:          catalog.DefaultPollInterval,
		Limits:                frame.DefaultLimits(),
	}
}

type Server struct {
	cfg     Config
	router  *router.Router
	catalog *catalog.Catalog[*conn.Connection]

	connsMu sync.Mutex
	conns   map[*conn.Connection]struct{}
	closing bool

	handlers sync.WaitGroup
}

func New(cfg Config, r *router.Router) (*Server, error) {
	if r == nil {
		return nil, ErrRouterRequired
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.ConnectionWaitTimeout <= 0 {
		cfg.ConnectionWaitTimeout = DefaultConfig().ConnectionWaitTimeout
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if err := cfg.Session.TLS.ValidateTransport(); err != nil {
		return nil, err
	}
	k := catalog.New[*conn.Connection]()
	k.PollInterval = cfg.PollInterval
	return &Server{
		cfg:     cfg,
		router:  r,
		catalog: k,
		conns:   make(map[*conn.Connection]struct{}),
	}, nil
}

func (s *Server) Catalog() *catalog.Catalog[*conn.Connection] {
	return s.catalog
}

// Clients lists the IPs with a live connection.
func (s *Server) Clients() []string {
	return s.catalog.IPs()
}

func (s *Server) Config() Config {
	return s.cfg
}

// Listen opens the TLS listener on ListenAddr.
func (s *Server) Listen() (net.Listener, error) {
	tlsCfg, err := s.cfg.Session.TLS.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Run listens and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	log.Warn().Str("addr", ln.Addr().String()).Msg("server.Run listening")
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx ends or ln fails. Every live
// connection is closed and its loop awaited before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.handlers.Wait()
	defer ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
		s.closeAllConns()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

// Emit sends an event to the client connected from ip, waiting up to
// ConnectionWaitTimeout for it to appear in the catalog.
func (s *Server) Emit(ctx context.Context, ip, verb, noun, mimetype string, body []byte) (protocol.EventReply, error) {
	c, err := s.catalog.WaitFor(ctx, ip, s.cfg.ConnectionWaitTimeout)
	if err != nil {
		return protocol.EventReply{}, err
	}
	return c.Emit(ctx, verb, noun, mimetype, body)
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	remote := raw.RemoteAddr().String()
	if tc, ok := raw.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			log.Warn().Str("peer", remote).Err(err).Msg("server.handleConn handshake failed")
			_ = raw.Close()
			return
		}
	}

	c := conn.New(raw, exchange.Config{
		IdleTimeout:  s.cfg.Session.IdleTimeout(),
		WriteTimeout: s.cfg.Session.WriteTimeout,
		Limits:       s.cfg.Limits,
	}, s.cfg.Session.ResponseTimeout)

	if !s.track(c) {
		c.Close()
		return
	}
	if err := s.catalog.Register(c); err != nil {
		log.Warn().Str("peer", remote).Err(err).Msg("server.handleConn rejecting connection")
		s.untrack(c)
		c.Close()
		return
	}
	observability.AddLiveConnection(role, 1)
	log.Info().Str("peer", remote).Int("clients", s.catalog.Len()).Msg("server client connected")

	l := loop.New(c, s.router, loop.Config{Mode: loop.ModeServer, ReadTimeout: s.cfg.Session.ReadTimeout})
	l.OnExit(func() {
		if err := s.catalog.Deregister(c); err != nil {
			log.Warn().Str("peer", remote).Err(err).Msg("server.handleConn deregister")
		}
		s.untrack(c)
		observability.AddLiveConnection(role, -1)
		log.Info().Str("peer", remote).Int("clients", s.catalog.Len()).Msg("server client disconnected")
	})
	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Str("peer", remote).Err(err).Msg("server.handleConn loop ended")
	}
}

// track reports false once shutdown has begun.
func (s *Server) track(c *conn.Connection) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn.Connection) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	s.closing = true
	live := make([]*conn.Connection, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.connsMu.Unlock()
	for _, c := range live {
		c.Close()
	}
}
