// Package client keeps one outbound connection to the server alive.
//
// The Reconnector dials lazily, shares a single dial between concurrent
// callers, originates heartbeats and redials after the connection is lost.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/restpipe/internal/conn"
	"github.com/danmuck/restpipe/internal/exchange"
	"github.com/danmuck/restpipe/internal/loop"
	"github.com/danmuck/restpipe/internal/observability"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/frame"
	"github.com/danmuck/restpipe/internal/protocol/session"
	"github.com/danmuck/restpipe/internal/router"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrAddressRequired    = errors.New("client: server address required")
	ErrRouterRequired     = errors.New("client: router required")
	ErrClosed             = errors.New("client: reconnector closed")
	ErrAttemptsExhausted  = errors.New("client: connect attempts exhausted")
	ErrHeartbeatNotAnswer = fmt.Errorf("%w: client: heartbeat answered with wrong type", protocol.ErrProtocolViolation)
)

const role = "client"

type Config struct {
	Address string
	Session session.Config
	// MaxConnectAttempts bounds one dial cycle; 0 retries forever.
	MaxConnectAttempts int
	Limits             frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

type Reconnector struct {
	cfg    Config
	router *router.Router
	rng    *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	dials  singleflight.Group

	mu      sync.Mutex
	current *conn.Connection
	closed  bool

	workers sync.WaitGroup
}

func New(cfg Config, r *router.Router) (*Reconnector, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if r == nil {
		return nil, ErrRouterRequired
	}
	if err := cfg.Session.TLS.ValidateTransport(); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		cfg:    cfg,
		router: r,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Connection returns the live connection, dialing one if there is none.
// Concurrent callers share the same dial. ctx only bounds the caller's wait;
// the dial itself runs until it succeeds, exhausts its attempts or the
// Reconnector is closed.
func (r *Reconnector) Connection(ctx context.Context) (*conn.Connection, error) {
	if c, err := r.live(); c != nil || err != nil {
		return c, err
	}
	ch := r.dials.DoChan("dial", func() (any, error) {
		if c, err := r.live(); c != nil || err != nil {
			return c, err
		}
		return r.connect()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*conn.Connection), nil
	}
}

// Emit sends one event over the live connection.
func (r *Reconnector) Emit(ctx context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error) {
	c, err := r.Connection(ctx)
	if err != nil {
		return protocol.EventReply{}, err
	}
	return c.Emit(ctx, verb, noun, mimetype, body)
}

// Run connects and reconnects after every loss until ctx ends, Close is
// called or a dial cycle exhausts MaxConnectAttempts.
func (r *Reconnector) Run(ctx context.Context) error {
	defer r.Close()
	for {
		c, err := r.Connection(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.ctx.Done():
			return nil
		case <-c.Done():
			log.Warn().Str("addr", r.cfg.Address).Err(c.Exchange().Err()).Msg("client.Run connection lost, reconnecting")
		}
	}
}

// Close stops dialing, closes the live connection and waits for its loop
// and heartbeat to finish.
func (r *Reconnector) Close() {
	r.mu.Lock()
	r.closed = true
	c := r.current
	r.current = nil
	r.mu.Unlock()

	r.cancel()
	if c != nil {
		c.Close()
	}
	r.workers.Wait()
}

func (r *Reconnector) live() (*conn.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.current != nil && r.current.Alive() {
		return r.current, nil
	}
	return nil, nil
}

func (r *Reconnector) connect() (*conn.Connection, error) {
	var attempt int
	for {
		attempt++
		raw, err := r.dial(r.ctx)
		observability.RecordConnectAttempt(err == nil)
		if err == nil {
			return r.adopt(raw)
		}
		if r.ctx.Err() != nil {
			return nil, ErrClosed
		}
		log.Warn().Int("attempt", attempt).Str("addr", r.cfg.Address).Err(err).Msg("client.connect dial failed")
		if !r.shouldRetry(attempt) {
			return nil, fmt.Errorf("%w: after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
		}
		if err := r.sleepBackoff(attempt); err != nil {
			return nil, ErrClosed
		}
	}
}

func (r *Reconnector) dial(ctx context.Context) (net.Conn, error) {
	tlsCfg, err := r.cfg.Session.TLS.ClientTLSConfig(r.cfg.Address)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: r.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", r.cfg.Address)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(rawConn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, r.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return tc, nil
}

// adopt wires a fresh stream into a client-mode loop and a heartbeat
// originator, then publishes it as the current connection.
func (r *Reconnector) adopt(raw net.Conn) (*conn.Connection, error) {
	c := conn.New(raw, exchange.Config{
		WriteTimeout: r.cfg.Session.WriteTimeout,
		Limits:       r.cfg.Limits,
	}, r.cfg.Session.ResponseTimeout)
	c.Exchange().Start()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.Close()
		return nil, ErrClosed
	}
	r.current = c
	r.workers.Add(2)
	r.mu.Unlock()

	observability.AddLiveConnection(role, 1)
	log.Info().Str("addr", r.cfg.Address).Str("local", raw.LocalAddr().String()).Msg("client connected")

	l := loop.New(c, r.router, loop.Config{Mode: loop.ModeClient, ReadTimeout: r.cfg.Session.ReadTimeout})
	l.OnExit(func() {
		r.mu.Lock()
		if r.current == c {
			r.current = nil
		}
		r.mu.Unlock()
		observability.AddLiveConnection(role, -1)
		log.Info().Str("addr", r.cfg.Address).Msg("client disconnected")
	})
	go func() {
		defer r.workers.Done()
		if err := l.Run(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Str("addr", r.cfg.Address).Err(err).Msg("client loop ended")
		}
	}()
	go func() {
		defer r.workers.Done()
		r.heartbeat(c)
	}()
	return c, nil
}

// heartbeat probes the server every HeartbeatInterval and closes c when a
// probe fails.
func (r *Reconnector) heartbeat(c *conn.Connection) {
	interval := r.cfg.Session.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
		}
		env, err := c.Exchange().SendAndReceive(r.ctx, protocol.Heartbeat{}, r.cfg.Session.HeartbeatTimeout)
		if err == nil {
			if _, ok := env.Message.(protocol.HeartbeatReply); !ok {
				err = fmt.Errorf("%w: %s", ErrHeartbeatNotAnswer, env.Message.Type())
			}
		}
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Warn().Str("addr", r.cfg.Address).Err(err).Msg("client.heartbeat failed, closing connection")
			c.Close()
			return
		}
	}
}

func (r *Reconnector) shouldRetry(attempt int) bool {
	if r.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < r.cfg.MaxConnectAttempts
}

func (r *Reconnector) sleepBackoff(attempt int) error {
	delay := r.cfg.Session.Backoff.Delay(attempt, r.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-timer.C:
		return nil
	}
}
