// Package loop runs the single reader of one connection.
//
// Heartbeats are answered inline. Events are dispatched on their own
// goroutine so a slow handler never stalls the reader; replies to
// concurrent events may leave in any order.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/restpipe/internal/conn"
	"github.com/danmuck/restpipe/internal/exchange"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/session"
	"github.com/danmuck/restpipe/internal/router"
	"github.com/rs/zerolog/log"
)

type Mode int

const (
	// ModeServer exits on unknown or malformed frames, forcing the client to
	// reconnect.
	ModeServer Mode = iota
	// ModeClient logs unknown or malformed frames and keeps reading.
	ModeClient
)

func (m Mode) String() string {
	if m == ModeClient {
		return "client"
	}
	return "server"
}

// Dispatcher turns one event into its reply. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, rc router.Context, ev protocol.Event) (protocol.EventReply, error)
}

type Config struct {
	Mode        Mode
	ReadTimeout time.Duration
}

func DefaultConfig(mode Mode) Config {
	return Config{Mode: mode, ReadTimeout: time.Second}
}

type Loop struct {
	conn *conn.Connection
	d    Dispatcher
	cfg  Config

	mu     sync.Mutex
	onExit []func()

	inflight sync.WaitGroup
	exitOnce sync.Once
	cancel   context.CancelFunc
}

func New(c *conn.Connection, d Dispatcher, cfg Config) *Loop {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	return &Loop{conn: c, d: d, cfg: cfg}
}

// OnExit registers fn to run once when the loop ends. Hooks run in
// registration order after the exchange is stopped and in-flight events are
// finished.
func (l *Loop) OnExit(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onExit = append(l.onExit, fn)
}

// Run starts the exchange and reads until the connection ends, ctx is
// cancelled, or (server mode) the peer sends something it must not. A clean
// peer close returns nil.
func (l *Loop) Run(ctx context.Context) (err error) {
	ctx, l.cancel = context.WithCancel(ctx)
	ex := l.conn.Exchange()
	ex.Start()

	defer l.cleanup()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("peer", l.conn.RemoteAddr()).Interface("panic", p).Msg("loop.Run recovered")
			err = fmt.Errorf("loop: panic: %v", p)
		}
	}()

	log.Debug().Str("peer", l.conn.RemoteAddr()).Stringer("mode", l.cfg.Mode).Msg("loop.Run start")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := ex.Read(l.cfg.ReadTimeout)
		if errors.Is(err, exchange.ErrNoData) {
			if !ex.IsAlive() {
				return exitCause(ex)
			}
			continue
		}
		if err != nil {
			return exitCause(ex)
		}

		env, err := session.DecodeMessage(f)
		if err != nil {
			if l.cfg.Mode == ModeServer {
				log.Error().Str("peer", l.conn.RemoteAddr()).Err(err).Msg("loop.Run rejecting frame, closing")
				return err
			}
			log.Warn().Str("peer", l.conn.RemoteAddr()).Err(err).Msg("loop.Run ignoring frame")
			continue
		}

		switch m := env.Message.(type) {
		case protocol.Heartbeat:
			if err := ex.Reply(env.ID, protocol.HeartbeatReply{}); err != nil {
				return exitCause(ex)
			}
		case protocol.Event:
			l.inflight.Add(1)
			go l.dispatch(ctx, env.ID, m)
		default:
			log.Warn().
				Str("peer", l.conn.RemoteAddr()).
				Stringer("type", m.Type()).
				Uint64("id", env.ID).
				Msg("loop.Run uncorrelated reply ignored")
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, id uint64, ev protocol.Event) {
	defer l.inflight.Done()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("peer", l.conn.RemoteAddr()).Uint64("id", id).Interface("panic", p).Msg("loop.dispatch recovered")
		}
	}()

	rc := router.Context{Peer: l.conn, MessageID: id, Role: l.cfg.Mode.String()}
	reply, err := l.d.Dispatch(ctx, rc, ev)
	if err != nil {
		log.Error().
			Str("peer", l.conn.RemoteAddr()).
			Str("verb", ev.Verb).
			Str("noun", ev.Noun).
			Err(err).
			Msg("loop.dispatch handler result violated reply contract")
	}
	if err := l.conn.Exchange().Reply(id, reply); err != nil && !protocol.IsClosed(err) {
		log.Warn().Str("peer", l.conn.RemoteAddr()).Uint64("reply_to", id).Err(err).Msg("loop.dispatch reply failed")
	}
}

func (l *Loop) cleanup() {
	l.exitOnce.Do(func() {
		l.cancel()
		l.conn.Exchange().Stop()
		l.inflight.Wait()

		l.mu.Lock()
		hooks := l.onExit
		l.onExit = nil
		l.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		log.Debug().Str("peer", l.conn.RemoteAddr()).Msg("loop.cleanup done")
	})
}

// exitCause maps the exchange shutdown reason onto Run's return value.
func exitCause(ex *exchange.Exchange) error {
	cause := ex.Err()
	if cause == nil || errors.Is(cause, protocol.ErrConnectionClosed) {
		return nil
	}
	return cause
}
