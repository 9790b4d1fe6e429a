// Package exchange correlates requests with replies on one connection.
//
// A single reader goroutine owns the inbound side of the stream. Every frame
// it reads is classified on arrival: responses whose reply-to id matches a
// pending request fulfil that request, responses with no pending request
// are dropped, everything else is queued for Read.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/restpipe/internal/observability"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/frame"
	"github.com/danmuck/restpipe/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoData is returned by Read when nothing arrived within the timeout.
	ErrNoData         = errors.New("exchange: no data")
	ErrUnknownRequest = errors.New("exchange: no pending request for id")
)

// Config bounds one exchange.
type Config struct {
	// IdleTimeout stops the exchange with protocol.ErrTimeout when no frame
	// arrives for this long. Zero disables the bound.
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	Limits        frame.Limits
	InboundBuffer int
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:  15 * time.Second,
		Limits:        frame.DefaultLimits(),
		InboundBuffer: 64,
	}
}

// SendOptions controls how Send frames a message.
type SendOptions struct {
	ReplyTo        uint64
	ExpectResponse bool
}

type result struct {
	env protocol.Envelope
	err error
}

// pendingState is a one-shot reply slot. ch has capacity 1 so the reader
// never blocks on delivery. The slot stays in the table after delivery until
// its waiter collects it; delivered is guarded by Exchange.mu.
type pendingState struct {
	ch        chan result
	delivered bool
}

type Exchange struct {
	conn net.Conn
	cfg  Config
	peer string

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingState
	cause   error

	inbound    chan frame.Frame
	done       chan struct{}
	readerDone chan struct{}
	started    atomic.Bool
	alive      atomic.Bool
	stopOnce   sync.Once
}

func New(conn net.Conn, cfg Config) *Exchange {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = DefaultConfig().InboundBuffer
	}
	return &Exchange{
		conn:       conn,
		cfg:        cfg,
		peer:       conn.RemoteAddr().String(),
		pending:    make(map[uint64]*pendingState),
		inbound:    make(chan frame.Frame, cfg.InboundBuffer),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// Start launches the reader. Calling it more than once, or after Stop, is a
// no-op.
func (e *Exchange) Start() {
	select {
	case <-e.done:
		return
	default:
	}
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.alive.Store(true)
	go e.readLoop()
}

// Stop closes the stream, releases every waiter with
// protocol.ErrConnectionClosed and waits for the reader to exit. It is
// idempotent.
func (e *Exchange) Stop() {
	e.shutdown(protocol.ErrConnectionClosed)
	if e.started.Load() {
		<-e.readerDone
	}
}

// IsAlive reports whether the reader is still active.
func (e *Exchange) IsAlive() bool {
	return e.alive.Load()
}

// Done is closed once the exchange has shut down.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Err returns the reason the exchange shut down, or nil while it runs.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

func (e *Exchange) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

// Send writes msg as one frame and returns its id. With ExpectResponse the
// reply slot is registered before the write so a fast reply cannot be
// missed; collect it with Wait.
func (e *Exchange) Send(msg protocol.Message, opts SendOptions) (uint64, error) {
	id := e.nextID.Add(1)
	f, err := session.EncodeMessage(id, opts.ReplyTo, msg)
	if err != nil {
		return 0, err
	}

	if opts.ExpectResponse {
		if err := e.register(id); err != nil {
			return 0, err
		}
	}
	if err := e.write(f); err != nil {
		if opts.ExpectResponse {
			e.discard(id)
		}
		return 0, err
	}
	observability.RecordFrame("out", msg.Type().String())
	return id, nil
}

// Wait blocks until the reply for id arrives, the timeout elapses, ctx ends
// or the exchange stops. On timeout the slot is discarded and a late reply
// is dropped by the reader.
func (e *Exchange) Wait(ctx context.Context, id uint64, timeout time.Duration) (protocol.Envelope, error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		if e.isStopped() {
			return protocol.Envelope{}, e.closedErr()
		}
		return protocol.Envelope{}, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-p.ch:
		e.discard(id)
		return r.env, r.err
	case <-timer:
		if r, ok := e.abandon(id, p); ok {
			return r.env, r.err
		}
		return protocol.Envelope{}, fmt.Errorf("%w: no reply to id=%d within %s", protocol.ErrTimeout, id, timeout)
	case <-ctx.Done():
		if r, ok := e.abandon(id, p); ok {
			return r.env, r.err
		}
		return protocol.Envelope{}, ctx.Err()
	}
}

// SendAndReceive sends msg and waits for its correlated reply.
func (e *Exchange) SendAndReceive(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Envelope, error) {
	id, err := e.Send(msg, SendOptions{ExpectResponse: true})
	if err != nil {
		return protocol.Envelope{}, err
	}
	return e.Wait(ctx, id, timeout)
}

// Reply sends msg correlated to the request with id replyTo.
func (e *Exchange) Reply(replyTo uint64, msg protocol.Message) error {
	_, err := e.Send(msg, SendOptions{ReplyTo: replyTo})
	return err
}

// Read returns the next inbound frame that is not a correlated reply. It
// returns ErrNoData when nothing arrives within timeout and
// protocol.ErrConnectionClosed once the exchange has stopped and the queue
// is empty.
func (e *Exchange) Read(timeout time.Duration) (frame.Frame, error) {
	select {
	case f := <-e.inbound:
		return f, nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-e.inbound:
		return f, nil
	case <-t.C:
		return frame.Frame{}, ErrNoData
	case <-e.readerDone:
		select {
		case f := <-e.inbound:
			return f, nil
		default:
			return frame.Frame{}, e.closedErr()
		}
	}
}

// Pending reports how many reply slots are open, including replies that
// arrived but were not yet collected by Wait.
func (e *Exchange) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Exchange) readLoop() {
	defer close(e.readerDone)
	defer e.alive.Store(false)

	for {
		if e.cfg.IdleTimeout > 0 {
			_ = e.conn.SetReadDeadline(time.Now().Add(e.cfg.IdleTimeout))
		}
		f, err := frame.ReadFrame(e.conn, e.cfg.Limits)
		if err != nil {
			e.shutdown(e.classifyReadErr(err))
			return
		}
		observability.RecordFrame("in", typeLabel(f.Header.MessageType))

		if f.Header.IsResponse() {
			e.fulfil(f)
			continue
		}
		select {
		case e.inbound <- f:
		case <-e.done:
			return
		}
	}
}

func (e *Exchange) classifyReadErr(err error) error {
	if e.isStopped() {
		return protocol.ErrConnectionClosed
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		log.Warn().Str("peer", e.peer).Dur("idle", e.cfg.IdleTimeout).Msg("exchange.readLoop idle timeout")
		return fmt.Errorf("%w: idle for %s", protocol.ErrTimeout, e.cfg.IdleTimeout)
	}
	if protocol.IsClosed(err) {
		log.Debug().Str("peer", e.peer).Err(err).Msg("exchange.readLoop peer closed")
		return err
	}
	if protocol.IsViolation(err) {
		log.Error().Str("peer", e.peer).Err(err).Msg("exchange.readLoop malformed frame")
		return err
	}
	log.Warn().Str("peer", e.peer).Err(err).Msg("exchange.readLoop read failed")
	return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
}

func (e *Exchange) fulfil(f frame.Frame) {
	id := f.Header.ReplyTo
	e.mu.Lock()
	p, ok := e.pending[id]
	duplicate := ok && p.delivered
	if ok {
		p.delivered = true
	}
	e.mu.Unlock()

	if duplicate {
		observability.RecordDroppedReply()
		log.Warn().
			Str("peer", e.peer).
			Uint64("reply_to", id).
			Uint64("id", f.Header.MessageID).
			Msg("exchange.fulfil dropped duplicate reply")
		return
	}
	if !ok {
		observability.RecordDroppedReply()
		log.Warn().
			Str("peer", e.peer).
			Uint64("reply_to", id).
			Uint64("id", f.Header.MessageID).
			Msg("exchange.fulfil dropped reply with no pending request")
		return
	}
	env, err := session.DecodeMessage(f)
	p.ch <- result{env: env, err: err}
}

func (e *Exchange) register(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return e.closedErrLocked()
	}
	e.pending[id] = &pendingState{ch: make(chan result, 1)}
	observability.AddPending(1)
	return nil
}

func (e *Exchange) discard(id uint64) {
	e.mu.Lock()
	_, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if ok {
		observability.AddPending(-1)
	}
}

// abandon removes the slot after a timeout. If the reader won the race the
// delivered result is returned instead.
func (e *Exchange) abandon(id uint64, p *pendingState) (result, bool) {
	e.discard(id)
	select {
	case r := <-p.ch:
		return r, true
	default:
		return result{}, false
	}
}

func (e *Exchange) write(f frame.Frame) error {
	if e.isStopped() {
		return e.closedErr()
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.cfg.WriteTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
		defer e.conn.SetWriteDeadline(time.Time{})
	}
	if err := frame.WriteFrame(e.conn, f, e.cfg.Limits); err != nil {
		if protocol.IsViolation(err) {
			return err
		}
		// A failed or partial write leaves the stream unusable.
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("%w: write: %v", protocol.ErrTimeout, err)
		}
		e.shutdown(err)
		return e.closedErr()
	}
	return nil
}

func (e *Exchange) shutdown(cause error) {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.cause = cause
		n := len(e.pending)
		waiting := make([]*pendingState, 0, n)
		for _, p := range e.pending {
			if !p.delivered {
				waiting = append(waiting, p)
			}
		}
		e.pending = nil
		e.mu.Unlock()

		e.alive.Store(false)
		close(e.done)
		_ = e.conn.Close()

		closed := e.closedErr()
		for _, p := range waiting {
			p.ch <- result{err: closed}
		}
		if n > 0 {
			observability.AddPending(-n)
		}
		log.Debug().Str("peer", e.peer).Err(cause).Int("released", len(waiting)).Msg("exchange.shutdown")
	})
}

func (e *Exchange) isStopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Exchange) closedErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closedErrLocked()
}

func (e *Exchange) closedErrLocked() error {
	if e.cause == nil || errors.Is(e.cause, protocol.ErrConnectionClosed) {
		return protocol.ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, e.cause)
}

func typeLabel(raw uint32) string {
	mt := protocol.MessageType(raw)
	if !mt.Known() {
		return "unknown"
	}
	return mt.String()
}
