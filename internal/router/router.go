// Package router resolves inbound events to application handlers and turns
// their results into replies.
//
// Dispatch always produces exactly one reply: unresolved events, declared
// handler failures, any other handler error and panics are all mapped to a
// reply code and body here and never reach the message loop.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/restpipe/internal/observability"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Peer is the connection an event arrived on. Handlers may emit events back
// over it.
type Peer interface {
	RemoteAddr() string
	Emit(ctx context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error)
}

// Context is the fixed first argument of every handler.
type Context struct {
	Peer      Peer
	MessageID uint64
	Role      string
}

// Body is the request payload. Value is set when the mimetype has a codec
// and the payload is non-empty.
type Body struct {
	Mimetype string
	Raw      []byte
	Value    any
}

// Decode unmarshals the raw payload into v with the codec for the body's
// mimetype, falling back to JSON.
func (b Body) Decode(v any) error {
	c := CBOR
	if baseMimetype(b.Mimetype) != MimeCBOR {
		c = JSON
	}
	return c.Unmarshal(b.Raw, v)
}

// HandlerFunc handles one event. params are the "/"-separated segments after
// "//" in the noun.
type HandlerFunc func(ctx context.Context, rc Context, body Body, params ...string) (any, error)

// Result lets a handler override the reply mimetype and code.
type Result struct {
	Mimetype string
	Code     int32
	Payload  any
}

type Config struct {
	Role                   string
	DefaultMimetype        string
	UnhandledEventCode     int32
	UnhandledExceptionCode int32
}

func DefaultConfig() Config {
	return Config{
		DefaultMimetype:        MimeJSON,
		UnhandledEventCode:     404,
		UnhandledExceptionCode: 500,
	}
}

type Router struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	codecs   map[string]Codec
}

func New(cfg Config) *Router {
	if cfg.DefaultMimetype == "" {
		cfg.DefaultMimetype = MimeJSON
	}
	return &Router{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		codecs: map[string]Codec{
			MimeJSON: JSON,
			MimeCBOR: CBOR,
		},
	}
}

func (r *Router) Config() Config {
	return r.cfg
}

// HandlerName derives the dispatch name and positional parameters from an
// event's verb and noun: "get", "cat//3/4" gives "get_cat" and [3 4]. Every
// "/" in the prefix becomes "_", leading and trailing ones included.
func HandlerName(verb, noun string) (string, []string) {
	prefix, rest, hasParams := strings.Cut(noun, "//")
	var params []string
	if hasParams {
		params = strings.Split(rest, "/")
	}
	return strings.ToLower(verb) + "_" + strings.ReplaceAll(prefix, "/", "_"), params
}

// Handle registers fn for verb and noun prefix. A second registration for
// the same name panics.
func (r *Router) Handle(verb, noun string, fn HandlerFunc) {
	name, _ := HandlerName(verb, noun)
	r.HandleName(name, fn)
}

func (r *Router) HandleName(name string, fn HandlerFunc) {
	if fn == nil {
		panic(fmt.Sprintf("router.Router: nil handler for %q", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("router.Router: duplicate handler for %q", name))
	}
	r.handlers[name] = fn
}

// RegisterCodec makes mimetype encodable in replies and decodable in bodies.
func (r *Router) RegisterCodec(mimetype string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[baseMimetype(mimetype)] = c
}

func (r *Router) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names lists registered handler names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) codec(mimetype string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[baseMimetype(mimetype)]
	return c, ok
}

// Dispatch runs the handler for ev and builds its reply. The reply is always
// usable. A non-nil error means the handler's result broke the reply
// contract (protocol.ErrProtocolViolation); the reply then carries an
// uncaught failure so the remote caller is still answered.
func (r *Router) Dispatch(ctx context.Context, rc Context, ev protocol.Event) (protocol.EventReply, error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		observability.RecordEvent(r.cfg.Role, outcome, time.Since(start))
	}()

	name, params := HandlerName(ev.Verb, ev.Noun)
	fn, ok := r.Lookup(name)
	if !ok {
		outcome = "unhandled"
		log.Warn().Str("handler", name).Str("peer", peerAddr(rc)).Msg("router.Dispatch event is not handled")
		return r.reply(MimeText, r.cfg.UnhandledEventCode, []byte{}), nil
	}

	log.Debug().
		Str("handler", name).
		Str("mimetype", ev.Mimetype).
		Strs("params", params).
		Msg("router.Dispatch forwarding event")

	value, err := r.invoke(ctx, fn, rc, ev, params)
	if err != nil {
		f := Classify(err, r.cfg.UnhandledExceptionCode)
		outcome = f.Kind.String()
		evt := log.Error()
		if f.Kind == KindManaged {
			evt = log.Warn()
		}
		evt = evt.Err(err).Str("handler", name).Str("kind", outcome).Str("class", f.ClassName).Int32("code", f.Code)
		if p, ok := err.(*panicError); ok {
			evt = evt.Bytes("stack", p.stack)
		}
		evt.Msg("router.Dispatch handler failed")
		return r.reply(MimeJSON, f.Code, f.Body()), nil
	}

	reply, err := r.encode(value)
	if err != nil {
		outcome = "violation"
		log.Error().Err(err).Str("handler", name).Msg("router.Dispatch invalid handler result")
		f := Failure{Kind: KindUncaught, Code: r.cfg.UnhandledExceptionCode, Message: err.Error(), ClassName: "ProtocolViolation"}
		return r.reply(MimeJSON, f.Code, f.Body()), err
	}
	return reply, nil
}

func (r *Router) invoke(ctx context.Context, fn HandlerFunc, rc Context, ev protocol.Event, params []string) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			value = nil
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	body, err := r.decodeBody(ev)
	if err != nil {
		return nil, err
	}
	return fn(ctx, rc, body, params...)
}

func (r *Router) decodeBody(ev protocol.Event) (Body, error) {
	b := Body{Mimetype: ev.Mimetype, Raw: ev.Data}
	if len(ev.Data) == 0 {
		return b, nil
	}
	c, ok := r.codec(ev.Mimetype)
	if !ok {
		return b, nil
	}
	if err := c.Unmarshal(ev.Data, &b.Value); err != nil {
		return b, fmt.Errorf("router: decode %s body: %w", baseMimetype(ev.Mimetype), err)
	}
	return b, nil
}

func (r *Router) encode(value any) (protocol.EventReply, error) {
	mimetype := r.cfg.DefaultMimetype
	var code int32
	payload := value
	switch res := value.(type) {
	case Result:
		if res.Mimetype != "" {
			mimetype = res.Mimetype
		}
		code = res.Code
		payload = res.Payload
	case *Result:
		payload = nil
		if res != nil {
			if res.Mimetype != "" {
				mimetype = res.Mimetype
			}
			code = res.Code
			payload = res.Payload
		}
	}

	data, err := r.payloadBytes(mimetype, payload)
	if err != nil {
		return protocol.EventReply{}, err
	}
	return r.reply(mimetype, code, data), nil
}

// payloadBytes passes text, bytes and lazy sequences through unchanged and
// encodes anything else with the codec for mimetype.
func (r *Router) payloadBytes(mimetype string, payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case io.Reader:
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("%w: router: read payload: %v", protocol.ErrProtocolViolation, err)
		}
		return data, nil
	case iter.Seq[[]byte]:
		return collect(p), nil
	case func(func([]byte) bool):
		return collect(p), nil
	case iter.Seq[string]:
		return collect(func(yield func([]byte) bool) {
			for s := range p {
				if !yield([]byte(s)) {
					return
				}
			}
		}), nil
	}

	c, ok := r.codec(mimetype)
	if !ok {
		return nil, fmt.Errorf("%w: router: cannot encode %T as %q", protocol.ErrProtocolViolation, payload, mimetype)
	}
	data, err := c.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: router: encode %T as %q: %v", protocol.ErrProtocolViolation, payload, mimetype, err)
	}
	return data, nil
}

func (r *Router) reply(mimetype string, code int32, data []byte) protocol.EventReply {
	return protocol.EventReply{
		Version:  protocol.Version,
		Mimetype: mimetype,
		Code:     code,
		Data:     data,
	}
}

func collect(seq iter.Seq[[]byte]) []byte {
	var buf bytes.Buffer
	for chunk := range seq {
		buf.Write(chunk)
	}
	if buf.Len() == 0 {
		return []byte{}
	}
	return buf.Bytes()
}

func peerAddr(rc Context) string {
	if rc.Peer == nil {
		return ""
	}
	return rc.Peer.RemoteAddr()
}
