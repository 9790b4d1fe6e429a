// Package conn binds a network stream to its exchange and peer address.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/restpipe/internal/exchange"
	"github.com/danmuck/restpipe/internal/protocol"
)

var (
	ErrInvalidVerb    = errors.New("conn: invalid verb")
	ErrUnexpectedType = fmt.Errorf("%w: conn: unexpected reply type", protocol.ErrProtocolViolation)
)

// Verbs accepted by Emit.
var Verbs = []string{"get", "post", "put", "delete", "patch"}

// Address is the remote end of a connection.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// AddressOf splits a net.Addr into host and port.
func AddressOf(addr net.Addr) Address {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Address{Host: tcp.IP.String(), Port: tcp.Port}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Address{Host: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return Address{Host: host, Port: p}
}

// Connection is one live stream plus its exchange.
type Connection struct {
	raw     net.Conn
	ex      *exchange.Exchange
	addr    Address
	timeout time.Duration
}

// New wraps raw. The exchange is created but not started; the message loop
// starts it. responseTimeout bounds Emit.
func New(raw net.Conn, cfg exchange.Config, responseTimeout time.Duration) *Connection {
	return &Connection{
		raw:     raw,
		ex:      exchange.New(raw, cfg),
		addr:    AddressOf(raw.RemoteAddr()),
		timeout: responseTimeout,
	}
}

// IP is the catalog key for this connection.
func (c *Connection) IP() string {
	return c.addr.Host
}

func (c *Connection) Address() Address {
	return c.addr
}

func (c *Connection) RemoteAddr() string {
	return c.addr.String()
}

func (c *Connection) Exchange() *exchange.Exchange {
	return c.ex
}

func (c *Connection) Alive() bool {
	return c.ex.IsAlive()
}

func (c *Connection) Done() <-chan struct{} {
	return c.ex.Done()
}

// Close stops the exchange, which closes the stream.
func (c *Connection) Close() {
	c.ex.Stop()
}

// Emit sends an event and waits for its reply. verb must be one of Verbs.
func (c *Connection) Emit(ctx context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error) {
	v, err := NormalizeVerb(verb)
	if err != nil {
		return protocol.EventReply{}, err
	}
	ev := protocol.Event{
		Version:  protocol.Version,
		Verb:     v,
		Noun:     strings.TrimPrefix(noun, "/"),
		Mimetype: mimetype,
		Data:     body,
	}
	env, err := c.ex.SendAndReceive(ctx, ev, c.timeout)
	if err != nil {
		return protocol.EventReply{}, err
	}
	reply, ok := env.Message.(protocol.EventReply)
	if !ok {
		return protocol.EventReply{}, fmt.Errorf("%w: %s", ErrUnexpectedType, env.Message.Type())
	}
	return reply, nil
}

// NormalizeVerb lower-cases verb and checks it against Verbs.
func NormalizeVerb(verb string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(verb))
	for _, known := range Verbs {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVerb, verb)
}
