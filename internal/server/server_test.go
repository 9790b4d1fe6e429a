package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/restpipe/internal/conn"
	"github.com/danmuck/restpipe/internal/exchange"
	"github.com/danmuck/restpipe/internal/loop"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/session"
	"github.com/danmuck/restpipe/internal/router"
	"github.com/danmuck/restpipe/internal/testutil/testlog"
	"github.com/danmuck/restpipe/internal/testutil/tlstest"
)

type running struct {
	srv  *Server
	addr string
	mat  tlstest.Material
	done chan error
}

func startServer(t *testing.T, r *router.Router) *running {
	t.Helper()
	mat := tlstest.NewMaterial(t)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ConnectionWaitTimeout = time.Second
	cfg.Session.TLS = session.TLSConfig{CertFile: mat.Server.CertFile, KeyFile: mat.Server.KeyFile, CAFile: mat.CAFile}
	srv, err := New(cfg, r)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := &running{srv: srv, addr: ln.Addr().String(), mat: mat, done: make(chan error, 1)}
	go func() { rs.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rs.done:
		case <-time.After(3 * time.Second):
			t.Errorf("serve did not return")
		}
	})
	return rs
}

// dialClient connects a hand-built client-mode peer to rs.
func dialClient(t *testing.T, rs *running, r *router.Router) *conn.Connection {
	t.Helper()
	tlsCfg, err := session.TLSConfig{
		CertFile: rs.mat.Client.CertFile,
		KeyFile:  rs.mat.Client.KeyFile,
		CAFile:   rs.mat.CAFile,
	}.ClientTLSConfig(rs.addr)
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	raw, err := tls.Dial("tcp", rs.addr, tlsCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := conn.New(raw, exchange.DefaultConfig(), 2*time.Second)
	l := loop.New(c, r, loop.Config{Mode: loop.ModeClient, ReadTimeout: 20 * time.Millisecond})
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(c.Close)
	return c
}

func waitLen(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Catalog().Len() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("catalog len got=%d want=%d", srv.Catalog().Len(), want)
}

func TestNewRequiresTLSMaterial(t *testing.T) {
	testlog.Start(t)
	if _, err := New(DefaultConfig(), router.New(router.DefaultConfig())); !errors.Is(err, session.ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	if _, err := New(DefaultConfig(), nil); !errors.Is(err, ErrRouterRequired) {
		t.Fatalf("expected ErrRouterRequired, got %v", err)
	}
}

func TestClientEventReachesServerHandler(t *testing.T) {
	testlog.Start(t)
	r := router.New(router.DefaultConfig())
	r.Handle("get", "time", func(_ context.Context, rc router.Context, _ router.Body, _ ...string) (any, error) {
		return map[string]string{"peer_seen": rc.Peer.RemoteAddr()}, nil
	})
	rs := startServer(t, r)
	c := dialClient(t, rs, router.New(router.DefaultConfig()))

	reply, err := c.Emit(context.Background(), "GET", "/time", "", nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(reply.Data, &body); err != nil || body["peer_seen"] == "" {
		t.Fatalf("reply got=%s err=%v", reply.Data, err)
	}
}

func TestServerEmitByIP(t *testing.T) {
	testlog.Start(t)
	rs := startServer(t, router.New(router.DefaultConfig()))
	cr := router.New(router.DefaultConfig())
	cr.Handle("post", "cat", func(_ context.Context, _ router.Context, _ router.Body, params ...string) (any, error) {
		return params[0] + params[1], nil
	})
	dialClient(t, rs, cr)

	reply, err := rs.srv.Emit(context.Background(), "127.0.0.1", "post", "cat//a/b", router.MimeText, nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if string(reply.Data) != "ab" || reply.Code != 0 {
		t.Fatalf("reply got=%+v", reply)
	}
}

func TestServerEmitUnknownIPTimesOut(t *testing.T) {
	testlog.Start(t)
	rs := startServer(t, router.New(router.DefaultConfig()))
	_, err := rs.srv.Emit(context.Background(), "10.9.9.9", "get", "time", "", nil)
	if !errors.Is(err, protocol.ErrNoSuchConnection) {
		t.Fatalf("expected ErrNoSuchConnection, got %v", err)
	}
}

func TestDuplicateIPIsRejected(t *testing.T) {
	testlog.Start(t)
	rs := startServer(t, router.New(router.DefaultConfig()))
	first := dialClient(t, rs, router.New(router.DefaultConfig()))
	waitLen(t, rs.srv, 1)

	second := dialClient(t, rs, router.New(router.DefaultConfig()))
	select {
	case <-second.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("second connection from the same ip was not closed")
	}
	if !first.Alive() {
		t.Fatalf("first connection should survive")
	}
	if _, ok := rs.srv.Catalog().Get("127.0.0.1"); !ok || rs.srv.Catalog().Len() != 1 {
		t.Fatalf("catalog should still hold the first connection, len=%d", rs.srv.Catalog().Len())
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	testlog.Start(t)
	rs := startServer(t, router.New(router.DefaultConfig()))
	c := dialClient(t, rs, router.New(router.DefaultConfig()))
	waitLen(t, rs.srv, 1)
	c.Close()
	waitLen(t, rs.srv, 0)
}

func TestUnauthenticatedClientRejected(t *testing.T) {
	testlog.Start(t)
	rs := startServer(t, router.New(router.DefaultConfig()))
	raw, err := net.Dial("tcp", rs.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	tc := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	_ = tc.SetDeadline(time.Now().Add(2 * time.Second))
	if err := tc.Handshake(); err == nil {
		// TLS 1.3 reports the missing client certificate on first read.
		if _, err := tc.Read(make([]byte, 1)); err == nil {
			t.Fatalf("server accepted a client without a certificate")
		}
	}
	if rs.srv.Catalog().Len() != 0 {
		t.Fatalf("unauthenticated peer registered")
	}
}
