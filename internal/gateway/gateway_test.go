package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/restpipe/internal/auth"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/router"
	"github.com/danmuck/restpipe/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type call struct {
	ip, verb, noun, mimetype string
	body                     []byte
}

type fakeEmitter struct {
	calls []call
	reply protocol.EventReply
	err   error
	ips   []string
}

func (f *fakeEmitter) Emit(_ context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error) {
	f.calls = append(f.calls, call{verb: verb, noun: noun, mimetype: mimetype, body: body})
	return f.reply, f.err
}

type fakeServer struct {
	fakeEmitter
}

func (f *fakeServer) Emit(_ context.Context, ip, verb, noun, mimetype string, body []byte) (protocol.EventReply, error) {
	f.calls = append(f.calls, call{ip: ip, verb: verb, noun: noun, mimetype: mimetype, body: body})
	return f.reply, f.err
}

func (f *fakeServer) Clients() []string { return f.ips }

func newGateway(t *testing.T, role string) *Gateway {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	return New(DefaultConfig(role))
}

func do(g *Gateway, method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, req)
	return rr
}

func TestClientRelayForwardsEvent(t *testing.T) {
	g := newGateway(t, "client")
	e := &fakeEmitter{reply: protocol.EventReply{Mimetype: router.MimeJSON, Data: []byte(`{"ok":true}`)}}
	g.MountClient(e)

	rr := do(g, http.MethodPost, "/event/cat//3/4", "application/json; charset=utf-8", `{"x":1}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status got=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get(HeaderCode); got != "0" {
		t.Fatalf("code header got=%q", got)
	}
	if got := rr.Header().Get("Content-Type"); got != router.MimeJSON {
		t.Fatalf("content type got=%q", got)
	}
	if len(e.calls) != 1 {
		t.Fatalf("calls got=%d", len(e.calls))
	}
	c := e.calls[0]
	if c.verb != "post" || c.noun != "cat//3/4" || c.mimetype != "application/json" || string(c.body) != `{"x":1}` {
		t.Fatalf("call got=%+v", c)
	}
}

func TestAllVerbsMounted(t *testing.T) {
	g := newGateway(t, "client")
	e := &fakeEmitter{reply: protocol.EventReply{Mimetype: router.MimeText}}
	g.MountClient(e)
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		if rr := do(g, m, "/event/thing", "", ""); rr.Code != http.StatusOK {
			t.Fatalf("%s status got=%d", m, rr.Code)
		}
	}
	if e.calls[3].verb != "delete" {
		t.Fatalf("verb got=%q", e.calls[3].verb)
	}
}

func TestReplyCodeMapping(t *testing.T) {
	cases := []struct {
		code int32
		want int
	}{
		{0, http.StatusOK},
		{201, http.StatusCreated},
		{404, http.StatusNotFound},
		{500, http.StatusInternalServerError},
		{7, http.StatusBadGateway},
		{-1, http.StatusBadGateway},
	}
	for _, tc := range cases {
		g := newGateway(t, "client")
		g.MountClient(&fakeEmitter{reply: protocol.EventReply{Code: tc.code, Mimetype: router.MimeText}})
		rr := do(g, http.MethodGet, "/event/x", "", "")
		if rr.Code != tc.want {
			t.Fatalf("code=%d status got=%d want=%d", tc.code, rr.Code, tc.want)
		}
		if rr.Header().Get(HeaderCode) != fmt.Sprint(tc.code) {
			t.Fatalf("code header got=%q", rr.Header().Get(HeaderCode))
		}
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: ip=1.2.3.4", protocol.ErrNoSuchConnection), http.StatusServiceUnavailable},
		{protocol.ErrConnectionClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("exchange: %w", protocol.ErrTimeout), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: bad", protocol.ErrProtocolViolation), http.StatusBadGateway},
	}
	for _, tc := range cases {
		g := newGateway(t, "server")
		g.MountServer(&fakeServer{fakeEmitter: fakeEmitter{err: tc.err}})
		rr := do(g, http.MethodGet, "/clients/1.2.3.4/event/x", "", "")
		if rr.Code != tc.want {
			t.Fatalf("err=%v status got=%d want=%d", tc.err, rr.Code, tc.want)
		}
	}
}

func TestServerRelayPassesIP(t *testing.T) {
	g := newGateway(t, "server")
	s := &fakeServer{fakeEmitter: fakeEmitter{reply: protocol.EventReply{Mimetype: router.MimeText, Data: []byte("hi")}, ips: []string{"10.0.0.7"}}}
	g.MountServer(s)

	rr := do(g, http.MethodGet, "/clients/10.0.0.7/event/time", "", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "hi" {
		t.Fatalf("relay got=%d %q", rr.Code, rr.Body.String())
	}
	if s.calls[0].ip != "10.0.0.7" || s.calls[0].noun != "time" {
		t.Fatalf("call got=%+v", s.calls[0])
	}

	rr = do(g, http.MethodGet, "/clients", "", "")
	var body struct {
		Clients []string `json:"clients"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || len(body.Clients) != 1 {
		t.Fatalf("clients got=%s err=%v", rr.Body.String(), err)
	}
}

func TestBodyTooLarge(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig("client")
	cfg.MaxBodyBytes = 4
	g := New(cfg)
	e := &fakeEmitter{}
	g.MountClient(e)
	if rr := do(g, http.MethodPost, "/event/x", "", "too long"); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status got=%d", rr.Code)
	}
	if len(e.calls) != 0 {
		t.Fatalf("oversized body was relayed")
	}
}

func TestAuthGuardsEventRoutesOnly(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig("server")
	cfg.Auth = auth.StaticToken{Token: "s3cret"}
	g := New(cfg)
	s := &fakeServer{fakeEmitter: fakeEmitter{reply: protocol.EventReply{Mimetype: router.MimeText}}}
	g.MountServer(s)

	if rr := do(g, http.MethodGet, "/clients/1.2.3.4/event/x", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated relay got=%d", rr.Code)
	}
	if rr := do(g, http.MethodGet, "/clients", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated client list got=%d", rr.Code)
	}
	if len(s.calls) != 0 {
		t.Fatalf("rejected request reached the emitter")
	}
	if rr := do(g, http.MethodGet, "/health", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("health should stay open, got=%d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/clients/1.2.3.4/event/x", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || len(s.calls) != 1 {
		t.Fatalf("authenticated relay got=%d calls=%d", rr.Code, len(s.calls))
	}
}

func TestHealthMetricsAndCORS(t *testing.T) {
	g := newGateway(t, "client")
	if rr := do(g, http.MethodGet, "/health", "", ""); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"role":"client"`) {
		t.Fatalf("health got=%d %s", rr.Code, rr.Body.String())
	}
	rr := do(g, http.MethodGet, "/metrics", "", "")
	data, _ := io.ReadAll(rr.Body)
	if rr.Code != http.StatusOK || !strings.Contains(string(data), "restpipe_") {
		t.Fatalf("metrics got=%d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	pre := httptest.NewRecorder()
	g.Handler().ServeHTTP(pre, req)
	if pre.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("cors preflight headers got=%v", pre.Header())
	}
}

func TestStatusForCode(t *testing.T) {
	testlog.Start(t)
	if StatusForCode(0) != 200 || StatusForCode(599) != 599 || StatusForCode(600) != 502 || StatusForCode(99) != 502 {
		t.Fatalf("status mapping broken")
	}
}
