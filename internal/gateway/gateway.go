// Package gateway exposes event emission over HTTP.
//
// On the client, /event/*noun forwards a request to the server over the
// reconnector's connection. On the server, /clients/:ip/event/*noun pushes
// the request to the client connected from ip. The reply code travels back
// in the X-Restpipe-Code header and drives the HTTP status.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/restpipe/internal/auth"
	"github.com/danmuck/restpipe/internal/client"
	"github.com/danmuck/restpipe/internal/conn"
	"github.com/danmuck/restpipe/internal/observability"
	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/router"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HeaderCode carries the reply code of the relayed event.
const HeaderCode = observability.ReplyCodeHeader

const version = "0.1.0"

// ClientEmitter sends an event to the server. *client.Reconnector
// implements it.
type ClientEmitter interface {
	Emit(ctx context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error)
}

// ServerEmitter sends an event to one connected client. *server.Server
// implements it.
type ServerEmitter interface {
	Emit(ctx context.Context, ip, verb, noun, mimetype string, body []byte) (protocol.EventReply, error)
	Clients() []string
}

type Config struct {
	Role        string
	Addr        string
	CORSOrigins []string
	// EmitTimeout bounds one relayed event, including any wait for a
	// connection.
	EmitTimeout  time.Duration
	MaxBodyBytes int64
	// Auth guards the event and client routes when set. /health and
	// /metrics stay open.
	Auth auth.Validator
}

func DefaultConfig(role string) Config {
	return Config{
		Role:         role,
		Addr:         "127.0.0.1:8080",
		EmitTimeout:  60 * time.Second,
		MaxBodyBytes: 8 << 20,
	}
}

type Gateway struct {
	cfg      Config
	engine   *gin.Engine
	events   *gin.RouterGroup
	appeared time.Time
}

func New(cfg Config) *Gateway {
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = DefaultConfig(cfg.Role).EmitTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig(cfg.Role).MaxBodyBytes
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.GatewayMiddleware(cfg.Role, log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CORSOrigins),
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{HeaderCode},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g := &Gateway{cfg: cfg, engine: r, appeared: time.Now()}
	r.GET("/health", g.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	g.events = r.Group("/")
	if cfg.Auth != nil {
		g.events.Use(auth.Middleware(cfg.Auth))
	}
	return g
}

func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// MountClient routes /event/*noun to e.
func (g *Gateway) MountClient(e ClientEmitter) {
	for _, verb := range conn.Verbs {
		g.events.Handle(strings.ToUpper(verb), "/event/*noun", func(c *gin.Context) {
			g.relay(c, func(ctx context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error) {
				return e.Emit(ctx, verb, noun, mimetype, body)
			})
		})
	}
}

// MountServer routes /clients/:ip/event/*noun to s and lists connected
// clients on /clients.
func (g *Gateway) MountServer(s ServerEmitter) {
	g.events.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": s.Clients()})
	})
	for _, verb := range conn.Verbs {
		g.events.Handle(strings.ToUpper(verb), "/clients/:ip/event/*noun", func(c *gin.Context) {
			ip := c.Param("ip")
			g.relay(c, func(ctx context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error) {
				return s.Emit(ctx, ip, verb, noun, mimetype, body)
			})
		})
	}
}

// Run serves on Addr until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Warn().Str("role", g.cfg.Role).Str("addr", g.cfg.Addr).Msg("gateway.Run listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(g.appeared).String(),
		"role":    g.cfg.Role,
		"version": version,
	})
}

type emitFunc func(ctx context.Context, verb, noun, mimetype string, body []byte) (protocol.EventReply, error)

func (g *Gateway) relay(c *gin.Context, emit emitFunc) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, g.cfg.MaxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if int64(len(body)) > g.cfg.MaxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	verb := strings.ToLower(c.Request.Method)
	noun := strings.TrimPrefix(c.Param("noun"), "/")
	ctx, cancel := context.WithTimeout(c.Request.Context(), g.cfg.EmitTimeout)
	defer cancel()

	reply, err := emit(ctx, verb, noun, c.ContentType(), body)
	if err != nil {
		status := StatusForError(err)
		log.Warn().Str("verb", verb).Str("noun", noun).Int("status", status).Err(err).Msg("gateway.relay emit failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	mimetype := reply.Mimetype
	if mimetype == "" {
		mimetype = router.MimeBytes
	}
	c.Header(HeaderCode, strconv.Itoa(int(reply.Code)))
	c.Data(StatusForCode(reply.Code), mimetype, reply.Data)
}

// StatusForCode maps a reply code onto an HTTP status: 0 is 200, a valid
// HTTP status passes through, anything else is 502.
func StatusForCode(code int32) int {
	switch {
	case code == 0:
		return http.StatusOK
	case code >= 100 && code <= 599:
		return int(code)
	default:
		return http.StatusBadGateway
	}
}

// StatusForError maps an emit failure onto an HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, conn.ErrInvalidVerb):
		return http.StatusMethodNotAllowed
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrNoSuchConnection),
		errors.Is(err, protocol.ErrConnectionClosed),
		errors.Is(err, client.ErrAttemptsExhausted),
		errors.Is(err, client.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
