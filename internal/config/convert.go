package config

import (
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/restpipe/internal/auth"
	"github.com/danmuck/restpipe/internal/client"
	"github.com/danmuck/restpipe/internal/gateway"
	"github.com/danmuck/restpipe/internal/logging"
	"github.com/danmuck/restpipe/internal/protocol/frame"
	"github.com/danmuck/restpipe/internal/protocol/session"
	"github.com/danmuck/restpipe/internal/router"
	"github.com/danmuck/restpipe/internal/server"
	"github.com/rs/zerolog"
)

// ServerConfig converts the server section. The file must have passed
// Validate.
func (s ServerSection) ServerConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddr = net.JoinHostPort(strings.TrimSpace(s.BindIP), strconv.Itoa(s.BindPort))
	cfg.Session = s.Session.sessionConfig(cfg.Session)
	cfg.Session.TLS = s.TLS.tlsConfig()
	cfg.ConnectionWaitTimeout = mustDuration(s.ConnectionWaitTimeout)
	if s.Session.MaxPayloadBytes > 0 {
		cfg.Limits = frame.Limits{MaxPayloadBytes: s.Session.MaxPayloadBytes}
	}
	return cfg
}

// ClientConfig converts the client section. The file must have passed
// Validate.
func (c ClientSection) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.Address = net.JoinHostPort(strings.TrimSpace(c.TargetHostname), strconv.Itoa(c.TargetPort))
	cfg.MaxConnectAttempts = c.MaxConnectAttempts
	cfg.Session = c.Session.sessionConfig(cfg.Session)
	cfg.Session.TLS = c.TLS.tlsConfig()
	cfg.Session.Backoff = session.FixedBackoff(mustDuration(c.ReconnectDelay))
	if c.Session.MaxPayloadBytes > 0 {
		cfg.Limits = frame.Limits{MaxPayloadBytes: c.Session.MaxPayloadBytes}
	}
	return cfg
}

// RouterConfig is the server's dispatch setup.
func (s ServerSection) RouterConfig() router.Config {
	return routerConfig(RoleServer, s.UnhandledEventCode, s.UnhandledExceptionCode, s.DefaultMimetype)
}

// RouterConfig is the client's dispatch setup.
func (c ClientSection) RouterConfig() router.Config {
	return routerConfig(RoleClient, c.UnhandledEventCode, c.UnhandledExceptionCode, c.DefaultMimetype)
}

func routerConfig(role Role, eventCode, exceptionCode int, mimetype string) router.Config {
	cfg := router.DefaultConfig()
	cfg.Role = string(role)
	cfg.UnhandledEventCode = int32(eventCode)
	cfg.UnhandledExceptionCode = int32(exceptionCode)
	if m := strings.TrimSpace(mimetype); m != "" {
		cfg.DefaultMimetype = m
	}
	return cfg
}

func (g GatewaySection) GatewayConfig(role Role) gateway.Config {
	cfg := gateway.DefaultConfig(string(role))
	cfg.Addr = strings.TrimSpace(g.Addr)
	cfg.CORSOrigins = g.CORSOrigins
	if d, err := parseDuration(g.EmitTimeout); err == nil {
		cfg.EmitTimeout = d
	}
	if token := strings.TrimSpace(g.AuthToken); token != "" {
		cfg.Auth = auth.StaticToken{Token: token}
	}
	return cfg
}

// LoggingConfig converts the log section for app.
func (l LogSection) LoggingConfig(app string) logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logLevel(l.Level); ok {
		cfg.Level = lvl
	}
	cfg.JSON = l.JSON
	cfg.NoColor = l.NoColor
	cfg.Timestamp = l.Timestamp
	cfg.App = app
	return cfg
}

func (s SessionSection) sessionConfig(base session.Config) session.Config {
	base.ConnectTimeout = mustDuration(s.ConnectTimeout)
	base.HandshakeTimeout = mustDuration(s.HandshakeTimeout)
	base.ReadTimeout = mustDuration(s.ReadTimeout)
	base.WriteTimeout = mustDuration(s.WriteTimeout)
	base.ResponseTimeout = mustDuration(s.ResponseTimeout)
	base.HeartbeatInterval = mustDuration(s.HeartbeatInterval)
	base.HeartbeatTimeout = mustDuration(s.HeartbeatTimeout)
	return base
}

func (t TLSSection) tlsConfig() session.TLSConfig {
	return session.TLSConfig{
		CertFile:   t.resolve(t.CrtFilename),
		KeyFile:    t.resolve(t.KeyFilename),
		CAFile:     t.resolve(t.CAFilename),
		ServerName: strings.TrimSpace(t.ServerName),
	}
}

func (t TLSSection) resolve(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || filepath.IsAbs(name) || strings.TrimSpace(t.CertPath) == "" {
		return name
	}
	return filepath.Join(strings.TrimSpace(t.CertPath), name)
}

// logLevel treats an empty level as info.
func logLevel(raw string) (zerolog.Level, bool) {
	if strings.TrimSpace(raw) == "" {
		return zerolog.InfoLevel, true
	}
	return logging.ParseLevel(raw)
}

// mustDuration is only used on values Validate has accepted; anything else
// yields zero.
func mustDuration(raw string) time.Duration {
	d, _ := parseDuration(raw)
	return d
}
