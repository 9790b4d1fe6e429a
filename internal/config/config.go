// Package config loads process configuration for rpserver and rpclient.
//
// Values are resolved in order: built-in defaults, the config file (.toml or
// .yaml), RP_* environment variables, then an optional TOML user overlay in
// which only the keys present take effect.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
	ErrInvalid           = errors.New("config: invalid")
)

// Role selects which section a process reads.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleServer:
		return RoleServer, nil
	case RoleClient:
		return RoleClient, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, raw)
	}
}

type File struct {
	Server ServerSection `toml:"server" yaml:"server"`
	Client ClientSection `toml:"client" yaml:"client"`
	Log    LogSection    `toml:"log" yaml:"log"`
}

// TLSSection locates certificate material. Files are named relative to
// CertPath unless absolute.
type TLSSection struct {
	CertPath    string `toml:"cert_path" yaml:"cert_path"`
	KeyFilename string `toml:"key_filename" yaml:"key_filename"`
	CrtFilename string `toml:"crt_filename" yaml:"crt_filename"`
	CAFilename  string `toml:"ca_filename" yaml:"ca_filename"`
	ServerName  string `toml:"server_name" yaml:"server_name"`
}

type GatewaySection struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Addr        string   `toml:"addr" yaml:"addr"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	EmitTimeout string   `toml:"emit_timeout" yaml:"emit_timeout"`
	// AuthToken, when set, must arrive as a bearer token on event routes.
	AuthToken string `toml:"auth_token" yaml:"auth_token"`
}

// SessionSection holds the timing knobs shared by both roles. Durations use
// time.ParseDuration syntax.
type SessionSection struct {
	ConnectTimeout    string `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout  string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout       string `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout" yaml:"write_timeout"`
	ResponseTimeout   string `toml:"response_timeout" yaml:"response_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  string `toml:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MaxPayloadBytes   uint64 `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
}

type ServerSection struct {
	BindIP                 string         `toml:"bind_ip" yaml:"bind_ip"`
	BindPort               int            `toml:"bind_port" yaml:"bind_port"`
	Handlers               string         `toml:"handlers" yaml:"handlers"`
	UnhandledEventCode     int            `toml:"unhandled_event_code" yaml:"unhandled_event_code"`
	UnhandledExceptionCode int            `toml:"unhandled_exception_code" yaml:"unhandled_exception_code"`
	DefaultMimetype        string         `toml:"default_mimetype" yaml:"default_mimetype"`
	ConnectionWaitTimeout  string         `toml:"connection_wait_timeout" yaml:"connection_wait_timeout"`
	UserConfig             string         `toml:"user_config" yaml:"user_config"`
	Session                SessionSection `toml:"session" yaml:"session"`
	TLS                    TLSSection     `toml:"tls" yaml:"tls"`
	Gateway                GatewaySection `toml:"gateway" yaml:"gateway"`
}

type ClientSection struct {
	TargetHostname         string         `toml:"target_hostname" yaml:"target_hostname"`
	TargetPort             int            `toml:"target_port" yaml:"target_port"`
	Handlers               string         `toml:"handlers" yaml:"handlers"`
	UnhandledEventCode     int            `toml:"unhandled_event_code" yaml:"unhandled_event_code"`
	UnhandledExceptionCode int            `toml:"unhandled_exception_code" yaml:"unhandled_exception_code"`
	DefaultMimetype        string         `toml:"default_mimetype" yaml:"default_mimetype"`
	MaxConnectAttempts     int            `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	ReconnectDelay         string         `toml:"reconnect_delay" yaml:"reconnect_delay"`
	UserConfig             string         `toml:"user_config" yaml:"user_config"`
	Session                SessionSection `toml:"session" yaml:"session"`
	TLS                    TLSSection     `toml:"tls" yaml:"tls"`
	Gateway                GatewaySection `toml:"gateway" yaml:"gateway"`
}

type LogSection struct {
	Level     string `toml:"level" yaml:"level"`
	JSON      bool   `toml:"json" yaml:"json"`
	NoColor   bool   `toml:"no_color" yaml:"no_color"`
	Timestamp bool   `toml:"timestamp" yaml:"timestamp"`
}

func defaultSession() SessionSection {
	return SessionSection{
		ConnectTimeout:    "5s",
		HandshakeTimeout:  "5s",
		ReadTimeout:       "1s",
		WriteTimeout:      "15s",
		ResponseTimeout:   "30s",
		HeartbeatInterval: "5s",
		HeartbeatTimeout:  "5s",
		MaxPayloadBytes:   8 << 20,
	}
}

func Defaults() File {
	return File{
		Server: ServerSection{
			BindIP:                 "0.0.0.0",
			BindPort:               1234,
			Handlers:               "test.server",
			UnhandledEventCode:     404,
			UnhandledExceptionCode: 500,
			DefaultMimetype:        "application/json",
			ConnectionWaitTimeout:  "30s",
			Session:                defaultSession(),
			TLS: TLSSection{
				CertPath:    "/var/lib/restpipe",
				KeyFilename: "restpipe.server.key.pem",
				CrtFilename: "restpipe.server.crt.pem",
				CAFilename:  "restpipe.ca.crt.pem",
			},
			Gateway: GatewaySection{
				Addr:        "127.0.0.1:8081",
				CORSOrigins: []string{"http://localhost:3000"},
				EmitTimeout: "60s",
			},
		},
		Client: ClientSection{
			TargetHostname:         "localhost",
			TargetPort:             1234,
			Handlers:               "test.client",
			UnhandledEventCode:     404,
			UnhandledExceptionCode: 500,
			DefaultMimetype:        "application/json",
			MaxConnectAttempts:     0,
			ReconnectDelay:         "5s",
			Session:                defaultSession(),
			TLS: TLSSection{
				CertPath:    "/var/lib/restpipe",
				KeyFilename: "restpipe.client.key.pem",
				CrtFilename: "restpipe.client.crt.pem",
				CAFilename:  "restpipe.ca.crt.pem",
			},
			Gateway: GatewaySection{
				Enabled:     true,
				Addr:        "127.0.0.1:8080",
				CORSOrigins: []string{"http://localhost:3000"},
				EmitTimeout: "60s",
			},
		},
		Log: LogSection{Level: "info", Timestamp: true},
	}
}

// Options names the inputs Load reads. Empty paths are skipped.
type Options struct {
	Path    string
	Overlay string
	Role    Role
}

// Load resolves the configuration for opts.Role and validates that section.
func Load(opts Options) (File, error) {
	cfg := Defaults()
	if strings.TrimSpace(opts.Path) != "" {
		if err := loadFile(opts.Path, &cfg); err != nil {
			return File{}, err
		}
	}
	ApplyEnv(&cfg)

	overlay := strings.TrimSpace(opts.Overlay)
	if overlay == "" {
		switch opts.Role {
		case RoleServer:
			overlay = cfg.Server.UserConfig
		case RoleClient:
			overlay = cfg.Client.UserConfig
		}
	}
	if overlay != "" {
		if err := ApplyOverlay(overlay, &cfg); err != nil {
			return File{}, err
		}
	}
	if err := cfg.Validate(opts.Role); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func loadFile(path string, out *File) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, out)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Validate checks the section used by role. An empty role checks both.
func (f File) Validate(role Role) error {
	var errs []error
	if role == "" || role == RoleServer {
		errs = append(errs, f.Server.validate())
	}
	if role == "" || role == RoleClient {
		errs = append(errs, f.Client.validate())
	}
	if _, ok := logLevel(f.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("%w: log.level %q", ErrInvalid, f.Log.Level))
	}
	return errors.Join(errs...)
}

func (s ServerSection) validate() error {
	var errs []error
	if strings.TrimSpace(s.BindIP) == "" {
		errs = append(errs, fmt.Errorf("%w: server.bind_ip is required", ErrInvalid))
	}
	errs = append(errs, validPort("server.bind_port", s.BindPort))
	if strings.TrimSpace(s.Handlers) == "" {
		errs = append(errs, fmt.Errorf("%w: server.handlers is required", ErrInvalid))
	}
	errs = append(errs, validDispatch("server", s.UnhandledEventCode, s.UnhandledExceptionCode, s.DefaultMimetype))
	errs = append(errs, validDuration("server.connection_wait_timeout", s.ConnectionWaitTimeout))
	errs = append(errs, s.Session.validate("server.session"))
	errs = append(errs, s.TLS.validate("server.tls"))
	if s.Gateway.Enabled {
		errs = append(errs, s.Gateway.validate("server.gateway"))
	}
	return errors.Join(errs...)
}

func (c ClientSection) validate() error {
	var errs []error
	if strings.TrimSpace(c.TargetHostname) == "" {
		errs = append(errs, fmt.Errorf("%w: client.target_hostname is required", ErrInvalid))
	}
	errs = append(errs, validPort("client.target_port", c.TargetPort))
	if strings.TrimSpace(c.Handlers) == "" {
		errs = append(errs, fmt.Errorf("%w: client.handlers is required", ErrInvalid))
	}
	errs = append(errs, validDispatch("client", c.UnhandledEventCode, c.UnhandledExceptionCode, c.DefaultMimetype))
	if c.MaxConnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("%w: client.max_connect_attempts must be >= 0", ErrInvalid))
	}
	errs = append(errs, validDuration("client.reconnect_delay", c.ReconnectDelay))
	errs = append(errs, c.Session.validate("client.session"))
	errs = append(errs, c.TLS.validate("client.tls"))
	if c.Gateway.Enabled {
		errs = append(errs, c.Gateway.validate("client.gateway"))
	}
	return errors.Join(errs...)
}

func (s SessionSection) validate(prefix string) error {
	return errors.Join(
		validDuration(prefix+".connect_timeout", s.ConnectTimeout),
		validDuration(prefix+".handshake_timeout", s.HandshakeTimeout),
		validDuration(prefix+".read_timeout", s.ReadTimeout),
		validDuration(prefix+".write_timeout", s.WriteTimeout),
		validDuration(prefix+".response_timeout", s.ResponseTimeout),
		validDuration(prefix+".heartbeat_interval", s.HeartbeatInterval),
		validDuration(prefix+".heartbeat_timeout", s.HeartbeatTimeout),
	)
}

func (t TLSSection) validate(prefix string) error {
	var errs []error
	for name, v := range map[string]string{
		"key_filename": t.KeyFilename,
		"crt_filename": t.CrtFilename,
		"ca_filename":  t.CAFilename,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%w: %s.%s is required", ErrInvalid, prefix, name))
		}
	}
	return errors.Join(errs...)
}

func (g GatewaySection) validate(prefix string) error {
	var errs []error
	if strings.TrimSpace(g.Addr) == "" {
		errs = append(errs, fmt.Errorf("%w: %s.addr is required", ErrInvalid, prefix))
	}
	errs = append(errs, validDuration(prefix+".emit_timeout", g.EmitTimeout))
	return errors.Join(errs...)
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
	}
	return nil
}

func validDuration(name, raw string) error {
	if _, err := parseDuration(raw); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, name, err)
	}
	return nil
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	d, err := time.ParseDuration(raw + "s")
	if err != nil {
		return 0, fmt.Errorf("parse duration %q", raw)
	}
	return d, nil
}

// validDispatch checks the reply codes and mimetype the router falls back to.
func validDispatch(prefix string, eventCode, exceptionCode int, mimetype string) error {
	var errs []error
	if eventCode < 0 || eventCode > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("%w: %s.unhandled_event_code %d out of range", ErrInvalid, prefix, eventCode))
	}
	if exceptionCode < 0 || exceptionCode > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("%w: %s.unhandled_exception_code %d out of range", ErrInvalid, prefix, exceptionCode))
	}
	if strings.TrimSpace(mimetype) == "" {
		errs = append(errs, fmt.Errorf("%w: %s.default_mimetype is required", ErrInvalid, prefix))
	}
	return errors.Join(errs...)
}
