package session

import "time"

// TLSConfig names the certificate material of one side of a connection.
// Both sides always run mutual TLS.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ResponseTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TLS               TLSConfig
	Backoff           BackoffConfig
}

// IdleTimeout is how long a passive side waits without any inbound frame
// before it declares the peer dead.
func (c Config) IdleTimeout() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 0
	}
	return 3 * c.HeartbeatInterval
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ReadTimeout:       time.Second,
		WriteTimeout:      15 * time.Second,
		ResponseTimeout:   30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		Backoff:           FixedBackoff(5 * time.Second),
	}
}
