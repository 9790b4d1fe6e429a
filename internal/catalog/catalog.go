// Package catalog tracks the live connection of each peer IP on the server.
//
// At most one connection is held per IP. Server-initiated events are routed
// by IP, so a host that reconnects must wait for its previous entry to be
// removed.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrNotRegistered = errors.New("catalog: connection not registered")

// DefaultPollInterval is how often WaitFor re-checks the catalog.
const DefaultPollInterval = time.Second

// Entry is anything keyed by peer IP.
type Entry interface {
	comparable
	IP() string
}

type Catalog[C Entry] struct {
	mu      sync.Mutex
	entries map[string]C

	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration
}

func New[C Entry]() *Catalog[C] {
	return &Catalog[C]{entries: make(map[string]C)}
}

// Register adds c. It fails with protocol.ErrDuplicateConnection when the IP
// already has an entry.
func (k *Catalog[C]) Register(c C) error {
	ip := c.IP()
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.entries[ip]; exists {
		return fmt.Errorf("%w: ip=%s", protocol.ErrDuplicateConnection, ip)
	}
	k.entries[ip] = c
	log.Debug().Str("ip", ip).Int("size", len(k.entries)).Msg("catalog.Register")
	return nil
}

// Deregister removes c. It fails with ErrNotRegistered when the IP has no
// entry or the entry belongs to a different connection.
func (k *Catalog[C]) Deregister(c C) error {
	ip := c.IP()
	k.mu.Lock()
	defer k.mu.Unlock()
	current, ok := k.entries[ip]
	if !ok || current != c {
		return fmt.Errorf("%w: ip=%s", ErrNotRegistered, ip)
	}
	delete(k.entries, ip)
	log.Debug().Str("ip", ip).Int("size", len(k.entries)).Msg("catalog.Deregister")
	return nil
}

func (k *Catalog[C]) Get(ip string) (C, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.entries[ip]
	return c, ok
}

// WaitFor returns the connection for ip, polling until it appears or timeout
// elapses. It fails with protocol.ErrNoSuchConnection on timeout and with
// ctx.Err() on cancellation.
func (k *Catalog[C]) WaitFor(ctx context.Context, ip string, timeout time.Duration) (C, error) {
	if c, ok := k.Get(ip); ok {
		return c, nil
	}

	interval := k.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var zero C
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline.C:
			if c, ok := k.Get(ip); ok {
				return c, nil
			}
			return zero, fmt.Errorf("%w: ip=%s after %s", protocol.ErrNoSuchConnection, ip, timeout)
		case <-ticker.C:
			if c, ok := k.Get(ip); ok {
				return c, nil
			}
		}
	}
}

func (k *Catalog[C]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// IPs lists registered IPs in sorted order.
func (k *Catalog[C]) IPs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.entries))
	for ip := range k.entries {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Each calls fn for a snapshot of the current entries.
func (k *Catalog[C]) Each(fn func(C)) {
	k.mu.Lock()
	snapshot := make([]C, 0, len(k.entries))
	for _, c := range k.entries {
		snapshot = append(snapshot, c)
	}
	k.mu.Unlock()
	for _, c := range snapshot {
		fn(c)
	}
}
