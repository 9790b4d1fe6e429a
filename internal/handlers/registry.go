// Package handlers selects which event handlers a process installs on its
// router. Sets are registered by name and chosen from configuration.
package handlers

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/restpipe/internal/router"
)

var (
	ErrSetExists  = errors.New("handlers: set already exists")
	ErrInvalidSet = errors.New("handlers: invalid set")
	ErrUnknownSet = errors.New("handlers: unknown set")
)

// Installer registers a set's handlers on r.
type Installer func(r *router.Router)

type Set struct {
	Name        string
	Description string
	Install     Installer
}

// Registry stores handler sets by name.
type Registry struct {
	items map[string]Set
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Set)}
}

// Register adds s. Names are lower-case dotted ids such as "test.server".
func (r *Registry) Register(s Set) error {
	name := strings.TrimSpace(s.Name)
	if s.Install == nil {
		return fmt.Errorf("%w: %q has no installer", ErrInvalidSet, name)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidSet, s.Name)
	}
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("%w: %q", ErrSetExists, name)
	}
	s.Name = name
	r.items[name] = s
	return nil
}

func (r *Registry) Resolve(name string) (Set, bool) {
	s, ok := r.items[strings.TrimSpace(name)]
	return s, ok
}

// List returns sets ordered by name.
func (r *Registry) List() []Set {
	list := make([]Set, 0, len(r.items))
	for _, s := range r.items {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Build creates a router with cfg and installs the named set on it.
func (r *Registry) Build(name string, cfg router.Config) (*router.Router, error) {
	s, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSet, name)
	}
	rt := router.New(cfg)
	s.Install(rt)
	return rt, nil
}

func isValidName(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
