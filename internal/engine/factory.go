package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
)

var (
	ErrBackendExists  = errors.New("engine: backend already registered")
	ErrBackendNil     = errors.New("engine: backend constructor is nil")
	ErrInvalidBackend = errors.New("engine: invalid backend name")
	ErrNoBackend      = fmt.Errorf("engine: no backend: %w", mserr.ErrInvalidArgument)
)

// Constructor builds a fresh engine for one session.
type Constructor func(typ media.SessionType) (Engine, error)

// Factory resolves backends by name, with a default per session type.
type Factory struct {
	mu       sync.RWMutex
	items    map[string]Constructor
	defaults map[media.SessionType]string
}

// NewFactory creates a factory with no registered backends.
func NewFactory() *Factory {
	return &Factory{
		items:    make(map[string]Constructor),
		defaults: make(map[media.SessionType]string),
	}
}

// Register adds a backend under name.
func (f *Factory) Register(name string, ctor Constructor) error {
	if ctor == nil {
		return ErrBackendNil
	}
	name = strings.TrimSpace(name)
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidBackend, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[name]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, name)
	}
	f.items[name] = ctor
	return nil
}

// SetDefault picks the backend used when a session does not name one.
func (f *Factory) SetDefault(typ media.SessionType, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNoBackend, name)
	}
	f.defaults[typ] = name
	return nil
}

// New builds an engine. An empty name selects the type default.
func (f *Factory) New(typ media.SessionType, name string) (Engine, error) {
	f.mu.RLock()
	name = strings.TrimSpace(name)
	if name == "" {
		name = f.defaults[typ]
	}
	ctor, ok := f.items[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: type=%s name=%q", ErrNoBackend, typ, name)
	}
	return ctor(typ)
}

// Default returns the backend name used for typ when none is requested.
func (f *Factory) Default(typ media.SessionType) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaults[typ]
}

// Names lists registered backends in sorted order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.items))
	for name := range f.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
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
