// Package rpc holds the server half of the media channel: method routing,
// per-session call ordering and peer liveness.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
)

var (
	ErrDuplicateMethod = errors.New("rpc: duplicate method handler")
	ErrUnknownMethod   = fmt.Errorf("rpc: unknown method: %w", mserr.ErrInvalidArgument)
	ErrMissingHandlers = errors.New("rpc: missing method handlers")
)

// Request is one decoded call as seen by a handler.
type Request struct {
	CallID  uint64
	Method  schema.Method
	Client  media.ClientID
	Session media.SessionID
	Fields  []tlv.Field
}

// Handler serves one method. Returned fields become the response payload.
type Handler func(ctx context.Context, req Request) ([]tlv.Field, error)

// Router maps method ids to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[schema.Method]Handler
}

// NewRouter creates a router with no handlers.
func NewRouter() *Router {
	return &Router{handlers: make(map[schema.Method]Handler)}
}

// Handle registers h for m. Each method may be registered once.
func (r *Router) Handle(m schema.Method, h Handler) error {
	if h == nil {
		return fmt.Errorf("rpc: nil handler for %s", m)
	}
	if !schema.Known(m) {
		return fmt.Errorf("rpc: register %s: %w", m, ErrUnknownMethod)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[m]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, m)
	}
	r.handlers[m] = h
	return nil
}

// Validate fails when any of required has no handler.
func (r *Router) Validate(required []schema.Method) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, m := range required {
		if _, ok := r.handlers[m]; !ok {
			missing = append(missing, m.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingHandlers, strings.Join(missing, ", "))
	}
	return nil
}

// Methods lists registered methods in id order.
func (r *Router) Methods() []schema.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.Method, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch validates the payload against the method schema and runs its
// handler. Nothing runs for a request that fails validation.
func (r *Router) Dispatch(ctx context.Context, req Request) ([]tlv.Field, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}
	if err := schema.Validate(req.Method, req.Fields); err != nil {
		return nil, err
	}
	return h(ctx, req)
}
