// Package manager owns every live media session on the server: per-type
// capacity, creation and destruction, and cascade cleanup when the owning
// client goes away.
//
// Lock order: the manager table lock is never held while a session lock is
// taken. A session lock may be held while the notification and buffer
// registries lock internally.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/mediactl/internal/buffer"
	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownSession  = fmt.Errorf("manager: unknown session: %w", mserr.ErrInvalidOperation)
	ErrNotOwner        = fmt.Errorf("manager: session owned by another client: %w", mserr.ErrInvalidOperation)
	ErrCapReached      = fmt.Errorf("manager: session cap reached: %w", mserr.ErrResourceExhausted)
	ErrDuplicateClient = fmt.Errorf("manager: client already connected: %w", mserr.ErrInvalidArgument)
	ErrClientGone      = fmt.Errorf("manager: client gone: %w", mserr.ErrInvalidOperation)
	ErrShuttingDown    = fmt.Errorf("manager: shutting down: %w", mserr.ErrInvalidOperation)
)

const (
	DefaultSessionCap  = 16
	DefaultMetadataCap = 32

	// tombstoneTTL bounds how long a departed client id keeps refusing
	// creates. It only has to outlive calls already in flight at death.
	tombstoneTTL = time.Minute
)

// DefaultCaps returns the per-type session caps used when Options leaves them unset.
func DefaultCaps() map[media.SessionType]int {
	return map[media.SessionType]int{
		media.SessionPlayer:   DefaultSessionCap,
		media.SessionRecorder: DefaultSessionCap,
		media.SessionCodec:    DefaultSessionCap,
		media.SessionMetadata: DefaultMetadataCap,
		media.SessionMuxer:    DefaultSessionCap,
	}
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Caps               map[media.SessionType]int
	MaxSlotsPerSession int
	DeliveryWorkers    int
	Metrics            Metrics
	Observer           Observer
	Catalog            Catalog
	Logger             *zerolog.Logger
}

// CreateOptions selects the engine backend and the sink for a new session.
// A zero Sink falls back to the owner's connection sink.
type CreateOptions struct {
	Engine string
	Sink   notify.Subscription
}

type endpoint struct {
	id        media.ClientID
	pid       int32
	sink      notify.Subscription
	connected time.Time
	sessions  map[media.SessionID]struct{}
}

// Manager is the bounded registry of live sessions.
type Manager struct {
	factory *engine.Factory
	buffers *buffer.Registry
	notes   *notify.Registry
	sinks   *notify.SinkTable
	pool    *notify.WorkerPool
	env     *sessionEnv
	caps    map[media.SessionType]int
	log     zerolog.Logger
	metrics Metrics
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	nextID   media.SessionID
	sessions map[media.SessionID]*Session
	perType  map[media.SessionType]int
	clients  map[media.ClientID]*endpoint
	gone     map[media.ClientID]time.Time
	closed   bool
}

// New creates a session manager drawing engines from factory.
func New(factory *engine.Factory, opts Options) *Manager {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "manager").Logger()
	}
	var metrics Metrics = nopMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}
	caps := DefaultCaps()
	for typ, n := range opts.Caps {
		caps[typ] = n
	}
	maxSlots := opts.MaxSlotsPerSession
	if maxSlots <= 0 {
		maxSlots = buffer.DefaultMaxSlots
	}

	buffers := buffer.NewRegistry(buffer.Config{MaxSlotsPerSession: maxSlots})
	sinks := notify.NewSinkTable()
	pool := notify.NewWorkerPool(opts.DeliveryWorkers)
	notifyOpts := notify.Options{Logger: opts.Logger}
	if o, ok := metrics.(notify.Observer); ok {
		notifyOpts.Observer = o
	}
	notes := notify.NewRegistry(buffers, sinks, pool, notifyOpts)
	pool.Start(notes.Deliver)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory: factory,
		buffers: buffers,
		notes:   notes,
		sinks:   sinks,
		pool:    pool,
		env: &sessionEnv{
			buffers:  buffers,
			notes:    notes,
			metrics:  metrics,
			observer: opts.Observer,
			catalog:  opts.Catalog,
			log:      log,
			maxSlots: maxSlots,
		},
		caps:     caps,
		log:      log,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		nextID:   1,
		sessions: make(map[media.SessionID]*Session),
		perType:  make(map[media.SessionType]int),
		clients:  make(map[media.ClientID]*endpoint),
		gone:     make(map[media.ClientID]time.Time),
	}
}

// Buffers exposes the slot registry for inspection.
func (m *Manager) Buffers() *buffer.Registry { return m.buffers }

// Notifications exposes the pending notification registry for inspection.
func (m *Manager) Notifications() *notify.Registry { return m.notes }

// RegisterSink makes sink reachable by the returned subscription.
func (m *Manager) RegisterSink(sink notify.Sink) notify.Subscription {
	return m.sinks.Register(sink)
}

// UnregisterSink drops a sink; notifications still queued for it are dropped.
func (m *Manager) UnregisterSink(sub notify.Subscription) {
	m.sinks.Unregister(sub)
}

// Connect records a client and the sink its sessions deliver to.
func (m *Manager) Connect(id media.ClientID, pid int32, sink notify.Subscription) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, dup := m.clients[id]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateClient, id)
	}
	delete(m.gone, id)
	m.clients[id] = &endpoint{
		id:        id,
		pid:       pid,
		sink:      sink,
		connected: time.Now(),
		sessions:  make(map[media.SessionID]struct{}),
	}
	m.mu.Unlock()

	m.metrics.ClientConnected()
	m.publish(LifecycleEvent{Kind: LifecycleClientConnected, Client: id})
	m.log.Info().Str("client", string(id)).Int32("pid", pid).Msg("client connected")
	return nil
}

// Disconnect is an orderly goodbye: every session the client owns is destroyed.
func (m *Manager) Disconnect(id media.ClientID) int {
	n, ok := m.dropClient(id, "disconnect")
	if ok {
		m.metrics.ClientDisconnected()
	}
	return n
}

// OnClientDeath destroys every session owned by a client that died. Calling it
// again for the same client is a no-op.
func (m *Manager) OnClientDeath(id media.ClientID, source string) int {
	n, ok := m.dropClient(id, "death:"+source)
	if ok {
		m.metrics.ClientDied(source)
		m.metrics.ClientDisconnected()
	}
	return n
}

func (m *Manager) dropClient(id media.ClientID, reason string) (int, bool) {
	m.mu.Lock()
	ep, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return 0, false
	}
	delete(m.clients, id)
	m.buryLocked(id, time.Now())
	owned := make([]*Session, 0, len(ep.sessions))
	for sid := range ep.sessions {
		if s := m.removeLocked(sid); s != nil {
			owned = append(owned, s)
		}
	}
	m.mu.Unlock()

	for _, s := range owned {
		m.finishDestroy(s, reason)
	}
	m.publish(LifecycleEvent{Kind: LifecycleClientGone, Client: id, Reason: reason})
	m.log.Info().Str("client", string(id)).Str("reason", reason).Int("sessions", len(owned)).Msg("client gone")
	return len(owned), true
}

// CreateSession allocates a session of typ for owner. An owner that never
// connected gets an endpoint on first use; an owner that disconnected or died
// is refused with ErrClientGone until it connects again.
func (m *Manager) CreateSession(typ media.SessionType, owner media.ClientID, opts CreateOptions) (*Session, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: session type %d", mserr.ErrInvalidArgument, typ)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, dead := m.gone[owner]; dead {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrClientGone, owner)
	}
	if m.perType[typ] >= m.caps[typ] {
		m.mu.Unlock()
		m.metrics.SessionRefused(typ.String())
		return nil, fmt.Errorf("%w: %s max=%d", ErrCapReached, typ, m.caps[typ])
	}
	m.perType[typ]++
	id := m.nextID
	m.nextID++
	ep := m.endpointLocked(owner)
	sub := opts.Sink
	if sub == (notify.Subscription{}) {
		sub = ep.sink
	}
	m.mu.Unlock()

	eng, err := m.factory.New(typ, opts.Engine)
	if err != nil {
		m.unreserve(typ)
		return nil, err
	}
	name := opts.Engine
	if name == "" {
		name = m.factory.Default(typ)
	}
	s, err := newSession(m.ctx, m.env, id, typ, owner, name, eng, sub)
	if err != nil {
		m.unreserve(typ)
		_ = eng.Release()
		return nil, err
	}

	m.mu.Lock()
	cur, alive := m.clients[owner]
	if m.closed || !alive || cur != ep {
		m.perType[typ]--
		m.mu.Unlock()
		s.release("owner gone during create")
		if m.closed {
			return nil, ErrShuttingDown
		}
		return nil, fmt.Errorf("%w: %s", ErrClientGone, owner)
	}
	m.sessions[id] = s
	ep.sessions[id] = struct{}{}
	m.mu.Unlock()

	m.metrics.SessionCreated(typ.String())
	m.publish(LifecycleEvent{Kind: LifecycleSessionCreated, Session: id, Type: typ.String(), Client: owner, State: "idle"})
	s.log.Info().Str("engine", name).Msg("session created")
	return s, nil
}

// buryLocked tombstones id and prunes tombstones older than tombstoneTTL.
func (m *Manager) buryLocked(id media.ClientID, now time.Time) {
	for old, at := range m.gone {
		if now.Sub(at) > tombstoneTTL {
			delete(m.gone, old)
		}
	}
	m.gone[id] = now
}

func (m *Manager) endpointLocked(id media.ClientID) *endpoint {
	ep, ok := m.clients[id]
	if !ok {
		ep = &endpoint{
			id:        id,
			connected: time.Now(),
			sessions:  make(map[media.SessionID]struct{}),
		}
		m.clients[id] = ep
		m.metrics.ClientConnected()
	}
	return ep
}

func (m *Manager) unreserve(typ media.SessionType) {
	m.mu.Lock()
	m.perType[typ]--
	m.mu.Unlock()
}

// DestroySession removes a session and runs its release path. It reports
// false when the session was already gone.
func (m *Manager) DestroySession(id media.SessionID) bool {
	m.mu.Lock()
	s := m.removeLocked(id)
	m.mu.Unlock()
	if s == nil {
		return false
	}
	m.finishDestroy(s, "destroy")
	return true
}

// removeLocked drops a session from the table and its owner's set.
func (m *Manager) removeLocked(id media.SessionID) *Session {
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	m.perType[s.typ]--
	if ep, ok := m.clients[s.owner]; ok {
		delete(ep.sessions, id)
	}
	return s
}

func (m *Manager) finishDestroy(s *Session, reason string) {
	if !s.release(reason) {
		return
	}
	m.metrics.SessionDestroyed(s.typ.String())
	m.publish(LifecycleEvent{
		Kind:    LifecycleSessionDestroyed,
		Session: s.id,
		Type:    s.typ.String(),
		Client:  s.owner,
		State:   "released",
		Reason:  reason,
	})
}

// Lookup returns a live session.
func (m *Manager) Lookup(id media.SessionID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// LookupOwned returns a live session only if owner holds it.
func (m *Manager) LookupOwned(owner media.ClientID, id media.SessionID) (*Session, error) {
	s, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	if s.owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	return s, nil
}

// Count returns how many sessions of typ are live or being created.
func (m *Manager) Count(typ media.SessionType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perType[typ]
}

// Owned lists the sessions a client holds.
func (m *Manager) Owned(owner media.ClientID) []media.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.clients[owner]
	if !ok {
		return nil
	}
	out := make([]media.SessionID, 0, len(ep.sessions))
	for id := range ep.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Caps returns a copy of the per-type caps.
func (m *Manager) Caps() map[media.SessionType]int {
	out := make(map[media.SessionType]int, len(m.caps))
	for k, v := range m.caps {
		out[k] = v
	}
	return out
}

// Shutdown releases every session and stops notification delivery.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for id := range m.sessions {
		if s := m.removeLocked(id); s != nil {
			all = append(all, s)
		}
	}
	m.clients = make(map[media.ClientID]*endpoint)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range all {
			m.finishDestroy(s, "shutdown")
		}
		m.pool.Stop()
		m.cancel()
	}()
	select {
	case <-done:
		m.log.Info().Int("sessions", len(all)).Msg("manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(ev LifecycleEvent) {
	if m.env.observer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.env.observer.Publish(ev)
}
