// Package notify delivers session events to client sinks on a path separate
// from the producer and lets a control thread cancel them without racing a
// delivery.
//
// Each pending notification has its own mutex. Deliver and CancelAll both
// resolve a notification under that mutex, so whichever runs first decides
// the outcome and the other observes it. Notifications are reference counted:
// the registry table holds one reference and every in-progress Deliver or
// CancelAll holds another, and the last release returns the object to the pool.
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/mediactl/internal/buffer"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/rs/zerolog"
)

var ErrSessionClosed = fmt.Errorf("notify: session not open: %w", mserr.ErrInvalidOperation)

// Token identifies one pending notification.
type Token uint64

// Dispatcher hands tokens to the delivery path.
type Dispatcher interface {
	Dispatch(session media.SessionID, tok Token)
}

// Observer receives one call per resolved notification.
type Observer interface {
	NotificationResolved(kind, outcome string)
}

type pending struct {
	mu      sync.Mutex
	refs    atomic.Int32
	token   Token
	session media.SessionID
	sub     Subscription
	ev      Event
	state   Disposition
}

// Registry tracks outstanding notifications for every open session.
type Registry struct {
	buffers  *buffer.Registry
	sinks    *SinkTable
	dispatch Dispatcher
	observer Observer
	log      zerolog.Logger

	mu        sync.Mutex
	next      Token
	byToken   map[Token]*pending
	bySession map[media.SessionID]map[Token]*pending
	open      map[media.SessionID]struct{}

	outstanding atomic.Int64
	pool        sync.Pool
}

// Options configures optional collaborators.
type Options struct {
	Observer Observer
	Logger   *zerolog.Logger
}

// NewRegistry creates an empty pending registry that reclaims buffers from
// buffers and hands ready tokens to dispatch.
func NewRegistry(buffers *buffer.Registry, sinks *SinkTable, dispatch Dispatcher, opts Options) *Registry {
	r := &Registry{
		buffers:   buffers,
		sinks:     sinks,
		dispatch:  dispatch,
		observer:  opts.Observer,
		log:       zerolog.Nop(),
		byToken:   make(map[Token]*pending),
		bySession: make(map[media.SessionID]map[Token]*pending),
		open:      make(map[media.SessionID]struct{}),
	}
	if opts.Logger != nil {
		r.log = opts.Logger.With().Str("component", "notify").Logger()
	}
	r.pool.New = func() any { return new(pending) }
	return r
}

// Open starts accepting notifications for session.
func (r *Registry) Open(session media.SessionID) {
	r.mu.Lock()
	r.open[session] = struct{}{}
	r.mu.Unlock()
}

// Close stops accepting notifications for session. Anything still queued is
// dropped at delivery time.
func (r *Registry) Close(session media.SessionID) {
	r.mu.Lock()
	delete(r.open, session)
	r.mu.Unlock()
}

func (r *Registry) isOpen(session media.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[session]
	return ok
}

// Enqueue registers ev for delivery to sub. Buffer events move their slot to
// PendingNotification before Enqueue returns.
func (r *Registry) Enqueue(session media.SessionID, sub Subscription, ev Event) (Token, error) {
	r.mu.Lock()
	if _, ok := r.open[session]; !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: session=%s", ErrSessionClosed, session)
	}
	if ev.HoldsSlot() {
		if err := r.buffers.Acquire(session, ev.Index, buffer.PendingNotification); err != nil {
			r.mu.Unlock()
			return 0, err
		}
		slot, err := r.buffers.Lookup(session, ev.Index)
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
		ev.Epoch = slot.Epoch
	}
	r.next++
	tok := r.next
	p := r.pool.Get().(*pending)
	p.refs.Store(1)
	p.token = tok
	p.session = session
	p.sub = sub
	p.ev = ev
	p.state = Queued
	r.outstanding.Add(1)

	r.byToken[tok] = p
	set, ok := r.bySession[session]
	if !ok {
		set = make(map[Token]*pending)
		r.bySession[session] = set
	}
	set[tok] = p
	r.mu.Unlock()

	r.log.Trace().Str("session", session.String()).Uint64("token", uint64(tok)).
		Str("kind", ev.Kind.String()).Msg("notification queued")
	r.dispatch.Dispatch(session, tok)
	return tok, nil
}

// Deliver runs one notification on the delivery path. It reports whether the
// sink was invoked. Unknown or already resolved tokens are no-ops.
func (r *Registry) Deliver(tok Token) bool {
	r.mu.Lock()
	p, ok := r.byToken[tok]
	if ok {
		p.refs.Add(1)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	defer r.unref(p)

	p.mu.Lock()
	outcome := p.state
	if p.state == Queued {
		outcome = r.deliverLocked(p)
		p.state = outcome
	}
	p.mu.Unlock()

	if r.remove(p) {
		r.resolved(p.ev.Kind, outcome)
	}
	return outcome == Delivered
}

// deliverLocked resolves a queued notification. p.mu is held for the whole
// sink call so a concurrent CancelAll waits for it to finish.
func (r *Registry) deliverLocked(p *pending) Disposition {
	sink, ok := r.sinks.Lookup(p.sub)
	if !ok || !r.isOpen(p.session) {
		if p.ev.HoldsSlot() {
			r.buffers.Reclaim(p.session, p.ev.Index, p.ev.Epoch)
		}
		return Dropped
	}
	ev := p.ev
	switch ev.Kind {
	case KindInputAvailable, KindOutputAvailable:
		if !r.buffers.Handoff(p.session, ev.Index, ev.Epoch, ev.deliveredOwner()) {
			return Dropped
		}
		meta := Metadata{Epoch: ev.Epoch, Info: ev.Info}
		if ev.Kind == KindOutputAvailable {
			data, info, err := r.buffers.Read(p.session, ev.Index)
			if err != nil {
				return Dropped
			}
			meta.Data = data
			meta.Info = info
		}
		sink.OnBufferAvailable(ev.Direction(), ev.Index, meta)
	case KindFormatChanged:
		sink.OnFormatChanged(ev.Format)
	case KindError:
		sink.OnError(ev.ErrorKind, ev.Code)
	case KindStateChanged:
		sink.OnStateChanged(ev.State)
	default:
		return Dropped
	}
	return Delivered
}

// CancelAll resolves every outstanding notification of session as cancelled
// and returns their slots to Free. A delivery already in progress finishes
// first and keeps its outcome. It returns how many notifications it cancelled.
func (r *Registry) CancelAll(session media.SessionID) int {
	r.mu.Lock()
	set := r.bySession[session]
	snapshot := make([]*pending, 0, len(set))
	for _, p := range set {
		p.refs.Add(1)
		snapshot = append(snapshot, p)
	}
	r.mu.Unlock()

	cancelled := 0
	for _, p := range snapshot {
		p.mu.Lock()
		if p.state == Queued {
			p.state = Cancelled
			if p.ev.HoldsSlot() {
				r.buffers.Reclaim(p.session, p.ev.Index, p.ev.Epoch)
			}
			cancelled++
		}
		outcome := p.state
		p.mu.Unlock()
		if r.remove(p) {
			r.resolved(p.ev.Kind, outcome)
		}
		r.unref(p)
	}
	if cancelled > 0 {
		r.log.Debug().Str("session", session.String()).Int("cancelled", cancelled).Msg("notifications cancelled")
	}
	return cancelled
}

// Pending counts notifications of session still in the table.
func (r *Registry) Pending(session media.SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession[session])
}

// Outstanding counts notification objects not yet released by every holder.
func (r *Registry) Outstanding() int64 {
	return r.outstanding.Load()
}

// remove drops the table reference exactly once. It reports whether this call
// removed the entry.
func (r *Registry) remove(p *pending) bool {
	r.mu.Lock()
	cur, ok := r.byToken[p.token]
	if !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	delete(r.byToken, p.token)
	if set, ok := r.bySession[p.session]; ok {
		delete(set, p.token)
		if len(set) == 0 {
			delete(r.bySession, p.session)
		}
	}
	r.mu.Unlock()
	r.unref(p)
	return true
}

func (r *Registry) unref(p *pending) {
	if p.refs.Add(-1) != 0 {
		return
	}
	p.token = 0
	p.session = 0
	p.sub = Subscription{}
	p.ev = Event{}
	p.state = Queued
	r.outstanding.Add(-1)
	r.pool.Put(p)
}

func (r *Registry) resolved(kind Kind, outcome Disposition) {
	if r.observer != nil {
		r.observer.NotificationResolved(kind.String(), outcome.String())
	}
}
