// Package buffer maps small slot indices to session-owned shared buffers and
// enforces that exactly one party owns each slot at a time.
//
// Ownership moves only through the transitions listed in legalAcquire plus the
// two notification-only edges (Handoff and Reclaim). Every slot carries an
// epoch; DestroyAll bumps the epoch of each index it removes so references
// captured before teardown can never touch a reused index.
package buffer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
)

var (
	ErrSlotNotFound  = fmt.Errorf("buffer: slot not found: %w", mserr.ErrInvalidArgument)
	ErrInvalidState  = fmt.Errorf("buffer: invalid ownership transition: %w", mserr.ErrInvalidOperation)
	ErrCapExceeded   = fmt.Errorf("buffer: slot cap exceeded: %w", mserr.ErrResourceExhausted)
	ErrDoubleRelease = fmt.Errorf("buffer: slot already free: %w", mserr.ErrInternal)
	ErrTooLarge      = fmt.Errorf("buffer: payload larger than slot: %w", mserr.ErrInvalidArgument)
	ErrBadCount      = errors.New("buffer: count must be positive")
)

// Owner tags which party may touch a slot.
type Owner uint8

const (
	Free Owner = iota
	ProducerFilling
	QueuedToConsumer
	PendingNotification
)

var ownerNames = [...]string{
	Free:                "free",
	ProducerFilling:     "producer_filling",
	QueuedToConsumer:    "queued_to_consumer",
	PendingNotification: "pending_notification",
}

func (o Owner) String() string {
	if int(o) < len(ownerNames) {
		return ownerNames[o]
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// legalAcquire lists the owners reachable through Acquire. PendingNotification
// is absent as a source: leaving it requires delivery or cancellation.
var legalAcquire = map[Owner][]Owner{
	Free:             {ProducerFilling, PendingNotification},
	ProducerFilling:  {QueuedToConsumer, PendingNotification},
	QueuedToConsumer: {PendingNotification},
}

// DefaultMaxSlots is the per-session slot cap when Config leaves it unset.
const DefaultMaxSlots = 32

// Config bounds slot allocation.
type Config struct {
	MaxSlotsPerSession int
}

// Slot is a point-in-time view of one buffer slot. Memory aliases the
// backing store and may only be touched by the current owner.
type Slot struct {
	Index  uint32
	Epoch  uint64
	Owner  Owner
	Memory []byte
	Info   media.BufferInfo
}

type slot struct {
	epoch uint64
	owner Owner
	mem   []byte
	info  media.BufferInfo
}

type table struct {
	slots  map[uint32]*slot
	epochs map[uint32]uint64
}

// Registry tracks the slot tables of every live session.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	tables map[media.SessionID]*table
}

// NewRegistry creates an empty buffer registry. A non-positive slot limit
// uses DefaultMaxSlots.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxSlotsPerSession <= 0 {
		cfg.MaxSlotsPerSession = DefaultMaxSlots
	}
	return &Registry{
		cfg:    cfg,
		tables: make(map[media.SessionID]*table),
	}
}

// Allocate creates count Free slots of sizeHint bytes and returns their indices.
// Freed indices are reused lowest first.
func (r *Registry) Allocate(session media.SessionID, count int, sizeHint int) ([]uint32, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %w", mserr.ErrInvalidArgument, ErrBadCount)
	}
	if sizeHint < 0 {
		return nil, fmt.Errorf("%w: negative size hint %d", mserr.ErrInvalidArgument, sizeHint)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tableLocked(session)
	if len(t.slots)+count > r.cfg.MaxSlotsPerSession {
		return nil, fmt.Errorf("%w: session=%s have=%d want=%d max=%d",
			ErrCapExceeded, session, len(t.slots), count, r.cfg.MaxSlotsPerSession)
	}
	out := make([]uint32, 0, count)
	for idx := uint32(0); len(out) < count; idx++ {
		if _, used := t.slots[idx]; used {
			continue
		}
		t.epochs[idx]++
		t.slots[idx] = &slot{
			epoch: t.epochs[idx],
			owner: Free,
			mem:   make([]byte, sizeHint),
		}
		out = append(out, idx)
	}
	return out, nil
}

// Acquire moves a slot to newOwner when the transition is legal.
func (r *Registry) Acquire(session media.SessionID, index uint32, newOwner Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(session, index)
	if err != nil {
		return err
	}
	if !canAcquire(s.owner, newOwner) {
		return fmt.Errorf("%w: session=%s index=%d %s -> %s", ErrInvalidState, session, index, s.owner, newOwner)
	}
	s.owner = newOwner
	return nil
}

// Release returns a slot to Free and discards any unread payload.
func (r *Registry) Release(session media.SessionID, index uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(session, index)
	if err != nil {
		return err
	}
	switch s.owner {
	case Free:
		return fmt.Errorf("%w: session=%s index=%d", ErrDoubleRelease, session, index)
	case PendingNotification:
		return fmt.Errorf("%w: session=%s index=%d release while %s", ErrInvalidState, session, index, s.owner)
	}
	s.owner = Free
	s.info = media.BufferInfo{}
	return nil
}

// Write copies data into a slot held by the producer and records its metadata.
func (r *Registry) Write(session media.SessionID, index uint32, data []byte, info media.BufferInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(session, index)
	if err != nil {
		return err
	}
	if s.owner != ProducerFilling {
		return fmt.Errorf("%w: session=%s index=%d write while %s", ErrInvalidState, session, index, s.owner)
	}
	if len(data) > len(s.mem) {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), len(s.mem))
	}
	n := copy(s.mem, data)
	info.Offset = 0
	info.Length = uint32(n)
	s.info = info
	return nil
}

// Read returns a copy of the valid payload of a slot.
func (r *Registry) Read(session media.SessionID, index uint32) ([]byte, media.BufferInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(session, index)
	if err != nil {
		return nil, media.BufferInfo{}, err
	}
	end := int(s.info.Offset + s.info.Length)
	if end > len(s.mem) {
		end = len(s.mem)
	}
	out := make([]byte, end-int(s.info.Offset))
	copy(out, s.mem[s.info.Offset:end])
	return out, s.info, nil
}

// Handoff completes a delivered notification: the slot leaves
// PendingNotification for owner. It reports false when the slot is gone, the
// epoch is stale or the slot was already resolved.
func (r *Registry) Handoff(session media.SessionID, index uint32, epoch uint64, owner Owner) bool {
	if owner != ProducerFilling && owner != QueuedToConsumer {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(session, index)
	if err != nil || s.epoch != epoch || s.owner != PendingNotification {
		return false
	}
	s.owner = owner
	return true
}

// Reclaim completes a cancelled notification: the slot goes back to Free.
func (r *Registry) Reclaim(session media.SessionID, index uint32, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(session, index)
	if err != nil || s.epoch != epoch || s.owner != PendingNotification {
		return false
	}
	s.owner = Free
	s.info = media.BufferInfo{}
	return true
}

// DestroyAll forces every slot of session to Free, removes them and bumps the
// epoch of each removed index. It returns how many slots were not already Free.
// Calling it again, or for an unknown session, is a no-op.
func (r *Registry) DestroyAll(session media.SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[session]
	if !ok {
		return 0
	}
	forced := 0
	for idx, s := range t.slots {
		if s.owner != Free {
			forced++
		}
		s.owner = Free
		s.mem = nil
		t.epochs[idx]++
		delete(t.slots, idx)
	}
	return forced
}

// Forget drops all bookkeeping for a released session, epochs included.
func (r *Registry) Forget(session media.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, session)
}

// Lookup returns a snapshot of one slot.
func (r *Registry) Lookup(session media.SessionID, index uint32) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.slotLocked(session, index)
	if err != nil {
		return Slot{}, err
	}
	return Slot{Index: index, Epoch: s.epoch, Owner: s.owner, Memory: s.mem, Info: s.info}, nil
}

// Slots returns every slot of session ordered by index.
func (r *Registry) Slots(session media.SessionID) []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[session]
	if !ok {
		return nil
	}
	out := make([]Slot, 0, len(t.slots))
	for idx, s := range t.slots {
		out = append(out, Slot{Index: idx, Epoch: s.epoch, Owner: s.owner, Memory: s.mem, Info: s.info})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Counts tallies the slots of session by owner.
func (r *Registry) Counts(session media.SessionID) map[Owner]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Owner]int, 4)
	if t, ok := r.tables[session]; ok {
		for _, s := range t.slots {
			out[s.owner]++
		}
	}
	return out
}

func canAcquire(from, to Owner) bool {
	for _, next := range legalAcquire[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (r *Registry) tableLocked(session media.SessionID) *table {
	t, ok := r.tables[session]
	if !ok {
		t = &table{
			slots:  make(map[uint32]*slot),
			epochs: make(map[uint32]uint64),
		}
		r.tables[session] = t
	}
	return t
}

func (r *Registry) slotLocked(session media.SessionID, index uint32) (*slot, error) {
	t, ok := r.tables[session]
	if !ok {
		return nil, fmt.Errorf("%w: session=%s", ErrSlotNotFound, session)
	}
	s, ok := t.slots[index]
	if !ok {
		return nil, fmt.Errorf("%w: session=%s index=%d", ErrSlotNotFound, session, index)
	}
	return s, nil
}
