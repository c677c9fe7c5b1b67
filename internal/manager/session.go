package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/mediactl/internal/buffer"
	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/danmuck/mediactl/internal/statemachine"
	"github.com/rs/zerolog"
)

const (
	DefaultBuffers    = 4
	DefaultBufferSize = 64 * 1024
	MaxBufferSize     = 8 * 1024 * 1024
)

var (
	ErrInvalidParams = fmt.Errorf("manager: invalid parameters: %w", mserr.ErrInvalidArgument)
	ErrStaleBuffer   = fmt.Errorf("manager: stale buffer reference: %w", mserr.ErrInvalidOperation)
	ErrWrongBuffer   = fmt.Errorf("manager: buffer not held for this operation: %w", mserr.ErrInvalidOperation)
)

// sessionEnv is the shared machinery every session of one manager uses.
type sessionEnv struct {
	buffers  *buffer.Registry
	notes    *notify.Registry
	metrics  Metrics
	observer Observer
	catalog  Catalog
	log      zerolog.Logger
	maxSlots int
}

type slotRef struct {
	dir     media.Direction
	ordinal int
}

// Session is one media session: its state machine, its engine and the slots
// it exchanges with the owning client. Every operation runs under mu, so the
// state check and its side effects are atomic with respect to other calls and
// to the engine event pump.
type Session struct {
	id         media.SessionID
	typ        media.SessionType
	owner      media.ClientID
	engineName string
	created    time.Time
	env        *sessionEnv
	log        zerolog.Logger

	mu       sync.Mutex
	machine  *statemachine.Machine
	eng      engine.Engine
	sub      notify.Subscription
	params   media.Params
	format   media.Params
	inputs   []uint32
	outputs  []uint32
	slots    map[uint32]slotRef
	byOutput map[int]uint32
	byInput  map[int]uint32
	rendered int64
	lastPTS  int64
	tracks   []media.Params
	samples  int64

	cancelPump context.CancelFunc
	pumpDone   chan struct{}
}

func newSession(parent context.Context, env *sessionEnv, id media.SessionID, typ media.SessionType,
	owner media.ClientID, engineName string, eng engine.Engine, sub notify.Subscription) (*Session, error) {
	table, err := statemachine.TableFor(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mserr.ErrInvalidArgument, err)
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:         id,
		typ:        typ,
		owner:      owner,
		engineName: engineName,
		created:    time.Now(),
		env:        env,
		log: env.log.With().
			Str("session", id.String()).
			Str("type", typ.String()).
			Str("client", string(owner)).
			Logger(),
		machine:    statemachine.New(table),
		eng:        eng,
		sub:        sub,
		slots:      make(map[uint32]slotRef),
		byOutput:   make(map[int]uint32),
		byInput:    make(map[int]uint32),
		cancelPump: cancel,
		pumpDone:   make(chan struct{}),
	}
	env.notes.Open(id)
	go s.pump(ctx)
	return s, nil
}

func (s *Session) ID() media.SessionID { return s.id }

func (s *Session) Type() media.SessionType { return s.typ }

func (s *Session) Owner() media.ClientID { return s.owner }

func (s *Session) Engine() string { return s.engineName }

func (s *Session) Subscription() notify.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// State returns the current lifecycle state.
func (s *Session) State() statemachine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Params returns a copy of the configured parameters.
func (s *Session) Params() media.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// SetSubscription points future notifications at sub.
func (s *Session) SetSubscription(sub notify.Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Configure validates params and hands them to the engine.
func (s *Session) Configure(ctx context.Context, params media.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpConfigure)
	if err != nil {
		return err
	}
	if err := s.validateLocked(params); err != nil {
		return err
	}
	if err := s.eng.Configure(ctx, params); err != nil {
		return s.engineFailedLocked(statemachine.OpConfigure, err)
	}
	s.params = params.Clone()
	s.tracks = nil
	s.samples = 0
	s.commitLocked(statemachine.OpConfigure, to, true)
	return nil
}

func (s *Session) validateLocked(params media.Params) error {
	mime, hasMime := params.Get(media.ParamMime)
	switch s.typ {
	case media.SessionCodec:
		if !hasMime || mime == "" {
			return fmt.Errorf("%w: codec session needs %s", ErrInvalidParams, media.ParamMime)
		}
	case media.SessionPlayer, media.SessionMetadata:
		if src, ok := params.Get(media.ParamSource); !ok || src == "" {
			return fmt.Errorf("%w: %s session needs %s", ErrInvalidParams, s.typ, media.ParamSource)
		}
	case media.SessionMuxer:
		if format, ok := params.Get(media.ParamFormat); !ok || format == "" {
			return fmt.Errorf("%w: muxer session needs %s", ErrInvalidParams, media.ParamFormat)
		}
	}
	if hasMime && mime != "" && s.env.catalog != nil && !s.env.catalog.Supports(s.typ, mime) {
		return fmt.Errorf("%w: %s does not support %q", ErrInvalidParams, s.typ, mime)
	}
	n, err := params.Int(media.ParamBuffers, DefaultBuffers)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if n <= 0 || n > s.env.maxSlots/2 {
		return fmt.Errorf("%w: %s=%d out of range 1..%d", ErrInvalidParams, media.ParamBuffers, n, s.env.maxSlots/2)
	}
	size, err := params.Int(media.ParamBufferSize, DefaultBufferSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if size < 0 || size > MaxBufferSize {
		return fmt.Errorf("%w: %s=%d out of range 0..%d", ErrInvalidParams, media.ParamBufferSize, size, MaxBufferSize)
	}
	return nil
}

// Prepare asks the engine for its buffers and binds them to slots.
func (s *Session) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpPrepare)
	if err != nil {
		return err
	}
	if err := s.bindBuffersLocked(); err != nil {
		s.unbindBuffersLocked()
		return s.engineFailedLocked(statemachine.OpPrepare, err)
	}
	if err := s.eng.Prepare(ctx); err != nil {
		s.unbindBuffersLocked()
		return s.engineFailedLocked(statemachine.OpPrepare, err)
	}
	s.commitLocked(statemachine.OpPrepare, to, true)
	return nil
}

// bindBuffersLocked allocates engine buffers and, for session types that
// exchange buffers with the client, one registry slot per engine buffer.
// Player outputs stay inside the session and are never handed out. Muxers
// take samples by value and have no slots.
func (s *Session) bindBuffersLocked() error {
	if s.typ == media.SessionMetadata || s.typ == media.SessionMuxer {
		return nil
	}
	n, _ := s.params.Int(media.ParamBuffers, DefaultBuffers)
	size, _ := s.params.Int(media.ParamBufferSize, DefaultBufferSize)
	if s.typ == media.SessionPlayer {
		_, err := s.eng.AllocateBuffers(media.Output, n)
		return err
	}
	for _, dir := range []media.Direction{media.Input, media.Output} {
		descs, err := s.eng.AllocateBuffers(dir, n)
		if err != nil {
			return err
		}
		if len(descs) == 0 {
			continue
		}
		slotSize := size
		if descs[0].Size > slotSize {
			slotSize = descs[0].Size
		}
		indices, err := s.env.buffers.Allocate(s.id, len(descs), slotSize)
		if err != nil {
			return err
		}
		for ord, idx := range indices {
			s.slots[idx] = slotRef{dir: dir, ordinal: ord}
			if dir == media.Input {
				s.inputs = append(s.inputs, idx)
				s.byInput[ord] = idx
			} else {
				s.outputs = append(s.outputs, idx)
				s.byOutput[ord] = idx
			}
		}
	}
	return nil
}

// unbindBuffersLocked destroys every slot. Notifications must already be
// cancelled so no slot is still PendingNotification.
func (s *Session) unbindBuffersLocked() {
	if forced := s.env.buffers.DestroyAll(s.id); forced > 0 {
		s.log.Debug().Int("forced", forced).Msg("slots reclaimed from holders")
	}
	s.inputs = nil
	s.outputs = nil
	s.slots = make(map[uint32]slotRef)
	s.byInput = make(map[int]uint32)
	s.byOutput = make(map[int]uint32)
}

// Start begins processing. From Prepared every input slot is offered to the client.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpStart)
	if err != nil {
		return err
	}
	from := s.machine.State()
	if s.typ == media.SessionMuxer && len(s.tracks) == 0 {
		return fmt.Errorf("%w: muxer has no tracks", mserr.ErrInvalidOperation)
	}
	if from == statemachine.Paused {
		err = s.eng.Resume(ctx)
	} else {
		err = s.eng.Start(ctx)
	}
	if err != nil {
		return s.engineFailedLocked(statemachine.OpStart, err)
	}
	s.commitLocked(statemachine.OpStart, to, true)
	if from == statemachine.Prepared {
		s.offerInputsLocked()
	}
	return nil
}

func (s *Session) Pause(ctx context.Context) error {
	return s.simple(ctx, statemachine.OpPause, s.eng.Pause)
}

func (s *Session) Resume(ctx context.Context) error {
	return s.simple(ctx, statemachine.OpResume, s.eng.Resume)
}

func (s *Session) simple(ctx context.Context, op statemachine.Op, call func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(op)
	if err != nil {
		return err
	}
	if err := call(ctx); err != nil {
		return s.engineFailedLocked(op, err)
	}
	s.commitLocked(op, to, true)
	return nil
}

// Stop cancels every outstanding notification, stops the engine and destroys
// the session's slots. Once Stop returns no event is delivered for work
// produced before it.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpStop)
	if err != nil {
		return err
	}
	s.env.notes.CancelAll(s.id)
	engErr := s.eng.Stop(ctx)
	s.unbindBuffersLocked()
	if engErr != nil {
		return s.engineFailedLocked(statemachine.OpStop, engErr)
	}
	s.commitLocked(statemachine.OpStop, to, false)
	return nil
}

// Reset discards configuration and returns to Idle. It is the way out of Error.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpReset)
	if err != nil {
		return err
	}
	s.env.notes.CancelAll(s.id)
	engErr := s.eng.Reset(ctx)
	s.unbindBuffersLocked()
	s.params = nil
	s.format = nil
	s.tracks = nil
	if engErr != nil {
		return s.engineFailedLocked(statemachine.OpReset, engErr)
	}
	s.commitLocked(statemachine.OpReset, to, false)
	return nil
}

// Flush drops everything in flight, gives the client fresh slot epochs and
// leaves the session Active with every input offered again.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpFlush)
	if err != nil {
		return err
	}
	s.env.notes.CancelAll(s.id)
	if s.machine.State() == statemachine.Paused {
		if err := s.eng.Resume(ctx); err != nil {
			return s.engineFailedLocked(statemachine.OpFlush, err)
		}
	}
	if err := s.eng.Flush(ctx); err != nil {
		return s.engineFailedLocked(statemachine.OpFlush, err)
	}
	if err := s.rebindSlotsLocked(); err != nil {
		return s.engineFailedLocked(statemachine.OpFlush, err)
	}
	s.commitLocked(statemachine.OpFlush, to, true)
	s.offerInputsLocked()
	return nil
}

// rebindSlotsLocked destroys and reallocates the same slot layout so every
// index gets a new epoch and references held across the flush go stale.
func (s *Session) rebindSlotsLocked() error {
	type layout struct {
		dir   media.Direction
		count int
		size  int
	}
	var plan []layout
	for _, dir := range []media.Direction{media.Input, media.Output} {
		idxs := s.inputs
		if dir == media.Output {
			idxs = s.outputs
		}
		if len(idxs) == 0 {
			continue
		}
		slot, err := s.env.buffers.Lookup(s.id, idxs[0])
		if err != nil {
			return err
		}
		plan = append(plan, layout{dir: dir, count: len(idxs), size: len(slot.Memory)})
	}
	s.unbindBuffersLocked()
	for _, l := range plan {
		indices, err := s.env.buffers.Allocate(s.id, l.count, l.size)
		if err != nil {
			return err
		}
		for ord, idx := range indices {
			s.slots[idx] = slotRef{dir: l.dir, ordinal: ord}
			if l.dir == media.Input {
				s.inputs = append(s.inputs, idx)
				s.byInput[ord] = idx
			} else {
				s.outputs = append(s.outputs, idx)
				s.byOutput[ord] = idx
			}
		}
	}
	return nil
}

// SetParameter merges params into the running configuration.
func (s *Session) SetParameter(_ context.Context, params media.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpSetParameter)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		return fmt.Errorf("%w: empty parameter set", ErrInvalidParams)
	}
	for _, key := range []string{media.ParamMime, media.ParamBuffers, media.ParamBufferSize, media.ParamEngine} {
		if _, ok := params[key]; ok {
			return fmt.Errorf("%w: %s cannot change after configure", ErrInvalidParams, key)
		}
	}
	merged := s.params.Clone()
	for k, v := range params {
		merged[k] = v
	}
	s.params = merged
	s.commitLocked(statemachine.OpSetParameter, to, false)
	return nil
}

// QueueInput fills an input slot the client holds and passes it to the engine.
// The engine sees the payload and metadata as the slot recorded them.
func (s *Session) QueueInput(ctx context.Context, index uint32, epoch uint64, info media.BufferInfo, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.machine.Check(statemachine.OpQueueInput); err != nil {
		return err
	}
	ref, err := s.heldLocked(index, epoch, media.Input, buffer.ProducerFilling)
	if err != nil {
		return err
	}
	if err := s.env.buffers.Write(s.id, index, data, info); err != nil {
		return err
	}
	payload, recorded, err := s.env.buffers.Read(s.id, index)
	if err != nil {
		return err
	}
	if err := s.env.buffers.Acquire(s.id, index, buffer.QueuedToConsumer); err != nil {
		return err
	}
	if err := s.eng.QueueInput(ctx, ref.ordinal, recorded, payload); err != nil {
		// The engine refused the payload; offer the slot back so the client
		// can fill it again.
		if _, qerr := s.env.notes.Enqueue(s.id, s.sub, notify.Event{Kind: notify.KindInputAvailable, Index: index}); qerr != nil {
			s.log.Warn().Err(qerr).Uint32("index", index).Msg("input slot not re-offered")
		}
		return err
	}
	return nil
}

// ReleaseOutput returns an output slot the client has consumed.
func (s *Session) ReleaseOutput(_ context.Context, index uint32, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.machine.Check(statemachine.OpReleaseOutput); err != nil {
		return err
	}
	ref, err := s.heldLocked(index, epoch, media.Output, buffer.QueuedToConsumer)
	if err != nil {
		return err
	}
	if err := s.env.buffers.Release(s.id, index); err != nil {
		return err
	}
	if err := s.eng.ReleaseOutput(ref.ordinal); err != nil {
		s.log.Debug().Err(err).Int("ordinal", ref.ordinal).Msg("engine did not hold released output")
	}
	return nil
}

func (s *Session) heldLocked(index uint32, epoch uint64, dir media.Direction, owner buffer.Owner) (slotRef, error) {
	ref, ok := s.slots[index]
	if !ok || ref.dir != dir {
		return slotRef{}, fmt.Errorf("%w: %s index %d", ErrWrongBuffer, dir, index)
	}
	slot, err := s.env.buffers.Lookup(s.id, index)
	if err != nil {
		return slotRef{}, err
	}
	if slot.Epoch != epoch {
		return slotRef{}, fmt.Errorf("%w: index %d epoch %d, current %d", ErrStaleBuffer, index, epoch, slot.Epoch)
	}
	if slot.Owner != owner {
		return slotRef{}, fmt.Errorf("%w: index %d is %s", ErrWrongBuffer, index, slot.Owner)
	}
	return ref, nil
}

// release tears the session down for good. It reports false when the
// session was already released.
func (s *Session) release(reason string) bool {
	s.mu.Lock()
	if s.machine.State() == statemachine.Released {
		s.mu.Unlock()
		return false
	}
	to, err := s.machine.Check(statemachine.OpRelease)
	if err != nil {
		s.mu.Unlock()
		return false
	}
	cancelled := s.env.notes.CancelAll(s.id)
	s.unbindBuffersLocked()
	if err := s.eng.Release(); err != nil {
		s.log.Warn().Err(err).Msg("engine release failed")
	}
	s.env.notes.Close(s.id)
	s.env.buffers.Forget(s.id)
	s.commitLocked(statemachine.OpRelease, to, false)
	s.cancelPump()
	s.mu.Unlock()

	<-s.pumpDone
	s.log.Info().Str("reason", reason).Int("cancelled", cancelled).Msg("session released")
	return true
}

// offerInputsLocked hands every free input slot to the client.
func (s *Session) offerInputsLocked() {
	for _, idx := range s.inputs {
		slot, err := s.env.buffers.Lookup(s.id, idx)
		if err != nil || slot.Owner != buffer.Free {
			continue
		}
		if _, err := s.env.notes.Enqueue(s.id, s.sub, notify.Event{Kind: notify.KindInputAvailable, Index: idx}); err != nil {
			s.log.Warn().Err(err).Uint32("index", idx).Msg("input offer failed")
		}
	}
}

func (s *Session) commitLocked(op statemachine.Op, to statemachine.State, announce bool) {
	from := s.machine.State()
	s.machine.Commit(to)
	s.recordLocked(op, to)
	if announce && from != to {
		s.notifyStateLocked()
	}
}

func (s *Session) recordLocked(op statemachine.Op, to statemachine.State) {
	s.env.metrics.SessionTransition(s.typ.String(), op.String(), to.String())
	if s.env.observer != nil {
		s.env.observer.Publish(LifecycleEvent{
			Kind:    LifecycleSessionState,
			Session: s.id,
			Type:    s.typ.String(),
			Client:  s.owner,
			Op:      op.String(),
			State:   to.String(),
			At:      time.Now(),
		})
	}
	s.log.Debug().Str("op", op.String()).Str("state", to.String()).Msg("session transition")
}

func (s *Session) notifyStateLocked() {
	ev := notify.Event{Kind: notify.KindStateChanged, State: s.machine.State().String()}
	if _, err := s.env.notes.Enqueue(s.id, s.sub, ev); err != nil {
		s.log.Debug().Err(err).Msg("state notification not queued")
	}
}

// engineFailedLocked moves the session to Error when err came from the
// engine. Other errors leave the state alone.
func (s *Session) engineFailedLocked(op statemachine.Op, err error) error {
	var remote mserr.RemoteError
	if !errors.As(err, &remote) {
		return err
	}
	s.faultLocked(op, remote.Code)
	return err
}

func (s *Session) faultLocked(op statemachine.Op, code int32) {
	before := s.machine.State()
	s.machine.Fail()
	after := s.machine.State()
	if before == after {
		return
	}
	s.log.Warn().Str("op", op.String()).Int32("code", code).Msg("engine failure")
	s.recordLocked(statemachine.OpFault, after)
	s.notifyStateLocked()
}
