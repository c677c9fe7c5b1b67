package manager

import (
	"context"

	"github.com/danmuck/mediactl/internal/buffer"
	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/danmuck/mediactl/internal/statemachine"
)

// pump moves engine events into the notification registry until the engine
// closes or the session is released.
func (s *Session) pump(ctx context.Context) {
	defer close(s.pumpDone)
	for {
		ev, err := s.eng.PollEvent(ctx)
		if err != nil {
			return
		}
		s.handleEngineEvent(ev)
	}
}

func (s *Session) handleEngineEvent(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.machine.State() {
	case statemachine.Prepared, statemachine.Active, statemachine.Paused:
	default:
		// Work produced before a Stop, Reset or Release is never reported.
		s.log.Trace().Str("event", ev.Kind.String()).Str("state", s.machine.State().String()).Msg("engine event dropped")
		return
	}
	switch ev.Kind {
	case engine.EventOutputReady:
		s.outputReadyLocked(ev)
	case engine.EventInputConsumed:
		s.inputConsumedLocked(ev)
	case engine.EventFormatChanged:
		s.format = ev.Format.Clone()
		s.enqueueLocked(notify.Event{Kind: notify.KindFormatChanged, Format: ev.Format.Clone()})
	case engine.EventError:
		s.enqueueLocked(notify.Event{Kind: notify.KindError, ErrorKind: media.ErrorEngine, Code: ev.Code})
		s.faultLocked(statemachine.OpFault, ev.Code)
	}
}

func (s *Session) outputReadyLocked(ev engine.Event) {
	if s.typ == media.SessionPlayer {
		// Players render their own output.
		s.rendered++
		s.lastPTS = ev.Info.PTS
		if err := s.eng.ReleaseOutput(ev.Index); err != nil {
			s.log.Debug().Err(err).Int("ordinal", ev.Index).Msg("rendered output not returned")
		}
		return
	}
	idx, ok := s.byOutput[ev.Index]
	if !ok {
		s.log.Warn().Int("ordinal", ev.Index).Msg("engine output has no slot")
		return
	}
	if err := s.env.buffers.Acquire(s.id, idx, buffer.ProducerFilling); err != nil {
		s.log.Warn().Err(err).Uint32("index", idx).Msg("output slot busy")
		s.returnOutputLocked(ev.Index)
		return
	}
	if err := s.env.buffers.Write(s.id, idx, ev.Data, ev.Info); err != nil {
		s.log.Warn().Err(err).Uint32("index", idx).Msg("output write failed")
		s.dropOutputLocked(idx, ev.Index)
		return
	}
	if _, err := s.env.notes.Enqueue(s.id, s.sub, notify.Event{Kind: notify.KindOutputAvailable, Index: idx, Info: ev.Info}); err != nil {
		s.log.Warn().Err(err).Uint32("index", idx).Msg("output notification failed")
		s.dropOutputLocked(idx, ev.Index)
	}
}

func (s *Session) dropOutputLocked(idx uint32, ordinal int) {
	if err := s.env.buffers.Release(s.id, idx); err != nil {
		s.log.Warn().Err(err).Uint32("index", idx).Msg("output slot not freed")
	}
	s.returnOutputLocked(ordinal)
}

func (s *Session) returnOutputLocked(ordinal int) {
	if err := s.eng.ReleaseOutput(ordinal); err != nil {
		s.log.Debug().Err(err).Int("ordinal", ordinal).Msg("engine output not returned")
	}
}

// inputConsumedLocked offers a drained input slot back to the client.
func (s *Session) inputConsumedLocked(ev engine.Event) {
	idx, ok := s.byInput[ev.Index]
	if !ok {
		s.log.Warn().Int("ordinal", ev.Index).Msg("engine input has no slot")
		return
	}
	s.enqueueLocked(notify.Event{Kind: notify.KindInputAvailable, Index: idx})
}

func (s *Session) enqueueLocked(ev notify.Event) {
	if _, err := s.env.notes.Enqueue(s.id, s.sub, ev); err != nil {
		s.log.Debug().Err(err).Str("kind", ev.Kind.String()).Msg("notification not queued")
	}
}
