package manager

import (
	"context"
	"fmt"

	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/statemachine"
)

var ErrNotMuxer = fmt.Errorf("manager: engine cannot mux: %w", mserr.ErrInvalidOperation)

func (s *Session) muxerLocked() (engine.Muxer, error) {
	mux, ok := s.eng.(engine.Muxer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMuxer, s.engineName)
	}
	return mux, nil
}

// AddTrack registers one elementary stream and returns its track id. The
// track mime must be one the catalog offers to muxer sessions.
func (s *Session) AddTrack(ctx context.Context, params media.Params) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.machine.Check(statemachine.OpAddTrack)
	if err != nil {
		return 0, err
	}
	mux, err := s.muxerLocked()
	if err != nil {
		return 0, err
	}
	mime, _ := params.Get(media.ParamMime)
	if mime == "" {
		return 0, fmt.Errorf("%w: track needs %s", ErrInvalidParams, media.ParamMime)
	}
	if s.env.catalog != nil && !s.env.catalog.Supports(s.typ, mime) {
		return 0, fmt.Errorf("%w: %s does not support %q", ErrInvalidParams, s.typ, mime)
	}
	track, err := mux.AddTrack(ctx, params.Clone())
	if err != nil {
		return 0, s.engineFailedLocked(statemachine.OpAddTrack, err)
	}
	s.tracks = append(s.tracks, params.Clone())
	s.commitLocked(statemachine.OpAddTrack, to, false)
	s.log.Debug().Int("track", track).Str("mime", mime).Msg("track added")
	return track, nil
}

// WriteSample hands one encoded sample to the muxer. A rejected sample is
// returned to the caller and leaves the session running.
func (s *Session) WriteSample(ctx context.Context, track int, info media.BufferInfo, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.machine.Check(statemachine.OpWriteSample); err != nil {
		return err
	}
	mux, err := s.muxerLocked()
	if err != nil {
		return err
	}
	if track < 0 || track >= len(s.tracks) {
		return fmt.Errorf("%w: track %d of %d", ErrInvalidParams, track, len(s.tracks))
	}
	if len(data) == 0 || len(data) > MaxBufferSize {
		return fmt.Errorf("%w: sample of %d bytes", ErrInvalidParams, len(data))
	}
	info.Offset = 0
	info.Length = uint32(len(data))
	if err := mux.WriteSample(ctx, track, info, data); err != nil {
		return err
	}
	s.samples++
	s.lastPTS = info.PTS
	return nil
}
