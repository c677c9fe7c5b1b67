package loopback

import (
	"context"
	"strings"

	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
)

var _ engine.Muxer = (*Engine)(nil)

// AddTrack registers a stream described by params. Only muxer sessions take
// tracks, and only before they start.
func (e *Engine) AddTrack(_ context.Context, params media.Params) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.typ != media.SessionMuxer {
		return 0, mserr.Remote(engine.CodeBadParams, "loopback: %s session has no tracks", e.typ)
	}
	if e.running {
		return 0, mserr.Remote(engine.CodeBadParams, "loopback: tracks are fixed once started")
	}
	if err := e.fault("add_track"); err != nil {
		return 0, err
	}
	mime, _ := params.Get(media.ParamMime)
	if !strings.Contains(mime, "/") {
		return 0, mserr.Remote(engine.CodeBadParams, "loopback: track mime %q is not type/subtype", mime)
	}
	e.tracks = append(e.tracks, engine.TrackStats{Mime: mime, LastPTS: -1})
	return len(e.tracks) - 1, nil
}

// WriteSample accepts one sample for track. Timestamps may repeat but never
// go backwards within a track.
func (e *Engine) WriteSample(_ context.Context, track int, info media.BufferInfo, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return mserr.Remote(engine.CodeNotRunning, "loopback: not running")
	}
	if track < 0 || track >= len(e.tracks) {
		return mserr.Remote(engine.CodeBadInput, "loopback: track %d out of range", track)
	}
	if err := e.fault("write_sample"); err != nil {
		return err
	}
	st := &e.tracks[track]
	if info.PTS < st.LastPTS {
		return mserr.Remote(engine.CodeBadInput, "loopback: track %d pts %d before %d", track, info.PTS, st.LastPTS)
	}
	st.Samples++
	st.Bytes += int64(len(data))
	st.LastPTS = info.PTS
	return nil
}

// Tracks returns a copy of the per-track counters.
func (e *Engine) Tracks() []engine.TrackStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.TrackStats(nil), e.tracks...)
}
