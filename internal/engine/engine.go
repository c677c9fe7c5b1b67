// Package engine defines the capability boundary between sessions and the
// media processing backends, plus the helpers backends share.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/mediactl/internal/media"
)

var ErrEngineClosed = errors.New("engine: closed")

// Engine remote codes surfaced through mserr.RemoteError.
const (
	CodeBadParams     int32 = -1
	CodeBadInput      int32 = -2
	CodeNotRunning    int32 = -3
	CodeInjectedFault int32 = -99
)

// BufferDescriptor describes one engine buffer the session must back with a slot.
type BufferDescriptor struct {
	Direction media.Direction
	Size      int
}

// EventKind names something the engine reports asynchronously.
type EventKind uint8

const (
	EventInputConsumed EventKind = iota + 1
	EventOutputReady
	EventFormatChanged
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInputConsumed:
		return "input_consumed"
	case EventOutputReady:
		return "output_ready"
	case EventFormatChanged:
		return "format_changed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one engine report. Index is the engine-local ordinal of the buffer
// within its direction, matching the order of AllocateBuffers.
type Event struct {
	Kind   EventKind
	Index  int
	Info   media.BufferInfo
	Data   []byte
	Format media.Params
	Code   int32
}

// Engine is the capability set one backend implements. Sessions call it with
// their own lock held and never concurrently for the same engine, except for
// PollEvent, which runs on the session's event pump.
type Engine interface {
	Configure(ctx context.Context, params media.Params) error
	Prepare(ctx context.Context) error
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Release() error

	AllocateBuffers(dir media.Direction, count int) ([]BufferDescriptor, error)
	QueueInput(ctx context.Context, index int, info media.BufferInfo, data []byte) error
	ReleaseOutput(index int) error
	Flush(ctx context.Context) error

	// PollEvent blocks until an event is available, ctx ends or the engine
	// is released (ErrEngineClosed).
	PollEvent(ctx context.Context) (Event, error)
}

// Muxer is implemented by backends that interleave elementary streams into
// one container. Tracks are added before Start; samples are written while
// running. Track ids are dense and start at zero.
type Muxer interface {
	AddTrack(ctx context.Context, params media.Params) (int, error)
	WriteSample(ctx context.Context, track int, info media.BufferInfo, data []byte) error
}

// TrackStats is what a muxer has accepted on one track.
type TrackStats struct {
	Mime    string `json:"mime"`
	Samples int64  `json:"samples"`
	Bytes   int64  `json:"bytes"`
	LastPTS int64  `json:"last_pts"`
}
