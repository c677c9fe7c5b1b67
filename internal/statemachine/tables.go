package statemachine

import (
	"fmt"

	"github.com/danmuck/mediactl/internal/media"
)

var (
	live       = []State{Idle, Configured, Prepared, Active, Paused}
	resettable = []State{Idle, Configured, Prepared, Active, Paused, Error}
)

// base holds the edges every session type shares.
func base(name string) *Builder {
	return NewBuilder(name).
		Allow(OpConfigure, Configured, Idle).
		Allow(OpPrepare, Prepared, Configured).
		Allow(OpStart, Active, Prepared, Paused).
		Allow(OpPause, Paused, Active).
		Allow(OpResume, Active, Paused).
		Allow(OpStop, Idle, Active, Paused).
		Allow(OpReset, Idle, resettable...).
		Allow(OpRelease, Released, resettable...).
		Allow(OpFault, Error, live...)
}

// PlayerTable adds runtime parameter updates once a source is prepared.
func PlayerTable() (*Table, error) {
	return base("player").
		Stay(OpSetParameter, Prepared, Active, Paused).
		Build()
}

// RecorderTable adds parameter updates before and during capture.
func RecorderTable() (*Table, error) {
	return base("recorder").
		Stay(OpSetParameter, Configured, Prepared, Active, Paused).
		Stay(OpQueueInput, Active).
		Stay(OpReleaseOutput, Active, Paused).
		Build()
}

// CodecTable adds buffer exchange and flush while running.
func CodecTable() (*Table, error) {
	return base("codec").
		Stay(OpQueueInput, Active).
		Stay(OpReleaseOutput, Active, Paused).
		Allow(OpFlush, Active, Active, Paused).
		Stay(OpSetParameter, Prepared, Active, Paused).
		Build()
}

// MetadataTable is the plain lifecycle with no buffer exchange.
func MetadataTable() (*Table, error) {
	return base("metadata").Build()
}

// MuxerTable takes tracks until the muxer starts, then samples while active.
func MuxerTable() (*Table, error) {
	return base("muxer").
		Stay(OpAddTrack, Configured, Prepared).
		Stay(OpWriteSample, Active).
		Build()
}

// TableFor returns the table of a session type.
func TableFor(t media.SessionType) (*Table, error) {
	switch t {
	case media.SessionPlayer:
		return PlayerTable()
	case media.SessionRecorder:
		return RecorderTable()
	case media.SessionCodec:
		return CodecTable()
	case media.SessionMetadata:
		return MetadataTable()
	case media.SessionMuxer:
		return MuxerTable()
	default:
		return nil, fmt.Errorf("statemachine: no table for %s", t)
	}
}
