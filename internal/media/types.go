// Package media holds the vocabulary shared by sessions, buffers, engines and the wire.
package media

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SessionID is the opaque, process-lifetime unique session handle.
type SessionID uint64

func (id SessionID) String() string {
	return "s" + strconv.FormatUint(uint64(id), 10)
}

// ClientID identifies one connected client process.
type ClientID string

// SessionType selects the state table, engine backend and capacity bucket.
type SessionType uint8

const (
	SessionPlayer SessionType = iota + 1
	SessionRecorder
	SessionCodec
	SessionMetadata
	SessionMuxer
)

var sessionTypeNames = map[SessionType]string{
	SessionPlayer:   "player",
	SessionRecorder: "recorder",
	SessionCodec:    "codec",
	SessionMetadata: "metadata",
	SessionMuxer:    "muxer",
}

func (t SessionType) String() string {
	if name, ok := sessionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t SessionType) Valid() bool {
	_, ok := sessionTypeNames[t]
	return ok
}

// ParseSessionType accepts the lowercase names used in config and the CLI.
func ParseSessionType(raw string) (SessionType, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for t, name := range sessionTypeNames {
		if name == raw {
			return t, true
		}
	}
	return 0, false
}

// SessionTypes lists every known type in wire order.
func SessionTypes() []SessionType {
	return []SessionType{SessionPlayer, SessionRecorder, SessionCodec, SessionMetadata, SessionMuxer}
}

// Direction tells which side of the engine a buffer feeds.
type Direction uint8

const (
	Input Direction = iota + 1
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// BufferFlag marks codec metadata on a buffer.
type BufferFlag uint32

const (
	FlagEOS       BufferFlag = 1 << 0
	FlagSyncFrame BufferFlag = 1 << 1
	FlagCodecData BufferFlag = 1 << 2
)

func (f BufferFlag) Has(flag BufferFlag) bool {
	return f&flag != 0
}

// BufferInfo is the codec metadata attached to a slot.
type BufferInfo struct {
	PTS    int64 // microseconds
	Offset uint32
	Length uint32
	Flags  BufferFlag
}

// ErrorKind classifies asynchronous OnError callbacks.
type ErrorKind uint8

const (
	ErrorEngine ErrorKind = iota + 1
	ErrorService
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorEngine:
		return "engine"
	case ErrorService:
		return "service"
	case ErrorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ServiceDiedCode is the code synthesized on the client when the server goes away.
const ServiceDiedCode int32 = -32

// Params is a flat parameter set passed to Configure and format-changed callbacks.
type Params map[string]string

// Well-known parameter keys.
const (
	ParamMime       = "mime"
	ParamSource     = "source"
	ParamEngine     = "engine"
	ParamWidth      = "width"
	ParamHeight     = "height"
	ParamSampleRate = "sample_rate"
	ParamClockRate  = "clock_rate"
	ParamBuffers    = "buffers"
	ParamBufferSize = "buffer_size"
	ParamFrameRate  = "frame_rate"
	ParamPayload    = "payload_type"
	ParamSSRC       = "ssrc"
	ParamFormat     = "format"
	ParamBitrate    = "bitrate"
	ParamChannels   = "channels"
)

func (p Params) Get(key string) (string, bool) {
	v, ok := p[key]
	return strings.TrimSpace(v), ok
}

// Int returns the integer value at key or def when missing.
func (p Params) Int(key string, def int) (int, error) {
	raw, ok := p.Get(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return v, nil
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns sorted keys for deterministic encoding.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
