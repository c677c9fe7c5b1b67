// Package schema names the methods, events and fields carried on the media
// channel and validates request payloads against their required fields.
package schema

import (
	"fmt"

	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Method is the id of one client-to-server call.
type Method uint32

const (
	MethodPing Method = iota + 1
	MethodListCodecs
	MethodCreateSession
	MethodDestroySession
	MethodConfigure
	MethodPrepare
	MethodStart
	MethodPause
	MethodResume
	MethodStop
	MethodReset
	MethodRelease
	MethodFlush
	MethodQueueInput
	MethodReleaseOutput
	MethodSetParameter
	MethodGetState
	MethodListProfiles
	MethodAddTrack
	MethodWriteSample
)

var methodNames = map[Method]string{
	MethodPing:           "ping",
	MethodListCodecs:     "list_codecs",
	MethodCreateSession:  "create_session",
	MethodDestroySession: "destroy_session",
	MethodConfigure:      "configure",
	MethodPrepare:        "prepare",
	MethodStart:          "start",
	MethodPause:          "pause",
	MethodResume:         "resume",
	MethodStop:           "stop",
	MethodReset:          "reset",
	MethodRelease:        "release",
	MethodFlush:          "flush",
	MethodQueueInput:     "queue_input",
	MethodReleaseOutput:  "release_output",
	MethodSetParameter:   "set_parameter",
	MethodGetState:       "get_state",
	MethodListProfiles:   "list_profiles",
	MethodAddTrack:       "add_track",
	MethodWriteSample:    "write_sample",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", uint32(m))
}

// Methods lists every defined method id in order.
func Methods() []Method {
	out := make([]Method, 0, len(methodNames))
	for m := MethodPing; m <= MethodWriteSample; m++ {
		out = append(out, m)
	}
	return out
}

// SessionScoped reports whether the call targets the session in the frame header.
func (m Method) SessionScoped() bool {
	switch m {
	case MethodPing, MethodListCodecs, MethodListProfiles, MethodCreateSession:
		return false
	default:
		return true
	}
}

// Field IDs.
const (
	FieldSessionType uint16 = 1
	FieldEngine      uint16 = 2
	FieldParams      uint16 = 3
	FieldIndex       uint16 = 4
	FieldEpoch       uint16 = 5
	FieldPTS         uint16 = 6
	FieldFlags       uint16 = 7
	FieldData        uint16 = 8
	FieldState       uint16 = 9
	FieldDirection   uint16 = 10
	FieldOffset      uint16 = 11
	FieldLength      uint16 = 12
	FieldSessionID   uint16 = 13
	FieldTrack       uint16 = 14

	FieldEventKind uint16 = 100
	FieldErrorKind uint16 = 101
	FieldCode      uint16 = 102

	FieldMessage    uint16 = 200
	FieldRemoteCode uint16 = 201

	FieldCodec        uint16 = 300
	FieldCodecName    uint16 = 301
	FieldCodecMime    uint16 = 302
	FieldCodecKind    uint16 = 303
	FieldCodecEngine  uint16 = 304
	FieldCodecSession uint16 = 305

	FieldProfile        uint16 = 400
	FieldProfileName    uint16 = 401
	FieldProfileQuality uint16 = 402
	FieldProfileFormat  uint16 = 403
	FieldProfileVideo   uint16 = 404
	FieldProfileAudio   uint16 = 405
	FieldProfileSeconds uint16 = 406
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Method  Method
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: method=%s: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("schema: method=%s field=%d: %s", e.Method, e.FieldID, e.Reason)
}

// Unwrap classifies every schema failure as a bad argument.
func (e ValidationError) Unwrap() error { return mserr.ErrInvalidArgument }

var requirements = map[Method][]Requirement{
	MethodPing:           nil,
	MethodListCodecs:     nil,
	MethodCreateSession:  {{FieldSessionType, tlv.TypeU8}},
	MethodDestroySession: nil,
	MethodConfigure:      {{FieldParams, tlv.TypeBytes}},
	MethodPrepare:        nil,
	MethodStart:          nil,
	MethodPause:          nil,
	MethodResume:         nil,
	MethodStop:           nil,
	MethodReset:          nil,
	MethodRelease:        nil,
	MethodFlush:          nil,
	MethodQueueInput: {
		{FieldIndex, tlv.TypeU32},
		{FieldEpoch, tlv.TypeU64},
		{FieldPTS, tlv.TypeI64},
		{FieldFlags, tlv.TypeU32},
		{FieldData, tlv.TypeBytes},
	},
	MethodReleaseOutput: {
		{FieldIndex, tlv.TypeU32},
		{FieldEpoch, tlv.TypeU64},
	},
	MethodSetParameter: {{FieldParams, tlv.TypeBytes}},
	MethodGetState:     nil,
	MethodListProfiles: nil,
	MethodAddTrack:     {{FieldParams, tlv.TypeBytes}},
	MethodWriteSample: {
		{FieldTrack, tlv.TypeU32},
		{FieldPTS, tlv.TypeI64},
		{FieldFlags, tlv.TypeU32},
		{FieldData, tlv.TypeBytes},
	},
}

// Event kinds carried in the method slot of event frames.
const (
	EventInputAvailable  uint32 = 1
	EventOutputAvailable uint32 = 2
	EventFormatChanged   uint32 = 3
	EventError           uint32 = 4
	EventStateChanged    uint32 = 5
)

var eventRequirements = map[uint32][]Requirement{
	EventInputAvailable: {
		{FieldIndex, tlv.TypeU32},
		{FieldEpoch, tlv.TypeU64},
	},
	EventOutputAvailable: {
		{FieldIndex, tlv.TypeU32},
		{FieldEpoch, tlv.TypeU64},
		{FieldPTS, tlv.TypeI64},
		{FieldFlags, tlv.TypeU32},
		{FieldData, tlv.TypeBytes},
	},
	EventFormatChanged: {{FieldParams, tlv.TypeBytes}},
	EventError: {
		{FieldErrorKind, tlv.TypeU8},
		{FieldCode, tlv.TypeI32},
	},
	EventStateChanged: {{FieldState, tlv.TypeString}},
}

// Known reports whether m has a registered requirement set.
func Known(m Method) bool {
	_, ok := requirements[m]
	return ok
}

// Validate enforces required fields and required field types for a method.
// Unknown fields are ignored.
func Validate(m Method, fields []tlv.Field) error {
	reqs, ok := requirements[m]
	if !ok {
		log.Debug().Uint32("method", uint32(m)).Msg("schema: unknown method")
		return ValidationError{Method: m, Reason: "unknown method"}
	}
	return check(m, reqs, fields)
}

// ValidateEvent enforces the required fields of an event frame.
func ValidateEvent(kind uint32, fields []tlv.Field) error {
	reqs, ok := eventRequirements[kind]
	if !ok {
		return ValidationError{Reason: fmt.Sprintf("unknown event kind %d", kind)}
	}
	return check(0, reqs, fields)
}

func check(m Method, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Str("method", m.String()).Uint16("field", req.ID).Msg("schema: missing field")
			return ValidationError{Method: m, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Str("method", m.String()).Uint16("field", req.ID).
				Uint8("got", f.Type).Uint8("want", req.Type).Msg("schema: type mismatch")
			return ValidationError{Method: m, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
