package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/protocol/frame"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
)

// NewRequest builds a call frame.
func NewRequest(callID uint64, method schema.Method, session media.SessionID, fields []tlv.Field) frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			CallID:  callID,
			Method:  uint32(method),
			Session: uint64(session),
		},
		Payload: tlv.EncodeFields(fields),
	}
}

// NewResponse answers req. A non-nil err sets the status code and error flag
// and carries the message and any engine code in the payload.
func NewResponse(req frame.Header, err error, fields []tlv.Field) frame.Frame {
	h := frame.Header{
		CallID:  req.CallID,
		Method:  req.Method,
		Session: req.Session,
		Flags:   frame.FlagIsResponse,
		Status:  int32(mserr.CodeOf(err)),
	}
	if err != nil {
		h.Flags |= frame.FlagIsError
		var remote mserr.RemoteError
		if errors.As(err, &remote) {
			fields = []tlv.Field{
				tlv.String(schema.FieldMessage, remote.Msg),
				tlv.I32(schema.FieldRemoteCode, remote.Code),
			}
		} else {
			fields = []tlv.Field{tlv.String(schema.FieldMessage, err.Error())}
		}
	}
	return frame.Frame{Header: h, Payload: tlv.EncodeFields(fields)}
}

// DecodeResponse returns the result fields of a response frame, or the
// classified error it carries. A response that cannot be decoded is never
// acted upon.
func DecodeResponse(f frame.Frame) ([]tlv.Field, error) {
	if !f.Header.IsResponse() {
		return nil, fmt.Errorf("session: frame %d is not a response: %w", f.Header.CallID, mserr.ErrInternal)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("session: response payload: %v: %w", err, mserr.ErrInternal)
	}
	code := mserr.Code(f.Header.Status)
	if code == mserr.CodeOK {
		return fields, nil
	}
	msg := ""
	if mf, ok := tlv.GetField(fields, schema.FieldMessage); ok {
		msg, _ = mf.AsString()
	}
	var remote int32
	if rf, ok := tlv.GetField(fields, schema.FieldRemoteCode); ok {
		remote, _ = rf.AsI32()
	}
	return nil, mserr.FromCode(code, remote, msg)
}

// Event is the wire shape of one session notification.
type Event struct {
	Kind      uint32
	Session   media.SessionID
	Index     uint32
	Epoch     uint64
	Info      media.BufferInfo
	Data      []byte
	Params    media.Params
	ErrorKind media.ErrorKind
	Code      int32
	State     string
}

func (e Event) fields() []tlv.Field {
	switch e.Kind {
	case schema.EventInputAvailable:
		return []tlv.Field{
			tlv.U32(schema.FieldIndex, e.Index),
			tlv.U64(schema.FieldEpoch, e.Epoch),
		}
	case schema.EventOutputAvailable:
		return []tlv.Field{
			tlv.U32(schema.FieldIndex, e.Index),
			tlv.U64(schema.FieldEpoch, e.Epoch),
			tlv.I64(schema.FieldPTS, e.Info.PTS),
			tlv.U32(schema.FieldFlags, uint32(e.Info.Flags)),
			tlv.U32(schema.FieldOffset, e.Info.Offset),
			tlv.U32(schema.FieldLength, e.Info.Length),
			tlv.Bytes(schema.FieldData, e.Data),
		}
	case schema.EventFormatChanged:
		return []tlv.Field{tlv.Bytes(schema.FieldParams, tlv.EncodeStringMap(e.Params))}
	case schema.EventError:
		return []tlv.Field{
			tlv.U8(schema.FieldErrorKind, uint8(e.ErrorKind)),
			tlv.I32(schema.FieldCode, e.Code),
		}
	case schema.EventStateChanged:
		return []tlv.Field{tlv.String(schema.FieldState, e.State)}
	default:
		return nil
	}
}

// EncodeEvent builds the event frame for e.
func EncodeEvent(e Event) (frame.Frame, error) {
	fields := e.fields()
	if err := schema.ValidateEvent(e.Kind, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			Method:  e.Kind,
			Flags:   frame.FlagIsEvent,
			Session: uint64(e.Session),
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// DecodeEvent parses an event frame.
func DecodeEvent(f frame.Frame) (Event, error) {
	if !f.Header.IsEvent() {
		return Event{}, errors.New("session: frame is not an event")
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Event{}, err
	}
	if err := schema.ValidateEvent(f.Header.Method, fields); err != nil {
		return Event{}, err
	}
	ev := Event{Kind: f.Header.Method, Session: media.SessionID(f.Header.Session)}
	r := NewReader(fields)
	switch ev.Kind {
	case schema.EventInputAvailable:
		ev.Index = r.U32(schema.FieldIndex)
		ev.Epoch = r.U64(schema.FieldEpoch)
	case schema.EventOutputAvailable:
		ev.Index = r.U32(schema.FieldIndex)
		ev.Epoch = r.U64(schema.FieldEpoch)
		ev.Info.PTS = r.I64(schema.FieldPTS)
		ev.Info.Flags = media.BufferFlag(r.U32(schema.FieldFlags))
		ev.Info.Offset = r.OptU32(schema.FieldOffset)
		ev.Info.Length = r.OptU32(schema.FieldLength)
		ev.Data = r.Bytes(schema.FieldData)
	case schema.EventFormatChanged:
		ev.Params = r.Params(schema.FieldParams)
	case schema.EventError:
		ev.ErrorKind = media.ErrorKind(r.U8(schema.FieldErrorKind))
		ev.Code = r.I32(schema.FieldCode)
	case schema.EventStateChanged:
		ev.State = r.String(schema.FieldState)
	}
	if r.err != nil {
		return Event{}, r.err
	}
	return ev, nil
}

// Reader pulls typed values out of validated fields, keeping the first error.
type Reader struct {
	fields []tlv.Field
	err    error
}

// NewReader wraps decoded payload fields.
func NewReader(fields []tlv.Field) *Reader {
	return &Reader{fields: fields}
}

// Err is the first decode error seen.
func (r *Reader) Err() error { return r.err }

// Has reports whether a field with id is present.
func (r *Reader) Has(id uint16) bool {
	_, ok := r.field(id)
	return ok
}

func (r *Reader) field(id uint16) (tlv.Field, bool) {
	return tlv.GetField(r.fields, id)
}

func (r *Reader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *Reader) U8(id uint16) uint8 {
	f, _ := r.field(id)
	v, err := f.AsU8()
	r.keep(err)
	return v
}

func (r *Reader) U32(id uint16) uint32 {
	f, _ := r.field(id)
	v, err := f.AsU32()
	r.keep(err)
	return v
}

func (r *Reader) OptU32(id uint16) uint32 {
	if _, ok := r.field(id); !ok {
		return 0
	}
	return r.U32(id)
}

func (r *Reader) U64(id uint16) uint64 {
	f, _ := r.field(id)
	v, err := f.AsU64()
	r.keep(err)
	return v
}

func (r *Reader) I32(id uint16) int32 {
	f, _ := r.field(id)
	v, err := f.AsI32()
	r.keep(err)
	return v
}

func (r *Reader) I64(id uint16) int64 {
	f, _ := r.field(id)
	v, err := f.AsI64()
	r.keep(err)
	return v
}

func (r *Reader) String(id uint16) string {
	f, _ := r.field(id)
	v, err := f.AsString()
	r.keep(err)
	return v
}

func (r *Reader) Bytes(id uint16) []byte {
	f, _ := r.field(id)
	v, err := f.AsBytes()
	r.keep(err)
	return v
}

func (r *Reader) Params(id uint16) media.Params {
	m, err := tlv.DecodeStringMap(r.Bytes(id))
	r.keep(err)
	return media.Params(m)
}
