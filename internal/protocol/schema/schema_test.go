package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func queueInputFields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(FieldIndex, 2),
		tlv.U64(FieldEpoch, 7),
		tlv.I64(FieldPTS, 33_000),
		tlv.U32(FieldFlags, 0),
		tlv.Bytes(FieldData, []byte("payload")),
	}
}

func TestValidateQueueInputRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MethodQueueInput, queueInputFields()); err != nil {
		t.Fatalf("validate queue input: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(queueInputFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MethodQueueInput, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MethodQueueInput, []tlv.Field{tlv.U32(FieldIndex, 1)})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldEpoch || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
	if !errors.Is(err, mserr.ErrInvalidArgument) {
		t.Fatalf("validation errors must classify as invalid argument")
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MethodCreateSession, []tlv.Field{tlv.U32(FieldSessionType, 1)})
	var ve ValidationError
	if !errors.As(err, &ve) || ve.FieldID != FieldSessionType || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnknownMethod(t *testing.T) {
	testlog.Start(t)
	if err := Validate(Method(999), nil); err == nil {
		t.Fatalf("expected unknown method error")
	}
}

func TestEveryMethodHasRequirements(t *testing.T) {
	testlog.Start(t)
	for _, m := range Methods() {
		if !Known(m) {
			t.Fatalf("method %s has no requirement entry", m)
		}
	}
	if len(Methods()) != len(requirements) {
		t.Fatalf("requirement table has entries for undefined methods")
	}
}

func TestValidateEvent(t *testing.T) {
	testlog.Start(t)
	ok := []tlv.Field{tlv.U8(FieldErrorKind, 2), tlv.I32(FieldCode, -32)}
	if err := ValidateEvent(EventError, ok); err != nil {
		t.Fatalf("validate error event: %v", err)
	}
	if err := ValidateEvent(EventStateChanged, ok); err == nil {
		t.Fatalf("state event without state must fail")
	}
}

func TestWriteSampleNeedsTrack(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.I64(FieldPTS, 0),
		tlv.U32(FieldFlags, 0),
		tlv.Bytes(FieldData, []byte("nal")),
	}
	var ve ValidationError
	if err := Validate(MethodWriteSample, fields); !errors.As(err, &ve) || ve.FieldID != FieldTrack {
		t.Fatalf("expected missing track, got %v", err)
	}
	if err := Validate(MethodWriteSample, append(fields, tlv.U32(FieldTrack, 1))); err != nil {
		t.Fatalf("validate write sample: %v", err)
	}
	if !MethodAddTrack.SessionScoped() || MethodListProfiles.SessionScoped() {
		t.Fatalf("unexpected session scoping for track and profile methods")
	}
}
