package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "codec"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestSignedGettersKeepSign(t *testing.T) {
	testlog.Start(t)
	v32, err := I32(1, -32).AsI32()
	if err != nil || v32 != -32 {
		t.Fatalf("i32: got %d err %v", v32, err)
	}
	v64, err := I64(2, -1_000_000).AsI64()
	if err != nil || v64 != -1_000_000 {
		t.Fatalf("i64: got %d err %v", v64, err)
	}
	if _, err := U32(3, 1).AsI32(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	bad := Field{ID: 4, Type: TypeU64, Value: []byte{1}}
	if _, err := bad.AsU64(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected invalid length, got %v", err)
	}
}

func TestStringMapIsSortedAndDecodes(t *testing.T) {
	testlog.Start(t)
	in := map[string]string{"width": "640", "mime": "video/raw"}
	raw := EncodeStringMap(in)
	fields, err := DecodeFields(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first, _ := fields[0].AsString(); first != "mime" {
		t.Fatalf("keys not sorted, first=%q", first)
	}
	out, err := DecodeStringMap(raw)
	if err != nil {
		t.Fatalf("decode map: %v", err)
	}
	if len(out) != 2 || out["width"] != "640" || out["mime"] != "video/raw" {
		t.Fatalf("unexpected map: %v", out)
	}
	if _, err := DecodeStringMap(EncodeFields([]Field{String(1, "orphan")})); err == nil {
		t.Fatalf("odd map should fail")
	}
}
