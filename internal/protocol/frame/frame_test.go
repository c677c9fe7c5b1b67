package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/mediactl/internal/protocol/tlv"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "codec")})
	in := Frame{
		Header:  Header{CallID: 42, Method: 6, Session: 9, Status: -3, Flags: FlagIsResponse},
		Auth:    []byte("token"),
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != int(FixedHeaderLen)+len("token")+len(payload) {
		t.Fatalf("unexpected encoded size %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.CallID != 42 || out.Header.Method != 6 || out.Header.Session != 9 || out.Header.Status != -3 {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if !out.Header.IsResponse() || out.Header.Flags&FlagHasAuth == 0 {
		t.Fatalf("flags not preserved: %#x", out.Header.Flags)
	}
	if string(out.Auth) != "token" || !bytes.Equal(out.Payload, payload) {
		t.Fatalf("body mismatch")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	testlog.Start(t)
	if _, err := ReadFrame(bytes.NewReader(nil), DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: 8})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameAuthFlagWithoutAuthBytes(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, Flags: FlagHasAuth})
	if _, err := ReadFrame(bytes.NewReader(buf), DefaultLimits()); !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestPayloadLimitEnforced(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxAuthBytes: 8, MaxPayloadBytes: 4}
	err := WriteFrame(io.Discard, Frame{Payload: []byte("too large")}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
