package mserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func TestCodeOfClassifiesWrappedErrors(t *testing.T) {
	testlog.Start(t)
	cases := map[Code]error{
		CodeOK:                nil,
		CodeInvalidArgument:   fmt.Errorf("%w: missing mime", ErrInvalidArgument),
		CodeInvalidOperation:  fmt.Errorf("%w: start from configured", ErrInvalidOperation),
		CodeResourceExhausted: fmt.Errorf("%w: player cap 16", ErrResourceExhausted),
		CodeChannelDead:       ErrChannelDead,
		CodeRemote:            fmt.Errorf("engine: %w", Remote(-7, "decoder stalled")),
		CodeInternal:          errors.New("boom"),
	}
	for want, err := range cases {
		if got := CodeOf(err); got != want {
			t.Fatalf("CodeOf(%v)=%s want=%s", err, got, want)
		}
	}
}

func TestFromCodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	err := FromCode(CodeOf(ErrResourceExhausted), 0, "recorder cap 16")
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("resource exhausted should be retryable")
	}

	remote := FromCode(CodeRemote, 42, "bad bitstream")
	if RemoteCode(remote) != 42 {
		t.Fatalf("remote code lost: %v", remote)
	}
	if Retryable(remote) {
		t.Fatalf("remote errors are not retryable")
	}
	if FromCode(CodeOK, 0, "") != nil {
		t.Fatalf("ok must map to nil")
	}
}
