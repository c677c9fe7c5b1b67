package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func poll(t *testing.T, e engine.Engine) engine.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := e.PollEvent(ctx)
	if err != nil {
		t.Fatalf("poll event: %v", err)
	}
	return ev
}

func running(t *testing.T, typ media.SessionType, params media.Params) engine.Engine {
	t.Helper()
	e, err := New(typ)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := e.Configure(ctx, params); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := e.AllocateBuffers(media.Input, 2); err != nil {
		t.Fatalf("allocate input: %v", err)
	}
	if _, err := e.AllocateBuffers(media.Output, 2); err != nil {
		t.Fatalf("allocate output: %v", err)
	}
	if err := e.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = e.Release() })
	return e
}

func TestCodecEchoesInput(t *testing.T) {
	testlog.Start(t)
	e := running(t, media.SessionCodec, media.Params{media.ParamMime: "video/raw"})
	info := media.BufferInfo{PTS: 40, Flags: media.FlagEOS}
	if err := e.QueueInput(context.Background(), 1, info, []byte("hello")); err != nil {
		t.Fatalf("queue input: %v", err)
	}
	consumed := poll(t, e)
	if consumed.Kind != engine.EventInputConsumed || consumed.Index != 1 {
		t.Fatalf("unexpected consumed event: %+v", consumed)
	}
	out := poll(t, e)
	if out.Kind != engine.EventOutputReady || string(out.Data) != "hello" {
		t.Fatalf("unexpected output event: %+v", out)
	}
	if out.Info.PTS != 40 || !out.Info.Flags.Has(media.FlagEOS) || out.Info.Length != 5 {
		t.Fatalf("metadata not carried: %+v", out.Info)
	}
	if err := e.ReleaseOutput(out.Index); err != nil {
		t.Fatalf("release output: %v", err)
	}
	if err := e.ReleaseOutput(out.Index); err == nil {
		t.Fatalf("second release of the same output should fail")
	}
}

func TestQueueInputRequiresRunning(t *testing.T) {
	testlog.Start(t)
	e := running(t, media.SessionCodec, nil)
	if err := e.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err := e.QueueInput(context.Background(), 0, media.BufferInfo{}, []byte("x"))
	var remote mserr.RemoteError
	if !errors.As(err, &remote) || remote.Code != engine.CodeNotRunning {
		t.Fatalf("expected not running remote error, got %v", err)
	}
}

func TestPlayerGeneratesFramesWhileActive(t *testing.T) {
	testlog.Start(t)
	e := running(t, media.SessionPlayer, media.Params{media.ParamFrameRate: "200", media.ParamWidth: "64"})
	format := poll(t, e)
	if format.Kind != engine.EventFormatChanged || format.Format[media.ParamWidth] != "64" {
		t.Fatalf("expected format changed first, got %+v", format)
	}
	first := poll(t, e)
	if first.Kind != engine.EventOutputReady || string(first.Data) != "frame-0" {
		t.Fatalf("unexpected first frame: %+v", first)
	}
	if !first.Info.Flags.Has(media.FlagSyncFrame) {
		t.Fatalf("first frame should be a sync frame")
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ev, err := e.PollEvent(ctx); err == nil {
		t.Fatalf("no frames expected after stop, got %+v", ev)
	}
}

func TestInjectedFault(t *testing.T) {
	testlog.Start(t)
	e, _ := New(media.SessionCodec)
	if err := e.Configure(context.Background(), media.Params{ParamFault: "configure"}); mserr.RemoteCode(err) != engine.CodeInjectedFault {
		t.Fatalf("expected injected fault, got %v", err)
	}
}

func TestReleaseClosesEvents(t *testing.T) {
	testlog.Start(t)
	e, _ := New(media.SessionMetadata)
	if err := e.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := e.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := e.PollEvent(context.Background()); !errors.Is(err, engine.ErrEngineClosed) {
		t.Fatalf("expected engine closed, got %v", err)
	}
}
