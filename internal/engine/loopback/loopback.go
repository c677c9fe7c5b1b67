// Package loopback is an in-process engine backend. Codec and recorder
// sessions echo every queued input to an output buffer; player sessions
// generate synthetic frames on a timer while active. Muxer sessions count
// what each track receives.
package loopback

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
)

const Name = "loopback"

// ParamFault names an engine operation that fails with CodeInjectedFault.
const ParamFault = "loopback.fault"

const (
	defaultFrameRate = 30
	maxFrameRate     = 1000
)

// Engine is the loopback backend.
type Engine struct {
	typ     media.SessionType
	events  *engine.EventQueue
	outputs *engine.OutputPool

	mu       sync.Mutex
	params   media.Params
	inputs   int
	running  bool
	frame    int64
	interval time.Duration
	stopGen  chan struct{}
	genDone  chan struct{}
	released bool
	tracks   []engine.TrackStats
}

// New satisfies engine.Constructor.
func New(typ media.SessionType) (engine.Engine, error) {
	return &Engine{
		typ:     typ,
		events:  engine.NewEventQueue(),
		outputs: engine.NewOutputPool(0),
	}, nil
}

// Register adds the loopback backend to f and makes it the default for every type.
func Register(f *engine.Factory) error {
	if err := f.Register(Name, New); err != nil {
		return err
	}
	for _, typ := range media.SessionTypes() {
		if err := f.SetDefault(typ, Name); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fault(op string) error {
	if e.params == nil {
		return nil
	}
	if v, ok := e.params.Get(ParamFault); ok && v == op {
		return mserr.Remote(engine.CodeInjectedFault, "loopback: injected %s fault", op)
	}
	return nil
}

func (e *Engine) Configure(_ context.Context, params media.Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = params.Clone()
	if err := e.fault("configure"); err != nil {
		return err
	}
	rate, err := e.params.Int(media.ParamFrameRate, defaultFrameRate)
	if err != nil || rate <= 0 || rate > maxFrameRate {
		return mserr.Remote(engine.CodeBadParams, "loopback: bad frame_rate %q", e.params[media.ParamFrameRate])
	}
	e.interval = time.Second / time.Duration(rate)
	e.tracks = nil
	return nil
}

func (e *Engine) Prepare(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("prepare"); err != nil {
		return err
	}
	if e.typ == media.SessionPlayer {
		format := media.Params{media.ParamMime: "video/raw"}
		for _, key := range []string{media.ParamWidth, media.ParamHeight, media.ParamFrameRate} {
			if v, ok := e.params.Get(key); ok {
				format[key] = v
			}
		}
		e.events.Push(engine.Event{Kind: engine.EventFormatChanged, Format: format})
	}
	if e.typ == media.SessionMuxer {
		e.events.Push(engine.Event{Kind: engine.EventFormatChanged, Format: media.Params{
			media.ParamFormat: e.params[media.ParamFormat],
			"tracks":          strconv.Itoa(len(e.tracks)),
		}})
	}
	return nil
}

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fault("start"); err != nil {
		return err
	}
	if e.typ == media.SessionMuxer && len(e.tracks) == 0 {
		return mserr.Remote(engine.CodeBadParams, "loopback: muxer has no tracks")
	}
	e.running = true
	if e.typ == media.SessionPlayer {
		e.startGeneratorLocked()
	}
	return nil
}

func (e *Engine) Pause(context.Context) error {
	e.mu.Lock()
	if err := e.fault("pause"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.running = false
	done := e.stopGeneratorLocked()
	e.mu.Unlock()
	wait(done)
	return nil
}

func (e *Engine) Resume(ctx context.Context) error {
	return e.Start(ctx)
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	if err := e.fault("stop"); err != nil {
		e.mu.Unlock()
		return err
	}
	done := e.halt()
	e.mu.Unlock()
	wait(done)
	return nil
}

func (e *Engine) Reset(context.Context) error {
	e.mu.Lock()
	done := e.halt()
	e.params = nil
	e.frame = 0
	e.tracks = nil
	e.mu.Unlock()
	wait(done)
	return nil
}

func (e *Engine) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	done := e.halt()
	e.mu.Unlock()
	wait(done)
	e.events.Close()
	return nil
}

// halt stops production and forgets every buffer the client may hold.
// e.mu is held; the returned channel closes once the generator exits.
func (e *Engine) halt() chan struct{} {
	e.running = false
	done := e.stopGeneratorLocked()
	e.events.Drop()
	e.outputs.Reclaim()
	return done
}

func (e *Engine) AllocateBuffers(dir media.Direction, count int) ([]engine.BufferDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if count < 0 {
		return nil, fmt.Errorf("loopback: negative buffer count: %w", mserr.ErrInvalidArgument)
	}
	size, err := e.params.Int(media.ParamBufferSize, 0)
	if err != nil {
		return nil, fmt.Errorf("loopback: %v: %w", err, mserr.ErrInvalidArgument)
	}
	switch dir {
	case media.Input:
		e.inputs = count
	case media.Output:
		e.outputs.Resize(count)
	default:
		return nil, fmt.Errorf("loopback: bad direction %d: %w", dir, mserr.ErrInvalidArgument)
	}
	out := make([]engine.BufferDescriptor, count)
	for i := range out {
		out[i] = engine.BufferDescriptor{Direction: dir, Size: size}
	}
	return out, nil
}

func (e *Engine) QueueInput(_ context.Context, index int, info media.BufferInfo, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return mserr.Remote(engine.CodeNotRunning, "loopback: not running")
	}
	if index < 0 || index >= e.inputs {
		return mserr.Remote(engine.CodeBadInput, "loopback: input %d out of range", index)
	}
	if err := e.fault("queue_input"); err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	info.Length = uint32(len(payload))
	info.Offset = 0
	e.events.Push(engine.Event{Kind: engine.EventInputConsumed, Index: index})
	e.outputs.Emit(engine.Event{Info: info, Data: payload}, e.events)
	return nil
}

func (e *Engine) ReleaseOutput(index int) error {
	if !e.outputs.Release(index, e.events) {
		return mserr.Remote(engine.CodeBadInput, "loopback: output %d not held", index)
	}
	return nil
}

func (e *Engine) Flush(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events.Drop()
	e.outputs.Reclaim()
	return nil
}

func (e *Engine) PollEvent(ctx context.Context) (engine.Event, error) {
	return e.events.Poll(ctx)
}

func (e *Engine) startGeneratorLocked() {
	if e.stopGen != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.stopGen = stop
	e.genDone = done
	interval := e.interval
	if interval <= 0 {
		interval = time.Second / defaultFrameRate
	}
	go e.generate(interval, stop, done)
}

func (e *Engine) stopGeneratorLocked() chan struct{} {
	if e.stopGen == nil {
		return nil
	}
	close(e.stopGen)
	done := e.genDone
	e.stopGen = nil
	e.genDone = nil
	return done
}

func (e *Engine) generate(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		// Emitting under e.mu keeps a halted engine from producing a late frame.
		e.mu.Lock()
		if e.stopGen != stop || !e.running {
			e.mu.Unlock()
			continue
		}
		n := e.frame
		e.frame++
		flags := media.BufferFlag(0)
		if n == 0 {
			flags |= media.FlagSyncFrame
		}
		payload := []byte("frame-" + strconv.FormatInt(n, 10))
		e.outputs.Emit(engine.Event{
			Info: media.BufferInfo{PTS: n * interval.Microseconds(), Length: uint32(len(payload)), Flags: flags},
			Data: payload,
		}, e.events)
		e.mu.Unlock()
	}
}

func wait(done chan struct{}) {
	if done != nil {
		<-done
	}
}
