package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/engine/loopback"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/notify"
)

type fakeEngine struct {
	events *engine.EventQueue

	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	released int
	lastInfo media.BufferInfo
	lastData []byte
}

func (e *fakeEngine) record(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, op)
	return e.fail[op]
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeEngine) setFail(op string, err error) {
	e.mu.Lock()
	e.fail[op] = err
	e.mu.Unlock()
}

func (e *fakeEngine) releases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *fakeEngine) Configure(context.Context, media.Params) error { return e.record("configure") }
func (e *fakeEngine) Prepare(context.Context) error                 { return e.record("prepare") }
func (e *fakeEngine) Start(context.Context) error                   { return e.record("start") }
func (e *fakeEngine) Pause(context.Context) error                   { return e.record("pause") }
func (e *fakeEngine) Resume(context.Context) error                  { return e.record("resume") }
func (e *fakeEngine) Flush(context.Context) error                   { return e.record("flush") }

func (e *fakeEngine) Stop(context.Context) error {
	e.events.Drop()
	return e.record("stop")
}

func (e *fakeEngine) Reset(context.Context) error {
	e.events.Drop()
	return e.record("reset")
}

func (e *fakeEngine) Release() error {
	e.mu.Lock()
	e.calls = append(e.calls, "release")
	e.released++
	e.mu.Unlock()
	e.events.Close()
	return nil
}

func (e *fakeEngine) AllocateBuffers(dir media.Direction, count int) ([]engine.BufferDescriptor, error) {
	if err := e.record("allocate"); err != nil {
		return nil, err
	}
	out := make([]engine.BufferDescriptor, count)
	for i := range out {
		out[i] = engine.BufferDescriptor{Direction: dir, Size: 16}
	}
	return out, nil
}

func (e *fakeEngine) QueueInput(_ context.Context, _ int, info media.BufferInfo, data []byte) error {
	e.mu.Lock()
	e.lastInfo = info
	e.lastData = append([]byte(nil), data...)
	e.mu.Unlock()
	return e.record("queue_input")
}

func (e *fakeEngine) lastQueued() (media.BufferInfo, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastInfo, e.lastData
}

func (e *fakeEngine) ReleaseOutput(int) error { return e.record("release_output") }

func (e *fakeEngine) PollEvent(ctx context.Context) (engine.Event, error) {
	return e.events.Poll(ctx)
}

// emitOutput pretends the engine produced payload in output ordinal ord.
func (e *fakeEngine) emitOutput(ord int, payload string) {
	e.events.Push(engine.Event{
		Kind:  engine.EventOutputReady,
		Index: ord,
		Info:  media.BufferInfo{PTS: int64(ord) * 1000, Length: uint32(len(payload))},
		Data:  []byte(payload),
	})
}

type fakeBackend struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (b *fakeBackend) build(media.SessionType) (engine.Engine, error) {
	e := &fakeEngine{events: engine.NewEventQueue(), fail: make(map[string]error)}
	b.mu.Lock()
	b.engines = append(b.engines, e)
	b.mu.Unlock()
	return e, nil
}

func (b *fakeBackend) last() *fakeEngine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engines[len(b.engines)-1]
}

type fakeMetrics struct {
	mu       sync.Mutex
	resolved map[string]int
	created  int
	refused  int
	died     int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{resolved: make(map[string]int)}
}

func (m *fakeMetrics) SessionCreated(string) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *fakeMetrics) SessionRefused(string) {
	m.mu.Lock()
	m.refused++
	m.mu.Unlock()
}

func (m *fakeMetrics) ClientDied(string) {
	m.mu.Lock()
	m.died++
	m.mu.Unlock()
}

func (m *fakeMetrics) SessionDestroyed(string)                  {}
func (m *fakeMetrics) SessionTransition(string, string, string) {}
func (m *fakeMetrics) ClientConnected()                         {}
func (m *fakeMetrics) ClientDisconnected()                      {}

func (m *fakeMetrics) NotificationResolved(kind, outcome string) {
	m.mu.Lock()
	m.resolved[kind+"/"+outcome]++
	m.mu.Unlock()
}

func (m *fakeMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved[key]
}

type bufferEvent struct {
	dir   media.Direction
	index uint32
	meta  notify.Metadata
}

// recordingSink records deliveries. With a gate set, the first buffer
// delivery blocks until the gate closes.
type recordingSink struct {
	gate    chan struct{}
	blocked chan struct{}
	once    sync.Once

	mu      sync.Mutex
	buffers []bufferEvent
	states  []string
	errors  []int32
	formats []media.Params

	inputs  chan bufferEvent
	outputs chan bufferEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		blocked: make(chan struct{}),
		inputs:  make(chan bufferEvent, 256),
		outputs: make(chan bufferEvent, 256),
	}
}

func (s *recordingSink) OnError(_ media.ErrorKind, code int32) {
	s.mu.Lock()
	s.errors = append(s.errors, code)
	s.mu.Unlock()
}

func (s *recordingSink) OnBufferAvailable(dir media.Direction, index uint32, meta notify.Metadata) {
	if s.gate != nil {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.blocked)
			<-s.gate
		}
	}
	ev := bufferEvent{dir: dir, index: index, meta: meta}
	s.mu.Lock()
	s.buffers = append(s.buffers, ev)
	s.mu.Unlock()
	if dir == media.Input {
		s.inputs <- ev
	} else {
		s.outputs <- ev
	}
}

func (s *recordingSink) OnFormatChanged(params media.Params) {
	s.mu.Lock()
	s.formats = append(s.formats, params)
	s.mu.Unlock()
}

func (s *recordingSink) OnStateChanged(state string) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *recordingSink) bufferCount(dir media.Direction) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.buffers {
		if ev.dir == dir {
			n++
		}
	}
	return n
}

func (s *recordingSink) errorCodes() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int32(nil), s.errors...)
}

func (s *recordingSink) stateNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.states...)
}

type mimeCatalog map[string]bool

func (c mimeCatalog) Supports(_ media.SessionType, mime string) bool { return c[mime] }

type testEnv struct {
	mgr     *Manager
	backend *fakeBackend
	metrics *fakeMetrics
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	factory := engine.NewFactory()
	backend := &fakeBackend{}
	if err := loopback.Register(factory); err != nil {
		t.Fatalf("register loopback: %v", err)
	}
	if err := factory.Register("fake", backend.build); err != nil {
		t.Fatalf("register fake: %v", err)
	}
	for _, typ := range media.SessionTypes() {
		if err := factory.SetDefault(typ, "fake"); err != nil {
			t.Fatalf("set default: %v", err)
		}
	}
	metrics := newFakeMetrics()
	if opts.Metrics == nil {
		opts.Metrics = metrics
	}
	mgr := New(factory, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &testEnv{mgr: mgr, backend: backend, metrics: metrics}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func codecParams(buffers string) media.Params {
	return media.Params{media.ParamMime: "video/avc", media.ParamBuffers: buffers}
}
