package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/engine/loopback"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/danmuck/mediactl/internal/server"
	"github.com/danmuck/mediactl/internal/statemachine"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
	"github.com/danmuck/mediactl/internal/testutil/tlstest"
	"github.com/rs/zerolog"
)

type daemon struct {
	mgr    *manager.Manager
	addr   string
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startDaemon(t *testing.T, logger zerolog.Logger, caps map[media.SessionType]int, token string) *daemon {
	t.Helper()
	return startDaemonWith(t, logger, caps, func(cfg *server.ServiceConfig) { cfg.Token = token })
}

func startDaemonWith(t *testing.T, logger zerolog.Logger, caps map[media.SessionType]int, configure func(*server.ServiceConfig)) *daemon {
	t.Helper()
	factory := engine.NewFactory()
	if err := loopback.Register(factory); err != nil {
		t.Fatalf("register loopback: %v", err)
	}
	mgr := manager.New(factory, manager.Options{Caps: caps, Catalog: config.DefaultCatalog(), Logger: &logger})
	cfg := server.DefaultServiceConfig()
	cfg.Network = server.NetworkTCP
	cfg.ListenAddr = "127.0.0.1:0"
	configure(&cfg)
	svc, err := server.NewService(mgr, cfg, server.Options{Logger: &logger})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{mgr: mgr, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { d.done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		d.stop(t)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = mgr.Shutdown(shutdownCtx)
	})
	return d
}

func (d *daemon) stop(t *testing.T) {
	d.once.Do(func() {
		d.cancel()
		select {
		case <-d.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("daemon did not stop")
		}
	})
}

func dialDaemon(t *testing.T, d *daemon, id, token string) *Channel {
	t.Helper()
	ch, err := Dial(context.Background(), testConfig(d, id, token))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func testConfig(d *daemon, id, token string) Config {
	cfg := DefaultConfig()
	cfg.Network = "tcp"
	cfg.Address = d.addr
	cfg.ClientID = id
	cfg.Token = token
	cfg.Session.ConnectAttempts = 1
	return cfg
}

type chanSink struct {
	inputs  chan OutputBuffer
	outputs chan OutputBuffer

	mu     sync.Mutex
	errors []int32
	kinds  []media.ErrorKind
	states []string
}

func newChanSink() *chanSink {
	return &chanSink{
		inputs:  make(chan OutputBuffer, 64),
		outputs: make(chan OutputBuffer, 64),
	}
}

func (s *chanSink) OnError(kind media.ErrorKind, code int32) {
	s.mu.Lock()
	s.kinds = append(s.kinds, kind)
	s.errors = append(s.errors, code)
	s.mu.Unlock()
}

func (s *chanSink) OnBufferAvailable(dir media.Direction, index uint32, meta notify.Metadata) {
	buf := OutputBuffer{Index: index, Epoch: meta.Epoch, Info: meta.Info, Data: meta.Data}
	if dir == media.Input {
		s.inputs <- buf
		return
	}
	s.outputs <- buf
}

func (s *chanSink) OnFormatChanged(media.Params) {}

func (s *chanSink) OnStateChanged(state string) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *chanSink) serviceDied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, code := range s.errors {
		if code == ServiceDiedCode && s.kinds[i] == media.ErrorService {
			return true
		}
	}
	return false
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

func nextInput(t *testing.T, sink *chanSink) OutputBuffer {
	t.Helper()
	select {
	case buf := <-sink.inputs:
		return buf
	case <-time.After(3 * time.Second):
		t.Fatalf("no input buffer offered")
	}
	return OutputBuffer{}
}

func startCodec(t *testing.T, ch *Channel, sink *chanSink) *Codec {
	t.Helper()
	ctx := context.Background()
	codec, err := ch.NewCodec(ctx, "", sink)
	if err != nil {
		t.Fatalf("create codec: %v", err)
	}
	if err := codec.ConfigureCodec(ctx, "video/avc", media.Params{media.ParamBuffers: "2"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := codec.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := codec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return codec
}

func TestCodecBufferRoundTripOverChannel(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "app-1", "")
	ctx := context.Background()
	sink := newChanSink()
	codec := startCodec(t, ch, sink)

	in := nextInput(t, sink)
	if err := codec.QueueInput(ctx, in.Index, in.Epoch, media.BufferInfo{PTS: 40, Flags: media.FlagSyncFrame}, []byte("hello")); err != nil {
		t.Fatalf("queue input: %v", err)
	}

	var out OutputBuffer
	select {
	case out = <-sink.outputs:
	case <-time.After(3 * time.Second):
		t.Fatalf("no output delivered")
	}
	if string(out.Data) != "hello" || out.Info.PTS != 40 || !out.Info.Flags.Has(media.FlagSyncFrame) {
		t.Fatalf("unexpected output: %+v", out)
	}
	cached, ok := codec.Output(out.Index)
	if !ok || cached.Epoch != out.Epoch {
		t.Fatalf("output not cached: %+v ok=%v", cached, ok)
	}
	if err := codec.ReleaseOutput(ctx, out.Index, out.Epoch); err != nil {
		t.Fatalf("release output: %v", err)
	}
	if _, ok := codec.Output(out.Index); ok {
		t.Fatalf("released output still cached")
	}
	if err := codec.ReleaseOutput(ctx, out.Index, out.Epoch); !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation on second release, got %v", err)
	}

	state, err := codec.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != statemachine.Active.String() {
		t.Fatalf("expected active, got %s", state)
	}
}

func TestStartWithoutPrepareOverChannel(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "app-1", "")
	ctx := context.Background()

	codec, err := ch.NewCodec(ctx, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := codec.ConfigureCodec(ctx, "video/avc", nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	err = codec.Start(ctx)
	if !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	state, err := codec.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != statemachine.Configured.String() {
		t.Fatalf("expected configured, got %s", state)
	}
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "app-1", "")
	ctx := context.Background()

	s, err := ch.CreateSession(ctx, media.SessionRecorder, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := s.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := s.State(ctx); !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation after release, got %v", err)
	}
	if n := d.mgr.Count(media.SessionRecorder); n != 0 {
		t.Fatalf("expected no recorders, got %d", n)
	}
}

func TestSessionCapOverChannel(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, map[media.SessionType]int{media.SessionCodec: 2}, "")
	ch := dialDaemon(t, d, "app-1", "")
	ctx := context.Background()

	first, err := ch.NewCodec(ctx, "", nil)
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := ch.NewCodec(ctx, "", nil); err != nil {
		t.Fatalf("create 2: %v", err)
	}
	_, err = ch.NewCodec(ctx, "", nil)
	if !errors.Is(err, mserr.ErrResourceExhausted) || !mserr.Retryable(err) {
		t.Fatalf("expected retryable resource exhausted, got %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := ch.NewCodec(ctx, "", nil); err != nil {
		t.Fatalf("create after release: %v", err)
	}
}

func TestClientDeathReleasesSessionsAndKillsProxy(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "doomed", "")
	sink := newChanSink()
	codec := startCodec(t, ch, sink)
	nextInput(t, sink)

	held, err := d.mgr.Lookup(codec.ID())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if held.State() != statemachine.Active {
		t.Fatalf("expected active, got %s", held.State())
	}

	// Dropping the socket without a goodbye is what the daemon sees when
	// the client process dies.
	_ = ch.conn.Close()

	waitFor(t, "session released", func() bool { return held.State() == statemachine.Released })
	waitFor(t, "client dropped", func() bool { return len(d.mgr.Owned("doomed")) == 0 && len(d.mgr.Clients()) == 0 })
	if _, err := d.mgr.Lookup(codec.ID()); !errors.Is(err, manager.ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}

	err = codec.Start(context.Background())
	if !errors.Is(err, mserr.ErrChannelDead) {
		t.Fatalf("expected channel dead, got %v", err)
	}
	if mserr.CodeOf(err) != mserr.CodeChannelDead {
		t.Fatalf("expected channel dead code, got %s", mserr.CodeOf(err))
	}
}

func TestServiceDeathReachesSinksAndWatchers(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "app-1", "")
	sink := newChanSink()
	codec := startCodec(t, ch, sink)

	died := make(chan string, 2)
	ch.WatchLiveness(func(reason string) { died <- reason })

	d.stop(t)

	select {
	case reason := <-died:
		if reason != "service died" {
			t.Fatalf("unexpected reason %q", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("liveness watch never fired")
	}
	waitFor(t, "service died error", sink.serviceDied)
	if err := codec.Pause(context.Background()); !errors.Is(err, mserr.ErrChannelDead) {
		t.Fatalf("expected channel dead, got %v", err)
	}
	select {
	case <-ch.Dead():
	default:
		t.Fatalf("channel not marked dead")
	}
}

func TestHandshakeRejections(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "secret")

	if _, err := Dial(context.Background(), testConfig(d, "app-1", "wrong")); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected bad token rejection, got %v", err)
	}
	dialDaemon(t, d, "app-1", "secret")
	if _, err := Dial(context.Background(), testConfig(d, "app-1", "secret")); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
}

func TestListCodecsAndPing(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "app-1", "")
	ctx := context.Background()

	if err := ch.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	all, err := ch.ListCodecs(ctx, 0)
	if err != nil {
		t.Fatalf("list codecs: %v", err)
	}
	if len(all) != len(config.DefaultCatalog().Codecs) {
		t.Fatalf("expected %d codecs, got %d", len(config.DefaultCatalog().Codecs), len(all))
	}
	recorders, err := ch.ListCodecs(ctx, media.SessionRecorder)
	if err != nil {
		t.Fatalf("list recorder codecs: %v", err)
	}
	for _, entry := range recorders {
		if entry.Kind != config.KindEncoder {
			t.Fatalf("recorder listing returned %+v", entry)
		}
	}
}

func TestOutputCacheKeepsNewestEpoch(t *testing.T) {
	testlog.Start(t)
	c := newOutputCache()
	c.put(OutputBuffer{Index: 1, Epoch: 5, Data: []byte("new")})
	c.put(OutputBuffer{Index: 1, Epoch: 3, Data: []byte("old")})
	buf, ok := c.get(1)
	if !ok || string(buf.Data) != "new" {
		t.Fatalf("expected newest entry, got %+v", buf)
	}
	c.drop(1, 3)
	if _, ok := c.get(1); !ok {
		t.Fatalf("stale drop removed the entry")
	}
	c.drop(1, 5)
	if _, ok := c.get(1); ok {
		t.Fatalf("entry survived matching drop")
	}
}

func TestMutualTLSChannel(t *testing.T) {
	logger := testlog.Start(t)
	material := tlstest.New(t)
	d := startDaemonWith(t, logger, nil, func(cfg *server.ServiceConfig) {
		cfg.Session.TLS = material.Server(true)
	})

	plain := testConfig(d, "no-cert", "")
	plain.Session.TLS = material.Client(false)
	if _, err := Dial(context.Background(), plain); err == nil {
		t.Fatalf("expected dial without client certificate to fail")
	}

	cfg := testConfig(d, "tls-app", "")
	cfg.Session.TLS = material.Client(true)
	ch, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial tls: %v", err)
	}
	defer ch.Close()
	if err := ch.Ping(context.Background()); err != nil {
		t.Fatalf("ping over tls: %v", err)
	}
}

// slowSink counts buffer callbacks as they begin and stalls in each one.
type slowSink struct {
	delay   time.Duration
	entered atomic.Int32
}

func (s *slowSink) OnError(media.ErrorKind, int32) {}
func (s *slowSink) OnFormatChanged(media.Params)   {}
func (s *slowSink) OnStateChanged(string)          {}
func (s *slowSink) OnBufferAvailable(media.Direction, uint32, notify.Metadata) {
	s.entered.Add(1)
	time.Sleep(s.delay)
}

func TestStopFencesQueuedEvents(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "fenced", "")
	ctx := context.Background()

	sink := &slowSink{delay: 150 * time.Millisecond}
	codec, err := ch.NewCodec(ctx, "", sink)
	if err != nil {
		t.Fatalf("create codec: %v", err)
	}
	if err := codec.ConfigureCodec(ctx, "video/avc", media.Params{media.ParamBuffers: "4"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := codec.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := codec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first input callback", func() bool { return sink.entered.Load() > 0 })
	time.Sleep(50 * time.Millisecond)

	if err := codec.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	atStop := sink.entered.Load()
	time.Sleep(4 * sink.delay)
	if late := sink.entered.Load() - atStop; late != 0 {
		t.Fatalf("%d callbacks began after stop returned (%d before)", late, atStop)
	}
	if err := codec.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if late := sink.entered.Load() - atStop; late != 0 {
		t.Fatalf("%d callbacks after release", late)
	}
}

func TestMuxerFromProfileOverChannel(t *testing.T) {
	logger := testlog.Start(t)
	d := startDaemon(t, logger, nil, "")
	ch := dialDaemon(t, d, "app-1", "")
	ctx := context.Background()

	profiles, err := ch.ListProfiles(ctx, config.QualityLow)
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	var low config.RecorderProfile
	for _, p := range profiles {
		if p.Quality != config.QualityLow {
			t.Fatalf("quality filter returned %+v", p)
		}
		if p.Name == "camcorder.low" {
			low = p
		}
	}
	if low.VideoMime != "video/avc" || low.Channels != 1 {
		t.Fatalf("camcorder.low not listed intact: %+v", profiles)
	}

	mux, err := ch.NewMuxer(ctx, "", nil)
	if err != nil {
		t.Fatalf("create muxer: %v", err)
	}
	ids, err := mux.ApplyProfile(ctx, low)
	if err != nil {
		t.Fatalf("apply profile: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("unexpected track ids %v", ids)
	}
	if err := mux.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := mux.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	samples := []struct {
		track int
		pts   int64
	}{{ids[0], 0}, {ids[1], 0}, {ids[0], 33_333}}
	for _, s := range samples {
		if err := mux.WriteSample(ctx, s.track, media.BufferInfo{PTS: s.pts, Flags: media.FlagSyncFrame}, []byte("sample")); err != nil {
			t.Fatalf("write sample %+v: %v", s, err)
		}
	}
	err = mux.WriteSample(ctx, ids[0], media.BufferInfo{PTS: 1}, []byte("late"))
	if mserr.RemoteCode(err) != engine.CodeBadInput {
		t.Fatalf("expected engine to reject pts regression, got %v", err)
	}
	if _, err := mux.AddTrack(ctx, "video/avc", nil); !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("add track while active: %v", err)
	}

	sess, err := d.mgr.Lookup(mux.ID())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info := sess.Info(); info.Samples != 3 || len(info.Tracks) != 2 || info.State != statemachine.Active.String() {
		t.Fatalf("unexpected daemon view: %+v", info)
	}
	if err := mux.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
