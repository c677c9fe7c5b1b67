package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
)

// Session is the client proxy for one daemon session. Each method performs
// exactly one call.
type Session struct {
	ch     *Channel
	id     media.SessionID
	typ    media.SessionType
	engine string
	token  SinkToken
	cache  *outputCache
}

// OutputBuffer is the last payload the daemon handed out for an output index.
type OutputBuffer struct {
	Index uint32
	Epoch uint64
	Info  media.BufferInfo
	Data  []byte
}

func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, schema.MethodPing, 0, nil)
	return err
}

// ListCodecs returns the daemon's codec catalog. A zero typ lists everything.
func (c *Channel) ListCodecs(ctx context.Context, typ media.SessionType) ([]config.CodecEntry, error) {
	var fields []tlv.Field
	if typ != 0 {
		fields = []tlv.Field{tlv.U8(schema.FieldSessionType, uint8(typ))}
	}
	out, err := c.Call(ctx, schema.MethodListCodecs, 0, fields)
	if err != nil {
		return nil, err
	}
	return config.CodecsFromFields(out)
}

// ListProfiles returns the daemon's recorder profiles of quality. An empty
// quality lists every profile.
func (c *Channel) ListProfiles(ctx context.Context, quality string) ([]config.RecorderProfile, error) {
	var fields []tlv.Field
	if quality != "" {
		fields = []tlv.Field{tlv.String(schema.FieldProfileQuality, quality)}
	}
	out, err := c.Call(ctx, schema.MethodListProfiles, 0, fields)
	if err != nil {
		return nil, err
	}
	return config.ProfilesFromFields(out)
}

// CreateSession opens a session of typ. An empty engine picks the daemon
// default. sink may be nil. Callbacks for one session run one at a time on
// their own goroutine; they may issue calls, but not Stop, Reset, Flush or
// Release of the same session, which wait for the running callback.
func (c *Channel) CreateSession(ctx context.Context, typ media.SessionType, engine string, sink notify.Sink) (*Session, error) {
	fields := []tlv.Field{tlv.U8(schema.FieldSessionType, uint8(typ))}
	if engine != "" {
		fields = append(fields, tlv.String(schema.FieldEngine, engine))
	}
	out, err := c.Call(ctx, schema.MethodCreateSession, 0, fields)
	if err != nil {
		return nil, err
	}
	r := session.NewReader(out)
	s := &Session{
		ch:     c,
		id:     media.SessionID(r.U64(schema.FieldSessionID)),
		typ:    typ,
		engine: r.String(schema.FieldEngine),
		cache:  newOutputCache(),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: create response: %v", mserr.ErrInternal, err)
	}
	s.token = c.RegisterEventSink(s.id, &cachingSink{cache: s.cache, next: sink})
	return s, nil
}

func (s *Session) ID() media.SessionID     { return s.id }
func (s *Session) Type() media.SessionType { return s.typ }
func (s *Session) Engine() string          { return s.engine }

func (s *Session) call(ctx context.Context, method schema.Method, fields []tlv.Field) ([]tlv.Field, error) {
	return s.ch.Call(ctx, method, s.id, fields)
}

func (s *Session) callState(ctx context.Context, method schema.Method, fields []tlv.Field) error {
	_, err := s.call(ctx, method, fields)
	return err
}

func paramsField(params media.Params) []tlv.Field {
	return []tlv.Field{tlv.Bytes(schema.FieldParams, tlv.EncodeStringMap(params))}
}

func (s *Session) Configure(ctx context.Context, params media.Params) error {
	return s.callState(ctx, schema.MethodConfigure, paramsField(params))
}

func (s *Session) SetParameter(ctx context.Context, params media.Params) error {
	return s.callState(ctx, schema.MethodSetParameter, paramsField(params))
}

func (s *Session) Prepare(ctx context.Context) error {
	return s.callState(ctx, schema.MethodPrepare, nil)
}

func (s *Session) Start(ctx context.Context) error {
	return s.callState(ctx, schema.MethodStart, nil)
}

func (s *Session) Pause(ctx context.Context) error {
	return s.callState(ctx, schema.MethodPause, nil)
}

func (s *Session) Resume(ctx context.Context) error {
	return s.callState(ctx, schema.MethodResume, nil)
}

// Stop returns once the daemon has resolved every pending event for the
// session. Events still queued locally are discarded and cached outputs are
// dropped, so the sink sees nothing from before the stop once Stop returns.
func (s *Session) Stop(ctx context.Context) error {
	return s.settle(ctx, schema.MethodStop)
}

func (s *Session) Reset(ctx context.Context) error {
	return s.settle(ctx, schema.MethodReset)
}

func (s *Session) Flush(ctx context.Context) error {
	return s.settle(ctx, schema.MethodFlush)
}

// Release destroys the session on the daemon. Releasing twice is allowed.
func (s *Session) Release(ctx context.Context) error {
	if err := s.callState(ctx, schema.MethodRelease, nil); err != nil {
		return err
	}
	s.ch.UnregisterEventSink(s.token)
	err := s.ch.fence(ctx, s.id)
	s.cache.clear()
	return err
}

// settle runs a call that invalidates outstanding buffers. Every event the
// daemon sent before its response is already on the session lane, so the
// fence covers all of them.
func (s *Session) settle(ctx context.Context, method schema.Method) error {
	if err := s.callState(ctx, method, nil); err != nil {
		return err
	}
	err := s.ch.fence(ctx, s.id)
	s.cache.clear()
	return err
}

// State asks the daemon for the session state name.
func (s *Session) State(ctx context.Context) (string, error) {
	out, err := s.call(ctx, schema.MethodGetState, nil)
	if err != nil {
		return "", err
	}
	r := session.NewReader(out)
	state := r.String(schema.FieldState)
	return state, r.Err()
}

// QueueInput fills input index with data. index and epoch come from an
// input-available event.
func (s *Session) QueueInput(ctx context.Context, index uint32, epoch uint64, info media.BufferInfo, data []byte) error {
	fields := []tlv.Field{
		tlv.U32(schema.FieldIndex, index),
		tlv.U64(schema.FieldEpoch, epoch),
		tlv.I64(schema.FieldPTS, info.PTS),
		tlv.U32(schema.FieldFlags, uint32(info.Flags)),
		tlv.Bytes(schema.FieldData, data),
	}
	if info.Offset != 0 {
		fields = append(fields, tlv.U32(schema.FieldOffset, info.Offset))
	}
	if info.Length != 0 {
		fields = append(fields, tlv.U32(schema.FieldLength, info.Length))
	}
	return s.callState(ctx, schema.MethodQueueInput, fields)
}

// ReleaseOutput hands output index back to the daemon.
func (s *Session) ReleaseOutput(ctx context.Context, index uint32, epoch uint64) error {
	err := s.callState(ctx, schema.MethodReleaseOutput, []tlv.Field{
		tlv.U32(schema.FieldIndex, index),
		tlv.U64(schema.FieldEpoch, epoch),
	})
	if err == nil {
		s.cache.drop(index, epoch)
	}
	return err
}

// Output returns the cached payload for an output index.
func (s *Session) Output(index uint32) (OutputBuffer, bool) {
	return s.cache.get(index)
}

// outputCache keeps one buffer per output index. A newer epoch replaces
// the entry; a stale release leaves it alone.
type outputCache struct {
	mu      sync.Mutex
	entries map[uint32]OutputBuffer
}

func newOutputCache() *outputCache {
	return &outputCache{entries: make(map[uint32]OutputBuffer)}
}

func (c *outputCache) put(buf OutputBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[buf.Index]; ok && cur.Epoch > buf.Epoch {
		return
	}
	c.entries[buf.Index] = buf
}

func (c *outputCache) get(index uint32) (OutputBuffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.entries[index]
	return buf, ok
}

func (c *outputCache) drop(index uint32, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[index]; ok && cur.Epoch == epoch {
		delete(c.entries, index)
	}
}

func (c *outputCache) clear() {
	c.mu.Lock()
	c.entries = make(map[uint32]OutputBuffer)
	c.mu.Unlock()
}

// cachingSink records output payloads before the application sees them.
type cachingSink struct {
	cache *outputCache
	next  notify.Sink
}

func (k *cachingSink) OnError(kind media.ErrorKind, code int32) {
	if k.next != nil {
		k.next.OnError(kind, code)
	}
}

func (k *cachingSink) OnBufferAvailable(dir media.Direction, index uint32, meta notify.Metadata) {
	if dir == media.Output {
		k.cache.put(OutputBuffer{Index: index, Epoch: meta.Epoch, Info: meta.Info, Data: meta.Data})
	}
	if k.next != nil {
		k.next.OnBufferAvailable(dir, index, meta)
	}
}

func (k *cachingSink) OnFormatChanged(params media.Params) {
	if k.next != nil {
		k.next.OnFormatChanged(params)
	}
}

func (k *cachingSink) OnStateChanged(state string) {
	if k.next != nil {
		k.next.OnStateChanged(state)
	}
}
