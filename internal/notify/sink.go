package notify

import (
	"sync"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/oklog/ulid/v2"
)

// Metadata accompanies a buffer-available callback. Data is the valid slot
// payload for output buffers and empty for input buffers.
type Metadata struct {
	Epoch uint64
	Info  media.BufferInfo
	Data  []byte
}

// Sink is the application callback contract. Deliveries for one session are
// serialized; a sink must not call back into the owning session synchronously.
type Sink interface {
	OnError(kind media.ErrorKind, code int32)
	OnBufferAvailable(dir media.Direction, index uint32, meta Metadata)
	OnFormatChanged(params media.Params)
	OnStateChanged(state string)
}

// Subscription identifies a registered sink without owning it.
type Subscription = ulid.ULID

// SinkTable hands out subscriptions for sinks. Holders of a Subscription can
// reach the sink only while it stays registered.
type SinkTable struct {
	mu    sync.RWMutex
	sinks map[Subscription]Sink
}

// NewSinkTable creates an empty sink table.
func NewSinkTable() *SinkTable {
	return &SinkTable{sinks: make(map[Subscription]Sink)}
}

func (t *SinkTable) Register(sink Sink) Subscription {
	sub := ulid.Make()
	t.mu.Lock()
	t.sinks[sub] = sink
	t.mu.Unlock()
	return sub
}

// Unregister drops the sink; pending deliveries to it become no-ops.
func (t *SinkTable) Unregister(sub Subscription) {
	t.mu.Lock()
	delete(t.sinks, sub)
	t.mu.Unlock()
}

func (t *SinkTable) Lookup(sub Subscription) (Sink, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sink, ok := t.sinks[sub]
	return sink, ok
}

func (t *SinkTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}
