// Package rtpengine is an engine backend built on pion/rtp. Codec sessions
// depacketize RTP packets queued as input into their payloads; recorder
// sessions packetize raw frames into RTP packets.
package rtpengine

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/pion/rtp"
)

const (
	Name = "rtp"

	// MimeRTP selects depacketizing on codec sessions.
	MimeRTP = "application/rtp"

	defaultClockRate   = 90000
	defaultPayloadType = 96
)

// Mode is the direction of RTP translation.
type Mode uint8

const (
	Depacketize Mode = iota + 1
	Packetize
)

func (m Mode) String() string {
	switch m {
	case Depacketize:
		return "depacketize"
	case Packetize:
		return "packetize"
	default:
		return "unknown"
	}
}

// Engine translates between RTP packets and raw frames.
type Engine struct {
	mode    Mode
	events  *engine.EventQueue
	outputs *engine.OutputPool

	mu          sync.Mutex
	inputs      int
	running     bool
	released    bool
	clockRate   uint32
	payloadType uint8
	ssrc        uint32
	seq         uint16

	// depacketizer stream state
	baseTS     uint32
	haveBase   bool
	announced  bool
	lastSeq    uint16
	lostPacket uint64
}

// New builds a packetizer for recorders and a depacketizer otherwise.
func New(typ media.SessionType) (engine.Engine, error) {
	mode := Depacketize
	switch typ {
	case media.SessionRecorder:
		mode = Packetize
	case media.SessionCodec:
	default:
		return nil, fmt.Errorf("rtpengine: %s sessions unsupported: %w", typ, mserr.ErrInvalidArgument)
	}
	return &Engine{
		mode:    mode,
		events:  engine.NewEventQueue(),
		outputs: engine.NewOutputPool(0),
	}, nil
}

func Register(f *engine.Factory) error {
	return f.Register(Name, New)
}

func (e *Engine) Mode() Mode { return e.mode }

func (e *Engine) Configure(_ context.Context, params media.Params) error {
	clock, err := params.Int(media.ParamClockRate, defaultClockRate)
	if err != nil || clock <= 0 {
		return mserr.Remote(engine.CodeBadParams, "rtpengine: bad clock_rate %q", params[media.ParamClockRate])
	}
	pt, err := params.Int(media.ParamPayload, defaultPayloadType)
	if err != nil || pt < 0 || pt > 127 {
		return mserr.Remote(engine.CodeBadParams, "rtpengine: bad payload_type %q", params[media.ParamPayload])
	}
	ssrc := rand.Uint32()
	if raw, ok := params.Get(media.ParamSSRC); ok && raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return mserr.Remote(engine.CodeBadParams, "rtpengine: bad ssrc %q", raw)
		}
		ssrc = uint32(v)
	}
	if e.mode == Depacketize {
		if mime, _ := params.Get(media.ParamMime); mime != MimeRTP {
			return mserr.Remote(engine.CodeBadParams, "rtpengine: depacketizer needs mime %s, got %q", MimeRTP, mime)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.clockRate = uint32(clock)
	e.payloadType = uint8(pt)
	e.ssrc = ssrc
	e.seq = uint16(rand.Uint32())
	e.resetStreamLocked()
	return nil
}

func (e *Engine) Prepare(context.Context) error { return nil }

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Pause(context.Context) error {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

func (e *Engine) Resume(ctx context.Context) error { return e.Start(ctx) }

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltLocked()
	return nil
}

func (e *Engine) Reset(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltLocked()
	e.resetStreamLocked()
	return nil
}

func (e *Engine) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.haltLocked()
	e.mu.Unlock()
	e.events.Close()
	return nil
}

func (e *Engine) Flush(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events.Drop()
	e.outputs.Reclaim()
	e.resetStreamLocked()
	return nil
}

func (e *Engine) haltLocked() {
	e.running = false
	e.events.Drop()
	e.outputs.Reclaim()
}

func (e *Engine) resetStreamLocked() {
	e.haveBase = false
	e.announced = false
	e.baseTS = 0
	e.lastSeq = 0
	e.lostPacket = 0
}

func (e *Engine) AllocateBuffers(dir media.Direction, count int) ([]engine.BufferDescriptor, error) {
	if count < 0 {
		return nil, fmt.Errorf("rtpengine: negative buffer count: %w", mserr.ErrInvalidArgument)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	size := 1500
	switch dir {
	case media.Input:
		e.inputs = count
	case media.Output:
		e.outputs.Resize(count)
	default:
		return nil, fmt.Errorf("rtpengine: bad direction %d: %w", dir, mserr.ErrInvalidArgument)
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
		return mserr.Remote(engine.CodeNotRunning, "rtpengine: not running")
	}
	if index < 0 || index >= e.inputs {
		return mserr.Remote(engine.CodeBadInput, "rtpengine: input %d out of range", index)
	}
	var out engine.Event
	var err error
	switch {
	case len(data) == 0 && info.Flags.Has(media.FlagEOS):
		out = engine.Event{Info: media.BufferInfo{PTS: info.PTS, Flags: info.Flags}}
	case e.mode == Depacketize:
		out, err = e.depacketizeLocked(info, data)
	default:
		out, err = e.packetizeLocked(info, data)
	}
	if err != nil {
		return err
	}
	e.events.Push(engine.Event{Kind: engine.EventInputConsumed, Index: index})
	e.outputs.Emit(out, e.events)
	return nil
}

// depacketizeLocked parses one RTP packet. PTS counts microseconds from the
// first packet of the stream in the configured clock.
func (e *Engine) depacketizeLocked(info media.BufferInfo, data []byte) (engine.Event, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return engine.Event{}, mserr.Remote(engine.CodeBadInput, "rtpengine: %v", err)
	}
	if !e.haveBase {
		e.baseTS = pkt.Timestamp
		e.haveBase = true
	} else if gap := pkt.SequenceNumber - e.lastSeq; gap > 1 && gap < 1<<15 {
		e.lostPacket += uint64(gap - 1)
	}
	e.lastSeq = pkt.SequenceNumber
	if !e.announced {
		e.announced = true
		e.events.Push(engine.Event{Kind: engine.EventFormatChanged, Format: media.Params{
			media.ParamMime:      MimeRTP,
			media.ParamPayload:   strconv.Itoa(int(pkt.PayloadType)),
			media.ParamSSRC:      strconv.FormatUint(uint64(pkt.SSRC), 10),
			media.ParamClockRate: strconv.FormatUint(uint64(e.clockRate), 10),
		}})
	}
	// Signed distance: a reordered packet lands before the base, and the
	// 32-bit timestamp may wrap mid-stream.
	ticks := int64(int32(pkt.Timestamp - e.baseTS))
	flags := info.Flags &^ media.FlagSyncFrame
	if pkt.Marker {
		flags |= media.FlagSyncFrame
	}
	payload := append([]byte(nil), pkt.Payload...)
	return engine.Event{
		Info: media.BufferInfo{
			PTS:    ticks * 1_000_000 / int64(e.clockRate),
			Length: uint32(len(payload)),
			Flags:  flags,
		},
		Data: payload,
	}, nil
}

// packetizeLocked wraps one raw frame into a single RTP packet.
func (e *Engine) packetizeLocked(info media.BufferInfo, data []byte) (engine.Event, error) {
	if info.PTS < 0 {
		return engine.Event{}, mserr.Remote(engine.CodeBadInput, "rtpengine: negative pts %d", info.PTS)
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    e.payloadType,
			SequenceNumber: e.seq,
			Timestamp:      uint32(info.PTS * int64(e.clockRate) / 1_000_000),
			SSRC:           e.ssrc,
		},
		Payload: data,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return engine.Event{}, mserr.Remote(engine.CodeBadInput, "rtpengine: %v", err)
	}
	e.seq++
	return engine.Event{
		Info: media.BufferInfo{PTS: info.PTS, Length: uint32(len(raw)), Flags: info.Flags},
		Data: raw,
	}, nil
}

func (e *Engine) ReleaseOutput(index int) error {
	if !e.outputs.Release(index, e.events) {
		return mserr.Remote(engine.CodeBadInput, "rtpengine: output %d not held", index)
	}
	return nil
}

func (e *Engine) PollEvent(ctx context.Context) (engine.Event, error) {
	return e.events.Poll(ctx)
}

// Lost reports sequence gaps seen by the depacketizer since the last reset.
func (e *Engine) Lost() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lostPacket
}
