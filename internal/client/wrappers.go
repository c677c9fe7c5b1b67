package client

import (
	"context"
	"fmt"

	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
)

// Player plays a source and renders on the daemon side.
type Player struct{ *Session }

func (c *Channel) NewPlayer(ctx context.Context, sink notify.Sink) (*Player, error) {
	s, err := c.CreateSession(ctx, media.SessionPlayer, "", sink)
	if err != nil {
		return nil, err
	}
	return &Player{s}, nil
}

// SetSource configures the player with source.
func (p *Player) SetSource(ctx context.Context, source string) error {
	return p.Configure(ctx, media.Params{media.ParamSource: source})
}

// Recorder encodes queued input into output buffers.
type Recorder struct{ *Session }

func (c *Channel) NewRecorder(ctx context.Context, engine string, sink notify.Sink) (*Recorder, error) {
	s, err := c.CreateSession(ctx, media.SessionRecorder, engine, sink)
	if err != nil {
		return nil, err
	}
	return &Recorder{s}, nil
}

// SetOutputFormat configures the recorder for mime plus any extra params.
func (r *Recorder) SetOutputFormat(ctx context.Context, mime string, extra media.Params) error {
	return r.Configure(ctx, withMime(mime, extra))
}

// Codec exchanges buffers with one encoder or decoder.
type Codec struct{ *Session }

func (c *Channel) NewCodec(ctx context.Context, engine string, sink notify.Sink) (*Codec, error) {
	s, err := c.CreateSession(ctx, media.SessionCodec, engine, sink)
	if err != nil {
		return nil, err
	}
	return &Codec{s}, nil
}

// ConfigureCodec configures the codec for mime plus any extra params.
func (c *Codec) ConfigureCodec(ctx context.Context, mime string, extra media.Params) error {
	return c.Configure(ctx, withMime(mime, extra))
}

func withMime(mime string, extra media.Params) media.Params {
	params := extra.Clone()
	params[media.ParamMime] = mime
	return params
}

// Muxer interleaves encoded samples from several tracks into one container.
type Muxer struct{ *Session }

func (c *Channel) NewMuxer(ctx context.Context, engine string, sink notify.Sink) (*Muxer, error) {
	s, err := c.CreateSession(ctx, media.SessionMuxer, engine, sink)
	if err != nil {
		return nil, err
	}
	return &Muxer{s}, nil
}

// SetOutput configures the container format plus any extra params.
func (m *Muxer) SetOutput(ctx context.Context, format string, extra media.Params) error {
	params := extra.Clone()
	params[media.ParamFormat] = format
	return m.Configure(ctx, params)
}

// AddTrack registers a stream of mime and returns its track id.
func (m *Muxer) AddTrack(ctx context.Context, mime string, extra media.Params) (int, error) {
	out, err := m.call(ctx, schema.MethodAddTrack, paramsField(withMime(mime, extra)))
	if err != nil {
		return 0, err
	}
	r := session.NewReader(out)
	track := r.U32(schema.FieldTrack)
	if err := r.Err(); err != nil {
		return 0, fmt.Errorf("%w: add track response: %v", mserr.ErrInternal, err)
	}
	return int(track), nil
}

// WriteSample sends one encoded sample for track. Samples travel by value;
// muxers hand out no buffers.
func (m *Muxer) WriteSample(ctx context.Context, track int, info media.BufferInfo, data []byte) error {
	return m.callState(ctx, schema.MethodWriteSample, []tlv.Field{
		tlv.U32(schema.FieldTrack, uint32(track)),
		tlv.I64(schema.FieldPTS, info.PTS),
		tlv.U32(schema.FieldFlags, uint32(info.Flags)),
		tlv.Bytes(schema.FieldData, data),
	})
}

// ApplyProfile configures the muxer from p and adds its tracks, returning
// the track ids in the order of p.Tracks.
func (m *Muxer) ApplyProfile(ctx context.Context, p config.RecorderProfile) ([]int, error) {
	if err := m.Configure(ctx, p.OutputParams()); err != nil {
		return nil, err
	}
	tracks := p.Tracks()
	ids := make([]int, 0, len(tracks))
	for _, params := range tracks {
		id, err := m.AddTrack(ctx, params[media.ParamMime], params)
		if err != nil {
			return ids, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
