package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
	"github.com/danmuck/mediactl/internal/rpc"
)

var errNoChannel = fmt.Errorf("server: call outside a channel: %w", mserr.ErrInternal)

type sessionOp func(*manager.Session, context.Context) error

func (s *Service) registerHandlers() error {
	handlers := map[schema.Method]rpc.Handler{
		schema.MethodPing:           s.handlePing,
		schema.MethodListCodecs:     s.handleListCodecs,
		schema.MethodCreateSession:  s.handleCreate,
		schema.MethodDestroySession: s.handleDestroy,
		schema.MethodRelease:        s.handleDestroy,
		schema.MethodConfigure:      s.withParams((*manager.Session).Configure),
		schema.MethodSetParameter:   s.withParams((*manager.Session).SetParameter),
		schema.MethodPrepare:        s.lifecycle((*manager.Session).Prepare),
		schema.MethodStart:          s.lifecycle((*manager.Session).Start),
		schema.MethodPause:          s.lifecycle((*manager.Session).Pause),
		schema.MethodResume:         s.lifecycle((*manager.Session).Resume),
		schema.MethodStop:           s.lifecycle((*manager.Session).Stop),
		schema.MethodReset:          s.lifecycle((*manager.Session).Reset),
		schema.MethodFlush:          s.lifecycle((*manager.Session).Flush),
		schema.MethodQueueInput:     s.handleQueueInput,
		schema.MethodReleaseOutput:  s.handleReleaseOutput,
		schema.MethodGetState:       s.handleGetState,
		schema.MethodListProfiles:   s.handleListProfiles,
		schema.MethodAddTrack:       s.handleAddTrack,
		schema.MethodWriteSample:    s.handleWriteSample,
	}
	for _, m := range schema.Methods() {
		h, ok := handlers[m]
		if !ok {
			continue
		}
		if err := s.router.Handle(m, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) owned(req rpc.Request) (*manager.Session, error) {
	return s.mgr.LookupOwned(req.Client, req.Session)
}

func (s *Service) handlePing(context.Context, rpc.Request) ([]tlv.Field, error) {
	return nil, nil
}

func (s *Service) handleListCodecs(_ context.Context, req rpc.Request) ([]tlv.Field, error) {
	r := session.NewReader(req.Fields)
	var typ media.SessionType
	if r.Has(schema.FieldSessionType) {
		typ = media.SessionType(r.U8(schema.FieldSessionType))
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", mserr.ErrInvalidArgument, err)
		}
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: session type %d", mserr.ErrInvalidArgument, typ)
		}
	}
	return config.CodecFields(s.codecs.For(typ)), nil
}

func (s *Service) handleListProfiles(_ context.Context, req rpc.Request) ([]tlv.Field, error) {
	r := session.NewReader(req.Fields)
	quality := ""
	if r.Has(schema.FieldProfileQuality) {
		quality = r.String(schema.FieldProfileQuality)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", mserr.ErrInvalidArgument, err)
	}
	return config.ProfileFields(s.codecs.ProfilesFor(quality)), nil
}

func (s *Service) handleCreate(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	c := connFrom(ctx)
	if c == nil {
		return nil, errNoChannel
	}
	r := session.NewReader(req.Fields)
	typ := media.SessionType(r.U8(schema.FieldSessionType))
	engineName := ""
	if r.Has(schema.FieldEngine) {
		engineName = r.String(schema.FieldEngine)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", mserr.ErrInvalidArgument, err)
	}

	sink, sub := c.attach()
	sess, err := s.mgr.CreateSession(typ, req.Client, manager.CreateOptions{Engine: engineName, Sink: sub})
	if err != nil {
		s.mgr.UnregisterSink(sub)
		return nil, err
	}
	sink.bind(sess.ID())
	c.track(sess.ID(), sub)
	return []tlv.Field{
		tlv.U64(schema.FieldSessionID, uint64(sess.ID())),
		tlv.String(schema.FieldEngine, sess.Engine()),
		tlv.String(schema.FieldState, sess.State().String()),
	}, nil
}

// handleDestroy serves both Release and DestroySession. Releasing a session
// this channel already released succeeds without effect.
func (s *Service) handleDestroy(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	c := connFrom(ctx)
	if c == nil {
		return nil, errNoChannel
	}
	if _, err := s.owned(req); err != nil {
		if errors.Is(err, manager.ErrUnknownSession) && c.wasReleased(req.Session) {
			return nil, nil
		}
		return nil, err
	}
	s.mgr.DestroySession(req.Session)
	c.forget(req.Session)
	return nil, nil
}

func (s *Service) lifecycle(op sessionOp) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
		sess, err := s.owned(req)
		if err != nil {
			return nil, err
		}
		if err := op(sess, ctx); err != nil {
			return nil, err
		}
		return stateField(sess), nil
	}
}

func (s *Service) withParams(op func(*manager.Session, context.Context, media.Params) error) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
		r := session.NewReader(req.Fields)
		params := r.Params(schema.FieldParams)
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%w: params: %v", mserr.ErrInvalidArgument, err)
		}
		sess, err := s.owned(req)
		if err != nil {
			return nil, err
		}
		if err := op(sess, ctx, params); err != nil {
			return nil, err
		}
		return stateField(sess), nil
	}
}

func (s *Service) handleQueueInput(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	r := session.NewReader(req.Fields)
	index := r.U32(schema.FieldIndex)
	epoch := r.U64(schema.FieldEpoch)
	data := r.Bytes(schema.FieldData)
	info := media.BufferInfo{
		PTS:    r.I64(schema.FieldPTS),
		Flags:  media.BufferFlag(r.U32(schema.FieldFlags)),
		Offset: r.OptU32(schema.FieldOffset),
		Length: r.OptU32(schema.FieldLength),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", mserr.ErrInvalidArgument, err)
	}
	if info.Length == 0 {
		info.Length = uint32(len(data))
	}
	sess, err := s.owned(req)
	if err != nil {
		return nil, err
	}
	return nil, sess.QueueInput(ctx, index, epoch, info, data)
}

func (s *Service) handleReleaseOutput(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	r := session.NewReader(req.Fields)
	index := r.U32(schema.FieldIndex)
	epoch := r.U64(schema.FieldEpoch)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", mserr.ErrInvalidArgument, err)
	}
	sess, err := s.owned(req)
	if err != nil {
		return nil, err
	}
	return nil, sess.ReleaseOutput(ctx, index, epoch)
}

func (s *Service) handleAddTrack(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	r := session.NewReader(req.Fields)
	params := r.Params(schema.FieldParams)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: params: %v", mserr.ErrInvalidArgument, err)
	}
	sess, err := s.owned(req)
	if err != nil {
		return nil, err
	}
	track, err := sess.AddTrack(ctx, params)
	if err != nil {
		return nil, err
	}
	return append(stateField(sess), tlv.U32(schema.FieldTrack, uint32(track))), nil
}

func (s *Service) handleWriteSample(ctx context.Context, req rpc.Request) ([]tlv.Field, error) {
	r := session.NewReader(req.Fields)
	track := r.U32(schema.FieldTrack)
	data := r.Bytes(schema.FieldData)
	info := media.BufferInfo{
		PTS:   r.I64(schema.FieldPTS),
		Flags: media.BufferFlag(r.U32(schema.FieldFlags)),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", mserr.ErrInvalidArgument, err)
	}
	sess, err := s.owned(req)
	if err != nil {
		return nil, err
	}
	return nil, sess.WriteSample(ctx, int(track), info, data)
}

func (s *Service) handleGetState(_ context.Context, req rpc.Request) ([]tlv.Field, error) {
	sess, err := s.owned(req)
	if err != nil {
		return nil, err
	}
	return append(stateField(sess), tlv.Bytes(schema.FieldParams, tlv.EncodeStringMap(sess.Params()))), nil
}

func stateField(sess *manager.Session) []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldState, sess.State().String())}
}
