package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/mediactl/internal/client"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/spf13/cobra"
)

const frameInterval = 33_333 // microseconds, ~30fps

type offer struct {
	index uint32
	epoch uint64
	info  media.BufferInfo
	size  int
}

// pipeSink turns callbacks into channel sends for the run loop.
type pipeSink struct {
	inputs  chan offer
	outputs chan offer
	errs    chan error
}

func newPipeSink() *pipeSink {
	return &pipeSink{
		inputs:  make(chan offer, 32),
		outputs: make(chan offer, 32),
		errs:    make(chan error, 4),
	}
}

func (p *pipeSink) OnError(kind media.ErrorKind, code int32) {
	select {
	case p.errs <- fmt.Errorf("%s error code=%d", kind, code):
	default:
	}
}

func (p *pipeSink) OnBufferAvailable(dir media.Direction, index uint32, meta notify.Metadata) {
	o := offer{index: index, epoch: meta.Epoch, info: meta.Info, size: len(meta.Data)}
	if dir == media.Input {
		p.inputs <- o
		return
	}
	p.outputs <- o
}

func (p *pipeSink) OnFormatChanged(media.Params) {}
func (p *pipeSink) OnStateChanged(string)        {}

func runCodec(ctx context.Context, ch *client.Channel, cmd *cobra.Command, mime, engine string, frames int) error {
	out := cmd.OutOrStdout()
	sink := newPipeSink()
	codec, err := ch.NewCodec(ctx, engine, sink)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = codec.Release(releaseCtx)
	}()
	if err := codec.ConfigureCodec(ctx, mime, nil); err != nil {
		return err
	}
	if err := codec.Prepare(ctx); err != nil {
		return err
	}
	if err := codec.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "session %d on %s engine\n", codec.ID(), codec.Engine())

	start := time.Now()
	queued, received := 0, 0
	for received < frames {
		select {
		case in := <-sink.inputs:
			if queued >= frames {
				continue
			}
			info := media.BufferInfo{PTS: int64(queued) * frameInterval}
			if queued == 0 {
				info.Flags |= media.FlagSyncFrame
			}
			if queued == frames-1 {
				info.Flags |= media.FlagEOS
			}
			payload := []byte(fmt.Sprintf("frame-%04d", queued))
			if err := codec.QueueInput(ctx, in.index, in.epoch, info, payload); err != nil {
				return fmt.Errorf("queue frame %d: %w", queued, err)
			}
			queued++
		case o := <-sink.outputs:
			fmt.Fprintf(out, "output index=%d pts=%d bytes=%d flags=%#x\n", o.index, o.info.PTS, o.size, uint32(o.info.Flags))
			if err := codec.ReleaseOutput(ctx, o.index, o.epoch); err != nil {
				return fmt.Errorf("release output %d: %w", o.index, err)
			}
			received++
		case err := <-sink.errs:
			return err
		case <-ch.Dead():
			return fmt.Errorf("channel closed after %d of %d frames", received, frames)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := codec.Stop(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d frames round-tripped in %s\n", received, time.Since(start).Round(time.Millisecond))
	return nil
}
