package rpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const DefaultPIDInterval = 500 * time.Millisecond

// PIDWatcher polls the process table for locally attached clients. It backs
// up connection EOF for peers whose socket outlives them.
type PIDWatcher struct {
	interval time.Duration
	exists   func(ctx context.Context, pid int32) (bool, error)
	log      zerolog.Logger
}

// NewPIDWatcher creates a watcher polling every interval.
func NewPIDWatcher(interval time.Duration, logger zerolog.Logger) *PIDWatcher {
	if interval <= 0 {
		interval = DefaultPIDInterval
	}
	return &PIDWatcher{
		interval: interval,
		exists:   process.PidExistsWithContext,
		log:      logger.With().Str("component", "pidwatch").Logger(),
	}
}

// Watch calls onGone once pid is no longer running. It returns when the pid
// exits or ctx ends. A pid of zero or less is not watched.
func (w *PIDWatcher) Watch(ctx context.Context, pid int32, onGone func()) {
	if pid <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		alive, err := w.exists(ctx, pid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Debug().Err(err).Int32("pid", pid).Msg("pid check failed")
			continue
		}
		if !alive {
			w.log.Info().Int32("pid", pid).Msg("client process gone")
			onGone()
			return
		}
	}
}
