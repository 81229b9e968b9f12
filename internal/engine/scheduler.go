package engine

import (
	"context"
	"time"

	"engagebot/pkg/logx"
)

func (e *Engine) runLoop(ctx context.Context) {
	for ctx.Err() == nil {
		wait := e.RunOnce(ctx)
		if err := e.sleep(ctx, wait); err != nil {
			return
		}
	}
}

// RunOnce performs one scheduling tick and returns how long to wait before
// the next one.
//
// An empty rotation yields the idle interval. When the channel cap is
// exceeded the current selection is kept and the cap pause is returned.
// Otherwise one step runs on the next channel in rotation order; a completed
// channel is finalized before RunOnce returns.
func (e *Engine) RunOnce(ctx context.Context) time.Duration {
	e.work.Lock()
	defer e.work.Unlock()

	s := e.Settings()
	if ctx.Err() != nil {
		return 0
	}

	id := e.selection()
	if id == "" || !e.reg.Contains(id) {
		var ok bool
		id, ok = e.reg.Next()
		if !ok {
			e.setSelection("")
			return s.IdleInterval
		}
		e.setSelection(id)
	}

	if processed, queued := e.reg.Counts(); s.capExceeded(processed, queued) {
		e.log.Info("channel cap exceeded, pausing dispatch",
			logx.Int("cap", s.MaxChannels), logx.Int("processed", processed), logx.Int("queued", queued),
			logx.String("selected", id))
		return s.CapPause
	}

	outcome, err := e.Step(ctx, id)
	switch outcome {
	case OutcomeCancelled:
		// Selection stays so the step is retried first on resume.
		e.persist(ctx)
		return 0
	case OutcomeCompleted:
		if ferr := e.Finalize(ctx, id); ferr != nil {
			e.log.Warn("finalize failed", logx.String("channel", id), logx.Err(ferr))
		}
	case OutcomeFailed:
		if err != nil {
			e.log.Warn("step failed", logx.String("channel", id), logx.Err(err))
		}
	}
	e.clearSelection(id)
	return randDuration(s.DelayMin, s.DelayMax)
}
