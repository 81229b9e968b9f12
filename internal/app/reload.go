package app

import (
	"context"

	"engagebot/internal/config"
	"engagebot/pkg/logx"
)

// reloadLoop applies hot-reloadable sections: logging, engine settings,
// engine pacing and new static candidates. Everything else needs a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(next.LogConfig())

	if s, err := next.Engine.Settings(); err != nil {
		a.log.Warn("invalid engine settings; keeping previous", logx.Err(err))
	} else if err := a.eng.Apply(s); err != nil {
		a.log.Warn("engine settings rejected; keeping previous", logx.Err(err))
	}

	if gov, _, err := next.Engine.Runtime(); err != nil {
		a.log.Warn("invalid engine pacing; keeping previous", logx.Err(err))
	} else {
		a.eng.Reconfigure(gov)
	}

	added := 0
	for _, c := range next.Discovery.Channels {
		if a.Enqueue(c) {
			added++
		}
	}
	if added > 0 {
		a.log.Info("new static candidates queued", logx.Int("count", added))
	}

	if r := restartRequired(sections); len(r) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", joinSections(r)))
	}
	fields := append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)
	a.log.Info("config applied", fields...)
}
