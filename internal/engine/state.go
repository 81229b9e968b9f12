package engine

import (
	"context"
	"fmt"
	"time"

	"engagebot/internal/storage"
	"engagebot/pkg/logx"
)

const (
	stateKey     = "engine/state"
	stateVersion = 1
)

// State is the persisted engine snapshot. It is written as one value so
// queue membership, cursors and counters can never disagree after a crash.
type State struct {
	Version        int                        `json:"version"`
	SavedAt        time.Time                  `json:"saved_at"`
	RunID          string                     `json:"run_id,omitempty"`
	Running        bool                       `json:"running"`
	Queue          []QueueEntry               `json:"queue"`
	Processed      map[string]ProcessedRecord `json:"processed"`
	Pass           []string                   `json:"pass,omitempty"`
	Pos            int                        `json:"pos,omitempty"`
	Selected       string                     `json:"selected,omitempty"`
	Counters       CounterSnapshot            `json:"counters"`
	PacingInterval time.Duration              `json:"pacing_interval"`
}

// State returns the current snapshot.
func (e *Engine) State() State {
	rs := e.reg.export()
	e.runMu.Lock()
	running, runID := e.wantRunning, e.runID
	e.runMu.Unlock()
	return State{
		Version:        stateVersion,
		SavedAt:        e.now(),
		RunID:          runID,
		Running:        running,
		Queue:          rs.Queue,
		Processed:      rs.Processed,
		Pass:           rs.Pass,
		Pos:            rs.Pos,
		Selected:       e.selection(),
		Counters:       e.counters.Snapshot(),
		PacingInterval: e.gov.Interval(),
	}
}

// persist writes the snapshot. Failures are logged and the run continues
// from memory; the flusher retries on its next tick. Nothing is written while
// the stored snapshot is unreadable, so a failed load never overwrites it.
func (e *Engine) persist(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if e.unreadable.Load() {
		e.dirty.Store(true)
		e.log.Warn("persist skipped: stored state has not been loaded")
		return
	}
	e.dirty.Store(false)
	st := e.State()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
	defer cancel()
	if err := storage.SaveJSON(wctx, e.store, stateKey, st); err != nil {
		e.dirty.Store(true)
		e.log.Warn("persist state failed", logx.Err(err))
	}
}

// Restore loads the persisted snapshot once. It reports whether a snapshot
// was found. A failed load can be retried; until one succeeds the engine
// does not write state.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	e.restoreMu.Lock()
	defer e.restoreMu.Unlock()
	if e.restored {
		return e.found, nil
	}

	var st State
	ok, err := storage.LoadJSON(ctx, e.store, stateKey, &st)
	if err != nil {
		e.unreadable.Store(true)
		return false, fmt.Errorf("load state: %w", err)
	}
	if ok && st.Version != stateVersion {
		e.unreadable.Store(true)
		return false, fmt.Errorf("load state: unsupported version %d", st.Version)
	}
	e.restored = true
	e.found = ok
	e.unreadable.Store(false)
	if !ok {
		return false, nil
	}

	e.reg.load(registryState{Queue: st.Queue, Processed: st.Processed, Pass: st.Pass, Pos: st.Pos})
	e.counters.restore(st.Counters)
	if st.PacingInterval > 0 {
		e.gov.SetInterval(st.PacingInterval)
	}
	if st.Selected != "" && e.reg.Contains(st.Selected) {
		e.setSelection(st.Selected)
	}
	e.runMu.Lock()
	e.wantRunning = st.Running
	e.runID = st.RunID
	e.runMu.Unlock()

	processed, queued := e.reg.Counts()
	e.log.Info("state restored",
		logx.Int("queued", queued), logx.Int("processed", processed),
		logx.Int64("comments", st.Counters.Comments), logx.Bool("was_running", st.Running))
	return true, nil
}

// flushLoop writes the snapshot whenever something changed outside a step
// (counter updates from governor waits, for example).
func (e *Engine) flushLoop(ctx context.Context) {
	t := time.NewTicker(e.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if e.dirty.Load() {
				e.persist(ctx)
			}
			return
		case <-t.C:
			if e.dirty.Load() {
				e.persist(ctx)
			}
		}
	}
}
