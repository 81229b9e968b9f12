// Package engine schedules engagement actions (a comment and a reaction)
// across channels in strict round-robin order.
//
// Every remote call goes through a Governor that paces all calls, absorbs
// rate-limit signals and retries transient failures. Progress is persisted
// as one snapshot after every step so a restarted process resumes from the
// same cursors without repeating confirmed work.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"engagebot/internal/runtime/supervisor"
	"engagebot/internal/storage"
	"engagebot/pkg/logx"
)

// Options wires an Engine.
type Options struct {
	Client    Client
	Generator Generator
	Store     storage.Store
	Logger    logx.Logger
	Governor  GovernorConfig
	Settings  Settings

	// FlushInterval is how often dirty state is written in the background.
	FlushInterval time.Duration
	// CandidateBuffer bounds the number of pending candidates.
	CandidateBuffer int

	// Sleep and Now are replaced in tests.
	Sleep SleepFunc
	Now   func() time.Time
}

// Engine owns the rotation, the governor and the run loops.
type Engine struct {
	log      logx.Logger
	client   Client
	gen      Generator
	store    storage.Store
	gov      *Governor
	reg      *Registry
	counters *Counters
	sleep    SleepFunc
	now      func() time.Time

	flushInterval  time.Duration
	persistTimeout time.Duration

	settingsMu sync.RWMutex
	settings   Settings

	// work serializes units of work from the scheduler and the watcher.
	work sync.Mutex

	selMu    sync.Mutex
	selected string

	candidates chan string
	pendingMu  sync.Mutex
	pending    map[string]struct{}

	persistMu sync.Mutex
	dirty     atomic.Bool

	restoreMu  sync.Mutex
	restored   bool
	found      bool
	unreadable atomic.Bool

	runMu       sync.Mutex
	sup         *supervisor.Supervisor
	running     bool
	wantRunning bool
	runID       string
	startedAt   time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("engine: client is required")
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("engine")

	settings := opts.Settings
	if settings.PostsMax == 0 && settings.IdleInterval == 0 {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.CandidateBuffer <= 0 {
		opts.CandidateBuffer = 1024
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		log:            log,
		client:         opts.Client,
		gen:            opts.Generator,
		store:          opts.Store,
		reg:            NewRegistry(),
		counters:       &Counters{},
		sleep:          opts.Sleep,
		now:            opts.Now,
		flushInterval:  opts.FlushInterval,
		persistTimeout: 10 * time.Second,
		settings:       settings.clone(),
		candidates:     make(chan string, opts.CandidateBuffer),
		pending:        map[string]struct{}{},
	}
	e.counters.onChange = func() { e.dirty.Store(true) }
	e.gov = NewGovernor(opts.Governor, e.counters, log.Component("governor"), opts.Sleep)
	return e, nil
}

// Settings returns a copy of the active settings.
func (e *Engine) Settings() Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings.clone()
}

// Apply replaces the settings. Running loops pick them up on their next tick.
func (e *Engine) Apply(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.settingsMu.Lock()
	e.settings = s.clone()
	e.settingsMu.Unlock()
	e.log.Info("settings applied", logx.Int("max_channels", s.MaxChannels),
		logx.Duration("delay_min", s.DelayMin), logx.Duration("delay_max", s.DelayMax))
	return nil
}

// Reconfigure applies new pacing and retry tuning to the shared governor
// without a restart.
func (e *Engine) Reconfigure(cfg GovernorConfig) {
	e.gov.Reconfigure(cfg)
	c := e.gov.Config()
	e.log.Info("pacing applied", logx.Duration("min_interval", c.MinInterval),
		logx.Duration("max_interval", c.MaxInterval), logx.Int("retry_budget", c.RetryBudget),
		logx.Duration("max_wait", c.MaxWait))
}

// ResetCounters zeroes the lifetime counters and persists the result.
// Queue, cursors and the processed set are untouched.
func (e *Engine) ResetCounters(ctx context.Context) CounterSnapshot {
	prev := e.counters.Reset()
	e.persist(ctx)
	e.log.Info("counters reset", logx.Int64("comments", prev.Comments),
		logx.Int64("reactions", prev.Reactions), logx.Int64("channels", prev.Channels))
	return prev
}

// Governor exposes the shared governor so collaborators can route their own
// remote calls through the same pacing.
func (e *Engine) Governor() *Governor { return e.gov }

// Registry exposes the rotation for read-only inspection.
func (e *Engine) Registry() *Registry { return e.reg }

// ResumeRequested reports whether the restored snapshot was taken while a run
// was active.
func (e *Engine) ResumeRequested() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.wantRunning && !e.running
}

// Running reports whether the run loops are active.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// Start restores persisted state (once) and launches the scheduler, preparer,
// watcher and flusher loops under ctx. It refuses to start when the stored
// state cannot be loaded.
func (e *Engine) Start(ctx context.Context, s Settings) error {
	if err := e.Apply(s); err != nil {
		return err
	}
	if _, err := e.Restore(ctx); err != nil {
		return err
	}

	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return ErrAlreadyRunning
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(e.log))
	e.sup = sup
	e.running = true
	e.wantRunning = true
	e.runID = uuid.NewString()
	e.startedAt = e.now()
	runID := e.runID
	e.runMu.Unlock()

	e.persist(ctx)
	processed, queued := e.reg.Counts()
	e.log.Info("run started", logx.String("run_id", runID),
		logx.Int("queued", queued), logx.Int("processed", processed), logx.Int("cap", s.MaxChannels))

	sup.Go0("engine.scheduler", e.runLoop)
	sup.Go0("engine.preparer", e.preparerLoop)
	sup.Go0("engine.watcher", e.watchLoop)
	sup.Go0("engine.flusher", e.flushLoop)
	return nil
}

// Stop ends the run at the next suspension point and clears the resume flag.
func (e *Engine) Stop(ctx context.Context) error {
	return e.halt(ctx, false)
}

// Shutdown ends the run but keeps the resume flag so the next process start
// continues the run.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.halt(ctx, true)
}

func (e *Engine) halt(ctx context.Context, keepRunning bool) error {
	e.runMu.Lock()
	if !e.running {
		if !keepRunning {
			e.wantRunning = false
		}
		e.runMu.Unlock()
		return ErrNotRunning
	}
	sup := e.sup
	e.runMu.Unlock()

	err := sup.Stop(ctx)

	e.runMu.Lock()
	e.running = false
	e.wantRunning = keepRunning
	e.sup = nil
	e.runMu.Unlock()

	e.persist(ctx)
	e.log.Info("run stopped", logx.Bool("resume_on_start", keepRunning))
	return err
}

// ChannelProgress is the per-channel part of Stats.
type ChannelProgress struct {
	ChannelID string `json:"channel_id"`
	Title     string `json:"title,omitempty"`
	Cursor    int    `json:"cursor"`
	Total     int    `json:"total"`
	Comments  int    `json:"comments"`
	Reactions int    `json:"reactions"`
}

// Stats is the operator view of the engine.
type Stats struct {
	RunID            string            `json:"run_id,omitempty"`
	Running          bool              `json:"running"`
	StartedAt        time.Time         `json:"started_at,omitempty"`
	Counters         CounterSnapshot   `json:"counters"`
	Queued           int               `json:"queued"`
	Processed        int               `json:"processed"`
	Pending          int               `json:"pending"`
	MaxChannels      int               `json:"max_channels"`
	PacingInterval   time.Duration     `json:"pacing_interval"`
	AvgRateLimitWait time.Duration     `json:"avg_rate_limit_wait"`
	Current          string            `json:"current,omitempty"`
	Channels         []ChannelProgress `json:"channels"`
}

func (e *Engine) Stats() Stats {
	c := e.counters.Snapshot()
	processed, queued := e.reg.Counts()
	e.runMu.Lock()
	st := Stats{RunID: e.runID, Running: e.running, StartedAt: e.startedAt}
	e.runMu.Unlock()

	st.Counters = c
	st.Queued = queued
	st.Processed = processed
	st.Pending = e.pendingCount()
	st.MaxChannels = e.Settings().MaxChannels
	st.PacingInterval = e.gov.Interval()
	st.AvgRateLimitWait = c.AvgRateLimitWait()
	st.Current = e.selection()
	for _, q := range e.reg.Entries() {
		st.Channels = append(st.Channels, ChannelProgress{
			ChannelID: q.ChannelID,
			Title:     q.Entity.Title,
			Cursor:    q.Cursor,
			Total:     len(q.Posts),
			Comments:  q.Comments,
			Reactions: q.Reactions,
		})
	}
	return st
}

func (e *Engine) selection() string {
	e.selMu.Lock()
	defer e.selMu.Unlock()
	return e.selected
}

func (e *Engine) setSelection(id string) {
	e.selMu.Lock()
	e.selected = id
	e.selMu.Unlock()
}

func (e *Engine) clearSelection(id string) {
	e.selMu.Lock()
	if e.selected == id {
		e.selected = ""
	}
	e.selMu.Unlock()
}
