package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"engagebot/pkg/logx"
)

// GovernorConfig tunes retry, backoff and pacing behavior.
type GovernorConfig struct {
	// RetryBudget is the total number of attempts per operation.
	RetryBudget int
	// MaxWait caps a single rate-limit wait.
	MaxWait time.Duration
	// CheckInterval is the chunk size of rate-limit waits; cancellation is
	// checked before every chunk.
	CheckInterval time.Duration
	// BackoffBase * BackoffMultiplier^attempt is added after each rate-limit wait.
	BackoffBase       time.Duration
	BackoffMultiplier float64

	// Global pacing between any two dispatched calls.
	MinInterval    time.Duration
	MaxInterval    time.Duration
	IntervalGrowth float64

	// Delay range between attempts after a non rate-limit failure.
	RetryDelayMin time.Duration
	RetryDelayMax time.Duration
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		RetryBudget:       5,
		MaxWait:           2 * time.Hour,
		CheckInterval:     10 * time.Second,
		BackoffBase:       time.Second,
		BackoffMultiplier: 1.5,
		MinInterval:       time.Second,
		MaxInterval:       10 * time.Second,
		IntervalGrowth:    1.5,
		RetryDelayMin:     time.Second,
		RetryDelayMax:     3 * time.Second,
	}
}

func (c GovernorConfig) normalized() GovernorConfig {
	d := DefaultGovernorConfig()
	if c.RetryBudget <= 0 {
		c.RetryBudget = d.RetryBudget
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.IntervalGrowth < 1 {
		c.IntervalGrowth = d.IntervalGrowth
	}
	if c.RetryDelayMax < c.RetryDelayMin {
		c.RetryDelayMax = c.RetryDelayMin
	}
	return c
}

// Governor wraps every remote call with shared pacing and bounded retries.
type Governor struct {
	cfg      GovernorConfig
	log      logx.Logger
	counters *Counters
	sleep    SleepFunc

	limiter *rate.Limiter

	mu       sync.Mutex
	interval time.Duration
}

func NewGovernor(cfg GovernorConfig, counters *Counters, log logx.Logger, sleep SleepFunc) *Governor {
	cfg = cfg.normalized()
	if counters == nil {
		counters = &Counters{}
	}
	if sleep == nil {
		sleep = sleepCtx
	}
	g := &Governor{
		cfg:      cfg,
		log:      log,
		counters: counters,
		sleep:    sleep,
		interval: cfg.MinInterval,
	}
	g.limiter = rate.NewLimiter(limitFor(cfg.MinInterval), 1)
	return g
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Interval returns the current minimum spacing between dispatched calls.
func (g *Governor) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// SetInterval restores a persisted pacing interval, clamped to the configured bounds.
func (g *Governor) SetInterval(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = min(max(d, g.cfg.MinInterval), g.cfg.MaxInterval)
	g.limiter.SetLimit(limitFor(g.interval))
}

// Reconfigure swaps the tuning in place. Calls already in flight finish with
// the tuning they started with.
func (g *Governor) Reconfigure(cfg GovernorConfig) {
	cfg = cfg.normalized()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.interval = min(max(g.interval, cfg.MinInterval), cfg.MaxInterval)
	g.limiter.SetLimit(limitFor(g.interval))
}

// Config returns the active tuning.
func (g *Governor) Config() GovernorConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

func (g *Governor) slowDown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := time.Duration(float64(g.interval) * g.cfg.IntervalGrowth)
	g.interval = min(max(next, g.cfg.MinInterval), g.cfg.MaxInterval)
	g.limiter.SetLimit(limitFor(g.interval))
	return g.interval
}

// Invoke runs op under the governor. The returned error is nil, ErrCancelled,
// a permanent error from op, or ErrRetriesExhausted wrapping the last failure.
//
// op receives a context that is never cancelled, so a dispatched call always
// runs to completion; only the surrounding waits observe ctx.
func (g *Governor) Invoke(ctx context.Context, name string, op func(ctx context.Context) error) error {
	cfg := g.Config()
	opCtx := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 0; attempt < cfg.RetryBudget; attempt++ {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			// ctx deadline is shorter than the pacing delay.
			return fmt.Errorf("%s: pacing: %w", name, err)
		}
		if ctx.Err() != nil {
			return ErrCancelled
		}

		err := op(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}

		last := attempt+1 >= cfg.RetryBudget
		if wait, ok := AsRateLimit(err); ok {
			g.counters.AddRateLimit(wait)
			interval := g.slowDown()
			if last {
				break
			}
			if wait > cfg.MaxWait {
				g.log.Warn("rate-limit wait exceeds ceiling, capping",
					logx.String("op", name), logx.Duration("requested", wait), logx.Duration("ceiling", cfg.MaxWait))
				wait = cfg.MaxWait
			}
			g.log.Info("rate limited, waiting",
				logx.String("op", name), logx.Duration("wait", wait), logx.Int("attempt", attempt+1), logx.Duration("interval", interval))
			if err := g.waitChunked(ctx, wait, cfg.CheckInterval); err != nil {
				return ErrCancelled
			}
			if err := g.sleep(ctx, cfg.backoff(attempt)); err != nil {
				return ErrCancelled
			}
			continue
		}

		if last {
			break
		}
		g.log.Debug("remote call failed, retrying", logx.String("op", name), logx.Int("attempt", attempt+1), logx.Err(err))
		if err := g.sleep(ctx, randDuration(cfg.RetryDelayMin, cfg.RetryDelayMax)); err != nil {
			return ErrCancelled
		}
	}

	g.counters.AddError()
	g.log.Warn("remote call gave up", logx.String("op", name), logx.Int("attempts", cfg.RetryBudget), logx.Err(lastErr))
	return fmt.Errorf("%s: %w: %w", name, ErrRetriesExhausted, lastErr)
}

func (c GovernorConfig) backoff(attempt int) time.Duration {
	return time.Duration(float64(c.BackoffBase) * math.Pow(c.BackoffMultiplier, float64(attempt)))
}

// waitChunked sleeps total in step-sized chunks, checking ctx before each chunk.
func (g *Governor) waitChunked(ctx context.Context, total, step time.Duration) error {
	for remaining := total; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := min(remaining, step)
		if err := g.sleep(ctx, chunk); err != nil {
			return err
		}
		remaining -= chunk
	}
	return nil
}

// Call is Invoke for operations that return a value.
func Call[T any](ctx context.Context, g *Governor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Invoke(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// isCancelled reports whether err is the governor's cancellation result.
func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
