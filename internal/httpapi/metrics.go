package httpapi

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"engagebot/internal/engine"
)

// statsCache avoids taking engine locks once per metric on every scrape.
type statsCache struct {
	ctl Controller

	mu  sync.Mutex
	at  time.Time
	val engine.Stats
}

func (c *statsCache) get() engine.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.at) > 500*time.Millisecond {
		c.val = c.ctl.Stats()
		c.at = time.Now()
	}
	return c.val
}

func newRegistry(ctl Controller) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sc := &statsCache{ctl: ctl}

	counter := func(name, help string, f func(engine.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "engagebot", Name: name, Help: help},
			func() float64 { return f(sc.get()) })
	}
	gauge := func(name, help string, f func(engine.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "engagebot", Name: name, Help: help},
			func() float64 { return f(sc.get()) })
	}

	reg.MustRegister(
		counter("comments_total", "Comments delivered.", func(s engine.Stats) float64 { return float64(s.Counters.Comments) }),
		counter("reactions_total", "Reactions delivered.", func(s engine.Stats) float64 { return float64(s.Counters.Reactions) }),
		counter("channels_finished_total", "Channels fully processed.", func(s engine.Stats) float64 { return float64(s.Counters.Channels) }),
		counter("errors_total", "Remote calls that exhausted their retries.", func(s engine.Stats) float64 { return float64(s.Counters.Errors) }),
		counter("rate_limits_total", "Rate-limit signals received.", func(s engine.Stats) float64 { return float64(s.Counters.RateLimits) }),
		counter("rate_limit_wait_seconds_total", "Requested rate-limit wait.", func(s engine.Stats) float64 { return s.Counters.RateLimitWait.Seconds() }),
		gauge("queue_channels", "Channels in the active queue.", func(s engine.Stats) float64 { return float64(s.Queued) }),
		gauge("processed_channels", "Channels finalized.", func(s engine.Stats) float64 { return float64(s.Processed) }),
		gauge("pending_candidates", "Candidates waiting for preparation.", func(s engine.Stats) float64 { return float64(s.Pending) }),
		gauge("max_channels", "Configured channel cap, 0 when unbounded.", func(s engine.Stats) float64 { return float64(s.MaxChannels) }),
		gauge("pacing_interval_seconds", "Current minimum spacing between remote calls.", func(s engine.Stats) float64 { return s.PacingInterval.Seconds() }),
		gauge("running", "1 while a run is active.", func(s engine.Stats) float64 {
			if s.Running {
				return 1
			}
			return 0
		}),
	)
	return reg
}
