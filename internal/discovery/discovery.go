// Package discovery feeds candidate channel identifiers into the engine.
package discovery

import (
	"context"
	"strings"

	"engagebot/pkg/logx"
)

// Sink receives one candidate and reports whether it was accepted.
// Engine.Enqueue satisfies it.
type Sink func(candidate string) bool

// Feed produces candidates until ctx is done or the source is exhausted.
type Feed interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// Static enqueues a fixed list once.
type Static struct {
	Channels []string
	Log      logx.Logger
}

func (s Static) Name() string { return "static" }

func (s Static) Run(ctx context.Context, sink Sink) error {
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	accepted, skipped := 0, 0
	for _, c := range s.Channels {
		if ctx.Err() != nil {
			return nil
		}
		c = strings.TrimSpace(c)
		if c == "" || strings.HasPrefix(c, "#") {
			continue
		}
		if sink(c) {
			accepted++
		} else {
			skipped++
		}
	}
	log.Info("static candidates loaded", logx.Int("accepted", accepted), logx.Int("skipped", skipped))
	return nil
}
