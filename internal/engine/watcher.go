package engine

import (
	"context"
	"strings"

	"github.com/robfig/cron/v3"

	"engagebot/pkg/logx"
)

// watchLoop fires CheckNewPosts on the configured cron schedule while
// TrackNewPosts is enabled. Settings are re-read on every firing.
func (e *Engine) watchLoop(ctx context.Context) {
	log := e.log.Component("watcher")
	for ctx.Err() == nil {
		s := e.Settings()
		sched, err := cron.ParseStandard(strings.TrimSpace(s.WatchSchedule))
		if err != nil {
			log.Error("invalid watch schedule", logx.String("schedule", s.WatchSchedule), logx.Err(err))
			return
		}
		now := e.now()
		if err := e.sleep(ctx, sched.Next(now).Sub(now)); err != nil {
			return
		}
		if !e.Settings().TrackNewPosts {
			continue
		}
		if n := e.CheckNewPosts(ctx); n > 0 {
			log.Info("new posts handled", logx.Int("count", n))
		}
	}
}

// CheckNewPosts fetches the newest post of every queued channel and engages
// with it when it is newer than the last one seen. Cursors are not touched.
// It returns the number of posts handled.
func (e *Engine) CheckNewPosts(ctx context.Context) int {
	handled := 0
	for i, entry := range e.reg.Entries() {
		if ctx.Err() != nil {
			return handled
		}
		if i > 0 {
			s := e.Settings()
			if err := e.sleep(ctx, randDuration(s.DelayMin/2, s.DelayMax/2)); err != nil {
				return handled
			}
		}
		if e.checkChannel(ctx, entry.ChannelID) {
			handled++
		}
	}
	return handled
}

func (e *Engine) checkChannel(ctx context.Context, id string) bool {
	e.work.Lock()
	defer e.work.Unlock()

	entry, ok := e.reg.Get(id)
	if !ok {
		return false
	}
	log := e.log.With(logx.String("channel", id), logx.String("source", "watcher"))

	msgs, err := Call(ctx, e.gov, "latest_post", func(ctx context.Context) ([]Post, error) {
		return e.client.IterateMessages(ctx, entry.Entity, 1)
	})
	if err != nil {
		if !isCancelled(err) {
			log.Warn("latest post fetch failed", logx.Err(err))
		}
		return false
	}
	if len(msgs) == 0 || msgs[0].ID <= entry.LastSeenPostID {
		return false
	}
	post := msgs[0]
	if !eligibleText(post.Text, e.Settings().MinTextLength) {
		e.reg.NoteNewPost(id, post.ID, false, false)
		e.dirty.Store(true)
		return false
	}

	log.Info("new post detected", logx.Int("post", post.ID))
	res, err := e.engage(ctx, log, entry.Entity, post)
	if err != nil && !res.Commented {
		return false
	}
	if res.Commented {
		e.reg.RecordComment(id, res.Sent)
	}
	e.reg.NoteNewPost(id, post.ID, res.Commented, res.Reacted)
	e.persist(ctx)
	return true
}
