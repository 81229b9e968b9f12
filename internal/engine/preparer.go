package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"engagebot/pkg/logx"
)

// NormalizeCandidate turns a link, username or numeric id into a channel id.
func NormalizeCandidate(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	for _, p := range []string{"t.me/", "telegram.me/", "www.t.me/"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimPrefix(s, "s/")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "@" {
		return ""
	}
	if isNumericID(s) || strings.HasPrefix(s, "@") {
		return s
	}
	return "@" + s
}

func isNumericID(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Enqueue hands a candidate to the preparer. It reports false for an invalid
// candidate, one already pending or known, or when the buffer is full.
func (e *Engine) Enqueue(candidate string) bool {
	id := NormalizeCandidate(candidate)
	if id == "" || e.reg.Known(id) {
		return false
	}
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[id]; ok {
		return false
	}
	select {
	case e.candidates <- id:
		e.pending[id] = struct{}{}
		return true
	default:
		e.log.Warn("candidate buffer full, dropping", logx.String("channel", id))
		return false
	}
}

func (e *Engine) pendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func (e *Engine) preparerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.candidates:
			_, err := e.Prepare(ctx, id)
			if errors.Is(err, ErrCancelled) {
				// Put it back so the next run picks it up.
				select {
				case e.candidates <- id:
				default:
					e.pendingMu.Lock()
					delete(e.pending, id)
					e.pendingMu.Unlock()
				}
				return
			}
			e.pendingMu.Lock()
			delete(e.pending, id)
			e.pendingMu.Unlock()
		}
	}
}

// Prepare validates a candidate, joins it, samples eligible posts and adds
// the resulting entry to the rotation.
func (e *Engine) Prepare(ctx context.Context, candidate string) (QueueEntry, error) {
	id := NormalizeCandidate(candidate)
	log := e.log.With(logx.String("channel", id))
	if id == "" {
		return QueueEntry{}, fmt.Errorf("%w: empty candidate %q", ErrResolveFailed, candidate)
	}
	s := e.Settings()

	if e.reg.Known(id) {
		return QueueEntry{}, ErrAlreadyKnown
	}
	if s.capReached(e.reg.Counts()) {
		log.Debug("candidate rejected, cap reached", logx.Int("cap", s.MaxChannels))
		return QueueEntry{}, ErrCapReached
	}

	ent, err := Call(ctx, e.gov, "resolve", func(ctx context.Context) (Entity, error) {
		return e.client.ResolveEntity(ctx, id)
	})
	if err != nil {
		if isCancelled(err) {
			return QueueEntry{}, ErrCancelled
		}
		log.Warn("candidate rejected, resolve failed", logx.Err(err))
		return QueueEntry{}, fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}
	if e.reg.KnownEntity(ent.ID) {
		return QueueEntry{}, ErrAlreadyKnown
	}

	if !ent.Joined {
		if err := e.sleep(ctx, randDuration(s.DelayMin, s.DelayMax)); err != nil {
			return QueueEntry{}, ErrCancelled
		}
		err := e.gov.Invoke(ctx, "join", func(ctx context.Context) error {
			return e.client.Join(ctx, ent)
		})
		switch {
		case err == nil:
			ent.Joined = true
			log.Info("joined channel")
			if s.DelaysEnabled() {
				if err := e.sleep(ctx, randDuration(s.JoinSettleMin, s.JoinSettleMax)); err != nil {
					return QueueEntry{}, ErrCancelled
				}
			}
		case isCancelled(err):
			return QueueEntry{}, ErrCancelled
		default:
			log.Warn("join failed, continuing", logx.Err(err))
		}
	}

	target := randInt(s.PostsMin, s.PostsMax)
	msgs, err := Call(ctx, e.gov, "iterate_messages", func(ctx context.Context) ([]Post, error) {
		return e.client.IterateMessages(ctx, ent, target*s.ScanFactor)
	})
	if err != nil {
		if isCancelled(err) {
			return QueueEntry{}, ErrCancelled
		}
		log.Warn("candidate rejected, message scan failed", logx.Err(err))
		return QueueEntry{}, fmt.Errorf("%w: %w", ErrNoEligiblePosts, err)
	}

	posts := samplePosts(msgs, target, s.MinTextLength)
	if len(posts) == 0 {
		log.Info("candidate rejected, no eligible posts", logx.Int("scanned", len(msgs)))
		return QueueEntry{}, ErrNoEligiblePosts
	}

	entry := QueueEntry{
		ChannelID: id,
		Entity:    ent,
		Posts:     posts,
		AddedAt:   e.now(),
	}
	for _, p := range msgs {
		entry.LastSeenPostID = max(entry.LastSeenPostID, p.ID)
	}
	if err := e.reg.Add(entry, s.capReached); err != nil {
		return QueueEntry{}, err
	}
	e.persist(ctx)
	log.Info("channel queued", logx.Int("posts", len(posts)), logx.String("title", ent.Title))
	return entry, nil
}

// samplePosts keeps up to target posts whose trimmed text is at least minLen runes.
func samplePosts(msgs []Post, target, minLen int) []Post {
	out := make([]Post, 0, target)
	for _, p := range msgs {
		if len(out) >= target {
			break
		}
		if p.ID == 0 || !eligibleText(p.Text, minLen) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func eligibleText(text string, minLen int) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= minLen
}
