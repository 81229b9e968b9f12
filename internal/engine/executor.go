package engine

import (
	"context"
	"errors"
	"strings"

	"engagebot/pkg/logx"
)

// Outcome is the result of one unit of work on a channel.
type Outcome int

const (
	OutcomeAdvanced Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// actionResult summarizes one comment+reaction attempt on a post.
type actionResult struct {
	Commented bool
	Reacted   bool
	// Attempted is false for both when the post was not eligible for either.
	CommentAttempted  bool
	ReactionAttempted bool
	// Sent is set when Commented.
	Sent SentComment
}

func (r actionResult) failed() bool {
	return (r.CommentAttempted || r.ReactionAttempted) && !r.Commented && !r.Reacted
}

// Step performs one unit of work on the channel's current post. The cursor
// advances by one even when the comment or reaction failed; a cancelled step
// does not advance unless its comment was already delivered.
func (e *Engine) Step(ctx context.Context, channelID string) (Outcome, error) {
	entry, ok := e.reg.Get(channelID)
	if !ok {
		return OutcomeFailed, ErrUnknownChannel
	}
	if entry.Done() {
		return OutcomeCompleted, nil
	}
	post := entry.Posts[entry.Cursor]
	log := e.log.With(logx.String("channel", channelID), logx.Int("post", post.ID),
		logx.Int("cursor", entry.Cursor), logx.Int("of", len(entry.Posts)))

	res, err := e.engage(ctx, log, entry.Entity, post)
	if err != nil && !res.Commented {
		log.Info("step cancelled")
		return OutcomeCancelled, ErrCancelled
	}

	if res.Commented {
		e.reg.RecordComment(channelID, res.Sent)
	}
	updated, aerr := e.reg.Advance(channelID, res.Commented, res.Reacted)
	if aerr != nil {
		return OutcomeFailed, aerr
	}
	e.persist(ctx)

	log.Debug("step done", logx.Bool("commented", res.Commented), logx.Bool("reacted", res.Reacted))
	switch {
	case updated.Done():
		return OutcomeCompleted, nil
	case res.failed():
		return OutcomeFailed, nil
	default:
		return OutcomeAdvanced, nil
	}
}

// engage comments on post when the channel allows it, then reacts.
// The only error it returns is ErrCancelled.
func (e *Engine) engage(ctx context.Context, log logx.Logger, ent Entity, post Post) (actionResult, error) {
	var res actionResult
	s := e.Settings()

	info, err := Call(ctx, e.gov, "channel_info", func(ctx context.Context) (ChannelInfo, error) {
		return e.client.ChannelInfo(ctx, ent)
	})
	if err != nil {
		if isCancelled(err) {
			return res, ErrCancelled
		}
		e.countFailure(err)
		log.Warn("channel info unavailable", logx.Err(err))
		info = ChannelInfo{}
	}

	if info.LinkedChatID != 0 && post.RepliesEnabled {
		res.CommentAttempted = true
		text := e.generateComment(ctx, log, post.Text, s)
		if ctx.Err() != nil {
			return res, ErrCancelled
		}
		sent, err := e.comment(ctx, ent, info, post.ID, text)
		switch {
		case err == nil:
			res.Commented = true
			res.Sent = sent
			e.counters.AddComment()
			log.Info("comment sent", logx.Int("len", len([]rune(text))), logx.Int("message", sent.MessageID))
		case isCancelled(err):
			return res, ErrCancelled
		default:
			e.countFailure(err)
			log.Warn("comment failed", logx.Err(err))
		}
		if res.Commented {
			if err := e.sleep(ctx, randDuration(s.CommentReactionGapMin, s.CommentReactionGapMax)); err != nil {
				return res, ErrCancelled
			}
		}
	} else {
		log.Debug("comments not available for post",
			logx.Bool("discussion", info.LinkedChatID != 0), logx.Bool("replies", post.RepliesEnabled))
	}

	reaction, ok := pickReaction(info.Reactions)
	if !ok {
		log.Debug("no permitted positive reaction, skipping")
		return res, nil
	}
	res.ReactionAttempted = true
	err = e.gov.Invoke(ctx, "send_reaction", func(ctx context.Context) error {
		return e.client.SendReaction(ctx, ent, post.ID, reaction)
	})
	switch {
	case err == nil:
		res.Reacted = true
		e.counters.AddReaction()
		log.Info("reaction set", logx.String("reaction", reaction))
	case isCancelled(err):
		return res, ErrCancelled
	default:
		e.countFailure(err)
		log.Warn("reaction failed", logx.String("reaction", reaction), logx.Err(err))
	}
	return res, nil
}

// comment resolves the discussion message for postID and replies to it.
// A membership rejection joins the discussion chat and retries once.
func (e *Engine) comment(ctx context.Context, ent Entity, info ChannelInfo, postID int, text string) (SentComment, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var ref DiscussionRef
		ref, err = Call(ctx, e.gov, "discussion_mapping", func(ctx context.Context) (DiscussionRef, error) {
			return e.client.DiscussionMapping(ctx, ent, postID)
		})
		var msgID int
		if err == nil {
			msgID, err = Call(ctx, e.gov, "send_comment", func(ctx context.Context) (int, error) {
				return e.client.SendMessage(ctx, ref.Chat, text, ref.MessageID)
			})
		}
		if err == nil {
			return newSentComment(ent, postID, ref.Chat.ID, msgID), nil
		}
		if attempt > 0 || !errors.Is(err, ErrMembershipRequired) {
			return SentComment{}, err
		}

		venue := ref.Chat
		if venue.ID == 0 {
			venue = Entity{ID: info.LinkedChatID}
		}
		if jerr := e.gov.Invoke(ctx, "join_discussion", func(ctx context.Context) error {
			return e.client.Join(ctx, venue)
		}); jerr != nil {
			if isCancelled(jerr) {
				return SentComment{}, jerr
			}
			return SentComment{}, errors.Join(err, jerr)
		}
	}
	return SentComment{}, err
}

func (e *Engine) generateComment(ctx context.Context, log logx.Logger, postText string, s Settings) string {
	if e.gen != nil {
		gctx, cancel := context.WithTimeout(ctx, s.GenerateTimeout)
		out, err := e.gen.Generate(gctx, postText, s.Topics)
		cancel()
		out = strings.TrimSpace(out)
		if err == nil && out != "" {
			return out
		}
		log.Warn("comment generation failed, using fallback", logx.Err(err))
	}
	fallbacks := s.Fallbacks
	if len(fallbacks) == 0 {
		fallbacks = DefaultFallbacks
	}
	text, _ := pick(fallbacks)
	return text
}

// pickReaction picks uniformly from permitted ∩ PositiveReactions.
// nil permitted means every reaction is allowed.
func pickReaction(permitted []string) (string, bool) {
	if permitted == nil {
		return pick(PositiveReactions)
	}
	allowed := make(map[string]struct{}, len(permitted))
	for _, r := range permitted {
		allowed[r] = struct{}{}
	}
	var choices []string
	for _, r := range PositiveReactions {
		if _, ok := allowed[r]; ok {
			choices = append(choices, r)
		}
	}
	return pick(choices)
}

// countFailure counts errors the governor has not already counted.
func (e *Engine) countFailure(err error) {
	if errors.Is(err, ErrRetriesExhausted) || isCancelled(err) {
		return
	}
	e.counters.AddError()
}
