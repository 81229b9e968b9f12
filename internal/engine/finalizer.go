package engine

import (
	"context"

	"engagebot/pkg/logx"
)

// Finalize leaves a completed channel and moves it to the processed set.
// Leaving is best-effort; the channel is finalized either way.
func (e *Engine) Finalize(ctx context.Context, channelID string) error {
	entry, ok := e.reg.Get(channelID)
	if !ok {
		return ErrUnknownChannel
	}
	log := e.log.With(logx.String("channel", channelID))

	left := true
	if err := e.gov.Invoke(ctx, "leave", func(ctx context.Context) error {
		return e.client.Leave(ctx, entry.Entity)
	}); err != nil {
		left = false
		log.Warn("leave failed", logx.Err(err))
	}

	done, err := e.reg.Complete(channelID, ProcessedRecord{
		EntityID:   entry.Entity.ID,
		FinishedAt: e.now(),
		Comments:   entry.Comments,
		Reactions:  entry.Reactions,
		Sent:       entry.Sent,
		Left:       left,
	})
	if err != nil {
		return err
	}
	e.clearSelection(channelID)
	e.counters.AddChannel()
	e.persist(ctx)

	log.Info("channel finalized",
		logx.Int("posts", len(done.Posts)), logx.Int("comments", done.Comments),
		logx.Int("reactions", done.Reactions), logx.Bool("left", left))
	return nil
}
