package engine

import "context"

// Entity is a resolved remote chat handle.
type Entity struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Title    string `json:"title,omitempty"`
	Joined   bool   `json:"joined"`
}

// Name returns the best human-readable label for logs.
func (e Entity) Name() string {
	switch {
	case e.Username != "":
		return "@" + e.Username
	case e.Title != "":
		return e.Title
	default:
		return ""
	}
}

// Post is a channel message handle.
type Post struct {
	ID             int    `json:"id"`
	Text           string `json:"text,omitempty"`
	RepliesEnabled bool   `json:"replies_enabled"`
}

// ChannelInfo is the part of a channel's full info the executor needs.
type ChannelInfo struct {
	LinkedChatID int64 `json:"linked_chat_id,omitempty"`
	// Reactions lists the permitted reactions; nil means unrestricted.
	Reactions []string `json:"reactions,omitempty"`
}

// DiscussionRef is the discussion-chat message mirroring a channel post.
type DiscussionRef struct {
	Chat      Entity
	MessageID int
}

// Client is the messaging-protocol capability set. Any method may return a
// RateLimitError or a permanent error (see IsPermanent).
type Client interface {
	ResolveEntity(ctx context.Context, id string) (Entity, error)
	// IterateMessages returns up to limit posts, newest first.
	IterateMessages(ctx context.Context, ent Entity, limit int) ([]Post, error)
	Join(ctx context.Context, ent Entity) error
	Leave(ctx context.Context, ent Entity) error
	SendMessage(ctx context.Context, target Entity, text string, replyTo int) (int, error)
	SendReaction(ctx context.Context, target Entity, postID int, reaction string) error
	ChannelInfo(ctx context.Context, ent Entity) (ChannelInfo, error)
	DiscussionMapping(ctx context.Context, ent Entity, postID int) (DiscussionRef, error)
}

// Generator produces comment text for a post.
type Generator interface {
	Generate(ctx context.Context, postText string, topics []string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, postText string, topics []string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, postText string, topics []string) (string, error) {
	return f(ctx, postText, topics)
}
