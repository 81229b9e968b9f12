package telegram

import (
	"sort"
	"sync"

	"engagebot/internal/engine"
)

type discussionRef struct {
	ChatID    int64
	MessageID int
}

// postCache keeps the newest channel posts seen by the poller and the
// discussion-chat copies of those posts.
type postCache struct {
	mu         sync.Mutex
	limit      int
	posts      map[int64][]engine.Post
	discussion map[int64]map[int]discussionRef
}

func newPostCache(limit int) *postCache {
	if limit <= 0 {
		limit = 50
	}
	return &postCache{
		limit:      limit,
		posts:      map[int64][]engine.Post{},
		discussion: map[int64]map[int]discussionRef{},
	}
}

// addPost inserts or replaces a post, keeping newest first.
func (c *postCache) addPost(channel int64, p engine.Post) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.posts[channel]
	replaced := false
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, p)
		sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
		if len(list) > c.limit {
			for _, old := range list[c.limit:] {
				delete(c.discussion[channel], old.ID)
			}
			list = list[:c.limit]
		}
	}
	c.posts[channel] = list
}

func (c *postCache) latest(channel int64, limit int) []engine.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.posts[channel]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	return append([]engine.Post(nil), list[:limit]...)
}

// addMapping records that post postID of channel was mirrored as msgID in chat.
func (c *postCache) addMapping(channel int64, postID int, chat int64, msgID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.discussion[channel]
	if m == nil {
		m = map[int]discussionRef{}
		c.discussion[channel] = m
	}
	m[postID] = discussionRef{ChatID: chat, MessageID: msgID}
}

func (c *postCache) mapping(channel int64, postID int) (discussionRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.discussion[channel][postID]
	return ref, ok
}
