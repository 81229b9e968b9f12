package engine

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// QueueEntry is one channel under active processing.
type QueueEntry struct {
	ChannelID string `json:"channel_id"`
	Entity    Entity `json:"entity"`
	Posts     []Post `json:"posts"`
	// Cursor indexes Posts; it only moves forward and never exceeds len(Posts).
	Cursor         int           `json:"cursor"`
	LastSeenPostID int           `json:"last_seen_post_id,omitempty"`
	Comments       int           `json:"comments"`
	Reactions      int           `json:"reactions"`
	Sent           []SentComment `json:"sent,omitempty"`
	AddedAt        time.Time     `json:"added_at"`
}

// SentComment locates a delivered comment. Links are empty for channels
// without a public username.
type SentComment struct {
	PostID    int    `json:"post_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	PostLink  string `json:"post_link,omitempty"`
	Link      string `json:"link,omitempty"`
}

func newSentComment(ent Entity, postID int, chatID int64, messageID int) SentComment {
	c := SentComment{PostID: postID, ChatID: chatID, MessageID: messageID}
	if ent.Username != "" {
		c.PostLink = "https://t.me/" + ent.Username + "/" + strconv.Itoa(postID)
		c.Link = c.PostLink + "?comment=" + strconv.Itoa(messageID)
	}
	return c
}

// Done reports whether every sampled post has been handled.
func (e QueueEntry) Done() bool { return e.Cursor >= len(e.Posts) }

func (e QueueEntry) clone() QueueEntry {
	e.Posts = append([]Post(nil), e.Posts...)
	e.Sent = append([]SentComment(nil), e.Sent...)
	return e
}

// ProcessedRecord describes a finalized channel.
type ProcessedRecord struct {
	EntityID   int64         `json:"entity_id,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
	Comments   int           `json:"comments"`
	Reactions  int           `json:"reactions"`
	Sent       []SentComment `json:"sent,omitempty"`
	Left       bool          `json:"left"`
}

// Registry owns the rotation queue and the processed set. A channel id is
// in at most one of them.
//
// Rotation runs in passes. A pass is a snapshot of the queue order taken when
// the previous pass ends; channels added mid-pass wait for the next one.
// Removing a channel invalidates the pass and the next selection starts from
// the head of the current order.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*QueueEntry
	order     []string
	processed map[string]ProcessedRecord

	pass []string
	pos  int
}

func NewRegistry() *Registry {
	return &Registry{
		entries:   map[string]*QueueEntry{},
		processed: map[string]ProcessedRecord{},
	}
}

// Known reports whether id is queued or processed.
func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownLocked(id)
}

func (r *Registry) knownLocked(id string) bool {
	if _, ok := r.entries[id]; ok {
		return true
	}
	_, ok := r.processed[id]
	return ok
}

// KnownEntity reports whether a queued or processed channel resolved to entityID.
func (r *Registry) KnownEntity(entityID int64) bool {
	if entityID == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Entity.ID == entityID {
			return true
		}
	}
	for _, p := range r.processed {
		if p.EntityID == entityID {
			return true
		}
	}
	return false
}

// Counts returns the processed and queued channel counts.
func (r *Registry) Counts() (processed, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processed), len(r.entries)
}

// Add appends e to the rotation. capReached is evaluated under the registry
// lock with the current processed and queued counts.
func (r *Registry) Add(e QueueEntry, capReached func(processed, queued int) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.knownLocked(e.ChannelID) {
		return ErrAlreadyKnown
	}
	if capReached != nil && capReached(len(r.processed), len(r.entries)) {
		return ErrCapReached
	}
	if e.Cursor < 0 {
		e.Cursor = 0
	}
	ce := e.clone()
	r.entries[e.ChannelID] = &ce
	r.order = append(r.order, e.ChannelID)
	return nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (QueueEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return QueueEntry{}, false
	}
	return e.clone(), true
}

// Contains reports whether id is in the rotation.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Entries returns copies of the queued entries in rotation order.
func (r *Registry) Entries() []QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueueEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].clone())
	}
	return out
}

// Processed returns a copy of the processed set.
func (r *Registry) Processed() map[string]ProcessedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ProcessedRecord, len(r.processed))
	for k, v := range r.processed {
		out[k] = v
	}
	return out
}

// Next selects the next channel in round-robin order.
func (r *Registry) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for round := 0; round < 2; round++ {
		for r.pos < len(r.pass) {
			id := r.pass[r.pos]
			r.pos++
			if _, ok := r.entries[id]; ok {
				return id, true
			}
		}
		if len(r.order) == 0 {
			r.pass, r.pos = nil, 0
			return "", false
		}
		r.pass = append(r.pass[:0:0], r.order...)
		r.pos = 0
	}
	return "", false
}

// Invalidate drops the current pass.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.pass, r.pos = nil, 0
	r.mu.Unlock()
}

// Advance moves the cursor of id forward by one and records the step's tallies.
func (r *Registry) Advance(id string, commented, reacted bool) (QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	if e.Cursor < len(e.Posts) {
		e.Cursor++
	}
	if commented {
		e.Comments++
	}
	if reacted {
		e.Reactions++
	}
	return e.clone(), nil
}

// RecordComment appends a delivered comment to id's entry.
func (r *Registry) RecordComment(id string, c SentComment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Sent = append(e.Sent, c)
	}
}

// NoteNewPost records a post handled outside the sampled list.
func (r *Registry) NoteNewPost(id string, postID int, commented, reacted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	if postID > e.LastSeenPostID {
		e.LastSeenPostID = postID
	}
	if commented {
		e.Comments++
	}
	if reacted {
		e.Reactions++
	}
}

// Complete moves id from the rotation into the processed set and
// invalidates the current pass.
func (r *Registry) Complete(id string, rec ProcessedRecord) (QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if rec.EntityID == 0 {
		rec.EntityID = e.Entity.ID
	}
	r.processed[id] = rec
	r.pass, r.pos = nil, 0
	return e.clone(), nil
}

// registryState is the persisted form of a Registry.
type registryState struct {
	Queue     []QueueEntry               `json:"queue"`
	Processed map[string]ProcessedRecord `json:"processed"`
	Pass      []string                   `json:"pass,omitempty"`
	Pos       int                        `json:"pos,omitempty"`
}

func (r *Registry) export() registryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := registryState{
		Queue:     make([]QueueEntry, 0, len(r.order)),
		Processed: make(map[string]ProcessedRecord, len(r.processed)),
		Pass:      append([]string(nil), r.pass...),
		Pos:       r.pos,
	}
	for _, id := range r.order {
		st.Queue = append(st.Queue, r.entries[id].clone())
	}
	for k, v := range r.processed {
		st.Processed[k] = v
	}
	return st
}

// load replaces the registry contents. Entries that are already processed or
// duplicated are dropped and cursors are clamped.
func (r *Registry) load(st registryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = map[string]*QueueEntry{}
	r.order = nil
	r.processed = map[string]ProcessedRecord{}
	for k, v := range st.Processed {
		r.processed[k] = v
	}
	for _, e := range st.Queue {
		if e.ChannelID == "" || r.knownLocked(e.ChannelID) {
			continue
		}
		e.Cursor = min(max(e.Cursor, 0), len(e.Posts))
		ce := e.clone()
		r.entries[e.ChannelID] = &ce
		r.order = append(r.order, e.ChannelID)
	}
	r.pass = append([]string(nil), st.Pass...)
	r.pos = min(max(st.Pos, 0), len(r.pass))
}
