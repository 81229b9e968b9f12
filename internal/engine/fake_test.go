package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"engagebot/internal/storage"
)

type fakeChannel struct {
	ent        Entity
	posts      []Post // newest first
	info       ChannelInfo
	resolveErr error
	joinErr    error
	// memberGate makes the first comment fail with ErrMembershipRequired
	// until the discussion chat is joined.
	memberGate bool
	joinedChat bool
}

type fakeClient struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	byID     map[int64]*fakeChannel
	calls    []string
	// failures queued per op name, consumed one per call.
	failures map[string][]error

	comments  []string
	reactions []string
	left      []int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		channels: map[string]*fakeChannel{},
		byID:     map[int64]*fakeChannel{},
		failures: map[string][]error{},
	}
}

func (f *fakeClient) add(id string, ch *fakeChannel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = ch
	f.byID[ch.ent.ID] = ch
}

func (f *fakeClient) fail(op string, errs ...error) {
	f.mu.Lock()
	f.failures[op] = append(f.failures[op], errs...)
	f.mu.Unlock()
}

func (f *fakeClient) record(op string) error {
	f.calls = append(f.calls, op)
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeClient) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeClient) ResolveEntity(ctx context.Context, id string) (Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("resolve"); err != nil {
		return Entity{}, err
	}
	ch, ok := f.channels[id]
	if !ok {
		return Entity{}, Permanent(fmt.Errorf("%w: %s", ErrChannelUnavailable, id))
	}
	if ch.resolveErr != nil {
		return Entity{}, ch.resolveErr
	}
	return ch.ent, nil
}

func (f *fakeClient) IterateMessages(ctx context.Context, ent Entity, limit int) ([]Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("iterate"); err != nil {
		return nil, err
	}
	ch := f.byID[ent.ID]
	if ch == nil {
		return nil, ErrChannelUnavailable
	}
	if limit > len(ch.posts) {
		limit = len(ch.posts)
	}
	return append([]Post(nil), ch.posts[:limit]...), nil
}

func (f *fakeClient) Join(ctx context.Context, ent Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("join"); err != nil {
		return err
	}
	if ch := f.byID[ent.ID]; ch != nil {
		if ch.joinErr != nil {
			return ch.joinErr
		}
		ch.ent.Joined = true
		return nil
	}
	for _, ch := range f.byID {
		if ch.info.LinkedChatID == ent.ID {
			ch.joinedChat = true
		}
	}
	return nil
}

func (f *fakeClient) Leave(ctx context.Context, ent Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("leave"); err != nil {
		return err
	}
	f.left = append(f.left, ent.ID)
	return nil
}

func (f *fakeClient) SendMessage(ctx context.Context, target Entity, text string, replyTo int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("send_message"); err != nil {
		return 0, err
	}
	for _, ch := range f.byID {
		if ch.info.LinkedChatID == target.ID && ch.memberGate && !ch.joinedChat {
			return 0, ErrMembershipRequired
		}
	}
	f.comments = append(f.comments, fmt.Sprintf("%d:%d:%s", target.ID, replyTo, text))
	return len(f.comments), nil
}

func (f *fakeClient) SendReaction(ctx context.Context, target Entity, postID int, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("reaction"); err != nil {
		return err
	}
	f.reactions = append(f.reactions, fmt.Sprintf("%d:%d:%s", target.ID, postID, reaction))
	return nil
}

func (f *fakeClient) ChannelInfo(ctx context.Context, ent Entity) (ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("info"); err != nil {
		return ChannelInfo{}, err
	}
	ch := f.byID[ent.ID]
	if ch == nil {
		return ChannelInfo{}, ErrChannelUnavailable
	}
	return ch.info, nil
}

func (f *fakeClient) DiscussionMapping(ctx context.Context, ent Entity, postID int) (DiscussionRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("mapping"); err != nil {
		return DiscussionRef{}, err
	}
	ch := f.byID[ent.ID]
	if ch == nil || ch.info.LinkedChatID == 0 {
		return DiscussionRef{}, ErrNoDiscussion
	}
	return DiscussionRef{Chat: Entity{ID: ch.info.LinkedChatID}, MessageID: postID + 1000}, nil
}

// sleepRecorder records requested sleeps and returns immediately.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	// cancelAfter cancels the context after this many sleeps when > 0.
	cancelAfter int
	cancel      context.CancelFunc
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	n := len(r.sleeps)
	r.mu.Unlock()
	if r.cancelAfter > 0 && n >= r.cancelAfter && r.cancel != nil {
		r.cancel()
	}
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func posts(ids ...int) []Post {
	out := make([]Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, Post{ID: id, Text: fmt.Sprintf("post number %d with enough text", id), RepliesEnabled: true})
	}
	return out
}

func testSettings() Settings {
	s := DefaultSettings()
	s.DelayMin, s.DelayMax = 0, 0
	s.CommentReactionGapMin, s.CommentReactionGapMax = 0, 0
	s.JoinSettleMin, s.JoinSettleMax = 0, 0
	s.GenerateTimeout = time.Second
	return s
}

func testGovernor() GovernorConfig {
	cfg := DefaultGovernorConfig()
	cfg.MinInterval = 0
	cfg.MaxInterval = 0
	return cfg
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	eng    *Engine
	client *fakeClient
	store  storage.Store
	sleep  *sleepRecorder
}

func newHarness(t *testing.T, s Settings) *harness {
	t.Helper()
	h := &harness{client: newFakeClient(), store: storage.NewMemory(), sleep: &sleepRecorder{}}
	eng, err := New(Options{
		Client:    h.client,
		Store:     h.store,
		Governor:  testGovernor(),
		Settings:  s,
		Sleep:     h.sleep.Sleep,
		Now:       func() time.Time { return testNow },
		Generator: GeneratorFunc(func(ctx context.Context, text string, topics []string) (string, error) { return "nice", nil }),
	})
	require.NoError(t, err)
	h.eng = eng
	return h
}

// channel registers a joined channel with n eligible posts.
func (h *harness) channel(id string, entityID int64, n int, info ChannelInfo) {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = 100 - i
	}
	h.client.add(id, &fakeChannel{
		ent:   Entity{ID: entityID, Username: id[1:], Title: id, Joined: true},
		posts: posts(ids...),
		info:  info,
	})
}

// flakyStore fails the first getFailures Get calls.
type flakyStore struct {
	storage.Store
	mu          sync.Mutex
	getFailures int
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	fail := s.getFailures > 0
	if fail {
		s.getFailures--
	}
	s.mu.Unlock()
	if fail {
		return nil, false, fmt.Errorf("transient read error")
	}
	return s.Store.Get(ctx, key)
}
