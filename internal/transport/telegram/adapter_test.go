package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"engagebot/internal/engine"
	"engagebot/pkg/logx"
)

const testToken = "4242:secret"

type botAPI struct {
	mu       sync.Mutex
	handlers map[string]func(payload map[string]any) (int, string)
	calls    map[string][]map[string]any
}

func newAdapter(t *testing.T, api *botAPI) *Adapter {
	t.Helper()
	api.calls = map[string][]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		api.mu.Lock()
		api.calls[method] = append(api.calls[method], payload)
		h := api.handlers[method]
		api.mu.Unlock()

		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found: method not found"}`))
			return
		}
		status, body := h(payload)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{Token: testToken, APIURL: srv.URL, Offline: true, CachePosts: 3}, logx.Nop())
	require.NoError(t, err)
	return a
}

func (api *botAPI) lastCall(method string) map[string]any {
	api.mu.Lock()
	defer api.mu.Unlock()
	c := api.calls[method]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

func ok(result string) func(map[string]any) (int, string) {
	return func(map[string]any) (int, string) { return http.StatusOK, `{"ok":true,"result":` + result + `}` }
}

func fail(status int, desc string, extra string) func(map[string]any) (int, string) {
	return func(map[string]any) (int, string) {
		body := `{"ok":false,"error_code":` + itoa(status) + `,"description":"` + desc + `"` + extra + `}`
		return status, body
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Offline: true}, logx.Nop())
	require.Error(t, err)
}

func TestBotIDFromToken(t *testing.T) {
	assert.Equal(t, int64(4242), botIDFromToken("4242:secret"))
	assert.Zero(t, botIDFromToken("garbage"))
}

func TestResolveEntity(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){
		"getChat":       ok(`{"id":-1001,"type":"channel","title":"News","username":"news"}`),
		"getChatMember": ok(`{"status":"administrator"}`),
	}}
	a := newAdapter(t, api)

	ent, err := a.ResolveEntity(context.Background(), "@news")
	require.NoError(t, err)
	assert.Equal(t, engine.Entity{ID: -1001, Username: "news", Title: "News", Joined: true}, ent)
	assert.Equal(t, "@news", api.lastCall("getChat")["chat_id"])
	assert.EqualValues(t, 4242, api.lastCall("getChatMember")["user_id"])

	_, err = a.ResolveEntity(context.Background(), "-1001")
	require.NoError(t, err)
	assert.EqualValues(t, -1001, api.lastCall("getChat")["chat_id"])
}

func TestResolveEntityRejectsGroups(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){
		"getChat": ok(`{"id":-5,"type":"supergroup","title":"Chat"}`),
	}}
	a := newAdapter(t, api)

	_, err := a.ResolveEntity(context.Background(), "@chat")
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.ErrorIs(t, err, engine.ErrChannelUnavailable)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		h     func(map[string]any) (int, string)
		check func(t *testing.T, err error)
	}{
		{
			name: "flood wait",
			h:    fail(429, "Too Many Requests: retry after 17", `,"parameters":{"retry_after":17}`),
			check: func(t *testing.T, err error) {
				wait, ok := engine.AsRateLimit(err)
				require.True(t, ok)
				assert.Equal(t, 17*time.Second, wait)
			},
		},
		{
			name: "not a member",
			h:    fail(403, "Forbidden: bot is not a member of the supergroup chat", ""),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, engine.ErrMembershipRequired)
			},
		},
		{
			name: "chat not found",
			h:    fail(400, "Bad Request: chat not found", ""),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, engine.ErrChannelUnavailable)
			},
		},
		{
			name: "bad request",
			h:    fail(400, "Bad Request: message text is empty", ""),
			check: func(t *testing.T, err error) {
				assert.True(t, engine.IsPermanent(err))
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, "sendMessage", apiErr.Method)
			},
		},
		{
			name: "server error",
			h:    fail(502, "Bad Gateway", ""),
			check: func(t *testing.T, err error) {
				assert.False(t, engine.IsPermanent(err))
				_, limited := engine.AsRateLimit(err)
				assert.False(t, limited)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &botAPI{handlers: map[string]func(map[string]any) (int, string){"sendMessage": tc.h}}
			a := newAdapter(t, api)
			_, err := a.SendMessage(context.Background(), engine.Entity{ID: -7}, "hi", 0)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestSendMessageReplies(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){
		"sendMessage": ok(`{"message_id":77}`),
	}}
	a := newAdapter(t, api)

	id, err := a.SendMessage(context.Background(), engine.Entity{ID: -7}, "nice", 1105)
	require.NoError(t, err)
	assert.Equal(t, 77, id)
	call := api.lastCall("sendMessage")
	assert.EqualValues(t, -7, call["chat_id"])
	assert.Equal(t, "nice", call["text"])
	assert.Equal(t, map[string]any{"message_id": float64(1105)}, call["reply_parameters"])
}

func TestSendReaction(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){
		"setMessageReaction": ok(`true`),
	}}
	a := newAdapter(t, api)

	require.NoError(t, a.SendReaction(context.Background(), engine.Entity{ID: -1001}, 105, "🔥"))
	call := api.lastCall("setMessageReaction")
	assert.EqualValues(t, 105, call["message_id"])
	assert.Equal(t, []any{map[string]any{"type": "emoji", "emoji": "🔥"}}, call["reaction"])
}

func TestChannelInfoReactions(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){}}
	a := newAdapter(t, api)

	api.mu.Lock()
	api.handlers["getChat"] = ok(`{"id":-1001,"type":"channel","linked_chat_id":-2002}`)
	api.mu.Unlock()
	info, err := a.ChannelInfo(context.Background(), engine.Entity{ID: -1001})
	require.NoError(t, err)
	assert.Equal(t, int64(-2002), info.LinkedChatID)
	assert.Nil(t, info.Reactions, "absent list means unrestricted")

	api.mu.Lock()
	api.handlers["getChat"] = ok(`{"id":-1001,"type":"channel","available_reactions":[{"type":"emoji","emoji":"👍"},{"type":"custom_emoji"}]}`)
	api.mu.Unlock()
	info, err = a.ChannelInfo(context.Background(), engine.Entity{ID: -1001})
	require.NoError(t, err)
	assert.Equal(t, []string{"👍"}, info.Reactions)

	api.mu.Lock()
	api.handlers["getChat"] = ok(`{"id":-1001,"type":"channel","available_reactions":[]}`)
	api.mu.Unlock()
	info, err = a.ChannelInfo(context.Background(), engine.Entity{ID: -1001})
	require.NoError(t, err)
	assert.NotNil(t, info.Reactions)
	assert.Empty(t, info.Reactions, "empty list means reactions disabled")
}

func TestJoinRequiresExistingMembership(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){
		"getChatMember": ok(`{"status":"left"}`),
	}}
	a := newAdapter(t, api)
	err := a.Join(context.Background(), engine.Entity{ID: -1001})
	assert.ErrorIs(t, err, engine.ErrJoinUnsupported)

	api.mu.Lock()
	api.handlers["getChatMember"] = ok(`{"status":"member"}`)
	api.mu.Unlock()
	assert.NoError(t, a.Join(context.Background(), engine.Entity{ID: -1001}))
}

func decodeMessage(t *testing.T, raw string) *tele.Message {
	t.Helper()
	var m tele.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return &m
}

func TestCachedPostsAndDiscussionMapping(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){
		"getChat": ok(`{"id":-1001,"type":"channel","linked_chat_id":-2002}`),
	}}
	a := newAdapter(t, api)
	ctx := context.Background()
	ent := engine.Entity{ID: -1001}

	for _, raw := range []string{
		`{"message_id":10,"chat":{"id":-1001,"type":"channel","username":"news"},"text":"first"}`,
		`{"message_id":12,"chat":{"id":-1001,"type":"channel"},"caption":"photo caption"}`,
		`{"message_id":11,"chat":{"id":-1001,"type":"channel"},"text":"second"}`,
		`{"message_id":13,"chat":{"id":-1001,"type":"channel"},"text":"third"}`,
	} {
		a.observeChannelPost(decodeMessage(t, raw))
	}

	posts, err := a.IterateMessages(ctx, ent, 10)
	require.NoError(t, err)
	require.Len(t, posts, 3, "cache keeps the newest posts only")
	assert.Equal(t, []int{13, 12, 11}, []int{posts[0].ID, posts[1].ID, posts[2].ID})
	assert.Equal(t, "photo caption", posts[1].Text)

	_, err = a.DiscussionMapping(ctx, ent, 13)
	require.Error(t, err)
	assert.NotErrorIs(t, err, engine.ErrNoDiscussion)

	a.observeGroupMessage(decodeMessage(t, `{
		"message_id": 501,
		"chat": {"id": -2002, "type": "supergroup"},
		"is_automatic_forward": true,
		"forward_origin": {"type": "channel", "date": 1, "chat": {"id": -1001, "type": "channel"}, "message_id": 13},
		"text": "third"
	}`))
	ref, err := a.DiscussionMapping(ctx, ent, 13)
	require.NoError(t, err)
	assert.Equal(t, engine.DiscussionRef{Chat: engine.Entity{ID: -2002}, MessageID: 501}, ref)

	// Ordinary group chatter is ignored.
	a.observeGroupMessage(decodeMessage(t, `{"message_id":502,"chat":{"id":-2002,"type":"supergroup"},"text":"hello"}`))
	assert.Len(t, a.cache.discussion[-1001], 1)
}

func TestDiscussionMappingWithoutLinkedChat(t *testing.T) {
	api := &botAPI{handlers: map[string]func(map[string]any) (int, string){
		"getChat": ok(`{"id":-1001,"type":"channel"}`),
	}}
	a := newAdapter(t, api)
	_, err := a.DiscussionMapping(context.Background(), engine.Entity{ID: -1001}, 5)
	assert.ErrorIs(t, err, engine.ErrNoDiscussion)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	parts := splitText("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, parts)

	long := strings.Repeat("x", 25)
	parts = splitText(long, 10)
	require.Len(t, parts, 3)
	assert.Equal(t, long, strings.Join(parts, ""))
}
