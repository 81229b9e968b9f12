// Package telegram implements the engine's messaging client over the
// Telegram Bot API.
//
// Bots cannot read chat history, so the adapter long-polls updates with
// telebot and caches channel posts plus the automatic forwards that mirror
// them into linked discussion groups. Everything else is a direct Bot API
// call whose failures are classified into the engine's error taxonomy.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"engagebot/internal/engine"
	rtsup "engagebot/internal/runtime/supervisor"
	"engagebot/pkg/logx"
)

// Config configures the adapter.
type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
	HTTPTimeout time.Duration
	// OperatorChatID receives log notifications when non-zero.
	OperatorChatID int64
	// CachePosts bounds cached posts per channel.
	CachePosts int
	// Offline skips the getMe handshake (tests).
	Offline bool
}

type Adapter struct {
	cfg   Config
	log   logx.Logger
	bot   *tele.Bot
	http  *http.Client
	botID int64
	cache *postCache

	namesMu sync.Mutex
	names   map[string]int64 // "@username" -> chat id

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ engine.Client = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = tele.DefaultApiURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"message", "channel_post", "edited_channel_post"}},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram update handler failed", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:   cfg,
		log:   log,
		bot:   b,
		http:  &http.Client{Timeout: cfg.HTTPTimeout},
		cache: newPostCache(cfg.CachePosts),
		names: map[string]int64{},
	}
	if b.Me != nil && b.Me.ID != 0 {
		a.botID = b.Me.ID
	} else {
		a.botID = botIDFromToken(cfg.Token)
	}
	a.registerHandlers()
	return a, nil
}

// botIDFromToken parses the numeric prefix of "<id>:<secret>".
func botIDFromToken(token string) int64 {
	head, _, ok := strings.Cut(token, ":")
	if !ok {
		return 0
	}
	id, _ := strconv.ParseInt(head, 10, 64)
	return id
}

func (a *Adapter) registerHandlers() {
	onPost := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.observeChannelPost(m)
		}
		return nil
	}
	a.bot.Handle(tele.OnChannelPost, onPost)
	a.bot.Handle(tele.OnEditedChannelPost, onPost)

	onGroup := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.observeGroupMessage(m)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, onGroup)
	a.bot.Handle(tele.OnMedia, onGroup)
}

func (a *Adapter) observeChannelPost(m *tele.Message) {
	if m.Chat == nil {
		return
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	// Per-post comment toggles are invisible to bots; a missing discussion
	// copy surfaces later as a DiscussionMapping failure.
	a.cache.addPost(m.Chat.ID, engine.Post{ID: m.ID, Text: text, RepliesEnabled: true})
	if m.Chat.Username != "" {
		a.rememberName(m.Chat.Username, m.Chat.ID)
	}
}

// forwardInfo is decoded from a re-marshalled telebot message so both the
// legacy forward fields and forward_origin are understood.
type forwardInfo struct {
	IsAutomaticForward bool `json:"is_automatic_forward"`
	ForwardOrigin      *struct {
		Type      string `json:"type"`
		Chat      *struct{ ID int64 } `json:"chat"`
		MessageID int                 `json:"message_id"`
	} `json:"forward_origin"`
	ForwardFromChat      *struct{ ID int64 } `json:"forward_from_chat"`
	ForwardFromMessageID int                 `json:"forward_from_message_id"`
}

func parseForward(m *tele.Message) (channel int64, postID int, ok bool) {
	raw, err := json.Marshal(m)
	if err != nil {
		return 0, 0, false
	}
	var fi forwardInfo
	if err := json.Unmarshal(raw, &fi); err != nil || !fi.IsAutomaticForward {
		return 0, 0, false
	}
	if o := fi.ForwardOrigin; o != nil && o.Chat != nil && o.MessageID != 0 {
		return o.Chat.ID, o.MessageID, true
	}
	if fi.ForwardFromChat != nil && fi.ForwardFromMessageID != 0 {
		return fi.ForwardFromChat.ID, fi.ForwardFromMessageID, true
	}
	return 0, 0, false
}

func (a *Adapter) observeGroupMessage(m *tele.Message) {
	if m.Chat == nil {
		return
	}
	channel, postID, ok := parseForward(m)
	if !ok {
		return
	}
	a.cache.addMapping(channel, postID, m.Chat.ID, m.ID)
	a.log.Debug("discussion mapping seen",
		logx.Int64("channel", channel), logx.Int("post", postID), logx.Int64("chat", m.Chat.ID), logx.Int("message", m.ID))
}

func (a *Adapter) rememberName(username string, id int64) {
	a.namesMu.Lock()
	a.names["@"+strings.ToLower(strings.TrimPrefix(username, "@"))] = id
	a.namesMu.Unlock()
}

// Start runs the long-poll loop under a restarting supervisor.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.Component("telegram")))
	sup := a.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop ends polling. It never blocks shutdown longer than a short grace window.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// ---- engine.Client ----

func (a *Adapter) ResolveEntity(ctx context.Context, id string) (engine.Entity, error) {
	chat, err := a.getChat(ctx, chatID(id))
	if err != nil {
		return engine.Entity{}, err
	}
	if chat.Type != "" && chat.Type != "channel" {
		return engine.Entity{}, engine.Permanent(fmt.Errorf("%w: %s is a %s, not a channel", engine.ErrChannelUnavailable, id, chat.Type))
	}
	if chat.Username != "" {
		a.rememberName(chat.Username, chat.ID)
	}
	joined, err := a.isMember(ctx, chat.ID)
	if err != nil {
		a.log.Debug("membership check failed", logx.Int64("chat", chat.ID), logx.Err(err))
	}
	return engine.Entity{ID: chat.ID, Username: chat.Username, Title: chat.Title, Joined: joined}, nil
}

func (a *Adapter) IterateMessages(ctx context.Context, ent engine.Entity, limit int) ([]engine.Post, error) {
	return a.cache.latest(ent.ID, limit), nil
}

// Join succeeds only when an administrator already added the bot.
func (a *Adapter) Join(ctx context.Context, ent engine.Entity) error {
	ok, err := a.isMember(ctx, ent.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: bot must be added to chat %d", engine.ErrJoinUnsupported, ent.ID)
	}
	return nil
}

func (a *Adapter) Leave(ctx context.Context, ent engine.Entity) error {
	return a.call(ctx, "leaveChat", map[string]any{"chat_id": ent.ID}, nil)
}

func (a *Adapter) SendMessage(ctx context.Context, target engine.Entity, text string, replyTo int) (int, error) {
	payload := map[string]any{"chat_id": target.ID, "text": text}
	if replyTo > 0 {
		payload["reply_parameters"] = map[string]any{"message_id": replyTo}
	}
	var m apiMessage
	if err := a.call(ctx, "sendMessage", payload, &m); err != nil {
		return 0, err
	}
	return m.MessageID, nil
}

func (a *Adapter) SendReaction(ctx context.Context, target engine.Entity, postID int, reaction string) error {
	return a.call(ctx, "setMessageReaction", map[string]any{
		"chat_id":    target.ID,
		"message_id": postID,
		"reaction":   []apiReaction{{Type: "emoji", Emoji: reaction}},
	}, nil)
}

func (a *Adapter) ChannelInfo(ctx context.Context, ent engine.Entity) (engine.ChannelInfo, error) {
	chat, err := a.getChat(ctx, ent.ID)
	if err != nil {
		return engine.ChannelInfo{}, err
	}
	info := engine.ChannelInfo{LinkedChatID: chat.LinkedChatID}
	if chat.AvailableReactions != nil {
		info.Reactions = []string{}
		for _, r := range *chat.AvailableReactions {
			if r.Type == "emoji" && r.Emoji != "" {
				info.Reactions = append(info.Reactions, r.Emoji)
			}
		}
	}
	return info, nil
}

var errMappingNotSeen = errors.New("discussion copy of post not seen yet")

func (a *Adapter) DiscussionMapping(ctx context.Context, ent engine.Entity, postID int) (engine.DiscussionRef, error) {
	if ref, ok := a.cache.mapping(ent.ID, postID); ok {
		return engine.DiscussionRef{Chat: engine.Entity{ID: ref.ChatID}, MessageID: ref.MessageID}, nil
	}
	info, err := a.ChannelInfo(ctx, ent)
	if err != nil {
		return engine.DiscussionRef{}, err
	}
	if info.LinkedChatID == 0 {
		return engine.DiscussionRef{}, engine.ErrNoDiscussion
	}
	// The automatic forward may still be in flight; the governor retries.
	return engine.DiscussionRef{}, errMappingNotSeen
}

// ---- logx.Notifier ----

const telegramTextLimit = 4000

// Notify sends an operator notification. It is a no-op without an operator chat.
func (a *Adapter) Notify(ctx context.Context, text string) error {
	if a.cfg.OperatorChatID == 0 {
		return nil
	}
	chat := &tele.Chat{ID: a.cfg.OperatorChatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits on newline boundaries near the limit when possible.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}
