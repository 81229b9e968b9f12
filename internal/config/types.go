package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Generator GeneratorConfig `json:"generator"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Discovery DiscoveryConfig `json:"discovery"`
}

type TelegramConfig struct {
	// Token may be supplied via ENGAGEBOT_TELEGRAM_TOKEN instead.
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	// OperatorChatID receives notifications when logging.notify is enabled.
	OperatorChatID int64 `json:"operator_chat_id,omitempty"`
	CachePosts     int   `json:"cache_posts,omitempty"`
}

// GeneratorConfig points at an OpenAI-compatible chat completions endpoint.
type GeneratorConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
	// PromptFile is required; startup fails when it is missing or empty.
	PromptFile string `json:"prompt_file"`
}

// StorageConfig selects the progress store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./engagebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	Addr      string `json:"addr,omitempty"` // redis
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// EngineConfig holds run settings. Ranges are "lo-hi" strings; delay ranges
// are in seconds and "_" disables them.
type EngineConfig struct {
	MaxChannels ChannelCap `json:"max_channels"`
	// CapScope is "active" (queued channels) or "total" (processed + queued).
	CapScope string `json:"cap_scope,omitempty"`

	PostsPerChannel    string `json:"posts_per_channel,omitempty"`
	Delay              string `json:"delay,omitempty"`
	CommentReactionGap string `json:"comment_reaction_gap,omitempty"`
	JoinSettle         string `json:"join_settle,omitempty"`

	Topics        []string `json:"topics,omitempty"`
	TrackNewPosts bool     `json:"track_new_posts,omitempty"`
	MinTextLength int      `json:"min_text_length,omitempty"`
	ScanFactor    int      `json:"scan_factor,omitempty"`
	Fallbacks     []string `json:"fallbacks,omitempty"`

	IdleInterval    string `json:"idle_interval,omitempty"`
	CapPause        string `json:"cap_pause,omitempty"`
	WatchSchedule   string `json:"watch_schedule,omitempty"`
	GenerateTimeout string `json:"generate_timeout,omitempty"`
	FlushInterval   string `json:"flush_interval,omitempty"`

	// AutoStart begins a run at boot even when no interrupted run is recorded.
	AutoStart bool `json:"auto_start,omitempty"`

	Pacing PacingConfig `json:"pacing"`
}

type PacingConfig struct {
	MinInterval      string `json:"min_interval,omitempty"`
	MaxInterval      string `json:"max_interval,omitempty"`
	RetryBudget      int    `json:"retry_budget,omitempty"`
	MaxRateLimitWait string `json:"max_rate_limit_wait,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Notify  LoggingNotify `json:"notify"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingNotify forwards records to telegram.operator_chat_id.
type LoggingNotify struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"`
}

type DiscoveryConfig struct {
	Channels []string   `json:"channels,omitempty"`
	NATS     NATSConfig `json:"nats"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Subject string `json:"subject,omitempty"`
	Queue   string `json:"queue,omitempty"`
}

// ChannelCap is a channel limit; 0 means unbounded. It accepts a JSON number,
// a numeric string, "unbounded" or "∞". An omitted value keeps the default.
type ChannelCap struct {
	Set   bool
	Value int
}

func ParseChannelCap(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "unbounded", "unlimited", "∞", "inf":
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid channel cap %q", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("channel cap must be >= 0")
	}
	return n, nil
}

func (c *ChannelCap) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ChannelCap{}
		return nil
	}
	var raw string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("invalid channel cap %s", b)
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("channel cap must be an integer")
		}
		raw = strconv.FormatInt(int64(f), 10)
	}
	n, err := ParseChannelCap(raw)
	if err != nil {
		return err
	}
	*c = ChannelCap{Set: true, Value: n}
	return nil
}

func (c ChannelCap) MarshalJSON() ([]byte, error) {
	if !c.Set {
		return []byte("null"), nil
	}
	if c.Value == 0 {
		return []byte(`"unbounded"`), nil
	}
	return []byte(strconv.Itoa(c.Value)), nil
}
