package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"engagebot/internal/engine"
	"engagebot/internal/generator"
	"engagebot/internal/storage"
	"engagebot/internal/transport/telegram"
	"engagebot/pkg/logx"
)

const DefaultHTTPAddr = "127.0.0.1:8089"

// Validate checks everything that can be checked without touching the network.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or ENGAGEBOT_TELEGRAM_TOKEN)"))
	}
	if _, err := c.TelegramConfig(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Generator.PromptFile) == "" {
		errs = append(errs, errors.New("generator.prompt_file is required"))
	}
	if _, err := c.GeneratorConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageConfig(); err != nil {
		errs = append(errs, err)
	}
	if s, err := c.Engine.Settings(); err != nil {
		errs = append(errs, err)
	} else if err := s.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if _, _, err := c.Engine.Runtime(); err != nil {
		errs = append(errs, err)
	}
	if lv := c.Logging.Level; lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if lv := c.Logging.Notify.MinLevel; lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.notify.min_level: unknown level %q", lv))
	}
	if c.Logging.Notify.Enabled && c.Telegram.OperatorChatID == 0 {
		errs = append(errs, errors.New("logging.notify requires telegram.operator_chat_id"))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}
	if n := c.Discovery.NATS; n.Enabled && strings.TrimSpace(n.Subject) == "" {
		errs = append(errs, errors.New("discovery.nats.subject is required when nats is enabled"))
	}
	return errors.Join(errs...)
}

// Settings converts the file representation into engine settings, starting
// from engine defaults for every omitted field.
func (e EngineConfig) Settings() (engine.Settings, error) {
	s := engine.DefaultSettings()
	var err error

	if e.MaxChannels.Set {
		s.MaxChannels = e.MaxChannels.Value
	}
	if v := strings.TrimSpace(e.CapScope); v != "" {
		s.CapScope = strings.ToLower(v)
	}
	if s.PostsMin, s.PostsMax, err = ParseIntRange("engine.posts_per_channel", e.PostsPerChannel, s.PostsMin, s.PostsMax); err != nil {
		return s, err
	}
	if s.DelayMin, s.DelayMax, err = ParseSecondsRange("engine.delay", e.Delay, s.DelayMin, s.DelayMax); err != nil {
		return s, err
	}
	if s.CommentReactionGapMin, s.CommentReactionGapMax, err = ParseSecondsRange("engine.comment_reaction_gap", e.CommentReactionGap, s.CommentReactionGapMin, s.CommentReactionGapMax); err != nil {
		return s, err
	}
	if s.JoinSettleMin, s.JoinSettleMax, err = ParseSecondsRange("engine.join_settle", e.JoinSettle, s.JoinSettleMin, s.JoinSettleMax); err != nil {
		return s, err
	}

	if len(e.Topics) > 0 {
		s.Topics = trimAll(e.Topics)
	}
	s.TrackNewPosts = e.TrackNewPosts
	if e.MinTextLength > 0 {
		s.MinTextLength = e.MinTextLength
	}
	if e.ScanFactor > 0 {
		s.ScanFactor = e.ScanFactor
	}
	if fb := trimAll(e.Fallbacks); len(fb) > 0 {
		s.Fallbacks = fb
	}

	if s.IdleInterval, err = ParseDurationOrDefault("engine.idle_interval", e.IdleInterval, s.IdleInterval); err != nil {
		return s, err
	}
	if s.CapPause, err = ParseDurationOrDefault("engine.cap_pause", e.CapPause, s.CapPause); err != nil {
		return s, err
	}
	if s.GenerateTimeout, err = ParseDurationOrDefault("engine.generate_timeout", e.GenerateTimeout, s.GenerateTimeout); err != nil {
		return s, err
	}
	if v := strings.TrimSpace(e.WatchSchedule); v != "" {
		s.WatchSchedule = v
	}
	return s, nil
}

// Runtime returns the governor tuning and the background flush interval.
func (e EngineConfig) Runtime() (engine.GovernorConfig, time.Duration, error) {
	g := engine.DefaultGovernorConfig()
	var err error
	if g.MinInterval, err = ParseDurationOrDefault("engine.pacing.min_interval", e.Pacing.MinInterval, g.MinInterval); err != nil {
		return g, 0, err
	}
	if g.MaxInterval, err = ParseDurationOrDefault("engine.pacing.max_interval", e.Pacing.MaxInterval, g.MaxInterval); err != nil {
		return g, 0, err
	}
	if g.MaxInterval < g.MinInterval {
		return g, 0, fmt.Errorf("engine.pacing: max_interval %s < min_interval %s", g.MaxInterval, g.MinInterval)
	}
	if g.MaxWait, err = ParseDurationOrDefault("engine.pacing.max_rate_limit_wait", e.Pacing.MaxRateLimitWait, g.MaxWait); err != nil {
		return g, 0, err
	}
	if e.Pacing.RetryBudget < 0 {
		return g, 0, errors.New("engine.pacing.retry_budget must be >= 0")
	}
	if e.Pacing.RetryBudget > 0 {
		g.RetryBudget = e.Pacing.RetryBudget
	}
	flush, err := ParseDurationOrDefault("engine.flush_interval", e.FlushInterval, 5*time.Second)
	if err != nil {
		return g, 0, err
	}
	return g, flush, nil
}

func (c *Config) TelegramConfig() (telegram.Config, error) {
	poll, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	httpTimeout, err := ParseDurationOrDefault("telegram.http_timeout", c.Telegram.HTTPTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          strings.TrimSpace(c.Telegram.Token),
		APIURL:         strings.TrimSpace(c.Telegram.APIURL),
		PollTimeout:    poll,
		HTTPTimeout:    httpTimeout,
		OperatorChatID: c.Telegram.OperatorChatID,
		CachePosts:     c.Telegram.CachePosts,
	}, nil
}

func (c *Config) GeneratorConfig() (generator.Config, error) {
	timeout, err := ParseDurationOrDefault("generator.timeout", c.Generator.Timeout, 60*time.Second)
	if err != nil {
		return generator.Config{}, err
	}
	if c.Generator.MaxTokens < 0 {
		return generator.Config{}, errors.New("generator.max_tokens must be >= 0")
	}
	return generator.Config{
		BaseURL:     strings.TrimSpace(c.Generator.BaseURL),
		APIKey:      strings.TrimSpace(c.Generator.APIKey),
		Model:       strings.TrimSpace(c.Generator.Model),
		Temperature: c.Generator.Temperature,
		MaxTokens:   c.Generator.MaxTokens,
		Timeout:     timeout,
	}, nil
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "none", "memory", "file", "sqlite", "sqlite3", "redis":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if (driver == "file" || driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(c.Storage.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required for driver %q", driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
		Addr:        strings.TrimSpace(c.Storage.Addr),
		Password:    c.Storage.Password,
		DB:          c.Storage.DB,
		KeyPrefix:   c.Storage.KeyPrefix,
	}, nil
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Notify: logx.NotifyConfig{
			Enabled:    c.Logging.Notify.Enabled,
			MinLevel:   c.Logging.Notify.MinLevel,
			RatePerSec: c.Logging.Notify.RatePerSec,
		},
	}
}

func (c *Config) HTTPAddr() string {
	if a := strings.TrimSpace(c.HTTP.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
