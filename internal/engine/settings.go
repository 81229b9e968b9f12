package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// PositiveReactions is the allow-list intersected with a channel's permitted reactions.
var PositiveReactions = []string{
	"👍", "❤️", "🔥", "🥰", "👏", "😍", "🤩", "💯",
	"⭐", "🎉", "🙏", "💪", "👌", "✨", "🌟", "🚀",
}

// DefaultFallbacks are used when the generator fails or returns nothing.
var DefaultFallbacks = []string{
	"Interesting, thanks for the post!",
	"Useful information",
	"Relevant topic",
	"Good material",
	"I agree with the author",
}

// Cap scopes.
const (
	// CapScopeActive counts only channels in rotation, so finalizing a
	// channel frees a slot.
	CapScopeActive = "active"
	// CapScopeTotal counts processed and queued channels; the cap is a
	// lifetime budget.
	CapScopeTotal = "total"
)

// Settings are the run parameters. They can be replaced at runtime with Apply.
type Settings struct {
	// MaxChannels caps the channel count selected by CapScope; 0 means unbounded.
	MaxChannels int
	CapScope    string

	PostsMin int
	PostsMax int

	// Inter-action delay window. Also drawn before joining a channel.
	// Both zero disables delays.
	DelayMin time.Duration
	DelayMax time.Duration

	Topics        []string
	TrackNewPosts bool

	MinTextLength int
	ScanFactor    int

	CommentReactionGapMin time.Duration
	CommentReactionGapMax time.Duration
	JoinSettleMin         time.Duration
	JoinSettleMax         time.Duration

	IdleInterval    time.Duration
	CapPause        time.Duration
	WatchSchedule   string
	GenerateTimeout time.Duration

	Fallbacks []string
}

func DefaultSettings() Settings {
	return Settings{
		MaxChannels:           150,
		CapScope:              CapScopeActive,
		PostsMin:              1,
		PostsMax:              5,
		DelayMin:              20 * time.Second,
		DelayMax:              1000 * time.Second,
		MinTextLength:         10,
		ScanFactor:            3,
		CommentReactionGapMin: 2 * time.Second,
		CommentReactionGapMax: 8 * time.Second,
		JoinSettleMin:         2 * time.Second,
		JoinSettleMax:         5 * time.Second,
		IdleInterval:          5 * time.Second,
		CapPause:              60 * time.Second,
		WatchSchedule:         "@every 1m",
		GenerateTimeout:       60 * time.Second,
		Fallbacks:             append([]string(nil), DefaultFallbacks...),
	}
}

// DelaysEnabled reports whether human-paced delays are in effect.
func (s Settings) DelaysEnabled() bool { return s.DelayMax > 0 }

// Validate checks ranges and the watch schedule.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxChannels < 0 {
		errs = append(errs, errors.New("max channels must be >= 0"))
	}
	switch s.CapScope {
	case "", CapScopeActive, CapScopeTotal:
	default:
		errs = append(errs, fmt.Errorf("cap scope %q must be %q or %q", s.CapScope, CapScopeActive, CapScopeTotal))
	}
	if s.PostsMin < 1 || s.PostsMax < s.PostsMin {
		errs = append(errs, fmt.Errorf("posts range %d-%d is invalid", s.PostsMin, s.PostsMax))
	}
	if s.DelayMin < 0 || s.DelayMax < s.DelayMin {
		errs = append(errs, fmt.Errorf("delay range %s-%s is invalid", s.DelayMin, s.DelayMax))
	}
	if s.CommentReactionGapMin < 0 || s.CommentReactionGapMax < s.CommentReactionGapMin {
		errs = append(errs, errors.New("comment/reaction gap range is invalid"))
	}
	if s.JoinSettleMin < 0 || s.JoinSettleMax < s.JoinSettleMin {
		errs = append(errs, errors.New("join settle range is invalid"))
	}
	if s.MinTextLength < 0 {
		errs = append(errs, errors.New("min text length must be >= 0"))
	}
	if s.ScanFactor < 1 {
		errs = append(errs, errors.New("scan factor must be >= 1"))
	}
	if s.IdleInterval <= 0 || s.CapPause <= 0 {
		errs = append(errs, errors.New("idle interval and cap pause must be > 0"))
	}
	if s.GenerateTimeout <= 0 {
		errs = append(errs, errors.New("generate timeout must be > 0"))
	}
	if _, err := cron.ParseStandard(strings.TrimSpace(s.WatchSchedule)); err != nil {
		errs = append(errs, fmt.Errorf("watch schedule %q: %w", s.WatchSchedule, err))
	}
	return errors.Join(errs...)
}

func (s Settings) clone() Settings {
	s.Topics = append([]string(nil), s.Topics...)
	s.Fallbacks = append([]string(nil), s.Fallbacks...)
	return s
}

func (s Settings) capCount(processed, queued int) int {
	if s.CapScope == CapScopeTotal {
		return processed + queued
	}
	return queued
}

// capExceeded pauses dispatch; it only trips after the cap is lowered at runtime.
func (s Settings) capExceeded(processed, queued int) bool {
	return s.MaxChannels > 0 && s.capCount(processed, queued) > s.MaxChannels
}

func (s Settings) capReached(processed, queued int) bool {
	return s.MaxChannels > 0 && s.capCount(processed, queued) >= s.MaxChannels
}
