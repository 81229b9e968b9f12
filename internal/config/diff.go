package config

import (
	"hash/fnv"
	"reflect"
	"strconv"
	"strings"

	"engagebot/pkg/logx"
)

// SummarizeChange lists changed sections and safe attrs for logging.
// Secrets are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.APIURL != nt.APIURL || ot.PollTimeout != nt.PollTimeout || ot.HTTPTimeout != nt.HTTPTimeout ||
		ot.OperatorChatID != nt.OperatorChatID || ot.CachePosts != nt.CachePosts || ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", nt.PollTimeout),
			logx.Bool("telegram.operator_chat_set", nt.OperatorChatID != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	og, ng := oldCfg.Generator, newCfg.Generator
	og.APIKey, ng.APIKey = keyState(og.APIKey), keyState(ng.APIKey)
	if og != ng {
		changed = append(changed, "generator")
		attrs = append(attrs, logx.String("generator.model", ng.Model), logx.String("generator.prompt_file", ng.PromptFile))
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	ost.Password, nst.Password = keyState(ost.Password), keyState(nst.Password)
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nst.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.posts_per_channel", newCfg.Engine.PostsPerChannel),
			logx.String("engine.delay", newCfg.Engine.Delay),
			logx.Bool("engine.track_new_posts", newCfg.Engine.TrackNewPosts),
			logx.Int("engine.topics", len(newCfg.Engine.Topics)),
		)
		if newCfg.Engine.MaxChannels.Set {
			attrs = append(attrs, logx.Int("engine.max_channels", newCfg.Engine.MaxChannels.Value))
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.notify_enabled", newCfg.Logging.Notify.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = keyState(oh.Token), keyState(nh.Token)
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", nh.Enabled), logx.String("http.addr", nh.Addr))
	}

	if !reflect.DeepEqual(oldCfg.Discovery, newCfg.Discovery) {
		changed = append(changed, "discovery")
		attrs = append(attrs,
			logx.Int("discovery.channels", len(newCfg.Discovery.Channels)),
			logx.Bool("discovery.nats", newCfg.Discovery.NATS.Enabled),
		)
	}
	return changed, attrs
}

// keyState replaces a secret with whether it is set, keeping rotations visible
// as a change without logging the value.
func keyState(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set:" + hashString(s)
}

func hashString(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}
