package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"engagebot/pkg/logx"
)

// NATSConfig selects the subject candidates are published on.
type NATSConfig struct {
	URL     string
	Subject string
	// Queue, when set, load-balances candidates across engagebot instances.
	Queue string
	// Name identifies the connection on the server.
	Name string
}

// NATS consumes candidates from a NATS subject. A message body is either a
// bare identifier or {"channel": "..."}. Requests with a reply subject are
// answered with "accepted" or "ignored".
type NATS struct {
	cfg NATSConfig
	log logx.Logger
}

func NewNATS(cfg NATSConfig, log logx.Logger) (*NATS, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg.Subject = strings.TrimSpace(cfg.Subject)
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		return nil, errors.New("nats subject is empty")
	}
	if cfg.Name == "" {
		cfg.Name = "engagebot"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NATS{cfg: cfg, log: log}, nil
}

func (n *NATS) Name() string { return "nats:" + n.cfg.Subject }

// Run blocks until ctx is done. Connection failures are returned so the
// caller can restart the feed.
func (n *NATS) Run(ctx context.Context, sink Sink) error {
	nc, err := nats.Connect(n.cfg.URL,
		nats.Name(n.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	handler := func(msg *nats.Msg) {
		candidate, ok := parseCandidate(msg.Data)
		accepted := ok && sink(candidate)
		if !ok {
			n.log.Debug("unparseable candidate message", logx.String("subject", msg.Subject))
		}
		if msg.Reply != "" {
			reply := "ignored"
			if accepted {
				reply = "accepted"
			}
			if err := msg.Respond([]byte(reply)); err != nil {
				n.log.Debug("nats reply failed", logx.Err(err))
			}
		}
	}

	var sub *nats.Subscription
	if n.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(n.cfg.Subject, n.cfg.Queue, handler)
	} else {
		sub, err = nc.Subscribe(n.cfg.Subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", n.cfg.Subject, err)
	}
	n.log.Info("nats feed subscribed", logx.String("subject", n.cfg.Subject), logx.String("queue", n.cfg.Queue))

	select {
	case <-ctx.Done():
	case <-closed(nc):
		return errors.New("nats connection closed")
	}
	if err := sub.Drain(); err != nil {
		n.log.Debug("nats drain failed", logx.Err(err))
	}
	return nil
}

func closed(nc *nats.Conn) <-chan struct{} {
	ch := make(chan struct{})
	nc.SetClosedHandler(func(*nats.Conn) { close(ch) })
	return ch
}

func parseCandidate(data []byte) (string, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", false
	}
	if data[0] == '{' {
		var body struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", false
		}
		c := strings.TrimSpace(body.Channel)
		return c, c != ""
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	return string(data), true
}
