package discovery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagebot/pkg/logx"
)

type collector struct {
	got  chan string
	seen map[string]bool
}

func newCollector() *collector {
	return &collector{got: make(chan string, 16), seen: map[string]bool{}}
}

func (c *collector) sink(candidate string) bool {
	if c.seen[candidate] {
		return false
	}
	c.seen[candidate] = true
	c.got <- candidate
	return true
}

func TestStaticFeed(t *testing.T) {
	c := newCollector()
	f := Static{Channels: []string{"@a", "  ", "# comment", "@b", "@a"}}
	require.NoError(t, f.Run(context.Background(), c.sink))
	close(c.got)

	var got []string
	for s := range c.got {
		got = append(got, s)
	}
	assert.Equal(t, []string{"@a", "@b"}, got)
	assert.Equal(t, "static", f.Name())
}

func TestStaticFeedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	require.NoError(t, Static{Channels: []string{"@a"}}.Run(ctx, func(string) bool { calls++; return true }))
	assert.Zero(t, calls)
}

func TestParseCandidate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"@news", "@news", true},
		{"  https://t.me/news \n", "https://t.me/news", true},
		{`{"channel":"@news"}`, "@news", true},
		{`{"channel":"  "}`, "", false},
		{`{"channel":`, "", false},
		{`"@quoted"`, "@quoted", true},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := parseCandidate([]byte(tc.in))
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNewNATSRequiresSubject(t *testing.T) {
	_, err := NewNATS(NATSConfig{URL: "nats://localhost:4222"}, logx.Nop())
	require.Error(t, err)

	f, err := NewNATS(NATSConfig{Subject: "engagebot.candidates"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, nats.DefaultURL, f.cfg.URL)
	assert.Equal(t, "nats:engagebot.candidates", f.Name())
}

// Needs a reachable server, e.g. ENGAGEBOT_TEST_NATS_URL=nats://127.0.0.1:4222.
func TestNATSFeed(t *testing.T) {
	url := os.Getenv("ENGAGEBOT_TEST_NATS_URL")
	if url == "" {
		t.Skip("ENGAGEBOT_TEST_NATS_URL not set")
	}
	subject := "engagebot.test." + time.Now().Format("150405.000000")
	f, err := NewNATS(NATSConfig{URL: url, Subject: subject, Queue: "workers"}, logx.Nop())
	require.NoError(t, err)

	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, c.sink) }()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	var reply *nats.Msg
	require.Eventually(t, func() bool {
		reply, err = nc.Request(subject, []byte(`{"channel":"@news"}`), 200*time.Millisecond)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "accepted", string(reply.Data))
	assert.Equal(t, "@news", <-c.got)

	reply, err = nc.Request(subject, []byte("@news"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ignored", string(reply.Data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}
}
