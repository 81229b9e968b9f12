package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagebot/internal/config"
	"engagebot/internal/engine"
	"engagebot/pkg/logx"
)

type idleClient struct{}

var errOffline = engine.Permanent(errors.New("offline"))

func (idleClient) ResolveEntity(context.Context, string) (engine.Entity, error) {
	return engine.Entity{}, errOffline
}
func (idleClient) IterateMessages(context.Context, engine.Entity, int) ([]engine.Post, error) {
	return nil, errOffline
}
func (idleClient) Join(context.Context, engine.Entity) error  { return errOffline }
func (idleClient) Leave(context.Context, engine.Entity) error { return errOffline }
func (idleClient) SendMessage(context.Context, engine.Entity, string, int) (int, error) {
	return 0, errOffline
}
func (idleClient) SendReaction(context.Context, engine.Entity, int, string) error { return errOffline }
func (idleClient) ChannelInfo(context.Context, engine.Entity) (engine.ChannelInfo, error) {
	return engine.ChannelInfo{}, errOffline
}
func (idleClient) DiscussionMapping(context.Context, engine.Entity, int) (engine.DiscussionRef, error) {
	return engine.DiscussionRef{}, errOffline
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	logs, log := logx.New(logx.Config{Level: "error"})
	t.Cleanup(func() { _ = logs.Close() })
	eng, err := engine.New(engine.Options{Client: idleClient{}, Logger: log})
	require.NoError(t, err)
	return &App{log: log, logs: logs, eng: eng}
}

func TestApplyConfigUpdatesEngineAndCandidates(t *testing.T) {
	a := newTestApp(t)

	prev := &config.Config{}
	next := &config.Config{
		Engine: config.EngineConfig{
			MaxChannels:     config.ChannelCap{Set: true, Value: 3},
			PostsPerChannel: "2-2",
			Delay:           "_",
		},
		Discovery: config.DiscoveryConfig{Channels: []string{"@one", "two", "@one"}},
	}
	a.applyConfig(prev, next)

	s := a.eng.Settings()
	assert.Equal(t, 3, s.MaxChannels)
	assert.Equal(t, 2, s.PostsMin)
	assert.False(t, s.DelaysEnabled())
	assert.Equal(t, 2, a.Stats().Pending)

	// A bad range keeps the previous settings.
	bad := *next
	bad.Engine.PostsPerChannel = "9-1"
	a.applyConfig(next, &bad)
	assert.Equal(t, 2, a.eng.Settings().PostsMax)
}

func TestApplyConfigRetunesPacing(t *testing.T) {
	a := newTestApp(t)
	a.eng.Governor().SetInterval(10 * time.Second)
	require.Equal(t, 10*time.Second, a.Stats().PacingInterval)

	prev := &config.Config{}
	next := &config.Config{Engine: config.EngineConfig{
		Pacing: config.PacingConfig{MaxInterval: "3s", RetryBudget: 7},
	}}
	a.applyConfig(prev, next)
	assert.Equal(t, 3*time.Second, a.Stats().PacingInterval)
	assert.Equal(t, 7, a.eng.Governor().Config().RetryBudget)

	// An inverted range keeps the previous tuning.
	bad := *next
	bad.Engine.Pacing = config.PacingConfig{MinInterval: "5s", MaxInterval: "1s"}
	a.applyConfig(next, &bad)
	assert.Equal(t, 3*time.Second, a.eng.Governor().Config().MaxInterval)
}

func TestRestartRequired(t *testing.T) {
	assert.Equal(t, []string{"telegram", "storage"}, restartRequired([]string{"telegram", "engine", "storage", "logging"}))
	assert.Empty(t, restartRequired([]string{"engine", "discovery"}))
}

func TestStopStepIsBounded(t *testing.T) {
	a := newTestApp(t)
	start := time.Now()
	a.step(context.Background(), "stuck", 50*time.Millisecond, func(c context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	ran := make(chan struct{}, 1)
	a.step(ctx, "expired", time.Second, func(context.Context) error { ran <- struct{}{}; return nil })
	assert.Empty(t, ran, "no time left, step skipped")
}

func TestStartRunRequiresStartedApp(t *testing.T) {
	a := newTestApp(t)
	require.Error(t, a.StartRun())
	assert.ErrorIs(t, a.StopRun(context.Background()), engine.ErrNotRunning)
}
