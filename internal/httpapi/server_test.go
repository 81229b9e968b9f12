package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagebot/internal/engine"
	"engagebot/pkg/logx"
)

type fakeController struct {
	mu       sync.Mutex
	running  bool
	enqueued []string
	seen     map[string]bool
	stats    engine.Stats
}

func (f *fakeController) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.Running = f.running
	return s
}

func (f *fakeController) Enqueue(c string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[c] {
		return false
	}
	f.seen[c] = true
	f.enqueued = append(f.enqueued, c)
	return true
}

func (f *fakeController) StartRun() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return engine.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeController) StopRun(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return engine.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeController) ResetStats(context.Context) engine.CounterSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.stats.Counters
	f.stats.Counters = engine.CounterSnapshot{}
	return prev
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunControl(t *testing.T) {
	ctl := &fakeController{}
	h := New(Config{}, ctl, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/run/stop", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/run/start", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)

	rec = do(t, h, http.MethodPost, "/v1/run/start", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/run/stop", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctl.Stats().Running)
}

func TestResetStats(t *testing.T) {
	ctl := &fakeController{stats: engine.Stats{Counters: engine.CounterSnapshot{Comments: 4, Reactions: 9}}}
	h := New(Config{Token: "s3cret"}, ctl, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/stats/reset", "", "").Code)
	assert.Equal(t, int64(4), ctl.Stats().Counters.Comments)

	rec := do(t, h, http.MethodPost, "/v1/stats/reset", "", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Previous engine.CounterSnapshot `json:"previous"`
		Stats    engine.Stats           `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(4), resp.Previous.Comments)
	assert.Equal(t, int64(9), resp.Previous.Reactions)
	assert.Zero(t, resp.Stats.Counters)
}

func TestChannelsIntake(t *testing.T) {
	ctl := &fakeController{}
	h := New(Config{}, ctl, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/channels", `{"channel":"@a","channels":["@b","@a"," "]}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp channelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"@a", "@b"}, resp.Accepted)
	assert.Equal(t, []string{"@a", ""}, resp.Ignored)
	assert.Equal(t, []string{"@a", "@b"}, ctl.enqueued)

	rec = do(t, h, http.MethodPost, "/v1/channels", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/channels", `{"chan":"@x"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerToken(t *testing.T) {
	ctl := &fakeController{}
	h := New(Config{Token: "s3cret"}, ctl, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/stats", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/stats", "", "s3cret").Code)
	// Health and metrics stay open for health checks and scrapers.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "", "").Code)
}

func TestMetrics(t *testing.T) {
	ctl := &fakeController{stats: engine.Stats{
		Counters:    engine.CounterSnapshot{Comments: 3, Reactions: 5, RateLimits: 1},
		Queued:      2,
		MaxChannels: 150,
	}}
	h := New(Config{}, ctl, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "engagebot_comments_total 3")
	assert.Contains(t, text, "engagebot_reactions_total 5")
	assert.Contains(t, text, "engagebot_queue_channels 2")
	assert.Contains(t, text, "engagebot_max_channels 150")
	assert.Contains(t, text, "engagebot_running 0")
}
