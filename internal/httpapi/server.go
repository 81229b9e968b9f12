// Package httpapi is the operator control surface: run control, candidate
// intake, stats and Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"engagebot/internal/engine"
	"engagebot/pkg/logx"
)

const maxRequestBodySize = 1 << 20

// Controller is what the API drives. Run control is owned by the caller so a
// run outlives the request that started it.
type Controller interface {
	Stats() engine.Stats
	Enqueue(candidate string) bool
	StartRun() error
	StopRun(ctx context.Context) error
	// ResetStats zeroes the lifetime counters and returns the old values.
	ResetStats(ctx context.Context) engine.CounterSnapshot
}

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>" on /v1.
	Token string
}

type Server struct {
	cfg Config
	ctl Controller
	log logx.Logger
	reg *prometheus.Registry
	h   http.Handler
}

func New(cfg Config, ctl Controller, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, ctl: ctl, log: log, reg: newRegistry(ctl)}
	s.h = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.h }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": s.ctl.Stats().Running})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/stats", s.handleStats)
		r.Post("/stats/reset", s.handleResetStats)
		r.With(limitBody).Post("/channels", s.handleChannels)
		r.Post("/run/start", s.handleStart)
		r.Post("/run/stop", s.handleStop)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control api listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("control api shutdown", logx.Err(err))
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Stats())
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	prev := s.ctl.ResetStats(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"previous": prev, "stats": s.ctl.Stats()})
}

type channelsRequest struct {
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

type channelsResponse struct {
	Accepted []string `json:"accepted"`
	Ignored  []string `json:"ignored"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	var req channelsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	in := req.Channels
	if req.Channel != "" {
		in = append([]string{req.Channel}, in...)
	}
	if len(in) == 0 {
		writeError(w, http.StatusBadRequest, "no channels given")
		return
	}
	resp := channelsResponse{Accepted: []string{}, Ignored: []string{}}
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c != "" && s.ctl.Enqueue(c) {
			resp.Accepted = append(resp.Accepted, c)
		} else {
			resp.Ignored = append(resp.Ignored, c)
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.StartRun(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Stats())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.StopRun(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Stats())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, engine.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
