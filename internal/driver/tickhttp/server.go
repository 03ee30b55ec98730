// Package tickhttp exposes RunTick and the job API over HTTP so an external
// timer (cron, a cloud scheduler, a load-balanced health checker) can drive
// ticks. Overlapping calls are safe: claims decide who runs each job.
package tickhttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobsched/internal/job"
	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

const (
	DefaultAddr     = "127.0.0.1:8089"
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// API is the slice of *scheduler.Scheduler the server needs.
type API interface {
	RunTick(ctx context.Context, now time.Time) scheduler.TickResult
	Now() time.Time
	Owner() string
	CreateJob(ctx context.Context, jobType string, sched job.Schedule, payload json.RawMessage, opts ...job.Option) (*job.Job, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)
	CancelJob(ctx context.Context, id string) (*job.Job, error)
	ResetJob(ctx context.Context, id string) (*job.Job, error)
}

// Config controls the HTTP trigger.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg      Config
	api      API
	log      logx.Logger
	gatherer prometheus.Gatherer
	health   func() any

	// base outlives individual requests so a client hanging up does not
	// interrupt the handlers of a tick already in progress.
	base context.Context
}

type Option func(*Server)

func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithHealth adds fn's result under "runtime" in /healthz.
func WithHealth(fn func() any) Option { return func(s *Server) { s.health = fn } }

func New(cfg Config, api API, opts ...Option) *Server {
	s := &Server{cfg: cfg, api: api, base: context.Background()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) addr() string {
	if a := strings.TrimSpace(s.cfg.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /tick", auth(s.handleTick))
	mux.HandleFunc("GET /jobs", auth(s.handleList))
	mux.HandleFunc("POST /jobs", auth(s.handleCreate))
	mux.HandleFunc("GET /jobs/{id}", auth(s.handleGet))
	mux.HandleFunc("POST /jobs/{id}/cancel", auth(s.handleCancel))
	mux.HandleFunc("POST /jobs/{id}/reset", auth(s.handleReset))
	if s.gatherer != nil {
		mux.Handle("GET /metrics", auth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

// Run listens and serves until ctx is cancelled. It is meant to run under
// supervisor.GoRestart.
func (s *Server) Run(ctx context.Context) error {
	addr := s.addr()
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			s.log.Error("tick endpoint refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return errors.New("tickhttp: insecure bind")
		}
		s.log.Warn("tick endpoint running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.base = ctx

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("tick endpoint started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("tickhttp: server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	want := []byte(tok)
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
