package tickhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "owner": s.api.Owner()}
	if s.health != nil {
		out["runtime"] = s.health()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTick runs one tick synchronously and returns its counters. A tick
// that could not query the store answers 503 with the same body.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res := s.api.RunTick(s.base, s.api.Now())
	code := http.StatusOK
	if res.Err != "" {
		code = http.StatusServiceUnavailable
	}
	s.log.Debug("tick served",
		logx.String("remote", r.RemoteAddr),
		logx.Int("due", res.Due),
		logx.Int("executed", res.Executed),
	)
	writeJSON(w, code, res)
}

type createRequest struct {
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type"`
	Name     string        `json:"name,omitempty"`
	Schedule *job.Schedule `json:"schedule,omitempty"`
	// Spec is the compact schedule form accepted by job.ParseSchedule,
	// e.g. "cron:0 9 * * *" or "every:5m".
	Spec         string           `json:"spec,omitempty"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	MaxAttempts  int              `json:"max_attempts,omitempty"`
	Timeout      string           `json:"timeout,omitempty"`
	MissedPolicy job.MissedPolicy `json:"missed_policy,omitempty"`
	FirstRunAt   time.Time        `json:"first_run_at,omitzero"`
}

func (req createRequest) build() (job.Schedule, []job.Option, error) {
	var sched job.Schedule
	switch {
	case req.Schedule != nil && req.Spec != "":
		return sched, nil, errors.New("set either schedule or spec, not both")
	case req.Schedule != nil:
		sched = *req.Schedule
	case req.Spec != "":
		var err error
		if sched, err = job.ParseSchedule(req.Spec); err != nil {
			return sched, nil, err
		}
	default:
		return sched, nil, errors.New("schedule or spec is required")
	}

	var opts []job.Option
	if req.ID != "" {
		opts = append(opts, job.WithID(req.ID))
	}
	if req.Name != "" {
		opts = append(opts, job.WithName(req.Name))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			return sched, nil, fmt.Errorf("timeout: invalid duration %q", req.Timeout)
		}
		opts = append(opts, job.WithTimeout(d))
	}
	if req.MissedPolicy != "" {
		opts = append(opts, job.WithMissedPolicy(req.MissedPolicy))
	}
	if !req.FirstRunAt.IsZero() {
		opts = append(opts, job.WithFirstRun(req.FirstRunAt))
	}
	return sched, opts, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sched, opts, err := req.build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	j, err := s.api.CreateJob(r.Context(), req.Type, sched, req.Payload, opts...)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []job.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			st := job.Status(strings.ToLower(strings.TrimSpace(part)))
			if st == "" {
				continue
			}
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}
	jobs, err := s.api.ListJobs(r.Context(), statuses...)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.byID(w, r, s.api.GetJob)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.byID(w, r, s.api.CancelJob)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.byID(w, r, s.api.ResetJob)
}

func (s *Server) byID(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*job.Job, error)) {
	j, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Warn("job api failed", logx.Err(err))
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case job.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrExists),
		errors.Is(err, job.ErrTerminal),
		errors.Is(err, job.ErrConcurrency),
		errors.Is(err, scheduler.ErrNotResettable):
		return http.StatusConflict
	case errors.Is(err, job.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
