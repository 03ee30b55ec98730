// Package handler maps job types to the callbacks that execute them.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("handler not found")

// Info describes the occurrence being executed. (JobID, ScheduledFor) is
// stable across retries of a crashed or timed-out run, so handlers with
// external side effects can use it as a deduplication key.
type Info struct {
	JobID        string
	JobType      string
	Attempt      int
	ScheduledFor time.Time
}

// DedupKey returns "<job_id>:<scheduled_for unix ms>".
func (i Info) DedupKey() string {
	return i.JobID + ":" + strconv.FormatInt(i.ScheduledFor.UnixMilli(), 10)
}

// Handler executes one job occurrence. Delivery is at-least-once: the same
// occurrence may run again after a timeout or a crashed worker.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage, info Info) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context, payload json.RawMessage, info Info) error

func (f Func) Handle(ctx context.Context, payload json.RawMessage, info Info) error {
	return f(ctx, payload, info)
}

// Registry is safe for concurrent use; handlers may be registered while
// ticks are running.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds jobType to h, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return errors.New("handler: job type required")
	}
	if h == nil {
		return errors.New("handler: nil handler for " + jobType)
	}
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
	return nil
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(jobType string, f func(ctx context.Context, payload json.RawMessage, info Info) error) error {
	if f == nil {
		return errors.New("handler: nil handler for " + jobType)
	}
	return r.Register(jobType, Func(f))
}

func (r *Registry) Unregister(jobType string) {
	r.mu.Lock()
	delete(r.handlers, strings.TrimSpace(jobType))
	r.mu.Unlock()
}

func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
