package job

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is excluded from due queries for good
// (done), or until an operator resets it (failed, cancelled).
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

type RunStatus string

const (
	RunNone    RunStatus = ""
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunTimeout RunStatus = "timeout"
	RunSkipped RunStatus = "skipped"
)

// MissedPolicy decides what happens when a recurring job is picked up long
// after its next_run_at.
type MissedPolicy string

const (
	// MissedCatchUp runs the late occurrence once, then resumes the cadence.
	MissedCatchUp MissedPolicy = "catch_up"
	// MissedSkip advances to the next future occurrence without running.
	MissedSkip MissedPolicy = "skip"
)

// Job is one schedulable unit of work.
type Job struct {
	ID       string          `json:"id"`
	Type     string          `json:"job_type"`
	Name     string          `json:"name,omitempty"`
	Schedule Schedule        `json:"schedule"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Missed   MissedPolicy    `json:"missed_policy,omitempty"`
	// Timeout overrides the scheduler's handler timeout when > 0.
	Timeout time.Duration `json:"timeout,omitempty"`

	Status     Status    `json:"status"`
	NextRunAt  time.Time `json:"next_run_at"`
	LeaseOwner string    `json:"lease_owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitzero"`
	// ScheduledFor holds the occurrence a pending retry belongs to. It is
	// zero when NextRunAt is the occurrence itself.
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	LastRunAt     time.Time `json:"last_run_at,omitzero"`
	LastRunStatus RunStatus `json:"last_run_status,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Due reports whether the job is a pending candidate at now.
func (j *Job) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.NextRunAt.After(now)
}

// LeaseLive reports whether some owner holds an unexpired lease at now.
func (j *Job) LeaseLive(now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseUntil.After(now)
}

// Claimable is the condition every backend checks atomically in TryClaim:
// the occurrence is due and nobody holds a live lease. A leased job whose
// lease expired (crashed worker) is claimable again.
func (j *Job) Claimable(now time.Time) bool {
	if j.NextRunAt.After(now) || j.LeaseLive(now) {
		return false
	}
	return j.Status == StatusPending || j.Status == StatusLeased
}

// Occurrence is the schedule slot the next run belongs to. Retries keep the
// slot of the failed run, so the job stays on its grid once one succeeds.
func (j *Job) Occurrence() time.Time {
	if !j.ScheduledFor.IsZero() {
		return j.ScheduledFor
	}
	return j.NextRunAt
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	return &cp
}

// Normalize trims strings and truncates timestamps to millisecond precision.
func (j *Job) Normalize() {
	j.ID = strings.TrimSpace(j.ID)
	j.Type = strings.TrimSpace(j.Type)
	j.Schedule.Expr = strings.TrimSpace(j.Schedule.Expr)
	j.Schedule.Timezone = strings.TrimSpace(j.Schedule.Timezone)
	j.Schedule.At = Millis(j.Schedule.At)
	j.NextRunAt = Millis(j.NextRunAt)
	j.LeaseUntil = Millis(j.LeaseUntil)
	j.ScheduledFor = Millis(j.ScheduledFor)
	j.LastRunAt = Millis(j.LastRunAt)
	j.CreatedAt = Millis(j.CreatedAt)
	j.UpdatedAt = Millis(j.UpdatedAt)
	if j.Missed == "" {
		j.Missed = MissedCatchUp
	}
}

func (j *Job) Validate() error {
	if j.Type == "" {
		return invalid("job_type", "required")
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	if !j.Status.Valid() {
		return invalid("status", "unknown status %q", j.Status)
	}
	if j.MaxAttempts < 1 {
		return invalid("max_attempts", "must be >= 1, got %d", j.MaxAttempts)
	}
	if j.AttemptCount < 0 {
		return invalid("attempt_count", "must be >= 0")
	}
	if j.Timeout < 0 {
		return invalid("timeout", "must be >= 0")
	}
	switch j.Missed {
	case "", MissedCatchUp, MissedSkip:
	default:
		return invalid("missed_policy", "unknown policy %q", j.Missed)
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return invalid("payload", "not valid JSON")
	}
	if j.NextRunAt.IsZero() && !j.Status.Terminal() {
		return invalid("next_run_at", "required")
	}
	return nil
}
