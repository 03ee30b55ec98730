package storage

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"jobsched/internal/job"
)

// Shared row mapping and query text for the SQL backends. Times are stored
// as unix milliseconds, 0 meaning unset.

const jobColumns = `id, job_type, name, schedule_kind, schedule_expr, schedule_tz, schedule_every_ms,
	schedule_at, payload, missed_policy, timeout_ms, status, next_run_at, lease_owner, lease_until,
	scheduled_for, attempt_count, max_attempts, last_run_at, last_run_status, last_error, created_at, updated_at, version`

var jobColumnNames = func() []string {
	parts := strings.Split(jobColumns, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}()

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                                    job.Job
		kind, payload, missed, status, runSt string
		everyMS, atMS, timeoutMS             int64
		nextMS, leaseMS, slotMS, lastMS      int64
		createdMS, updatedMS                 int64
	)
	err := r.Scan(
		&j.ID, &j.Type, &j.Name, &kind, &j.Schedule.Expr, &j.Schedule.Timezone, &everyMS,
		&atMS, &payload, &missed, &timeoutMS, &status, &nextMS, &j.LeaseOwner, &leaseMS,
		&slotMS, &j.AttemptCount, &j.MaxAttempts, &lastMS, &runSt, &j.LastError, &createdMS, &updatedMS, &j.Version,
	)
	if err != nil {
		return nil, err
	}
	j.Schedule.Kind = job.ScheduleKind(kind)
	j.Schedule.EveryMS = everyMS
	j.Schedule.At = fromMillis(atMS)
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	j.Missed = job.MissedPolicy(missed)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.Status = job.Status(status)
	j.NextRunAt = fromMillis(nextMS)
	j.LeaseUntil = fromMillis(leaseMS)
	j.ScheduledFor = fromMillis(slotMS)
	j.LastRunAt = fromMillis(lastMS)
	j.LastRunStatus = job.RunStatus(runSt)
	j.CreatedAt = fromMillis(createdMS)
	j.UpdatedAt = fromMillis(updatedMS)
	return &j, nil
}

// jobArgs returns column values in jobColumns order.
func jobArgs(j *job.Job) []any {
	return []any{
		j.ID, j.Type, j.Name, string(j.Schedule.Kind), j.Schedule.Expr, j.Schedule.Timezone, j.Schedule.EveryMS,
		toMillis(j.Schedule.At), string(j.Payload), string(j.Missed), j.Timeout.Milliseconds(), string(j.Status),
		toMillis(j.NextRunAt), j.LeaseOwner, toMillis(j.LeaseUntil),
		toMillis(j.ScheduledFor), j.AttemptCount, j.MaxAttempts, toMillis(j.LastRunAt), string(j.LastRunStatus), j.LastError,
		toMillis(j.CreatedAt), toMillis(j.UpdatedAt), j.Version,
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// sqlDialect renders the shared statements with the driver's placeholder
// style (? for sqlite, $n for postgres).
type sqlDialect struct {
	ph func(n int) string
}

var (
	qmarkDialect  = sqlDialect{ph: func(int) string { return "?" }}
	dollarDialect = sqlDialect{ph: func(n int) string { return "$" + strconv.Itoa(n) }}
)

func (d sqlDialect) list(n, from int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.ph(from + i)
	}
	return strings.Join(parts, ", ")
}

// claimableWhere matches Job.Claimable. Args: now, now, now.
func (d sqlDialect) claimableWhere(from int) string {
	return `next_run_at <= ` + d.ph(from) +
		` AND status IN ('pending', 'leased')` +
		` AND (lease_owner = '' OR lease_until <= ` + d.ph(from+1) + `)`
}

func (d sqlDialect) insertSQL() string {
	return `INSERT INTO jobs (` + jobColumns + `) VALUES (` + d.list(len(jobColumnNames), 1) + `)`
}

func (d sqlDialect) getSQL() string {
	return `SELECT ` + jobColumns + ` FROM jobs WHERE id = ` + d.ph(1)
}

// Args: now, now, limit.
func (d sqlDialect) listDueSQL() string {
	return `SELECT ` + jobColumns + ` FROM jobs WHERE ` + d.claimableWhere(1) +
		` ORDER BY next_run_at, id LIMIT ` + d.ph(3)
}

// Args: owner, lease_until, updated_at, id, now, now.
func (d sqlDialect) claimSQL() string {
	return `UPDATE jobs SET status = 'leased', lease_owner = ` + d.ph(1) +
		`, lease_until = ` + d.ph(2) + `, updated_at = ` + d.ph(3) + `, version = version + 1` +
		` WHERE id = ` + d.ph(4) + ` AND ` + d.claimableWhere(5) +
		` RETURNING ` + jobColumns
}

// Args: every column but id and version (jobColumns order), new version, id, expected version.
func (d sqlDialect) updateSQL() string {
	cols := jobColumnNames[1 : len(jobColumnNames)-1]
	set := make([]string, 0, len(cols)+1)
	for i, c := range cols {
		set = append(set, c+" = "+d.ph(i+1))
	}
	n := len(cols)
	set = append(set, "version = "+d.ph(n+1))
	return `UPDATE jobs SET ` + strings.Join(set, ", ") +
		` WHERE id = ` + d.ph(n+2) + ` AND version = ` + d.ph(n+3) +
		` RETURNING ` + jobColumns
}

func updateArgs(j *job.Job, expectedVersion int64) []any {
	all := jobArgs(j)
	args := append([]any{}, all[1:len(all)-1]...)
	return append(args, expectedVersion+1, j.ID, expectedVersion)
}

// Args: updated_at, id.
func (d sqlDialect) cancelSQL() string {
	return `UPDATE jobs SET status = 'cancelled', lease_owner = '', lease_until = 0, updated_at = ` + d.ph(1) +
		`, version = version + 1 WHERE id = ` + d.ph(2) + ` AND status NOT IN ('done', 'cancelled')` +
		` RETURNING ` + jobColumns
}

func (d sqlDialect) listSQL(f job.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, "job_type = "+d.ph(len(args)))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+d.list(len(f.Statuses), len(args)+1)+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY next_run_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT ` + d.ph(len(args))
	}
	return q, args
}

func (d sqlDialect) purgeSQL(statuses []job.Status, olderThan time.Time) (string, []any) {
	args := []any{toMillis(olderThan)}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	return `DELETE FROM jobs WHERE updated_at < ` + d.ph(1) +
		` AND status IN (` + d.list(len(statuses), 2) + `)`, args
}
