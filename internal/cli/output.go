package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/scheduler"
)

// Output renders command results as a table or as indented JSON.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

func NewOutput(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print writes rows under headers, or v as JSON in --json mode.
func (o *Output) Print(headers []string, rows [][]string, v any) error {
	if o.jsonMode {
		return o.JSON(v)
	}
	return o.Table(headers, rows)
}

func (o *Output) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Note writes a status line to stderr so stdout stays parseable.
func (o *Output) Note(format string, args ...any) {
	fmt.Fprintf(o.errW, format+"\n", args...)
}

var jobHeaders = []string{"ID", "TYPE", "SCHEDULE", "STATUS", "NEXT_RUN", "ATTEMPTS", "LAST"}

func (o *Output) Jobs(jobs []*job.Job) error {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, jobRow(j))
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return o.Print(jobHeaders, rows, jobs)
}

func (o *Output) Job(j *job.Job) error {
	if o.jsonMode {
		return o.JSON(j)
	}
	rows := [][]string{
		{"id", j.ID},
		{"type", j.Type},
		{"name", j.Name},
		{"schedule", j.Schedule.String()},
		{"status", string(j.Status)},
		{"next_run_at", fmtTime(j.NextRunAt)},
		{"attempts", attempts(j)},
		{"lease_owner", j.LeaseOwner},
		{"lease_until", fmtTime(j.LeaseUntil)},
		{"last_run_at", fmtTime(j.LastRunAt)},
		{"last_run_status", string(j.LastRunStatus)},
		{"last_error", j.LastError},
		{"version", strconv.FormatInt(j.Version, 10)},
	}
	if len(j.Payload) > 0 {
		rows = append(rows, []string{"payload", string(j.Payload)})
	}
	return o.Table([]string{"FIELD", "VALUE"}, rows)
}

func (o *Output) Tick(res scheduler.TickResult) error {
	if o.jsonMode {
		return o.JSON(res)
	}
	rows := [][]string{
		{"checked", strconv.Itoa(res.Checked)},
		{"due", strconv.Itoa(res.Due)},
		{"executed", strconv.Itoa(res.Executed)},
		{"succeeded", strconv.Itoa(res.Succeeded)},
		{"failed", strconv.Itoa(res.Failed)},
		{"skipped_lease_conflict", strconv.Itoa(res.SkippedLeaseConflict)},
		{"skipped_no_handler", strconv.Itoa(res.SkippedNoHandler)},
		{"missed", strconv.Itoa(res.Missed)},
		{"skipped_missed", strconv.Itoa(res.SkippedMissed)},
		{"interrupted", strconv.Itoa(res.Interrupted)},
		{"store_errors", strconv.Itoa(res.StoreErrors)},
		{"duration_ms", strconv.FormatInt(res.DurationMS, 10)},
	}
	if res.Err != "" {
		rows = append(rows, []string{"error", res.Err})
	}
	return o.Table([]string{"COUNTER", "VALUE"}, rows)
}

func jobRow(j *job.Job) []string {
	last := string(j.LastRunStatus)
	if last == "" {
		last = "-"
	}
	return []string{j.ID, j.Type, j.Schedule.String(), string(j.Status), fmtTime(j.NextRunAt), attempts(j), last}
}

func attempts(j *job.Job) string {
	return strconv.Itoa(j.AttemptCount) + "/" + strconv.Itoa(j.MaxAttempts)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
