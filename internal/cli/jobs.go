package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"jobsched/internal/job"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage jobs on a running daemon",
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsGetCmd(opts),
		newJobsCreateCmd(opts),
		newJobsByIDCmd(opts, "cancel", "Cancel a job", (*Client).CancelJob),
		newJobsByIDCmd(opts, "reset", "Re-arm a failed or cancelled job", (*Client).ResetJob),
	)
	return cmd
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs ordered by next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			jobs, err := opts.client().ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return opts.output().Jobs(jobs)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending,leased,done,failed,cancelled)")
	return cmd
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := opts.client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.output().Job(j)
		},
	}
}

func newJobsCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		req        CreateRequest
		payload    string
		missed     string
		firstRunAt string
	)

	cmd := &cobra.Command{
		Use:   "create TYPE SCHEDULE",
		Short: "Create a job",
		Long: "SCHEDULE is a cron expression (\"*/5 * * * *\", \"@hourly\"), a duration\n" +
			"(\"55m\", \"every:5m\", \"02:30\") or a one-shot time (\"at:2025-03-10T12:00:00Z\").\n" +
			"Prefix cron with \"CRON_TZ=Europe/Berlin \" for a timezone.",
		Example: "  jobsched jobs create log every:1m --payload '{\"msg\":\"hi\"}'\n" +
			"  jobsched jobs create http 'cron:*/15 * * * *' --id poll-api --max-attempts 5",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = args[0]
			req.Spec = args[1]
			if _, err := job.ParseSchedule(req.Spec); err != nil {
				return err
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			switch p := job.MissedPolicy(missed); p {
			case "", job.MissedCatchUp, job.MissedSkip:
				req.MissedPolicy = p
			default:
				return fmt.Errorf("--missed-policy must be %s or %s", job.MissedCatchUp, job.MissedSkip)
			}
			if firstRunAt != "" {
				t, err := time.Parse(time.RFC3339, firstRunAt)
				if err != nil {
					return fmt.Errorf("--first-run-at: %w", err)
				}
				req.FirstRunAt = t
			}

			j, err := opts.client().CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := opts.output()
			out.Note("created job %s (next run %s)", j.ID, fmtTime(j.NextRunAt))
			return out.Job(j)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.ID, "id", "", "job id (generated when empty)")
	f.StringVar(&req.Name, "name", "", "display name")
	f.StringVar(&payload, "payload", "", "JSON payload passed to the handler")
	f.IntVar(&req.MaxAttempts, "max-attempts", 0, "attempts before the job fails (0 uses the daemon default)")
	f.StringVar(&req.Timeout, "timeout", "", "per-run handler timeout, e.g. 30s")
	f.StringVar(&missed, "missed-policy", "", "catch_up or skip")
	f.StringVar(&firstRunAt, "first-run-at", "", "RFC3339 time of the first run")
	return cmd
}

func newJobsByIDCmd(opts *rootOptions, use, short string, call func(*Client, context.Context, string) (*job.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := call(opts.client(), cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := opts.output()
			out.Note("job %s is %s", j.ID, j.Status)
			return out.Job(j)
		},
	}
}

func parseStatuses(raw []string) ([]job.Status, error) {
	var out []job.Status
	for _, s := range raw {
		st := job.Status(strings.TrimSpace(strings.ToLower(s)))
		if st == "" {
			continue
		}
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}
