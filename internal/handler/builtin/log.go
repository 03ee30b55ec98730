// Package builtin holds the handlers jobsched registers out of the box.
package builtin

import (
	"context"
	"encoding/json"

	"jobsched/internal/handler"
	logx "jobsched/pkg/logx"
)

const (
	TypeLog  = "log"
	TypeHTTP = "http"
)

// Log writes the payload to the log. Useful as a heartbeat and for testing
// schedules end to end.
func Log(log logx.Logger) handler.Handler {
	return handler.Func(func(ctx context.Context, payload json.RawMessage, info handler.Info) error {
		log.Info("job ran",
			logx.String("job_id", info.JobID),
			logx.String("job_type", info.JobType),
			logx.Int("attempt", info.Attempt),
			logx.Time("scheduled_for", info.ScheduledFor),
			logx.String("payload", string(payload)),
		)
		return nil
	})
}

// Register adds every built-in handler to reg.
func Register(reg *handler.Registry, log logx.Logger) error {
	if err := reg.Register(TypeLog, Log(log)); err != nil {
		return err
	}
	return reg.Register(TypeHTTP, HTTP(nil))
}
