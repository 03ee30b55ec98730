// Package job defines the schedulable unit of work, its schedule definitions,
// and the persistence contract every backend implements.
//
// Schedule math lives here too:
//   - cron: robfig/cron expression evaluated in the job's timezone
//   - interval: fixed period anchored to the previous occurrence
//   - once: a single point in time
//
// Next occurrences are always derived from the previous next_run_at, never
// from wall-clock now, so late ticks do not shift the cadence.
package job
