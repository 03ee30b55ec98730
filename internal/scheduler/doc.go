// Package scheduler runs ticks: it finds due jobs, leases them, invokes
// their handlers with a timeout, and writes the outcome and next occurrence
// back through the lease.
//
// Any number of ticks may run at once, in one process or many. There is no
// global lock; a job runs only for the caller whose TryClaim succeeded.
//
// Handlers see at-least-once delivery. A run that times out or whose worker
// crashes is retried once its lease expires, so handlers with external side
// effects should deduplicate on handler.Info.DedupKey().
package scheduler
