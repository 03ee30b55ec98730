// Package driver holds the two ways a tick gets triggered: tickhttp, an
// endpoint an external scheduler calls, and loop, an in-process timer for
// single-instance deployments. Both call Scheduler.RunTick and nothing else
// decides when jobs run.
package driver
