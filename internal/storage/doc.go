// Package storage implements job.Store backends.
//
// Drivers:
//   - file:     whole job table in one JSON file, single process only
//   - sqlite:   one row per job, safe across processes on one host
//   - postgres: one row per job, safe across hosts
//   - mongo:    one document per job, safe across hosts
//
// Every backend evaluates the claim condition inside a single atomic write
// (mutex, conditional UPDATE, or filtered FindOneAndUpdate). ListDue is a
// plain read and never locks.
package storage
