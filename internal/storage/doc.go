// Package storage persists the job store's snapshots.
//
// Drivers:
//   - file: JSON array of job records, replaced atomically (tmp + rename)
//   - yaml: same layout as file, encoded as YAML
//   - sqlite: one row per job in a "jobs" table, replaced in a single transaction
//   - none: persistence disabled
//
// Persister and Async adapt a Backend to queue.Sink. Write failures are logged
// and never reach the store.
//
// The file, yaml and sqlite backends also implement MarkerStore, used to seed
// one-off config jobs only once across restarts.
package storage
