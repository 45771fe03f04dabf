// Package store provides SQLite-backed run history for the canary.
//
// Every finished run is recorded once with its stage results and cleanup
// steps, so `canary history` can show trends across CI invocations.
//
// # Critical Patterns
//
// Idempotent writes:
//   - INSERT ... ON CONFLICT DO NOTHING on run_id and (run_id, stage_id)
//   - Recording the same run twice is a no-op
//
// Deterministic reads:
//   - Stage results ORDER BY seq ASC
//   - Runs ORDER BY started_at DESC, run_id ASC
//
// # Schema versions
//
// schema.sql creates the tables. Indexes added later are numbered migrations
// tracked in PRAGMA user_version, so a history file from an older canary is
// upgraded in place on Open.
package store
