// Package engine runs the canary's staged pipeline.
//
// A pipeline is a fixed, ordered list of stages sharing one RunContext. The
// engine executes them strictly in order, stops at the first failure or at a
// checkpoint target, and records every stage it did not run as skipped.
//
// ARCHITECTURE:
//
// Engine executes stages and produces a RunOutcome.
// Cleanup holds the reverse operations for resources a run created. It runs
// at most once per run, best effort, in a fixed order.
// Supervisor wraps both: it runs cleanup when the run failed or stopped early
// and always hands the final outcome to the reporters.
//
// CRITICAL PATTERNS:
//
// Sequence numbers:
// Every StageResult gets a monotonic Seq from Clock.Next(). Results are
// ordered by Seq, never by wall-clock time.
//
// Error kinds:
// Errors are classified with Kind. KindInvariant means the pipeline itself is
// wrong (missing artifact, bad config) and must never be retried.
package engine
