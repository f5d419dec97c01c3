// Package retry provides the bounded retry policy wrapped around every
// remote call the library makes.
//
// The policy retries transient failures (rate limits, replica outages,
// network errors, stale routing) with exponential backoff and jitter, up
// to a configured attempt budget. Fatal failures — validation errors,
// routing gaps, version conflicts — propagate immediately. When the
// budget is exhausted the last error is surfaced wrapped with the attempt
// count, never swallowed.
//
// Rate-limit errors may carry a server-suggested wait; the policy honors
// it by taking the maximum of the suggestion and the computed backoff,
// even when the suggestion exceeds the backoff cap.
//
// Idempotency matters: Do gives an operation the full budget and is only
// safe for idempotent operations. Non-idempotent operations use DoSingle,
// which classifies errors the same way but never retries.
package retry
