// Package write coordinates document writes against a partitioned
// backend.
//
// A write resolves its target partition from the document's routing key,
// requests an acknowledgment level (none, one, majority, all) with a
// timeout, and reports partial acknowledgment counts on timeout instead
// of guessing an outcome. Transient failures are retried under a policy;
// because every write carries an idempotency key, a retry after an
// ambiguous failure replays the original result rather than applying the
// write twice.
//
// Conditional updates compare-and-swap on a document version. A lost race
// surfaces as a VersionConflict that is never retried automatically: the
// caller holds the stale data and must re-read before trying again.
package write
