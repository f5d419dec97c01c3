// Package backend defines the contract between PDAL and the external
// partitioned document store, together with the shared data model and the
// error taxonomy used across the whole library.
//
// The package focuses on:
//   - A minimal interface (IBackend) for routed writes, ordered range scans
//     and partition metadata across different store implementations
//   - A shared data model: Document, PartitionMeta, AckLevel, WriteResult
//   - A structured error system using typed return codes (RetCode) so that
//     callers and the retry policy can make decisions based on specific
//     error conditions rather than generic errors
//
// Key Components:
//
//   - IBackend Interface: The core abstraction over the external store.
//     PDAL assumes the store already supports per-partition ordered range
//     scans and write acknowledgment levels; everything else (routing,
//     retries, cursors, reshard orchestration) is layered on top by the
//     other lib packages.
//
//   - Error System: Every failure PDAL surfaces is a *Error wrapping a
//     RetCode. The code decides whether the retry policy may retry the
//     operation (RetCode.Retryable) and what the caller must do when it
//     cannot (re-read on RetCVersionConflict, restart the scan on
//     RetCCursorExpired, fix the configuration on RetCNoOwner).
//
//   - Routing Points: Routing keys are mapped into the numeric keyspace
//     [0, MaxPoint) by a Hasher. Partitions own half-open point ranges;
//     a valid routing table covers the keyspace with no gaps and no
//     overlaps.
//
// Implementations:
//
//	The in-memory reference implementation lives in the
//	"github.com/fluxrill/pdal/lib/backend/engines/memback" package. Any
//	implementation can be validated against the conformance suite in
//	"github.com/fluxrill/pdal/lib/backend/testing".
package backend
