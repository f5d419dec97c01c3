// Package memback provides an in-memory implementation of backend.IBackend.
//
// It is the reference backend for the library: the conformance suite, the
// property tests and the CLI all run against it. It is explicitly not a
// storage engine of record — there is no durability and no real network.
//
// Each partition keeps its documents in a concurrent skip list ordered by
// (sequence, id), which gives lock-free ordered range scans while writes
// are serialized per partition. The sequence counter is a logical,
// per-partition atomic counter, so sequences are unique and strictly
// increasing in insertion order within one partition.
//
// The Options struct can simulate the failure modes PDAL is designed to
// handle: replica outages (write concern errors), slow replica
// acknowledgment (timed-out writes with partial ack counts) and load
// shedding (rate-limit errors with a suggested wait).
package memback
