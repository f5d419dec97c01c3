// Package testing provides a reusable conformance suite for
// backend.IBackend implementations.
//
// Any backend can be validated by calling RunBackendTests from a regular
// Go test, passing a factory that creates a fresh instance:
//
//	func TestMyBackend(t *testing.T) {
//		backendtesting.RunBackendTests(t, "mybackend", func(metas []backend.PartitionMeta) backend.IBackend {
//			return myback.New(metas)
//		})
//	}
//
// The suite covers the contract every layer of PDAL relies on: routed
// writes with ownership checks, (sequence, id) scan ordering, conditional
// updates, idempotency replay and partition lifecycle for reshard.
// Features a backend does not advertise via SupportsFeature are skipped.
package testing
