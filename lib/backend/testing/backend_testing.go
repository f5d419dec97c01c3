package testing

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/fluxrill/pdal/lib/backend"
)

// BackendFactory creates a fresh backend instance for one test. A nil or
// empty metas slice means the backend's default layout (one partition over
// the full keyspace). The returned backend must use backend.DefaultHasher
// for its ownership checks.
type BackendFactory func(metas []backend.PartitionMeta) backend.IBackend

// RunBackendTests runs the conformance test suite for an IBackend
// implementation.
func RunBackendTests(t *testing.T, name string, factory BackendFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutAndGet", func(t *testing.T) {
			testPutAndGet(t, factory(nil))
		})

		t.Run("ScanOrdering", func(t *testing.T) {
			testScanOrdering(t, factory(nil))
		})

		t.Run("ScanResumesStrictlyAfter", func(t *testing.T) {
			testScanResumesStrictlyAfter(t, factory(nil))
		})

		t.Run("ConditionalUpdate", func(t *testing.T) {
			testConditionalUpdate(t, factory(nil))
		})

		t.Run("IdempotencyReplay", func(t *testing.T) {
			testIdempotencyReplay(t, factory(nil))
		})

		t.Run("Ownership", func(t *testing.T) {
			testOwnership(t, factory)
		})

		t.Run("PartitionMetadata", func(t *testing.T) {
			testPartitionMetadata(t, factory(nil))
		})

		t.Run("PartitionLifecycle", func(t *testing.T) {
			testPartitionLifecycle(t, factory(nil))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// requireFeature skips the test if the backend does not support the feature.
func requireFeature(t testing.TB, b backend.IBackend, feature backend.Feature) {
	if !b.SupportsFeature(feature) {
		t.Skip()
	}
}

// solePartition returns the ID of the backend's only partition.
func solePartition(t testing.TB, b backend.IBackend) backend.PartitionID {
	metas, err := b.PartitionMetadata(context.Background())
	if err != nil {
		t.Fatalf("PartitionMetadata failed: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("Expected a single partition by default, got %d", len(metas))
	}
	return metas[0].ID
}

// keyInRange probes for a routing key whose default-hasher point falls
// into [low, high).
func keyInRange(t testing.TB, low, high uint64) string {
	for i := 0; i < 1_000_000; i++ {
		key := fmt.Sprintf("probe-%d", i)
		if p := backend.DefaultHasher(key); p >= low && p < high {
			return key
		}
	}
	t.Fatalf("No routing key found for range [%d, %d)", low, high)
	return ""
}

func mustPut(t testing.TB, b backend.IBackend, part backend.PartitionID, doc backend.Document, opts backend.PutOptions) backend.WriteResult {
	res, err := b.RoutePut(context.Background(), part, doc, opts)
	if err != nil {
		t.Fatalf("RoutePut of %q failed: %v", doc.ID, err)
	}
	return res
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutAndGet(t *testing.T, b backend.IBackend) {
	defer b.Close()

	requireFeature(t, b, backend.FeaturePut|backend.FeatureGet)

	part := solePartition(t, b)
	value := []byte("v1")

	res := mustPut(t, b, part, backend.Document{ID: "doc-1", RoutingKey: "k1", Value: value}, backend.PutOptions{Ack: backend.AckOne})
	if res.Outcome != backend.WriteAcknowledged {
		t.Errorf("Expected acknowledged outcome, got %s", res.Outcome)
	}
	if res.Version != 1 {
		t.Errorf("Expected version 1 for a new document, got %d", res.Version)
	}

	doc, ok, err := b.GetDocument(context.Background(), part, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if !ok {
		t.Fatalf("Expected document doc-1 to exist after put")
	}
	if !bytes.Equal(doc.Value, value) {
		t.Errorf("Expected value %q, got %q", value, doc.Value)
	}
	if doc.Sequence != res.Sequence {
		t.Errorf("Expected sequence %d, got %d", res.Sequence, doc.Sequence)
	}

	// Updates must bump the version and assign a fresh sequence.
	res2 := mustPut(t, b, part, backend.Document{ID: "doc-1", RoutingKey: "k1", Value: []byte("v2")}, backend.PutOptions{Ack: backend.AckOne})
	if res2.Version != 2 {
		t.Errorf("Expected version 2 after update, got %d", res2.Version)
	}
	if res2.Sequence <= res.Sequence {
		t.Errorf("Expected sequence to increase on update, got %d after %d", res2.Sequence, res.Sequence)
	}

	_, ok, err = b.GetDocument(context.Background(), part, "nonexistent")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if ok {
		t.Errorf("Expected nonexistent document to report ok=false")
	}
}

func testScanOrdering(t *testing.T, b backend.IBackend) {
	defer b.Close()

	requireFeature(t, b, backend.FeaturePut|backend.FeatureRangeScan)

	part := solePartition(t, b)
	const n = 50
	for i := 0; i < n; i++ {
		mustPut(t, b, part, backend.Document{
			ID:         fmt.Sprintf("doc-%03d", i),
			RoutingKey: fmt.Sprintf("key-%d", i%7),
		}, backend.PutOptions{Ack: backend.AckOne})
	}

	docs, err := b.RangeScan(context.Background(), part, 0, "", n+10)
	if err != nil {
		t.Fatalf("RangeScan failed: %v", err)
	}
	if len(docs) != n {
		t.Fatalf("Expected %d documents, got %d", n, len(docs))
	}
	for i := 1; i < len(docs); i++ {
		prev, cur := docs[i-1], docs[i]
		if cur.Sequence < prev.Sequence || (cur.Sequence == prev.Sequence && cur.ID <= prev.ID) {
			t.Fatalf("Expected strict (sequence, id) order, got (%d, %s) after (%d, %s)",
				cur.Sequence, cur.ID, prev.Sequence, prev.ID)
		}
	}
}

func testScanResumesStrictlyAfter(t *testing.T, b backend.IBackend) {
	defer b.Close()

	requireFeature(t, b, backend.FeaturePut|backend.FeatureRangeScan)

	part := solePartition(t, b)
	for i := 0; i < 10; i++ {
		mustPut(t, b, part, backend.Document{
			ID:         fmt.Sprintf("doc-%d", i),
			RoutingKey: "k",
		}, backend.PutOptions{Ack: backend.AckOne})
	}

	first, err := b.RangeScan(context.Background(), part, 0, "", 4)
	if err != nil {
		t.Fatalf("RangeScan failed: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("Expected 4 documents, got %d", len(first))
	}

	last := first[len(first)-1]
	rest, err := b.RangeScan(context.Background(), part, last.Sequence, last.ID, 100)
	if err != nil {
		t.Fatalf("Resumed RangeScan failed: %v", err)
	}
	if len(rest) != 6 {
		t.Fatalf("Expected 6 remaining documents, got %d", len(rest))
	}
	for _, doc := range rest {
		if doc.Sequence <= last.Sequence {
			t.Errorf("Expected resumed scan to skip already-seen positions, got sequence %d after %d",
				doc.Sequence, last.Sequence)
		}
	}
}

func testConditionalUpdate(t *testing.T, b backend.IBackend) {
	defer b.Close()

	requireFeature(t, b, backend.FeatureConditionalPut)

	part := solePartition(t, b)

	// Expected version 0 means "must not exist".
	res := mustPut(t, b, part, backend.Document{ID: "cas", RoutingKey: "k", Value: []byte("a")},
		backend.PutOptions{Ack: backend.AckOne, Conditional: true, ExpectedVersion: 0})
	if res.Version != 1 {
		t.Fatalf("Expected version 1, got %d", res.Version)
	}

	// Matching expectation applies.
	res = mustPut(t, b, part, backend.Document{ID: "cas", RoutingKey: "k", Value: []byte("b")},
		backend.PutOptions{Ack: backend.AckOne, Conditional: true, ExpectedVersion: 1})
	if res.Version != 2 {
		t.Fatalf("Expected version 2, got %d", res.Version)
	}

	// Stale expectation must fail with a version conflict, not apply.
	_, err := b.RoutePut(context.Background(), part, backend.Document{ID: "cas", RoutingKey: "k", Value: []byte("c")},
		backend.PutOptions{Ack: backend.AckOne, Conditional: true, ExpectedVersion: 1})
	if !backend.IsCode(err, backend.RetCVersionConflict) {
		t.Fatalf("Expected RetCVersionConflict, got %v", err)
	}

	doc, _, err := b.GetDocument(context.Background(), part, "cas")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if !bytes.Equal(doc.Value, []byte("b")) {
		t.Errorf("Expected losing write to not apply, value is %q", doc.Value)
	}
}

func testIdempotencyReplay(t *testing.T, b backend.IBackend) {
	defer b.Close()

	requireFeature(t, b, backend.FeaturePut|backend.FeatureGet)

	part := solePartition(t, b)
	doc := backend.Document{ID: "idem", RoutingKey: "k", Value: []byte("once")}
	opts := backend.PutOptions{Ack: backend.AckOne, IdempotencyKey: "req-123"}

	first := mustPut(t, b, part, doc, opts)
	second := mustPut(t, b, part, doc, opts)

	if second != first {
		t.Errorf("Expected replayed result %+v, got %+v", first, second)
	}

	got, _, err := b.GetDocument(context.Background(), part, "idem")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Expected exactly one logical write, document is at version %d", got.Version)
	}
}

func testOwnership(t *testing.T, factory BackendFactory) {
	mid := backend.MaxPoint / 2
	b := factory([]backend.PartitionMeta{
		{ID: 1, Low: 0, High: mid},
		{ID: 2, Low: mid, High: backend.MaxPoint},
	})
	defer b.Close()

	requireFeature(t, b, backend.FeaturePut)

	lowKey := keyInRange(t, 0, mid)

	// The owner accepts the write.
	mustPut(t, b, 1, backend.Document{ID: "d", RoutingKey: lowKey}, backend.PutOptions{Ack: backend.AckOne})

	// The other partition must reject it as not owned.
	_, err := b.RoutePut(context.Background(), 2, backend.Document{ID: "d2", RoutingKey: lowKey}, backend.PutOptions{Ack: backend.AckOne})
	if !backend.IsCode(err, backend.RetCNotOwner) {
		t.Errorf("Expected RetCNotOwner, got %v", err)
	}

	// An unknown partition is reported the same way.
	_, err = b.RoutePut(context.Background(), 99, backend.Document{ID: "d3", RoutingKey: lowKey}, backend.PutOptions{Ack: backend.AckOne})
	if !backend.IsCode(err, backend.RetCNotOwner) {
		t.Errorf("Expected RetCNotOwner for unknown partition, got %v", err)
	}
}

func testPartitionMetadata(t *testing.T, b backend.IBackend) {
	defer b.Close()

	metas, err := b.PartitionMetadata(context.Background())
	if err != nil {
		t.Fatalf("PartitionMetadata failed: %v", err)
	}
	if len(metas) == 0 {
		t.Fatalf("Expected at least one partition")
	}

	// Sorted by range start, covering the keyspace without gap or overlap.
	if metas[0].Low != 0 {
		t.Errorf("Expected the first partition to start at 0, got %d", metas[0].Low)
	}
	for i := 1; i < len(metas); i++ {
		if metas[i].Low != metas[i-1].High {
			t.Errorf("Expected contiguous ranges, got [%d, %d) after [%d, %d)",
				metas[i].Low, metas[i].High, metas[i-1].Low, metas[i-1].High)
		}
	}
	if metas[len(metas)-1].High != backend.MaxPoint {
		t.Errorf("Expected the last partition to end at MaxPoint, got %d", metas[len(metas)-1].High)
	}
}

func testPartitionLifecycle(t *testing.T, b backend.IBackend) {
	defer b.Close()

	requireFeature(t, b, backend.FeatureReshard|backend.FeaturePut|backend.FeatureRangeScan)

	part := solePartition(t, b)
	mid := backend.MaxPoint / 2

	// Write a document, then migrate it into a child partition keeping its
	// sequence, the way reshard moves data.
	key := keyInRange(t, 0, mid)
	res := mustPut(t, b, part, backend.Document{ID: "m1", RoutingKey: key, Value: []byte("v")}, backend.PutOptions{Ack: backend.AckOne})

	child := backend.PartitionMeta{ID: 100, Low: 0, High: mid}
	if err := b.CreatePartition(context.Background(), child); err != nil {
		t.Fatalf("CreatePartition failed: %v", err)
	}

	migrated := backend.Document{ID: "m1", RoutingKey: key, Value: []byte("v"), Sequence: res.Sequence, Version: res.Version}
	mres := mustPut(t, b, child.ID, migrated, backend.PutOptions{Ack: backend.AckOne, PreserveSequence: true})
	if mres.Sequence != res.Sequence {
		t.Errorf("Expected preserved sequence %d, got %d", res.Sequence, mres.Sequence)
	}

	// A fresh write to the child must get a strictly larger sequence.
	res2 := mustPut(t, b, child.ID, backend.Document{ID: "m2", RoutingKey: key}, backend.PutOptions{Ack: backend.AckOne})
	if res2.Sequence <= res.Sequence {
		t.Errorf("Expected fresh sequence above %d, got %d", res.Sequence, res2.Sequence)
	}

	// Dropping the source makes it unknown.
	if err := b.DropPartition(context.Background(), part); err != nil {
		t.Fatalf("DropPartition failed: %v", err)
	}
	_, err := b.RangeScan(context.Background(), part, 0, "", 10)
	if !backend.IsCode(err, backend.RetCNotOwner) {
		t.Errorf("Expected RetCNotOwner after drop, got %v", err)
	}

	// Duplicate creation is rejected.
	if err := b.CreatePartition(context.Background(), child); !backend.IsCode(err, backend.RetCValidation) {
		t.Errorf("Expected RetCValidation for duplicate partition, got %v", err)
	}
}
