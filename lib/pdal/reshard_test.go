package pdal

import (
	"context"
	"strconv"
	"testing"

	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/scan"
)

func seedDocs(t *testing.T, s *Store, keys ...uint64) {
	t.Helper()
	ctx := context.Background()
	for _, key := range keys {
		rk := strconv.FormatUint(key, 10)
		if _, err := s.Put(ctx, backend.Document{ID: "doc-" + rk, RoutingKey: rk, Value: []byte(rk)}); err != nil {
			t.Fatalf("failed to seed key %q: %v", rk, err)
		}
	}
}

func drainScan(t *testing.T, s *Store, req scan.Request) []backend.Document {
	t.Helper()
	ctx := context.Background()

	var out []backend.Document
	for {
		page, err := s.Scan(ctx, req)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		out = append(out, page.Documents...)
		if page.Next == nil {
			return out
		}
		req = scan.Request{Token: page.Next, PageSize: req.PageSize}
	}
}

// --------------------------------------------------------------------------
// Split
// --------------------------------------------------------------------------

func TestReshardSplitKeepsCursorsValid(t *testing.T) {
	_, s := newStore(t, fullRange())

	var keys []uint64
	for i := uint64(0); i < 100; i++ {
		keys = append(keys, i)
	}
	seedDocs(t, s, keys...)

	// consume the first 42 documents, then split the partition at 50
	ctx := context.Background()
	page, err := s.Scan(ctx, scan.Request{PageSize: 42})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(page.Documents) != 42 {
		t.Fatalf("expected 42 documents before the split, got %d", len(page.Documents))
	}

	var reports []Progress
	err = s.Reshard(ctx, Plan{
		Sources: []backend.PartitionID{1},
		Targets: []backend.PartitionMeta{
			{ID: 2, Low: 0, High: 50},
			{ID: 3, Low: 50, High: backend.MaxPoint},
		},
	}, func(p Progress) { reports = append(reports, p) })
	if err != nil {
		t.Fatalf("reshard failed: %v", err)
	}

	rest := drainScan(t, s, scan.Request{Token: page.Next, PageSize: 42})
	if len(rest) != 58 {
		t.Fatalf("expected the 58 unseen documents after the split, got %d", len(rest))
	}

	seen := map[string]bool{}
	for _, doc := range page.Documents {
		seen[doc.ID] = true
	}
	for _, doc := range rest {
		if seen[doc.ID] {
			t.Errorf("document %q delivered twice across the reshard", doc.ID)
		}
		seen[doc.ID] = true
	}
	for _, key := range keys {
		if id := "doc-" + strconv.FormatUint(key, 10); !seen[id] {
			t.Errorf("document %q lost across the reshard", id)
		}
	}

	if len(reports) == 0 {
		t.Fatal("expected progress reports")
	}
	last := reports[len(reports)-1]
	if last.Phase != PhaseCleanup || last.Fraction != 1 || last.Migrated != 100 {
		t.Errorf("unexpected final progress: %+v", last)
	}
	prev := 0.0
	for _, p := range reports {
		if p.Fraction < prev {
			t.Errorf("progress fraction went backwards: %v after %v", p.Fraction, prev)
		}
		prev = p.Fraction
	}
}

func TestReshardRoutesNewWritesToTargets(t *testing.T) {
	b, s := newStore(t, fullRange())
	seedDocs(t, s, 10, 60)

	ctx := context.Background()
	err := s.Reshard(ctx, Plan{
		Sources: []backend.PartitionID{1},
		Targets: []backend.PartitionMeta{
			{ID: 2, Low: 0, High: 50},
			{ID: 3, Low: 50, High: backend.MaxPoint},
		},
	}, nil)
	if err != nil {
		t.Fatalf("reshard failed: %v", err)
	}

	if _, err := s.Put(ctx, backend.Document{ID: "d-new", RoutingKey: "70"}); err != nil {
		t.Fatalf("post-reshard put failed: %v", err)
	}
	doc, found, err := s.Get(ctx, "70", "d-new")
	if err != nil || !found {
		t.Fatalf("post-reshard get failed: found=%v err=%v", found, err)
	}
	if doc.ID != "d-new" {
		t.Errorf("unexpected document %q", doc.ID)
	}

	// the source partition is gone from the backend
	if _, err := b.RangeScan(ctx, 1, 0, "", 1); backend.CodeOf(err) != backend.RetCNotOwner {
		t.Errorf("expected the source partition to be dropped, got %v", err)
	}

	metas, err := b.PartitionMetadata(ctx)
	if err != nil {
		t.Fatalf("failed to fetch partition metadata: %v", err)
	}
	if len(metas) != 2 {
		t.Errorf("expected 2 partitions after the reshard, got %d", len(metas))
	}
}

// --------------------------------------------------------------------------
// Merge
// --------------------------------------------------------------------------

func TestReshardMergePreservesDocuments(t *testing.T) {
	_, s := newStore(t, []backend.PartitionMeta{
		{ID: 1, Low: 0, High: 500},
		{ID: 2, Low: 500, High: backend.MaxPoint},
	})
	seedDocs(t, s, 1, 2, 3, 600, 700, 800)

	ctx := context.Background()
	err := s.Reshard(ctx, Plan{
		Sources: []backend.PartitionID{1, 2},
		Targets: []backend.PartitionMeta{{ID: 3, Low: 0, High: backend.MaxPoint}},
	}, nil)
	if err != nil {
		t.Fatalf("reshard failed: %v", err)
	}

	docs := drainScan(t, s, scan.Request{PageSize: 10})
	if len(docs) != 6 {
		t.Fatalf("expected all 6 documents after the merge, got %d", len(docs))
	}
	for _, key := range []string{"1", "600"} {
		if _, found, err := s.Get(ctx, key, "doc-"+key); err != nil || !found {
			t.Errorf("document doc-%s unreachable after the merge: found=%v err=%v", key, found, err)
		}
	}
}

// --------------------------------------------------------------------------
// Validation and Resumability
// --------------------------------------------------------------------------

func TestReshardPlanValidation(t *testing.T) {
	_, s := newStore(t, fullRange())

	ctx := context.Background()
	if err := s.Reshard(ctx, Plan{}, nil); backend.CodeOf(err) != backend.RetCValidation {
		t.Errorf("expected a validation error for an empty plan, got %v", err)
	}

	// targets leaving a keyspace gap are rejected at the table swap and
	// the layout stays usable
	err := s.Reshard(ctx, Plan{
		Sources: []backend.PartitionID{1},
		Targets: []backend.PartitionMeta{{ID: 2, Low: 0, High: 50}},
	}, nil)
	if backend.CodeOf(err) != backend.RetCNoOwner {
		t.Errorf("expected a gap rejection, got %v", err)
	}
	if _, err := s.Put(ctx, backend.Document{ID: "d1", RoutingKey: "7"}); err != nil {
		t.Errorf("store unusable after a rejected plan: %v", err)
	}
}

func TestReshardResumesAfterInterruption(t *testing.T) {
	b, s := newStore(t, fullRange())
	var keys []uint64
	for i := uint64(0); i < 20; i++ {
		keys = append(keys, i)
	}
	seedDocs(t, s, keys...)

	targets := []backend.PartitionMeta{
		{ID: 2, Low: 0, High: 50},
		{ID: 3, Low: 50, High: backend.MaxPoint},
	}

	// simulate an interrupted earlier run: targets already created and a
	// few documents already copied
	ctx := context.Background()
	for _, meta := range targets {
		if err := b.CreatePartition(ctx, meta); err != nil {
			t.Fatalf("failed to pre-create partition %d: %v", meta.ID, err)
		}
	}
	docs, err := b.RangeScan(ctx, 1, 0, "", 5)
	if err != nil {
		t.Fatalf("failed to scan the source: %v", err)
	}
	for _, doc := range docs {
		point := numericHasher(doc.RoutingKey)
		for _, meta := range targets {
			if !meta.Contains(point) {
				continue
			}
			if _, err := b.RoutePut(ctx, meta.ID, doc, backend.PutOptions{PreserveSequence: true}); err != nil {
				t.Fatalf("failed to pre-copy document %q: %v", doc.ID, err)
			}
		}
	}

	err = s.Reshard(ctx, Plan{Sources: []backend.PartitionID{1}, Targets: targets}, nil)
	if err != nil {
		t.Fatalf("rerun of the interrupted reshard failed: %v", err)
	}

	all := drainScan(t, s, scan.Request{PageSize: 7})
	if len(all) != 20 {
		t.Fatalf("expected 20 documents after the resumed reshard, got %d", len(all))
	}
	ids := map[string]int{}
	for _, doc := range all {
		ids[doc.ID]++
	}
	for id, n := range ids {
		if n != 1 {
			t.Errorf("document %q delivered %d times after the resumed reshard", id, n)
		}
	}
}
