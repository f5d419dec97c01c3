package routing

import (
	"strconv"
	"sync"
	"testing"

	"github.com/fluxrill/pdal/lib/backend"
)

// numericHasher parses the routing key as a point, which makes ownership
// deterministic in tests.
func numericHasher(key string) uint64 {
	p, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0
	}
	return p
}

func fullCover(bounds ...uint64) []backend.PartitionMeta {
	metas := make([]backend.PartitionMeta, 0, len(bounds)+1)
	low := uint64(0)
	for i, b := range bounds {
		metas = append(metas, backend.PartitionMeta{ID: backend.PartitionID(i + 1), Low: low, High: b})
		low = b
	}
	metas = append(metas, backend.PartitionMeta{ID: backend.PartitionID(len(bounds) + 1), Low: low, High: backend.MaxPoint})
	return metas
}

func TestNewTableValidation(t *testing.T) {
	cases := map[string][]backend.PartitionMeta{
		"Empty": nil,
		"GapAtStart": {
			{ID: 1, Low: 10, High: backend.MaxPoint},
		},
		"GapInMiddle": {
			{ID: 1, Low: 0, High: 100},
			{ID: 2, Low: 200, High: backend.MaxPoint},
		},
		"GapAtEnd": {
			{ID: 1, Low: 0, High: 100},
		},
		"Overlap": {
			{ID: 1, Low: 0, High: 150},
			{ID: 2, Low: 100, High: backend.MaxPoint},
		},
		"EmptyRange": {
			{ID: 1, Low: 0, High: 0},
			{ID: 2, Low: 0, High: backend.MaxPoint},
		},
		"DuplicateID": {
			{ID: 1, Low: 0, High: 100},
			{ID: 1, Low: 100, High: backend.MaxPoint},
		},
	}

	for name, metas := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewTable(metas, nil); err == nil {
				t.Errorf("Expected an invalid layout to be rejected")
			}
		})
	}

	if _, err := NewTable(fullCover(100, 200), nil); err != nil {
		t.Errorf("Expected a valid layout to be accepted, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	table, err := NewTable(fullCover(100, 200), numericHasher)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	cases := []struct {
		key  string
		want backend.PartitionID
	}{
		{"0", 1},
		{"99", 1},
		{"100", 2},
		{"199", 2},
		{"200", 3},
	}
	for _, c := range cases {
		got, err := table.Resolve(c.key)
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", c.key, err)
		}
		if got != c.want {
			t.Errorf("Resolve(%s): expected partition %d, got %d", c.key, c.want, got)
		}
	}
}

func TestResolveRangeFanOut(t *testing.T) {
	table, err := NewTable(fullCover(100, 200, 300), numericHasher)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	cases := []struct {
		r    KeyRange
		want int
	}{
		{KeyRange{Low: 0, High: 50}, 1},
		{KeyRange{Low: 50, High: 150}, 2},
		{KeyRange{Low: 0, High: 301}, 4},
		{KeyRange{}, 4}, // zero value selects the full keyspace
		{KeyRange{Low: 100, High: 200}, 1},
	}
	for _, c := range cases {
		ids, err := table.ResolveRange(c.r)
		if err != nil {
			t.Fatalf("ResolveRange(%+v) failed: %v", c.r, err)
		}
		if len(ids) != c.want {
			t.Errorf("ResolveRange(%+v): expected fan-out %d, got %d", c.r, c.want, len(ids))
		}
	}

	if _, err := table.ResolveRange(KeyRange{Low: 10, High: 10}); !backend.IsCode(err, backend.RetCValidation) {
		t.Errorf("Expected RetCValidation for an empty range, got %v", err)
	}
}

func TestApplyReshardSplit(t *testing.T) {
	table, err := NewTable([]backend.PartitionMeta{{ID: 1, Low: 0, High: backend.MaxPoint}}, numericHasher)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	gen := table.Generation()

	mid := backend.MaxPoint / 2
	err = table.ApplyReshard([]backend.PartitionID{1}, []backend.PartitionMeta{
		{ID: 2, Low: 0, High: mid},
		{ID: 3, Low: mid, High: backend.MaxPoint},
	})
	if err != nil {
		t.Fatalf("ApplyReshard failed: %v", err)
	}
	if table.Generation() != gen+1 {
		t.Errorf("Expected generation to advance")
	}

	if id, _ := table.ResolvePoint(0); id != 2 {
		t.Errorf("Expected point 0 in partition 2, got %d", id)
	}
	if id, _ := table.ResolvePoint(mid); id != 3 {
		t.Errorf("Expected point %d in partition 3, got %d", mid, id)
	}

	succ, ok := table.Successors(1)
	if !ok || len(succ) != 2 {
		t.Fatalf("Expected 2 successors for the split partition, got %v (ok=%t)", succ, ok)
	}
}

func TestApplyReshardRejectsPartialCover(t *testing.T) {
	table, err := NewTable([]backend.PartitionMeta{{ID: 1, Low: 0, High: backend.MaxPoint}}, numericHasher)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	// Replacement leaves [100, MaxPoint) unowned.
	err = table.ApplyReshard([]backend.PartitionID{1}, []backend.PartitionMeta{
		{ID: 2, Low: 0, High: 100},
	})
	if err == nil {
		t.Fatalf("Expected a gap to be rejected")
	}

	// Unknown source partition.
	err = table.ApplyReshard([]backend.PartitionID{42}, []backend.PartitionMeta{
		{ID: 2, Low: 0, High: backend.MaxPoint},
	})
	if !backend.IsCode(err, backend.RetCValidation) {
		t.Errorf("Expected RetCValidation for unknown source, got %v", err)
	}
}

func TestSuccessorsTransitive(t *testing.T) {
	table, err := NewTable([]backend.PartitionMeta{{ID: 1, Low: 0, High: backend.MaxPoint}}, numericHasher)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	mid := backend.MaxPoint / 2
	quarter := mid / 2

	// 1 -> {2, 3}, then 2 -> {4, 5}: successors of 1 must resolve to the
	// current generation {4, 5, 3}.
	if err := table.ApplyReshard([]backend.PartitionID{1}, []backend.PartitionMeta{
		{ID: 2, Low: 0, High: mid},
		{ID: 3, Low: mid, High: backend.MaxPoint},
	}); err != nil {
		t.Fatalf("First reshard failed: %v", err)
	}
	if err := table.ApplyReshard([]backend.PartitionID{2}, []backend.PartitionMeta{
		{ID: 4, Low: 0, High: quarter},
		{ID: 5, Low: quarter, High: mid},
	}); err != nil {
		t.Fatalf("Second reshard failed: %v", err)
	}

	succ, ok := table.Successors(1)
	if !ok {
		t.Fatalf("Expected lineage for partition 1")
	}
	if len(succ) != 3 {
		t.Errorf("Expected 3 transitive successors, got %v", succ)
	}

	if _, ok := table.Successors(99); ok {
		t.Errorf("Expected no lineage for an unknown partition")
	}
}

// TestReshardAtomicity hammers Resolve while reshards run. Every resolve
// must land in a complete generation: some partition owns the point, and
// the partition is a member of either the pre- or post-reshard layout.
func TestReshardAtomicity(t *testing.T) {
	table, err := NewTable([]backend.PartitionMeta{{ID: 1, Low: 0, High: backend.MaxPoint}}, numericHasher)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	valid := map[backend.PartitionID]bool{1: true, 2: true, 3: true, 4: true, 5: true}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			point := backend.MaxPoint / 3
			for {
				select {
				case <-stop:
					return
				default:
				}
				id, err := table.ResolvePoint(point)
				if err != nil {
					t.Errorf("Resolve observed a gap: %v", err)
					return
				}
				if !valid[id] {
					t.Errorf("Resolve observed unknown partition %d", id)
					return
				}
			}
		}()
	}

	mid := backend.MaxPoint / 2
	if err := table.ApplyReshard([]backend.PartitionID{1}, []backend.PartitionMeta{
		{ID: 2, Low: 0, High: mid},
		{ID: 3, Low: mid, High: backend.MaxPoint},
	}); err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if err := table.ApplyReshard([]backend.PartitionID{2, 3}, []backend.PartitionMeta{
		{ID: 4, Low: 0, High: backend.MaxPoint},
	}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if err := table.ApplyReshard([]backend.PartitionID{4}, []backend.PartitionMeta{
		{ID: 5, Low: 0, High: backend.MaxPoint},
	}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	close(stop)
	wg.Wait()
}

func TestReloadKeepsLineage(t *testing.T) {
	table, err := NewTable([]backend.PartitionMeta{{ID: 1, Low: 0, High: backend.MaxPoint}}, numericHasher)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	mid := backend.MaxPoint / 2
	if err := table.ApplyReshard([]backend.PartitionID{1}, []backend.PartitionMeta{
		{ID: 2, Low: 0, High: mid},
		{ID: 3, Low: mid, High: backend.MaxPoint},
	}); err != nil {
		t.Fatalf("ApplyReshard failed: %v", err)
	}

	if err := table.Reload([]backend.PartitionMeta{
		{ID: 2, Low: 0, High: mid},
		{ID: 3, Low: mid, High: backend.MaxPoint},
	}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if succ, ok := table.Successors(1); !ok || len(succ) != 2 {
		t.Errorf("Expected lineage to survive a reload, got %v (ok=%t)", succ, ok)
	}
}
