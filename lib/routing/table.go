package routing

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fluxrill/pdal/lib/backend"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// Generation numbers routing table snapshots. Every ApplyReshard and every
// Reload produces a new generation; resolve calls always observe exactly
// one generation.
type Generation uint64

// KeyRange is a half-open range [Low, High) of routing points. The zero
// value selects the full keyspace.
type KeyRange struct {
	Low  uint64
	High uint64
}

// normalize maps the zero value to the full keyspace.
func (r KeyRange) normalize() KeyRange {
	if r.Low == 0 && r.High == 0 {
		r.High = backend.MaxPoint
	}
	return r
}

// snapshot is one immutable generation of the routing table. Readers load
// the current snapshot once and work on it without further coordination.
type snapshot struct {
	generation Generation
	// parts is sorted by range start and covers [0, MaxPoint).
	parts []backend.PartitionMeta
	// lineage maps every retired partition to its direct successors. It
	// accumulates across generations so a cursor issued many reshards ago
	// can still be remapped step by step.
	lineage map[backend.PartitionID][]backend.PartitionID
}

// owner returns the partition owning the given point within this snapshot.
func (s *snapshot) owner(point uint64) (backend.PartitionMeta, bool) {
	idx := sort.Search(len(s.parts), func(i int) bool { return s.parts[i].High > point })
	if idx == len(s.parts) || !s.parts[idx].Contains(point) {
		return backend.PartitionMeta{}, false
	}
	return s.parts[idx], true
}

func (s *snapshot) contains(id backend.PartitionID) bool {
	for _, m := range s.parts {
		if m.ID == id {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Routing Table
// --------------------------------------------------------------------------

// Table maps routing keys to partitions. The mapping is an immutable
// snapshot swapped behind a single atomic reference: resolve calls never
// block on a reshard, and a reshard is atomic from the resolvers' point
// of view. A lookup during a reshard returns either the pre- or the
// post-reshard partition, never an intermediate mapping.
type Table struct {
	hasher backend.Hasher
	snap   atomic.Pointer[snapshot]

	// writeMu serializes ApplyReshard and Reload. Readers never take it.
	writeMu sync.Mutex
}

// NewTable creates a routing table from the given partition metadata. The
// ranges must cover the full keyspace with no gaps and no overlaps; a gap
// or overlap is a fatal configuration defect and rejected here rather
// than surfacing later as misrouted documents. A nil hasher means
// backend.DefaultHasher.
func NewTable(metas []backend.PartitionMeta, hasher backend.Hasher) (*Table, error) {
	if hasher == nil {
		hasher = backend.DefaultHasher
	}

	parts, err := validateCover(metas)
	if err != nil {
		return nil, err
	}

	t := &Table{hasher: hasher}
	t.snap.Store(&snapshot{
		generation: 1,
		parts:      parts,
		lineage:    map[backend.PartitionID][]backend.PartitionID{},
	})
	return t, nil
}

// validateCover sorts a copy of metas by range start and checks that the
// ranges partition [0, MaxPoint).
func validateCover(metas []backend.PartitionMeta) ([]backend.PartitionMeta, error) {
	if len(metas) == 0 {
		return nil, backend.NewError(backend.RetCNoOwner, "no partitions configured")
	}

	parts := append([]backend.PartitionMeta(nil), metas...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Low < parts[j].Low })

	seen := make(map[backend.PartitionID]struct{}, len(parts))
	for i, m := range parts {
		if m.Low >= m.High {
			return nil, backend.NewErrorf(backend.RetCValidation, "partition %d has an empty range [%d, %d)", m.ID, m.Low, m.High)
		}
		if _, dup := seen[m.ID]; dup {
			return nil, backend.NewErrorf(backend.RetCValidation, "duplicate partition id %d", m.ID)
		}
		seen[m.ID] = struct{}{}

		if i == 0 {
			if m.Low != 0 {
				return nil, backend.NewErrorf(backend.RetCNoOwner, "keyspace gap [0, %d)", m.Low)
			}
			continue
		}
		prev := parts[i-1]
		if m.Low > prev.High {
			return nil, backend.NewErrorf(backend.RetCNoOwner, "keyspace gap [%d, %d)", prev.High, m.Low)
		}
		if m.Low < prev.High {
			return nil, backend.NewErrorf(backend.RetCValidation, "partitions %d and %d overlap at %d", prev.ID, m.ID, m.Low)
		}
	}
	if last := parts[len(parts)-1]; last.High != backend.MaxPoint {
		return nil, backend.NewErrorf(backend.RetCNoOwner, "keyspace gap [%d, MaxPoint)", last.High)
	}
	return parts, nil
}

// --------------------------------------------------------------------------
// Lookup Operations
// --------------------------------------------------------------------------

// Resolve returns the partition owning the given routing key. It is a pure
// function of the current snapshot; if the result later proves stale (the
// partition answers NotOwner) the caller refreshes the table and retries.
func (t *Table) Resolve(routingKey string) (backend.PartitionID, error) {
	return t.ResolvePoint(t.hasher(routingKey))
}

// ResolvePoint is Resolve for an already-hashed routing point.
func (t *Table) ResolvePoint(point uint64) (backend.PartitionID, error) {
	if m, ok := t.snap.Load().owner(point); ok {
		return m.ID, nil
	}
	return 0, backend.NewErrorf(backend.RetCNoOwner, "no partition owns point %d", point)
}

// ResolveRange returns the partitions touched by a scan over the given
// point range, sorted by range start. The length of the result is the
// fan-out cost of the scan: a routing key that is not selective for the
// access pattern shows up here as a high partition count rather than
// being hidden.
func (t *Table) ResolveRange(r KeyRange) ([]backend.PartitionID, error) {
	r = r.normalize()
	if r.Low >= r.High {
		return nil, backend.NewErrorf(backend.RetCValidation, "empty key range [%d, %d)", r.Low, r.High)
	}

	snap := t.snap.Load()
	var ids []backend.PartitionID
	for _, m := range snap.parts {
		if m.High <= r.Low || m.Low >= r.High {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil, backend.NewErrorf(backend.RetCNoOwner, "no partition owns range [%d, %d)", r.Low, r.High)
	}
	return ids, nil
}

// Partition returns the metadata of a partition in the current snapshot.
func (t *Table) Partition(id backend.PartitionID) (backend.PartitionMeta, bool) {
	for _, m := range t.snap.Load().parts {
		if m.ID == id {
			return m, true
		}
	}
	return backend.PartitionMeta{}, false
}

// Snapshot returns a copy of the current partition layout.
func (t *Table) Snapshot() []backend.PartitionMeta {
	return append([]backend.PartitionMeta(nil), t.snap.Load().parts...)
}

// Generation returns the current snapshot generation.
func (t *Table) Generation() Generation {
	return t.snap.Load().generation
}

// --------------------------------------------------------------------------
// Mutation Operations
// --------------------------------------------------------------------------

// ApplyReshard atomically replaces the partitions listed in old with the
// partitions described by next. The union of the new ranges must equal the
// union of the old ranges, so the full keyspace stays covered at every
// point in time. Lineage from each retired partition to its successors is
// recorded so that in-flight cursors can be remapped.
func (t *Table) ApplyReshard(old []backend.PartitionID, next []backend.PartitionMeta) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	cur := t.snap.Load()

	retired := make(map[backend.PartitionID]backend.PartitionMeta, len(old))
	for _, id := range old {
		found := false
		for _, m := range cur.parts {
			if m.ID == id {
				retired[id] = m
				found = true
				break
			}
		}
		if !found {
			return backend.NewErrorf(backend.RetCValidation, "partition %d is not part of the current generation", id)
		}
	}

	// Build the candidate layout: survivors plus the new partitions.
	candidate := make([]backend.PartitionMeta, 0, len(cur.parts)-len(old)+len(next))
	for _, m := range cur.parts {
		if _, gone := retired[m.ID]; !gone {
			candidate = append(candidate, m)
		}
	}
	candidate = append(candidate, next...)

	parts, err := validateCover(candidate)
	if err != nil {
		return err
	}

	// Copy-on-write lineage: retired partitions point at every new
	// partition overlapping their former range.
	lineage := make(map[backend.PartitionID][]backend.PartitionID, len(cur.lineage)+len(old))
	for k, v := range cur.lineage {
		lineage[k] = v
	}
	for id, was := range retired {
		var successors []backend.PartitionID
		for _, m := range next {
			if m.Low < was.High && m.High > was.Low {
				successors = append(successors, m.ID)
			}
		}
		lineage[id] = successors
	}

	t.snap.Store(&snapshot{
		generation: cur.generation + 1,
		parts:      parts,
		lineage:    lineage,
	})
	return nil
}

// Reload replaces the layout with a fresh metadata snapshot, typically
// fetched from the backend after a NotOwner response. Lineage is kept;
// partitions that disappeared without a recorded reshard have no
// successors and cursors referencing them expire.
func (t *Table) Reload(metas []backend.PartitionMeta) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	parts, err := validateCover(metas)
	if err != nil {
		return err
	}

	cur := t.snap.Load()
	t.snap.Store(&snapshot{
		generation: cur.generation + 1,
		parts:      parts,
		lineage:    cur.lineage,
	})
	return nil
}

// --------------------------------------------------------------------------
// Lineage
// --------------------------------------------------------------------------

// Successors resolves a possibly-retired partition to the partitions of
// the current generation that own its former range, following recorded
// split/merge lineage transitively. The boolean is false when the
// partition is unknown and no lineage is recorded for it, in which case a
// cursor referencing it cannot be remapped.
func (t *Table) Successors(id backend.PartitionID) ([]backend.PartitionID, bool) {
	snap := t.snap.Load()

	if snap.contains(id) {
		return []backend.PartitionID{id}, true
	}

	next, ok := snap.lineage[id]
	if !ok {
		return nil, false
	}

	// Follow lineage chains until every hop lands in the current
	// generation, deduplicating merge fan-in.
	seen := map[backend.PartitionID]struct{}{}
	var out []backend.PartitionID
	queue := append([]backend.PartitionID(nil), next...)
	for len(queue) > 0 {
		cand := queue[0]
		queue = queue[1:]
		if _, dup := seen[cand]; dup {
			continue
		}
		seen[cand] = struct{}{}

		if snap.contains(cand) {
			out = append(out, cand)
			continue
		}
		hop, ok := snap.lineage[cand]
		if !ok {
			return nil, false
		}
		queue = append(queue, hop...)
	}
	return out, true
}
