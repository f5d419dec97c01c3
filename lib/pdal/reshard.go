package pdal

import (
	"context"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fluxrill/pdal/lib/backend"
)

var (
	reshardsTotal  = metrics.NewCounter("pdal_reshard_total")
	reshardsFailed = metrics.NewCounter("pdal_reshard_failed_total")
	migratedDocs   = metrics.NewCounter("pdal_reshard_migrated_docs_total")
)

// --------------------------------------------------------------------------
// Plan and Progress
// --------------------------------------------------------------------------

// Plan describes a reshard: the source partitions to retire and the
// target partitions replacing them. The targets must cover exactly the
// keyspace of the sources; the routing table rejects the swap otherwise.
type Plan struct {
	Sources []backend.PartitionID
	Targets []backend.PartitionMeta
}

// Phase names the stage a reshard is in.
type Phase string

const (
	// PhaseCreate allocates the target partitions.
	PhaseCreate Phase = "create"
	// PhaseMigrate copies the bulk of the documents into the targets.
	PhaseMigrate Phase = "migrate"
	// PhaseSwap atomically switches the routing table to the targets.
	PhaseSwap Phase = "swap"
	// PhaseCatchUp copies documents written to the sources while the
	// migration ran.
	PhaseCatchUp Phase = "catchup"
	// PhaseCleanup drops the retired source partitions.
	PhaseCleanup Phase = "cleanup"
)

// Progress is reported to the caller's callback as the reshard advances.
// Fraction is the share of the resharded keyspace whose bulk migration
// has completed.
type Progress struct {
	Phase    Phase
	Fraction float64
	Migrated int
}

// --------------------------------------------------------------------------
// Reshard
// --------------------------------------------------------------------------

// Reshard retires the plan's source partitions and replaces them with the
// targets, migrating all documents with their sequence numbers intact so
// live cursors survive the layout change.
//
// The routing table swap happens only after the bulk migration: lookups
// during the reshard see either the old or the new generation, never a
// half-migrated layout. A catch-up pass after the swap copies writes that
// raced the migration into the sources; only then are the sources
// dropped.
//
// Reshard is idempotent: rerunning an interrupted plan converges, because
// target partitions that already exist are reused and re-copying a
// migrated document rewrites it in place. Progress is reported through
// report (may be nil). Only one reshard runs at a time per store.
func (s *Store) Reshard(ctx context.Context, plan Plan, report func(Progress)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.backend.SupportsFeature(backend.FeatureReshard) {
		return backend.NewError(backend.RetCUnsupportedOperation, "Reshard operation is not supported")
	}
	if len(plan.Sources) == 0 || len(plan.Targets) == 0 {
		return backend.NewError(backend.RetCValidation, "reshard plan must name sources and targets")
	}
	if report == nil {
		report = func(Progress) {}
	}

	s.reshardMu.Lock()
	defer s.reshardMu.Unlock()

	if err := s.reshard(ctx, plan, report); err != nil {
		reshardsFailed.Inc()
		return err
	}
	reshardsTotal.Inc()
	return nil
}

func (s *Store) reshard(ctx context.Context, plan Plan, report func(Progress)) error {
	log.Infof("resharding %d partitions into %d", len(plan.Sources), len(plan.Targets))

	// Phase 1: allocate the targets. An already existing target means a
	// previous run of the same plan was interrupted; reuse it.
	report(Progress{Phase: PhaseCreate})
	for _, meta := range plan.Targets {
		err := s.backend.CreatePartition(ctx, meta)
		if err != nil && backend.CodeOf(err) != backend.RetCValidation {
			return err
		}
		if err != nil {
			log.Infof("reusing existing target partition %d", meta.ID)
		}
	}

	// Phase 2: bulk migration. The fraction weighs each source by its
	// share of the resharded keyspace, so progress reflects data layout
	// rather than partition count.
	var totalSpan float64
	spans := make(map[backend.PartitionID]float64, len(plan.Sources))
	for _, id := range plan.Sources {
		if m, ok := s.table.Partition(id); ok {
			spans[id] = float64(m.Span())
			totalSpan += float64(m.Span())
		}
	}

	migrated := 0
	positions := make(map[backend.PartitionID]position, len(plan.Sources))
	var doneSpan float64
	for _, src := range plan.Sources {
		pos, n, err := s.copyFrom(ctx, src, position{}, plan.Targets, func(copied int) {
			report(Progress{
				Phase:    PhaseMigrate,
				Fraction: doneSpan / maxFloat(totalSpan, 1),
				Migrated: migrated + copied,
			})
		})
		if err != nil {
			return err
		}
		positions[src] = pos
		migrated += n
		doneSpan += spans[src]
		report(Progress{Phase: PhaseMigrate, Fraction: doneSpan / maxFloat(totalSpan, 1), Migrated: migrated})
	}

	// Phase 3: swap the routing table. From here on, new writes resolve
	// to the targets.
	report(Progress{Phase: PhaseSwap, Fraction: 1, Migrated: migrated})
	if err := s.table.ApplyReshard(plan.Sources, plan.Targets); err != nil {
		return err
	}

	// Phase 4: catch up on writes that reached the sources before the
	// swap, resuming strictly after the bulk migration's positions.
	for _, src := range plan.Sources {
		_, n, err := s.copyFrom(ctx, src, positions[src], plan.Targets, nil)
		if err != nil {
			return err
		}
		migrated += n
	}
	report(Progress{Phase: PhaseCatchUp, Fraction: 1, Migrated: migrated})

	// Phase 5: retire the sources.
	for _, src := range plan.Sources {
		if err := s.backend.DropPartition(ctx, src); err != nil {
			// a rerun of an interrupted cleanup sees the source already
			// gone
			if backend.CodeOf(err) == backend.RetCNotOwner {
				continue
			}
			return err
		}
	}
	report(Progress{Phase: PhaseCleanup, Fraction: 1, Migrated: migrated})

	log.Infof("reshard complete: %d documents migrated (generation %d)", migrated, s.table.Generation())
	return nil
}

// position is a (sequence, id) resume point inside one source partition.
type position struct {
	seq backend.Sequence
	id  string
}

// copyFrom pages through a source partition strictly after pos and writes
// every document into the target owning its routing key, keeping sequence
// numbers and versions. Returns the final position and the copy count.
func (s *Store) copyFrom(ctx context.Context, src backend.PartitionID, pos position, targets []backend.PartitionMeta, onBatch func(copied int)) (position, int, error) {
	copied := 0
	for {
		var docs []backend.Document
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			docs, err = s.backend.RangeScan(ctx, src, pos.seq, pos.id, s.cfg.MigrationBatch)
			return err
		})
		if err != nil {
			// a rerun after cleanup finds the source already dropped
			if backend.CodeOf(err) == backend.RetCNotOwner {
				return pos, copied, nil
			}
			return pos, copied, err
		}
		if len(docs) == 0 {
			return pos, copied, nil
		}

		for _, doc := range docs {
			target, err := s.targetFor(doc.RoutingKey, targets)
			if err != nil {
				return pos, copied, err
			}
			err = s.policy.Do(ctx, func(ctx context.Context) error {
				_, err := s.backend.RoutePut(ctx, target, doc, backend.PutOptions{
					Ack:              backend.AckAll,
					PreserveSequence: true,
				})
				return err
			})
			if err != nil {
				return pos, copied, err
			}
			pos = position{seq: doc.Sequence, id: doc.ID}
			copied++
			migratedDocs.Inc()
		}
		if onBatch != nil {
			onBatch(copied)
		}
	}
}

// targetFor picks the target partition owning a routing key.
func (s *Store) targetFor(routingKey string, targets []backend.PartitionMeta) (backend.PartitionID, error) {
	point := s.cfg.Hasher(routingKey)
	for _, meta := range targets {
		if meta.Contains(point) {
			return meta.ID, nil
		}
	}
	return 0, backend.NewErrorf(backend.RetCNoOwner, "no target partition owns routing key %q", routingKey)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
