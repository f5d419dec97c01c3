package pdal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/retry"
	"github.com/fluxrill/pdal/lib/routing"
	"github.com/fluxrill/pdal/lib/scan"
	"github.com/fluxrill/pdal/lib/write"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pdal")

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is the partitioned document access layer: a façade over routing,
// retrying, coordinated writes and cursor-based scans against a backend.
// It holds no ambient state; every Store is an explicit, constructible
// object carrying its own configuration and routing snapshot.
//
// Thread-safety: all methods may be called concurrently. Reshard is the
// only operation that mutates the routing table, and it swaps complete
// generations atomically, so readers never block on it.
type Store struct {
	cfg     Config
	backend backend.IBackend
	table   *routing.Table
	policy  *retry.Policy
	writer  *write.Coordinator
	pager   *scan.Pager

	reshardMu sync.Mutex
	closed    atomic.Bool
}

// Open creates a Store on top of a backend, bootstrapping the routing
// table from the backend's partition metadata.
func Open(ctx context.Context, b backend.IBackend, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	metas, err := b.PartitionMetadata(ctx)
	if err != nil {
		return nil, err
	}
	table, err := routing.NewTable(metas, cfg.Hasher)
	if err != nil {
		return nil, err
	}

	policy := retry.NewPolicy(cfg.MaxAttempts, cfg.BaseBackoff, cfg.MaxBackoff)
	s := &Store{
		cfg:     cfg,
		backend: b,
		table:   table,
		policy:  policy,
		writer:  write.NewCoordinator(b, table, policy),
		pager:   scan.NewPager(b, table, policy, cfg.Codec),
	}
	log.Infof("store opened with %d partitions (generation %d)", len(metas), table.Generation())
	return s, nil
}

// Table exposes the routing table, mainly for introspection and tests.
func (s *Store) Table() *routing.Table {
	return s.table
}

// Info returns metadata about the underlying backend.
func (s *Store) Info() (backend.BackendInfo, error) {
	return s.backend.GetInfo()
}

// Close releases the store. The backend is owned by the caller and stays
// open.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return backend.NewError(backend.RetCUnavailable, "store is closed")
	}
	return nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get returns the current version of a document. The routing key decides
// which partition is asked; the boolean reports whether the document was
// found.
func (s *Store) Get(ctx context.Context, routingKey, id string) (backend.Document, bool, error) {
	if err := s.checkOpen(); err != nil {
		return backend.Document{}, false, err
	}
	if !s.backend.SupportsFeature(backend.FeatureGet) {
		return backend.Document{}, false, backend.NewError(backend.RetCUnsupportedOperation, "Get operation is not supported")
	}

	var (
		doc   backend.Document
		found bool
	)
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		pid, err := s.table.Resolve(routingKey)
		if err != nil {
			return err
		}
		d, ok, err := s.backend.GetDocument(ctx, pid, id)
		if err != nil {
			if backend.CodeOf(err) == backend.RetCNotOwner {
				s.refreshTable(ctx)
			}
			return err
		}
		doc, found = d, ok
		return nil
	})
	if err != nil {
		return backend.Document{}, false, err
	}
	return doc, found, nil
}

// Scan fetches the next page of a cursor-based scan, defaulting the page
// size from the configuration. See the scan package for the request
// semantics.
func (s *Store) Scan(ctx context.Context, req scan.Request) (scan.Page, error) {
	if err := s.checkOpen(); err != nil {
		return scan.Page{}, err
	}
	if !s.backend.SupportsFeature(backend.FeatureRangeScan) {
		return scan.Page{}, backend.NewError(backend.RetCUnsupportedOperation, "Scan operation is not supported")
	}

	if req.PageSize <= 0 {
		req.PageSize = s.cfg.DefaultPageSize
	}
	return s.pager.Scan(ctx, req)
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Put writes a document at the configured default ack level and timeout.
func (s *Store) Put(ctx context.Context, doc backend.Document) (backend.WriteResult, error) {
	return s.PutWith(ctx, doc, s.defaultWriteOptions())
}

// PutWith writes a document with explicit write options, taken verbatim:
// a zero ack level really requests dispatch-only.
func (s *Store) PutWith(ctx context.Context, doc backend.Document, opts write.Options) (backend.WriteResult, error) {
	if err := s.checkOpen(); err != nil {
		return backend.WriteResult{}, err
	}
	if !s.backend.SupportsFeature(backend.FeaturePut) {
		return backend.WriteResult{}, backend.NewError(backend.RetCUnsupportedOperation, "Put operation is not supported")
	}
	return s.writer.Put(ctx, doc, opts)
}

// ConditionalUpdate writes a document only if its current version equals
// expectedVersion, at the configured default ack level. A lost race
// surfaces as a VersionConflict error; the caller must re-read before
// trying again.
func (s *Store) ConditionalUpdate(ctx context.Context, doc backend.Document, expectedVersion uint64) (backend.WriteResult, error) {
	return s.ConditionalUpdateWith(ctx, doc, expectedVersion, s.defaultWriteOptions())
}

// ConditionalUpdateWith is ConditionalUpdate with explicit write options.
func (s *Store) ConditionalUpdateWith(ctx context.Context, doc backend.Document, expectedVersion uint64, opts write.Options) (backend.WriteResult, error) {
	if err := s.checkOpen(); err != nil {
		return backend.WriteResult{}, err
	}
	if !s.backend.SupportsFeature(backend.FeatureConditionalPut) {
		return backend.WriteResult{}, backend.NewError(backend.RetCUnsupportedOperation, "ConditionalUpdate operation is not supported")
	}
	return s.writer.ConditionalUpdate(ctx, doc, expectedVersion, opts)
}

func (s *Store) defaultWriteOptions() write.Options {
	return write.Options{
		Ack:     s.cfg.DefaultAckLevel,
		Timeout: s.cfg.WriteTimeout,
	}
}

// refreshTable reloads the partition layout from the backend after a
// NotOwner answer. Best-effort.
func (s *Store) refreshTable(ctx context.Context) {
	metas, err := s.backend.PartitionMetadata(ctx)
	if err != nil {
		log.Errorf("failed to fetch partition metadata: %v", err)
		return
	}
	if err := s.table.Reload(metas); err != nil {
		log.Errorf("failed to reload routing table: %v", err)
	}
}
