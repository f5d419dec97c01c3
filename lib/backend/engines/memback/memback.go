package memback

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fluxrill/pdal/lib/backend"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the memback behavior during initialization.
type Options struct {
	// Partitions is the initial partition layout. The ranges must cover
	// [0, MaxPoint) with no gaps and no overlaps. Nil means one partition
	// owning the full keyspace.
	Partitions []backend.PartitionMeta

	// Hasher maps routing keys to points. Nil means backend.DefaultHasher.
	Hasher backend.Hasher

	// Replicas is the simulated replica count per partition (default 3).
	Replicas int

	// AvailableReplicas is how many replicas currently acknowledge writes.
	// Lowering it below the count an ack level requires makes RoutePut
	// fail with a write concern error, simulating a replica outage.
	// Zero means all replicas are available.
	AvailableReplicas int

	// AckDelay is the simulated time per replica acknowledgment. With a
	// non-zero delay, writes whose ack level cannot be reached within the
	// request timeout report a timed-out result with the partial count.
	AckDelay time.Duration

	// RateLimitEvery injects a rate-limit rejection on every Nth RoutePut
	// (0 = never). RetryAfter is the suggested wait carried by the
	// injected errors.
	RateLimitEvery int
	RetryAfter     time.Duration
}

// DefaultOptions returns the default memback options: a single partition
// over the full keyspace with three always-available replicas and no
// injected faults.
func DefaultOptions() *Options {
	return &Options{
		Replicas: 3,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// membackImpl implements backend.IBackend fully in memory. It exists as
// the reference backend for tests, the conformance suite and the CLI; it
// is not a storage engine of record.
type membackImpl struct {
	opts       Options
	hasher     backend.Hasher
	partitions *xsync.MapOf[backend.PartitionID, *partition]
	puts       atomic.Uint64
	closed     atomic.Bool
}

// New creates a new memback instance with the specified options (optional).
//
// Thread-safety: this function is not thread-safe and should only be
// called once during initialization.
func New(opts *Options) backend.IBackend {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 3
	}
	if opts.AvailableReplicas <= 0 || opts.AvailableReplicas > opts.Replicas {
		opts.AvailableReplicas = opts.Replicas
	}

	hasher := opts.Hasher
	if hasher == nil {
		hasher = backend.DefaultHasher
	}

	metas := opts.Partitions
	if len(metas) == 0 {
		metas = []backend.PartitionMeta{{ID: 1, Low: 0, High: backend.MaxPoint}}
	}

	parts := xsync.NewMapOf[backend.PartitionID, *partition]()
	for _, meta := range metas {
		parts.Store(meta.ID, newPartition(meta))
	}

	return &membackImpl{
		opts:       *opts,
		hasher:     hasher,
		partitions: parts,
	}
}

// --------------------------------------------------------------------------
// Internal Helpers
// --------------------------------------------------------------------------

// requiredAcks translates an ack level into a replica count.
func (m *membackImpl) requiredAcks(level backend.AckLevel) int {
	switch level {
	case backend.AckNone:
		return 0
	case backend.AckOne:
		return 1
	case backend.AckMajority:
		return m.opts.Replicas/2 + 1
	case backend.AckAll:
		return m.opts.Replicas
	default:
		return m.opts.Replicas
	}
}

// achievedLevel returns the highest ack level covered by the observed
// replica acknowledgment count.
func (m *membackImpl) achievedLevel(acks int) backend.AckLevel {
	switch {
	case acks >= m.opts.Replicas:
		return backend.AckAll
	case acks >= m.opts.Replicas/2+1:
		return backend.AckMajority
	case acks >= 1:
		return backend.AckOne
	default:
		return backend.AckNone
	}
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return backend.WrapError(backend.RetCCancelled, "wait aborted", ctx.Err())
	}
}

func (m *membackImpl) partition(id backend.PartitionID) (*partition, error) {
	p, ok := m.partitions.Load(id)
	if !ok {
		return nil, backend.NewErrorf(backend.RetCNotOwner, "partition %d does not exist", id)
	}
	return p, nil
}

func (m *membackImpl) checkOpen() error {
	if m.closed.Load() {
		return backend.NewError(backend.RetCUnavailable, "backend is closed")
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backend/interface.go)
// --------------------------------------------------------------------------

func (m *membackImpl) RoutePut(ctx context.Context, id backend.PartitionID, doc backend.Document, opts backend.PutOptions) (backend.WriteResult, error) {
	if err := m.checkOpen(); err != nil {
		return backend.WriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return backend.WriteResult{}, backend.WrapError(backend.RetCCancelled, "routePut aborted", err)
	}
	if doc.ID == "" || doc.RoutingKey == "" {
		return backend.WriteResult{}, backend.NewError(backend.RetCValidation, "document id and routing key must be set")
	}

	// Injected load shedding, counted before any other work so that a
	// retried request is a new request.
	if n := m.puts.Add(1); m.opts.RateLimitEvery > 0 && n%uint64(m.opts.RateLimitEvery) == 0 {
		return backend.WriteResult{}, backend.NewRateLimitedError("simulated load shedding", m.opts.RetryAfter)
	}

	p, err := m.partition(id)
	if err != nil {
		return backend.WriteResult{}, err
	}
	if point := m.hasher(doc.RoutingKey); !p.meta.Contains(point) {
		return backend.WriteResult{}, backend.NewErrorf(backend.RetCNotOwner,
			"partition %d does not own routing key %q", id, doc.RoutingKey)
	}

	// A key that was already applied replays its original result, no
	// matter how the first attempt was acknowledged.
	if res, ok := p.replay(opts.IdempotencyKey); ok {
		return res, nil
	}

	required := m.requiredAcks(opts.Ack)
	if required > m.opts.AvailableReplicas {
		return backend.WriteResult{}, backend.NewWriteConcernError(
			"not enough replicas available for ack level "+opts.Ack.String(),
			m.opts.AvailableReplicas)
	}

	// Simulate replica acknowledgment latency. If the requested level
	// cannot be reached within the timeout the write still applies (it
	// reached some replicas) but the result is tagged as timed out.
	timedOut := false
	acks := required
	if m.opts.AckDelay > 0 && required > 0 {
		need := m.opts.AckDelay * time.Duration(required)
		if opts.Timeout > 0 && need > opts.Timeout {
			timedOut = true
			acks = int(opts.Timeout / m.opts.AckDelay)
			need = opts.Timeout
		}
		if err := sleep(ctx, need); err != nil {
			return backend.WriteResult{}, err
		}
	}

	seq, version, err := p.apply(doc, opts)
	if err != nil {
		return backend.WriteResult{}, err
	}

	res := backend.WriteResult{
		Outcome:  backend.WriteAcknowledged,
		Achieved: opts.Ack,
		Acks:     acks,
		Sequence: seq,
		Version:  version,
	}
	if timedOut {
		res.Outcome = backend.WriteTimedOut
		res.Achieved = m.achievedLevel(acks)
	}

	p.recordIdempotent(opts.IdempotencyKey, res)
	return res, nil
}

func (m *membackImpl) GetDocument(ctx context.Context, id backend.PartitionID, docID string) (backend.Document, bool, error) {
	if err := m.checkOpen(); err != nil {
		return backend.Document{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return backend.Document{}, false, backend.WrapError(backend.RetCCancelled, "get aborted", err)
	}

	p, err := m.partition(id)
	if err != nil {
		return backend.Document{}, false, err
	}
	doc, ok := p.get(docID)
	return doc, ok, nil
}

func (m *membackImpl) RangeScan(ctx context.Context, id backend.PartitionID, afterSeq backend.Sequence, afterID string, limit int) ([]backend.Document, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, backend.WrapError(backend.RetCCancelled, "scan aborted", err)
	}

	p, err := m.partition(id)
	if err != nil {
		return nil, err
	}
	return p.scanAfter(afterSeq, afterID, limit), nil
}

func (m *membackImpl) PartitionMetadata(ctx context.Context) ([]backend.PartitionMeta, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var metas []backend.PartitionMeta
	m.partitions.Range(func(_ backend.PartitionID, p *partition) bool {
		metas = append(metas, p.meta)
		return true
	})
	sort.Slice(metas, func(i, j int) bool { return metas[i].Low < metas[j].Low })
	return metas, nil
}

func (m *membackImpl) CreatePartition(ctx context.Context, meta backend.PartitionMeta) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if meta.Low >= meta.High {
		return backend.NewErrorf(backend.RetCValidation, "partition %d has an empty range [%d, %d)", meta.ID, meta.Low, meta.High)
	}

	// Note: during a reshard migration the new partition's range overlaps
	// its sources until they are dropped. PartitionMetadata reflects that
	// transitional state; the routing table swap is the caller's job.
	if _, loaded := m.partitions.LoadOrStore(meta.ID, newPartition(meta)); loaded {
		return backend.NewErrorf(backend.RetCValidation, "partition %d already exists", meta.ID)
	}
	return nil
}

func (m *membackImpl) DropPartition(ctx context.Context, id backend.PartitionID) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.partitions.LoadAndDelete(id); !ok {
		return backend.NewErrorf(backend.RetCNotOwner, "partition %d does not exist", id)
	}
	return nil
}

func (m *membackImpl) SupportsFeature(feature backend.Feature) bool {
	supported := backend.FeaturePut | backend.FeatureConditionalPut |
		backend.FeatureGet | backend.FeatureRangeScan | backend.FeatureReshard
	return feature&supported == feature
}

func (m *membackImpl) GetInfo() (backend.BackendInfo, error) {
	if err := m.checkOpen(); err != nil {
		return backend.BackendInfo{}, err
	}

	docs := 0
	parts := 0
	m.partitions.Range(func(_ backend.PartitionID, p *partition) bool {
		parts++
		docs += int(p.docs.Load())
		return true
	})

	return backend.BackendInfo{
		Engine:     "memback",
		Partitions: parts,
		Documents:  docs,
		SupportedFeatures: []backend.Feature{
			backend.FeaturePut, backend.FeatureConditionalPut,
			backend.FeatureGet, backend.FeatureRangeScan, backend.FeatureReshard,
		},
	}, nil
}

func (m *membackImpl) Close() error {
	m.closed.Store(true)
	return nil
}
