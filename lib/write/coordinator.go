package write

import (
	"context"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/retry"
	"github.com/fluxrill/pdal/lib/routing"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("pdal/write")

var (
	writesTotal    = metrics.NewCounter("pdal_write_total")
	writeTimeouts  = metrics.NewCounter("pdal_write_timedout_total")
	writeConflicts = metrics.NewCounter("pdal_write_conflicts_total")
	writeReplays   = metrics.NewCounter("pdal_write_replays_total")
	writeDuration  = metrics.NewHistogram("pdal_write_duration_seconds")
)

// recentWrites bounds the per-partition idempotency cache. The capacity
// only needs to cover writes still inside their retry window; older
// entries are replayed by the backend itself.
const recentWrites = 1024

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options carries the per-write parameters of a coordinated write.
type Options struct {
	// Ack is the requested acknowledgment level. AckNone returns as soon
	// as the write is dispatched.
	Ack backend.AckLevel

	// Timeout bounds how long the backend waits for acknowledgments. An
	// elapsed timeout is not an error: the result reports the partial ack
	// count and the caller decides how to proceed.
	Timeout time.Duration

	// IdempotencyKey makes a retried write apply at most once. Empty
	// means the coordinator generates one, so every write is safe to
	// retry transparently.
	IdempotencyKey string

	// NoRetry restricts the write to a single attempt regardless of the
	// retry policy.
	NoRetry bool
}

// --------------------------------------------------------------------------
// Coordinator
// --------------------------------------------------------------------------

// Coordinator issues writes against the partition resolved from the
// document's routing key, wrapped in the retry policy. Every write carries
// an idempotency key (caller-supplied or generated), so a retry after an
// ambiguous failure replays the original result instead of applying twice.
//
// A bounded per-partition cache of recent results answers replays locally
// before they reach the backend.
type Coordinator struct {
	backend backend.IBackend
	table   *routing.Table
	policy  *retry.Policy
	recent  *xsync.MapOf[backend.PartitionID, *lru.Cache[string, backend.WriteResult]]
}

// NewCoordinator creates a Coordinator on top of a backend and the routing
// table resolving its partitions.
func NewCoordinator(b backend.IBackend, table *routing.Table, policy *retry.Policy) *Coordinator {
	return &Coordinator{
		backend: b,
		table:   table,
		policy:  policy,
		recent:  xsync.NewMapOf[backend.PartitionID, *lru.Cache[string, backend.WriteResult]](),
	}
}

// Put writes a document. The result is only meaningful when the error is
// nil; a WriteTimedOut outcome reports the partial acknowledgment count.
func (c *Coordinator) Put(ctx context.Context, doc backend.Document, opts Options) (backend.WriteResult, error) {
	return c.write(ctx, doc, backend.PutOptions{
		Ack:            opts.Ack,
		Timeout:        opts.Timeout,
		IdempotencyKey: opts.IdempotencyKey,
	}, opts.NoRetry)
}

// ConditionalUpdate writes a document only if its current version equals
// expectedVersion. Losing the race yields a VersionConflict error; the
// caller must re-read and decide, the coordinator never resubmits blindly.
func (c *Coordinator) ConditionalUpdate(ctx context.Context, doc backend.Document, expectedVersion uint64, opts Options) (backend.WriteResult, error) {
	res, err := c.write(ctx, doc, backend.PutOptions{
		Ack:             opts.Ack,
		Timeout:         opts.Timeout,
		IdempotencyKey:  opts.IdempotencyKey,
		Conditional:     true,
		ExpectedVersion: expectedVersion,
	}, opts.NoRetry)
	if backend.CodeOf(err) == backend.RetCVersionConflict {
		writeConflicts.Inc()
	}
	return res, err
}

// --------------------------------------------------------------------------
// Internal Helpers
// --------------------------------------------------------------------------

func (c *Coordinator) write(ctx context.Context, doc backend.Document, po backend.PutOptions, noRetry bool) (backend.WriteResult, error) {
	if doc.ID == "" || doc.RoutingKey == "" {
		return backend.WriteResult{}, backend.NewError(backend.RetCValidation, "document id and routing key must be set")
	}
	if po.IdempotencyKey == "" {
		po.IdempotencyKey = uuid.NewString()
	}

	defer writeDuration.UpdateDuration(time.Now())

	var res backend.WriteResult
	op := func(ctx context.Context) error {
		id, err := c.table.Resolve(doc.RoutingKey)
		if err != nil {
			return err
		}

		if cached, ok := c.lookupRecent(id, po.IdempotencyKey); ok {
			writeReplays.Inc()
			res = cached
			return nil
		}

		r, err := c.backend.RoutePut(ctx, id, doc, po)
		if err != nil {
			// NotOwner means the table is stale: reload the layout so
			// the next attempt resolves against the current one.
			if backend.CodeOf(err) == backend.RetCNotOwner {
				c.refreshTable(ctx)
			}
			return err
		}

		res = r
		c.rememberRecent(id, po.IdempotencyKey, r)
		return nil
	}

	var err error
	if noRetry {
		err = c.policy.DoSingle(ctx, op)
	} else {
		err = c.policy.Do(ctx, op)
	}
	if err != nil {
		return backend.WriteResult{}, err
	}

	writesTotal.Inc()
	if res.Outcome == backend.WriteTimedOut {
		writeTimeouts.Inc()
		log.Warningf("write of %q timed out at ack level %s with %d acks", doc.ID, res.Achieved.String(), res.Acks)
	}
	return res, nil
}

// refreshTable reloads the partition layout from the backend and drops the
// idempotency caches of partitions that disappeared. Best-effort: the
// write that triggered the refresh is retried either way.
func (c *Coordinator) refreshTable(ctx context.Context) {
	metas, err := c.backend.PartitionMetadata(ctx)
	if err != nil {
		log.Errorf("failed to fetch partition metadata: %v", err)
		return
	}
	if err := c.table.Reload(metas); err != nil {
		log.Errorf("failed to reload routing table: %v", err)
		return
	}

	current := make(map[backend.PartitionID]struct{}, len(metas))
	for _, m := range metas {
		current[m.ID] = struct{}{}
	}
	c.recent.Range(func(id backend.PartitionID, _ *lru.Cache[string, backend.WriteResult]) bool {
		if _, ok := current[id]; !ok {
			c.recent.Delete(id)
		}
		return true
	})
	log.Infof("routing table reloaded (%d partitions)", len(metas))
}

func (c *Coordinator) partitionCache(id backend.PartitionID) *lru.Cache[string, backend.WriteResult] {
	cache, _ := c.recent.LoadOrCompute(id, func() *lru.Cache[string, backend.WriteResult] {
		cache, err := lru.New[string, backend.WriteResult](recentWrites)
		if err != nil {
			panic(err) // only fails for a non-positive size
		}
		return cache
	})
	return cache
}

func (c *Coordinator) lookupRecent(id backend.PartitionID, key string) (backend.WriteResult, bool) {
	return c.partitionCache(id).Get(key)
}

func (c *Coordinator) rememberRecent(id backend.PartitionID, key string, res backend.WriteResult) {
	c.partitionCache(id).Add(key, res)
}
