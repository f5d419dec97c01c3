package write

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/backend/engines/memback"
	"github.com/fluxrill/pdal/lib/retry"
	"github.com/fluxrill/pdal/lib/routing"
)

// numericHasher maps a decimal routing key to its own value, so tests can
// place documents on partitions deterministically.
func numericHasher(key string) uint64 {
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		panic("numericHasher: bad key " + key)
	}
	return n
}

func fastPolicy() *retry.Policy {
	return retry.NewPolicy(3, time.Millisecond, 5*time.Millisecond)
}

func newCoordinator(t *testing.T, opts *memback.Options) (backend.IBackend, *Coordinator) {
	t.Helper()

	if opts == nil {
		opts = memback.DefaultOptions()
	}
	opts.Hasher = numericHasher
	b := memback.New(opts)
	t.Cleanup(func() { _ = b.Close() })

	metas, err := b.PartitionMetadata(context.Background())
	if err != nil {
		t.Fatalf("failed to fetch partition metadata: %v", err)
	}
	table, err := routing.NewTable(metas, numericHasher)
	if err != nil {
		t.Fatalf("failed to create routing table: %v", err)
	}
	return b, NewCoordinator(b, table, fastPolicy())
}

func doc(id, key string, value string) backend.Document {
	return backend.Document{ID: id, RoutingKey: key, Value: []byte(value)}
}

// --------------------------------------------------------------------------
// Basic Writes
// --------------------------------------------------------------------------

func TestPutAssignsSequenceAndVersion(t *testing.T) {
	_, c := newCoordinator(t, nil)

	ctx := context.Background()
	first, err := c.Put(ctx, doc("d1", "1", "a"), Options{Ack: backend.AckMajority})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if first.Outcome != backend.WriteAcknowledged {
		t.Errorf("expected an acknowledged outcome, got %s", first.Outcome.String())
	}
	if first.Sequence != 1 || first.Version != 1 {
		t.Errorf("expected sequence 1 and version 1, got %d and %d", first.Sequence, first.Version)
	}

	second, err := c.Put(ctx, doc("d1", "1", "b"), Options{Ack: backend.AckMajority})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("expected the update to bump the version to 2, got %d", second.Version)
	}
	if second.Sequence <= first.Sequence {
		t.Errorf("expected a strictly larger sequence, got %d after %d", second.Sequence, first.Sequence)
	}
}

func TestPutValidation(t *testing.T) {
	_, c := newCoordinator(t, nil)

	_, err := c.Put(context.Background(), backend.Document{RoutingKey: "1"}, Options{})
	if backend.CodeOf(err) != backend.RetCValidation {
		t.Errorf("expected a validation error for a missing id, got %v", err)
	}
	_, err = c.Put(context.Background(), backend.Document{ID: "d1"}, Options{})
	if backend.CodeOf(err) != backend.RetCValidation {
		t.Errorf("expected a validation error for a missing routing key, got %v", err)
	}
}

func TestAckNoneReturnsWithoutWaiting(t *testing.T) {
	// with a 50ms per-replica delay, anything but a dispatch-only write
	// would block noticeably
	_, c := newCoordinator(t, &memback.Options{AckDelay: 50 * time.Millisecond})

	start := time.Now()
	res, err := c.Put(context.Background(), doc("d1", "1", "a"), Options{Ack: backend.AckNone})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		t.Errorf("dispatch-only write took %v", elapsed)
	}
	if res.Outcome != backend.WriteAcknowledged || res.Achieved != backend.AckNone {
		t.Errorf("expected Acknowledged(none), got %s(%s)", res.Outcome.String(), res.Achieved.String())
	}
}

// --------------------------------------------------------------------------
// Idempotency
// --------------------------------------------------------------------------

func TestIdempotentRetryAllAckLevels(t *testing.T) {
	levels := []backend.AckLevel{backend.AckNone, backend.AckOne, backend.AckMajority, backend.AckAll}
	for _, level := range levels {
		t.Run(level.String(), func(t *testing.T) {
			b, c := newCoordinator(t, nil)

			ctx := context.Background()
			opts := Options{Ack: level, IdempotencyKey: "idem-" + level.String()}
			first, err := c.Put(ctx, doc("d1", "1", "a"), opts)
			if err != nil {
				t.Fatalf("put failed: %v", err)
			}
			second, err := c.Put(ctx, doc("d1", "1", "a"), opts)
			if err != nil {
				t.Fatalf("retried put failed: %v", err)
			}

			if first != second {
				t.Errorf("retried write did not replay the original result: %+v vs %+v", first, second)
			}
			info, err := b.GetInfo()
			if err != nil {
				t.Fatalf("failed to fetch backend info: %v", err)
			}
			if info.Documents != 1 {
				t.Errorf("expected exactly one logical document, got %d", info.Documents)
			}
		})
	}
}

func TestIdempotencyReplayReachesBackend(t *testing.T) {
	// a second coordinator has no local cache, so the replay must come
	// from the backend's own idempotency record
	b, c1 := newCoordinator(t, nil)
	metas, err := b.PartitionMetadata(context.Background())
	if err != nil {
		t.Fatalf("failed to fetch partition metadata: %v", err)
	}
	table, err := routing.NewTable(metas, numericHasher)
	if err != nil {
		t.Fatalf("failed to create routing table: %v", err)
	}
	c2 := NewCoordinator(b, table, fastPolicy())

	ctx := context.Background()
	opts := Options{Ack: backend.AckMajority, IdempotencyKey: "shared-key"}
	first, err := c1.Put(ctx, doc("d1", "1", "a"), opts)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	second, err := c2.Put(ctx, doc("d1", "1", "a"), opts)
	if err != nil {
		t.Fatalf("replayed put failed: %v", err)
	}
	if first != second {
		t.Errorf("backend replay diverged: %+v vs %+v", first, second)
	}
}

func TestGeneratedKeysAreDistinct(t *testing.T) {
	_, c := newCoordinator(t, nil)

	ctx := context.Background()
	first, err := c.Put(ctx, doc("d1", "1", "a"), Options{})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	second, err := c.Put(ctx, doc("d1", "1", "b"), Options{})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if second.Version != first.Version+1 {
		t.Errorf("two independent puts must both apply, got versions %d and %d", first.Version, second.Version)
	}
}

// --------------------------------------------------------------------------
// Ack Levels and Timeouts
// --------------------------------------------------------------------------

func TestTimeoutReportsPartialAcks(t *testing.T) {
	_, c := newCoordinator(t, &memback.Options{Replicas: 3, AckDelay: 10 * time.Millisecond})

	res, err := c.Put(context.Background(), doc("d1", "1", "a"), Options{
		Ack:     backend.AckAll,
		Timeout: 15 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if res.Outcome != backend.WriteTimedOut {
		t.Fatalf("expected a timed-out outcome, got %s", res.Outcome.String())
	}
	if res.Acks != 1 {
		t.Errorf("expected 1 partial ack within the timeout, got %d", res.Acks)
	}
	if res.Achieved != backend.AckOne {
		t.Errorf("expected achieved level one, got %s", res.Achieved.String())
	}
}

func TestWriteConcernRetriedUntilExhaustion(t *testing.T) {
	_, c := newCoordinator(t, &memback.Options{Replicas: 3, AvailableReplicas: 1})

	_, err := c.Put(context.Background(), doc("d1", "1", "a"), Options{Ack: backend.AckAll})
	if backend.CodeOf(err) != backend.RetCWriteConcern {
		t.Fatalf("expected a write concern error, got %v", err)
	}
	terr, ok := backend.AsError(err)
	if !ok {
		t.Fatal("expected a typed error")
	}
	if terr.Attempts != 3 {
		t.Errorf("expected the full retry budget of 3 attempts, got %d", terr.Attempts)
	}

	// one replica is still up, so the weakest waiting level goes through
	res, err := c.Put(context.Background(), doc("d1", "1", "a"), Options{Ack: backend.AckOne})
	if err != nil {
		t.Fatalf("put at ack level one failed: %v", err)
	}
	if res.Outcome != backend.WriteAcknowledged {
		t.Errorf("expected an acknowledged outcome, got %s", res.Outcome.String())
	}
}

func TestRateLimitedWriteIsRetried(t *testing.T) {
	_, c := newCoordinator(t, &memback.Options{RateLimitEvery: 2, RetryAfter: time.Millisecond})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := c.Put(ctx, doc("d"+strconv.Itoa(i), "1", "a"), Options{})
		if err != nil {
			t.Fatalf("put %d failed despite retries: %v", i, err)
		}
	}
}

func TestNoRetrySingleAttempt(t *testing.T) {
	_, c := newCoordinator(t, &memback.Options{Replicas: 3, AvailableReplicas: 1})

	_, err := c.Put(context.Background(), doc("d1", "1", "a"), Options{Ack: backend.AckAll, NoRetry: true})
	if backend.CodeOf(err) != backend.RetCWriteConcern {
		t.Fatalf("expected a write concern error, got %v", err)
	}
	if terr, ok := backend.AsError(err); ok && terr.Attempts != 0 {
		t.Errorf("expected no retry bookkeeping on a single attempt, got %d attempts", terr.Attempts)
	}
}

// --------------------------------------------------------------------------
// Conditional Updates
// --------------------------------------------------------------------------

func TestConditionalUpdateVersionGate(t *testing.T) {
	_, c := newCoordinator(t, nil)

	ctx := context.Background()
	first, err := c.Put(ctx, doc("d1", "1", "a"), Options{})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	res, err := c.ConditionalUpdate(ctx, doc("d1", "1", "b"), first.Version, Options{})
	if err != nil {
		t.Fatalf("conditional update failed: %v", err)
	}
	if res.Version != first.Version+1 {
		t.Errorf("expected version %d, got %d", first.Version+1, res.Version)
	}

	_, err = c.ConditionalUpdate(ctx, doc("d1", "1", "c"), first.Version, Options{})
	if backend.CodeOf(err) != backend.RetCVersionConflict {
		t.Errorf("expected a version conflict on the stale expected version, got %v", err)
	}
}

func TestConcurrentConditionalUpdateRace(t *testing.T) {
	b, c := newCoordinator(t, nil)

	ctx := context.Background()
	first, err := c.Put(ctx, doc("d1", "1", "0"), Options{})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// the classic concurrent counter increment: both writers read the
	// same version, exactly one may win
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ConditionalUpdate(ctx, doc("d1", "1", strconv.Itoa(i+1)), first.Version, Options{})
		}(i)
	}
	wg.Wait()

	conflicts, successes := 0, 0
	for _, err := range errs {
		switch backend.CodeOf(err) {
		case backend.RetCSuccess:
			successes++
		case backend.RetCVersionConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d and %d", successes, conflicts)
	}

	cur, found, err := b.GetDocument(ctx, mustResolve(t, b, "1"), "d1")
	if err != nil || !found {
		t.Fatalf("failed to read back the document: found=%v err=%v", found, err)
	}
	if cur.Version != first.Version+1 {
		t.Errorf("expected exactly one increment, document is at version %d", cur.Version)
	}
}

func mustResolve(t *testing.T, b backend.IBackend, key string) backend.PartitionID {
	t.Helper()
	metas, err := b.PartitionMetadata(context.Background())
	if err != nil {
		t.Fatalf("failed to fetch partition metadata: %v", err)
	}
	point := numericHasher(key)
	for _, m := range metas {
		if m.Contains(point) {
			return m.ID
		}
	}
	t.Fatalf("no partition owns key %q", key)
	return 0
}

// --------------------------------------------------------------------------
// Routing Staleness
// --------------------------------------------------------------------------

func TestStaleTableRefreshedOnNotOwner(t *testing.T) {
	b := memback.New(&memback.Options{
		Hasher: numericHasher,
		Partitions: []backend.PartitionMeta{
			{ID: 1, Low: 0, High: 500},
			{ID: 2, Low: 500, High: backend.MaxPoint},
		},
	})
	t.Cleanup(func() { _ = b.Close() })

	// the table believes partition 1 owns everything
	table, err := routing.NewTable([]backend.PartitionMeta{{ID: 1, Low: 0, High: backend.MaxPoint}}, numericHasher)
	if err != nil {
		t.Fatalf("failed to create routing table: %v", err)
	}
	c := NewCoordinator(b, table, fastPolicy())

	res, err := c.Put(context.Background(), doc("d1", "600", "a"), Options{})
	if err != nil {
		t.Fatalf("put did not recover from the stale table: %v", err)
	}
	if res.Outcome != backend.WriteAcknowledged {
		t.Errorf("expected an acknowledged outcome, got %s", res.Outcome.String())
	}

	if id, err := table.Resolve("600"); err != nil || id != 2 {
		t.Errorf("expected the table to resolve to partition 2 after the refresh, got %d (%v)", id, err)
	}
}
