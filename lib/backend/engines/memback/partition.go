package memback

import (
	"sync"
	"sync/atomic"

	"github.com/fluxrill/pdal/lib/backend"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zhangyunhao116/skipmap"
)

// --------------------------------------------------------------------------
// Ordered Document Log
// --------------------------------------------------------------------------

// logKey is the position of a document in the partition log. Documents are
// ordered by (sequence, id); the id is the tie-break for equal sequences,
// which can occur after two partitions were merged into one.
type logKey struct {
	seq backend.Sequence
	id  string
}

// logKeyLess is the ordering function for the skip list.
func logKeyLess(a, b logKey) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.id < b.id
}

// --------------------------------------------------------------------------
// Partition
// --------------------------------------------------------------------------

// partition holds the documents of one partition in a concurrent skip list
// ordered by (sequence, id). Writes are serialized by a mutex so that
// conditional updates and idempotency replay are atomic; reads and range
// scans go through the skip list lock-free.
type partition struct {
	meta backend.PartitionMeta

	mu   sync.Mutex
	seq  atomic.Uint64
	log  *skipmap.FuncMap[logKey, backend.Document]
	byID *xsync.MapOf[string, logKey]
	idem *xsync.MapOf[string, backend.WriteResult]
	docs atomic.Int64
}

func newPartition(meta backend.PartitionMeta) *partition {
	return &partition{
		meta: meta,
		log:  skipmap.NewFunc[logKey, backend.Document](logKeyLess),
		byID: xsync.NewMapOf[string, logKey](),
		idem: xsync.NewMapOf[string, backend.WriteResult](),
	}
}

// bumpSeq raises the sequence counter to at least floor. Used when a
// migrated document keeps its original sequence, so that fresh writes to
// this partition are always assigned a strictly larger sequence.
func (p *partition) bumpSeq(floor uint64) {
	for {
		cur := p.seq.Load()
		if cur >= floor {
			return
		}
		if p.seq.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// replay returns the recorded result for an idempotency key that was
// already applied.
func (p *partition) replay(key string) (backend.WriteResult, bool) {
	if key == "" {
		return backend.WriteResult{}, false
	}
	return p.idem.Load(key)
}

// apply inserts or updates a document under the write lock. It returns the
// assigned position and version, or a typed error if a conditional write
// lost the race.
//
// Thread-safety: apply serializes on p.mu; the caller must not hold it.
func (p *partition) apply(doc backend.Document, opts backend.PutOptions) (backend.Sequence, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check the idempotency key under the lock so two racing retries
	// of the same logical write cannot both apply.
	if res, ok := p.replay(opts.IdempotencyKey); ok {
		return res.Sequence, res.Version, nil
	}

	var curVersion uint64
	oldKey, exists := p.byID.Load(doc.ID)
	if exists {
		if cur, ok := p.log.Load(oldKey); ok {
			curVersion = cur.Version
		}
	}

	if opts.Conditional && curVersion != opts.ExpectedVersion {
		return 0, 0, backend.NewErrorf(backend.RetCVersionConflict,
			"document %q is at version %d, expected %d", doc.ID, curVersion, opts.ExpectedVersion)
	}

	var seq backend.Sequence
	if opts.PreserveSequence {
		seq = doc.Sequence
		p.bumpSeq(uint64(seq))
	} else {
		seq = backend.Sequence(p.seq.Add(1))
	}

	doc.Sequence = seq
	if opts.PreserveSequence {
		// Migrated documents keep the version they had in the source
		// partition, defaulting to 1 for pre-versioning data.
		if doc.Version == 0 {
			doc.Version = 1
		}
	} else {
		doc.Version = curVersion + 1
	}
	doc.Value = append([]byte(nil), doc.Value...)

	if exists {
		p.log.Delete(oldKey)
	} else {
		p.docs.Add(1)
	}

	key := logKey{seq: seq, id: doc.ID}
	p.log.Store(key, doc)
	p.byID.Store(doc.ID, key)

	return seq, doc.Version, nil
}

// recordIdempotent stores the result for an idempotency key so a retried
// write replays instead of re-applying.
func (p *partition) recordIdempotent(key string, res backend.WriteResult) {
	if key == "" {
		return
	}
	p.idem.Store(key, res)
}

// get returns the current version of a document by ID.
func (p *partition) get(id string) (backend.Document, bool) {
	key, ok := p.byID.Load(id)
	if !ok {
		return backend.Document{}, false
	}
	return p.log.Load(key)
}

// scanAfter returns up to limit documents whose position is strictly
// greater than (afterSeq, afterID), in (sequence, id) order.
func (p *partition) scanAfter(afterSeq backend.Sequence, afterID string, limit int) []backend.Document {
	if limit <= 0 {
		return nil
	}

	after := logKey{seq: afterSeq, id: afterID}
	out := make([]backend.Document, 0, limit)
	p.log.Range(func(key logKey, doc backend.Document) bool {
		if !logKeyLess(after, key) {
			return true
		}
		out = append(out, doc)
		return len(out) < limit
	})
	return out
}
