package scan

import (
	"container/heap"
	"context"
	"sort"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/cursor"
	"github.com/fluxrill/pdal/lib/retry"
	"github.com/fluxrill/pdal/lib/routing"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pdal/scan")

var (
	scanPages   = metrics.NewCounter("pdal_scan_pages_total")
	scanRemaps  = metrics.NewCounter("pdal_scan_cursor_remaps_total")
	scanExpired = metrics.NewCounter("pdal_scan_cursor_expired_total")
)

// DefaultPageSize is used when a request does not set one.
const DefaultPageSize = 128

// --------------------------------------------------------------------------
// Request / Page
// --------------------------------------------------------------------------

// Request describes one page fetch. On the first call Token is nil and the
// scan position is derived from Key or Range; on follow-up calls Token is
// the Next value of the previous page and Key/Range/Merge are ignored.
type Request struct {
	// Token resumes a previous scan. Nil starts a new one.
	Token []byte

	// Key restricts a new scan to the single partition owning this
	// routing key. Empty means scan by Range instead.
	Key string

	// Range restricts a new scan to the partitions overlapping this
	// point range. The zero range means the full keyspace.
	Range routing.KeyRange

	// Merge requests a globally ordered merge across partitions. Without
	// it, partitions are emitted one after another and only the order
	// within each partition is guaranteed.
	Merge bool

	// Tail keeps the scan open at the end of the data: an exhausted scan
	// returns an empty page with a live cursor instead of terminating, so
	// the caller can poll for documents written later.
	Tail bool

	// PageSize is a soft upper bound on returned documents. Zero means
	// DefaultPageSize.
	PageSize int

	// Predicate, if set, filters documents after the position has
	// advanced past them. It is not part of the cursor; the caller must
	// pass the same predicate on every page of a scan.
	Predicate func(backend.Document) bool
}

// Page is one result page. Next is nil when the scan has terminated; in
// tailing mode it is always set, even on an empty page.
type Page struct {
	Documents []backend.Document
	Next      []byte
}

// --------------------------------------------------------------------------
// Pager
// --------------------------------------------------------------------------

// Pager executes cursor-based scans against a backend, routed through a
// table. Cursors are opaque to callers and encode per-partition (sequence,
// id) positions, so resumption is strictly-after and never loses or repeats
// a document that existed when the scan started.
type Pager struct {
	backend backend.IBackend
	table   *routing.Table
	policy  *retry.Policy
	codec   cursor.ICursorCodec
}

// NewPager creates a Pager. The codec decides the wire form of cursor
// tokens; see the cursor package for the available implementations.
func NewPager(b backend.IBackend, table *routing.Table, policy *retry.Policy, codec cursor.ICursorCodec) *Pager {
	return &Pager{backend: b, table: table, policy: policy, codec: codec}
}

// Scan fetches the next page. A scan position is only advanced by the
// returned token: calling Scan twice with the same token yields the same
// page (modulo concurrent writes), so a crashed consumer can safely retry.
func (p *Pager) Scan(ctx context.Context, req Request) (Page, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var tok *cursor.Token
	if req.Token == nil {
		t, err := p.begin(req)
		if err != nil {
			return Page{}, err
		}
		tok = t
	} else {
		tok = &cursor.Token{}
		if err := p.codec.Decode(req.Token, tok); err != nil {
			return Page{}, err
		}
		if err := p.remap(tok); err != nil {
			return Page{}, err
		}
	}

	var (
		page Page
		err  error
	)
	if tok.Merge {
		page, err = p.scanMerge(ctx, tok, pageSize, req)
	} else {
		page, err = p.scanSequential(ctx, tok, pageSize, req)
	}
	if err != nil {
		return Page{}, err
	}

	scanPages.Inc()
	return page, nil
}

// begin builds the initial token for a new scan from Key or Range.
func (p *Pager) begin(req Request) (*cursor.Token, error) {
	var ids []backend.PartitionID
	if req.Key != "" {
		id, err := p.table.Resolve(req.Key)
		if err != nil {
			return nil, err
		}
		ids = []backend.PartitionID{id}
	} else {
		resolved, err := p.table.ResolveRange(req.Range)
		if err != nil {
			return nil, err
		}
		ids = resolved
	}

	tok := &cursor.Token{
		Generation: uint64(p.table.Generation()),
		Merge:      req.Merge,
		Low:        req.Range.Low,
		High:       req.Range.High,
		Subs:       make([]cursor.Sub, 0, len(ids)),
	}
	for _, id := range ids {
		tok.Subs = append(tok.Subs, cursor.Sub{Partition: id})
	}
	return tok, nil
}

// --------------------------------------------------------------------------
// Cursor Remapping
// --------------------------------------------------------------------------

// remap rewrites a token issued under an older routing generation so its
// sub-cursors point at current partitions. A partition that was split
// carries its position into every child: migrated documents keep their
// sequence numbers, so the strictly-after filter stays correct and at worst
// re-reads nothing. If two sub-cursors land on the same current partition
// with different positions (a merge of partitions the scan had consumed
// unevenly), no single position is safe and the cursor is expired.
func (p *Pager) remap(tok *cursor.Token) error {
	gen := uint64(p.table.Generation())
	if tok.Generation == gen {
		return nil
	}

	mapped := make(map[backend.PartitionID]cursor.Sub, len(tok.Subs))
	for _, sub := range tok.Subs {
		succs, ok := p.table.Successors(sub.Partition)
		if !ok {
			scanExpired.Inc()
			return backend.NewErrorf(backend.RetCCursorExpired,
				"cursor references partition %d with no known successor", sub.Partition)
		}
		for _, id := range succs {
			if tok.Merge || len(tok.Subs) > 1 {
				// range scan: skip successors outside the scanned range
				if m, ok := p.table.Partition(id); ok {
					r := routing.KeyRange{Low: tok.Low, High: tok.High}
					if !overlaps(m, r) {
						continue
					}
				}
			}
			prev, seen := mapped[id]
			next := cursor.Sub{Partition: id, LastSeq: sub.LastSeq, LastID: sub.LastID}
			if seen && (prev.LastSeq != next.LastSeq || prev.LastID != next.LastID) {
				scanExpired.Inc()
				return backend.NewErrorf(backend.RetCCursorExpired,
					"cursor positions diverge across merged partition %d", id)
			}
			mapped[id] = next
		}
	}
	if len(mapped) == 0 {
		scanExpired.Inc()
		return backend.NewError(backend.RetCCursorExpired, "cursor maps to no current partition")
	}

	subs := make([]cursor.Sub, 0, len(mapped))
	for _, sub := range mapped {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Partition < subs[j].Partition })

	tok.Subs = subs
	tok.Generation = gen
	scanRemaps.Inc()
	log.Debugf("remapped cursor to generation %d (%d sub-cursors)", gen, len(subs))
	return nil
}

func overlaps(m backend.PartitionMeta, r routing.KeyRange) bool {
	if r.Low == 0 && r.High == 0 {
		return true
	}
	high := r.High
	if high == 0 {
		high = backend.MaxPoint
	}
	return m.High > r.Low && m.Low < high
}

// --------------------------------------------------------------------------
// Sequential Scan
// --------------------------------------------------------------------------

// scanSequential emits partitions one after another in sub-cursor order.
// Exhausted partitions are dropped from the token unless the scan tails.
func (p *Pager) scanSequential(ctx context.Context, tok *cursor.Token, pageSize int, req Request) (Page, error) {
	var out []backend.Document

	for {
		remaining := make([]cursor.Sub, 0, len(tok.Subs))
		remapped := false

		for i := 0; i < len(tok.Subs) && !remapped; i++ {
			sub := tok.Subs[i]
			if len(out) >= pageSize {
				remaining = append(remaining, sub)
				continue
			}

			want := pageSize - len(out)
			docs, r, err := p.fetch(ctx, tok, i, want)
			if err != nil {
				return Page{}, err
			}
			if r {
				remapped = true
				continue
			}

			exhausted := len(docs) < want
			for _, doc := range docs {
				sub.LastSeq, sub.LastID = doc.Sequence, doc.ID
				if req.Predicate != nil && !req.Predicate(doc) {
					continue
				}
				out = append(out, doc)
			}
			tok.Subs[i] = sub

			if !exhausted || req.Tail {
				remaining = append(remaining, sub)
			}
		}
		if remapped {
			// a reshard raced the page build. Collected documents stay:
			// their positions were recorded before the remap and carried
			// into the successors, so walking the rewritten sub-cursors
			// resumes strictly after them.
			continue
		}

		tok.Subs = remaining
		if len(tok.Subs) == 0 && !req.Tail {
			return Page{Documents: out}, nil
		}
		next, err := p.codec.Encode(*tok)
		if err != nil {
			return Page{}, err
		}
		return Page{Documents: out, Next: next}, nil
	}
}

// --------------------------------------------------------------------------
// Merge Scan
// --------------------------------------------------------------------------

// scanMerge buffers up to pageSize documents per partition and heap-merges
// them into a single globally ordered page. The per-partition fetch limit
// equals the page budget, so a buffer with possibly-more documents behind it
// can only drain once the page is already full; the merge therefore never
// emits a document out of order.
func (p *Pager) scanMerge(ctx context.Context, tok *cursor.Token, pageSize int, req Request) (Page, error) {
	for {
		h := &mergeHeap{}
		exhausted := true
		remapped := false

		for i := 0; i < len(tok.Subs) && !remapped; i++ {
			docs, r, err := p.fetch(ctx, tok, i, pageSize)
			if err != nil {
				return Page{}, err
			}
			if r {
				remapped = true
				continue
			}
			if len(docs) == 0 {
				continue
			}
			more := len(docs) == pageSize
			if more {
				exhausted = false
			}
			h.streams = append(h.streams, &stream{
				partition: tok.Subs[i].Partition,
				docs:      docs,
				maybeMore: more,
			})
		}
		if remapped {
			// a reshard raced the page build. Buffered documents may belong
			// to retired partitions, so everything is refetched from the
			// rewritten sub-cursors. Positions only advance in the pop loop
			// below, which has not run, so nothing is lost or repeated.
			continue
		}
		heap.Init(h)

		subs := make(map[backend.PartitionID]*cursor.Sub, len(tok.Subs))
		for i := range tok.Subs {
			subs[tok.Subs[i].Partition] = &tok.Subs[i]
		}

		var out []backend.Document
		// Filtered documents count against the budget as well: popping past
		// the budget could drain a maybeMore buffer and break the ordering
		// argument above.
		for popped := 0; popped < pageSize && h.Len() > 0; popped++ {
			s := h.streams[0]
			doc := s.head()
			s.advance()
			if s.drained() {
				heap.Pop(h)
			} else {
				heap.Fix(h, 0)
			}

			sub := subs[s.partition]
			sub.LastSeq, sub.LastID = doc.Sequence, doc.ID

			if req.Predicate != nil && !req.Predicate(doc) {
				continue
			}
			out = append(out, doc)
		}

		if exhausted && h.Len() == 0 && !req.Tail {
			// every buffer was fetched below its limit and fully merged
			return Page{Documents: out}, nil
		}
		next, err := p.codec.Encode(*tok)
		if err != nil {
			return Page{}, err
		}
		return Page{Documents: out, Next: next}, nil
	}
}

// --------------------------------------------------------------------------
// Fetching
// --------------------------------------------------------------------------

// fetch reads up to limit documents strictly after the i-th sub-cursor's
// position. Transient failures are retried under the pager's policy; a
// NotOwner answer means the table is stale, so the metadata is reloaded
// from the backend and the token remapped in place. A true remapped return
// means the token's sub-cursors were rewritten and the caller must rebuild
// its page from them instead of touching anything fetched so far.
func (p *Pager) fetch(ctx context.Context, tok *cursor.Token, i int, limit int) (docs []backend.Document, remapped bool, err error) {
	docs, err = p.fetchSub(ctx, tok.Subs[i], limit)
	if err == nil || backend.CodeOf(err) != backend.RetCNotOwner {
		return docs, false, err
	}

	log.Infof("partition %d no longer owned, refreshing routing table", tok.Subs[i].Partition)
	metas, merr := p.backend.PartitionMetadata(ctx)
	if merr != nil {
		return nil, false, merr
	}
	if rerr := p.table.Reload(metas); rerr != nil {
		return nil, false, rerr
	}
	tok.Generation = 0 // force the remap even on an unchanged generation
	if rerr := p.remap(tok); rerr != nil {
		return nil, false, rerr
	}
	return nil, true, nil
}

func (p *Pager) fetchSub(ctx context.Context, sub cursor.Sub, limit int) ([]backend.Document, error) {
	var docs []backend.Document
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		docs, err = p.backend.RangeScan(ctx, sub.Partition, sub.LastSeq, sub.LastID, limit)
		return err
	})
	return docs, err
}
