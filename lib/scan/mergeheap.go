package scan

import (
	"github.com/fluxrill/pdal/lib/backend"
)

// --------------------------------------------------------------------------
// K-Way Merge Heap
// --------------------------------------------------------------------------

// stream is one partition's buffered slice of fetched documents, consumed
// front to back during a k-way merge.
type stream struct {
	partition backend.PartitionID
	docs      []backend.Document
	next      int // index of the head document
	// maybeMore is set when the fetch filled its limit, meaning the
	// partition may hold further documents beyond the buffer.
	maybeMore bool

	index int // Index in the heap, maintained by the heap package
}

// head returns the stream's current front document. Only valid while
// drained() is false.
func (s *stream) head() backend.Document {
	return s.docs[s.next]
}

// advance consumes the front document.
func (s *stream) advance() {
	s.next++
}

// drained reports whether the buffer is fully consumed.
func (s *stream) drained() bool {
	return s.next >= len(s.docs)
}

// mergeHeap implements a min-heap of streams ordered by their head
// document's (sequence, id) position, with the partition ID as the final
// tie-break so the merge order is deterministic.
type mergeHeap struct {
	streams []*stream
}

// Len returns the number of streams in the heap (part of heap.Interface)
func (h *mergeHeap) Len() int { return len(h.streams) }

// Less compares the head documents of two streams (part of heap.Interface)
func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.streams[i].head(), h.streams[j].head()
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return h.streams[i].partition < h.streams[j].partition
}

// Swap exchanges streams at positions i and j (part of heap.Interface)
func (h *mergeHeap) Swap(i, j int) {
	h.streams[i], h.streams[j] = h.streams[j], h.streams[i]
	h.streams[i].index = i
	h.streams[j].index = j
}

// Push adds a stream to the heap (part of heap.Interface)
func (h *mergeHeap) Push(x interface{}) {
	s := x.(*stream)
	s.index = len(h.streams)
	h.streams = append(h.streams, s)
}

// Pop removes and returns the last stream (part of heap.Interface)
func (h *mergeHeap) Pop() interface{} {
	old := h.streams
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	h.streams = old[:n-1]
	return s
}
