// Package scan implements cursor-based pagination over partitioned
// document logs.
//
// A scan walks one or more partitions in (sequence, id) order and returns
// documents in pages. Between pages the position lives entirely in an
// opaque cursor token, so a scan survives process restarts and can be
// resumed by any client holding the token. Resumption is strictly-after:
// re-issuing a token never repeats a document the previous page already
// returned.
//
// Two emission modes exist. The default walks partitions one after
// another and only guarantees order within each partition. Merge mode
// heap-merges all partitions into a single globally ordered stream at the
// cost of a fetch per partition per page.
//
// When the partition layout changes underneath a live cursor, the pager
// remaps its per-partition positions through the routing table's reshard
// lineage. Split partitions resume seamlessly; a cursor whose positions
// cannot be mapped onto the new layout fails with a CursorExpired error
// and the caller restarts the scan.
package scan
