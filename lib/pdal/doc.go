// Package pdal is the partitioned document access layer.
//
// A Store composes the routing table, the retry policy, the write
// coordinator and the cursor pager into a single client-side façade over
// a partitioned document backend:
//
//	store, err := pdal.Open(ctx, backend, pdal.DefaultConfig())
//	if err != nil { ... }
//	defer store.Close()
//
//	res, err := store.Put(ctx, doc)
//	doc, found, err := store.Get(ctx, routingKey, id)
//	page, err := store.Scan(ctx, scan.Request{PageSize: 100})
//
// Every remote call is wrapped in the retry policy; stale routing is
// refreshed transparently on NotOwner answers. Reshard migrates documents
// between partitions with their sequence numbers intact and swaps the
// routing table atomically, so concurrent lookups and live cursors see
// either the old or the new layout, never an intermediate one.
package pdal
