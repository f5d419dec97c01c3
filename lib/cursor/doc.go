// Package cursor defines the opaque, resumable position tokens used by
// paginated scans, together with pluggable codecs for their wire form.
//
// A cursor is a tagged position, not an index: it records, per partition,
// the (sequence, id) pair of the last document the caller has seen. This
// is what makes pagination stable under concurrent inserts — an insertion
// can never shift positions the way it shifts offsets, so resumed scans
// neither re-emit nor skip documents (see the scan package for the
// guarantees).
//
// Tokens are stateless on the server side by design: there is no cursor
// registry and no cursor timeout. Everything needed to resume travels
// inside the token, including the routing generation it was issued under.
//
// Two codecs are provided: a compact flag-based binary format (the
// default) and JSON (readable, for debugging). Both reject input they
// cannot parse with a cursor-expired error rather than guessing.
package cursor
