// Package routing maps routing keys to partitions.
//
// The core type is Table: an immutable partition layout behind a single
// atomic reference. Reads (Resolve, ResolveRange, Successors) load the
// current snapshot once and never block; mutations (ApplyReshard, Reload)
// build a complete new generation and swap it in. This gives the reshard
// atomicity guarantee the library depends on: a resolve concurrent with a
// reshard observes either the old or the new generation, never a layout
// with a gap or an overlap.
//
// Every reshard records lineage from the retired partitions to their
// successors. Cursors carry the partition IDs they were issued against;
// when such a partition disappears, the pager uses Table.Successors to
// remap the cursor instead of silently skipping data.
package routing
