// Package lsm implements an embedded log-structured-merge storage core.
//
// Writes land in an AVL-balanced memtable; full generations flush to
// immutable sorted files with a sparse key index and a per-file
// existence filter; compaction k-way merges files, keeping the newest
// version of each key and reclaiming tombstones once a merge covers the
// whole registry.
//
// Disk layout: one storage directory per store, one "sst-%08d.sst" file
// per flush or compaction output. File ids encode recency order, and a
// file is only trusted if its footer (written last) validates. The
// footer is the commit marker, so crashed writes are ignored on startup
// rather than repaired.
package lsm
