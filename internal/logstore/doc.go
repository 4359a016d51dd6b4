// Package logstore provides durable Raft log and snapshot storage.
//
// # Overview
//
// A Store keeps everything a Raft node needs to resume after a restart:
//
//   - the hard state (term, vote, commit)
//   - the latest configuration state
//   - the log entries after the last compaction point
//   - the latest snapshot, kept as a file keyed by index and term
//
// Log entries and metadata live in a single bbolt database (raft.db) under
// the log directory. Every Append is one bbolt transaction, so a batch is
// either fully durable or absent after a crash.
//
// # Layout
//
//	<logDir>/raft.db                          entries + meta buckets
//	<logDir>/snapshots/snapshot-<i>-<t>.snap  snapshot payloads
//	<compactedLogDir>/compacted-<a>-<b>.jsonl.gz  archived entries (optional)
//
// # Compaction
//
// Compaction only removes entries already covered by a persisted snapshot:
//
//	if _, err := store.CreateSnapshot(applied, &confState, data); err != nil {
//	    return err
//	}
//	if err := store.Compact(applied); err != nil {
//	    return err
//	}
//
// When archiving is enabled the removed entries are written to the compacted
// log directory first. Archives are never read back by the store.
//
// # Algorithm Storage
//
// Store implements the read interface of go.etcd.io/raft/v3 (raft.Storage),
// so it can be handed to raft.Config directly.
package logstore
