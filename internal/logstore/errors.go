package logstore

import "errors"

// Storage errors.
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("logstore: store closed")

	// ErrLogGap is returned when appended entries would leave a hole in the log.
	ErrLogGap = errors.New("logstore: entries are not contiguous with the log")

	// ErrCompactBeyondSnapshot is returned when compaction would discard
	// entries that are not yet covered by a persisted snapshot.
	ErrCompactBeyondSnapshot = errors.New("logstore: compaction index beyond snapshot")

	// ErrSnapshotBeyondLog is returned when a snapshot is requested for an
	// index that has not been appended.
	ErrSnapshotBeyondLog = errors.New("logstore: snapshot index beyond last index")

	// ErrSnapshotNotFound is returned when a snapshot file is missing.
	ErrSnapshotNotFound = errors.New("logstore: snapshot not found")

	// ErrCorrupted is returned when persisted data cannot be decoded.
	ErrCorrupted = errors.New("logstore: corrupted data")
)
