package raft

// LogEntry is an application command carried in the replicated log.
type LogEntry interface {
	// Encode serializes the entry for proposal.
	Encode() ([]byte, error)
}

// DecodeFunc turns committed entry bytes back into an entry.
type DecodeFunc[E LogEntry] func(data []byte) (E, error)

// StateMachine is the replicated application state.
//
// Apply is called from the node loop for every committed entry, in log
// order, exactly once per node lifetime. On restart the state is rebuilt from
// the latest snapshot followed by the committed suffix of the log.
type StateMachine[E LogEntry] interface {
	// Apply applies a committed entry and returns the result handed back to
	// the proposer.
	Apply(entry E) ([]byte, error)

	// Snapshot serializes the current state.
	Snapshot() ([]byte, error)

	// Restore replaces the current state with a snapshot.
	Restore(data []byte) error
}
