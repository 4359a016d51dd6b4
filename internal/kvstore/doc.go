// Package kvstore is an example replicated key-value state machine.
//
// HashStore keeps string keys and values in memory. Writes are log entries
// replicated through a raft.Node; reads are served from the local copy:
//
//	result, err := node.Propose(ctx, kvstore.Set("color", "blue"))
//
//	store, _ := node.Store(ctx)
//	value, ok := store.Get("color")
//
// Snapshots are the whole map encoded as JSON.
package kvstore
