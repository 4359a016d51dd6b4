package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KilimcininKorOglu/raftnode/internal/raft"
)

// joinStateFile records what a dynamically joined node was handed by the
// cluster, so a restart reuses the id and can reach its peers even while its
// own log is still empty.
const joinStateFile = "join.json"

type joinState struct {
	ID    uint64      `json:"id"`
	Peers []raft.Peer `json:"peers"`
}

// readJoinState returns the stored state, or nil when the node never joined.
func readJoinState(dir string) (*joinState, error) {
	data, err := os.ReadFile(filepath.Join(dir, joinStateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st joinState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupted %s in %s: %w", joinStateFile, dir, err)
	}
	if st.ID == 0 || len(st.Peers) == 0 {
		return nil, fmt.Errorf("corrupted %s in %s: missing id or peers", joinStateFile, dir)
	}
	return &st, nil
}

// writeJoinState stores st atomically.
func writeJoinState(dir string, st *joinState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, joinStateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, joinStateFile))
}
