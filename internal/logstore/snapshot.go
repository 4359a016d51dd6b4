package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// snapshotHeaderSize is the size of the snapshot file header.
// Format: [index:8][term:8][dataLen:8]
const snapshotHeaderSize = 24

// SnapshotMeta describes a snapshot file without its payload.
type SnapshotMeta struct {
	Index uint64
	Term  uint64
	Size  int64
}

// SnapshotStore manages snapshot files keyed by last-included index and term.
type SnapshotStore struct {
	dir string
	mu  sync.RWMutex
}

// NewSnapshotStore creates a snapshot store rooted at dir.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &SnapshotStore{dir: dir}, nil
}

// Dir returns the snapshot directory.
func (s *SnapshotStore) Dir() string {
	return s.dir
}

// snapshotFilename returns the filename for a snapshot.
func (s *SnapshotStore) snapshotFilename(index, term uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot-%d-%d.snap", index, term))
}

// Save writes a snapshot payload and syncs it to disk. The file is written
// under a temporary name and renamed, so a reader never sees a partial file.
func (s *SnapshotStore) Save(index, term uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := s.snapshotFilename(index, term)
	tmp := filename + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	header := make([]byte, snapshotHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], index)
	binary.LittleEndian.PutUint64(header[8:16], term)
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(data)))

	if _, err := f.Write(header); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, filename)
}

// Load reads the payload of the snapshot at index/term.
func (s *SnapshotStore) Load(index, term uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.snapshotFilename(index, term))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	defer f.Close()

	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, ErrCorrupted
	}

	if binary.LittleEndian.Uint64(header[0:8]) != index ||
		binary.LittleEndian.Uint64(header[8:16]) != term {
		return nil, ErrCorrupted
	}

	dataLen := binary.LittleEndian.Uint64(header[16:24])
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, ErrCorrupted
	}

	return data, nil
}

// List returns the metadata of all snapshot files, oldest first.
func (s *SnapshotStore) List() ([]SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list()
}

func (s *SnapshotStore) list() ([]SnapshotMeta, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var metas []SnapshotMeta
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".snap") {
			continue
		}
		var meta SnapshotMeta
		if _, err := fmt.Sscanf(name, "snapshot-%d-%d.snap", &meta.Index, &meta.Term); err != nil {
			continue
		}
		if info, err := de.Info(); err == nil {
			meta.Size = info.Size() - snapshotHeaderSize
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Index < metas[j].Index
	})
	return metas, nil
}

// Prune removes every snapshot file except the one at index/term.
func (s *SnapshotStore) Prune(index, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.list()
	if err != nil {
		return err
	}

	for _, meta := range metas {
		if meta.Index == index && meta.Term == term {
			continue
		}
		if err := os.Remove(s.snapshotFilename(meta.Index, meta.Term)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
