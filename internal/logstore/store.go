package logstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/KilimcininKorOglu/raftnode/internal/logging"
)

// Database file and bucket names.
const (
	dbFilename   = "raft.db"
	snapshotDir  = "snapshots"
	entryBucket  = "entries"
	metaBucket   = "meta"
	openTimeout  = time.Second
	indexKeySize = 8
)

// Meta keys.
var (
	keyHardState = []byte("hard_state")
	keyConfState = []byte("conf_state")
	keySnapshot  = []byte("snapshot")
	keyCompacted = []byte("compacted")
	keyLogSize   = []byte("log_size")
)

// Options configures a Store.
type Options struct {
	// Dir is the log directory. It is created if missing.
	Dir string

	// SaveCompactedLogs archives compacted entries instead of dropping them.
	SaveCompactedLogs bool

	// CompactedLogDir is where archives are written. Defaults to Dir.
	CompactedLogDir string

	// Logger receives compaction and recovery messages.
	Logger logging.Logger
}

// State is the full durable state of a store.
type State struct {
	HardState raftpb.HardState
	ConfState raftpb.ConfState
	Entries   []raftpb.Entry
	Snapshot  *raftpb.Snapshot // nil when no snapshot has been taken
}

// Store is a bbolt backed Raft log with file snapshots.
// It implements go.etcd.io/raft/v3.Storage.
type Store struct {
	dir     string
	db      *bolt.DB
	snaps   *SnapshotStore
	archive *Archive
	logger  logging.Logger

	hardState raftpb.HardState
	confState raftpb.ConfState
	snapshot  raftpb.SnapshotMetadata // latest persisted snapshot
	compacted raftpb.SnapshotMetadata // index/term of the last discarded entry
	lastIndex uint64
	logSize   uint64

	closed bool
	mu     sync.RWMutex
}

var _ etcdraft.Storage = (*Store)(nil)

// Open opens or creates the store in opts.Dir.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("logstore: log directory required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	snaps, err := NewSnapshotStore(filepath.Join(opts.Dir, snapshotDir))
	if err != nil {
		return nil, err
	}

	var archive *Archive
	if opts.SaveCompactedLogs {
		dir := opts.CompactedLogDir
		if dir == "" {
			dir = opts.Dir
		}
		archive, err = NewArchive(ArchiveConfig{Dir: dir, Compress: true})
		if err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(filepath.Join(opts.Dir, dbFilename), 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("logstore: open database: %w", err)
	}

	s := &Store{
		dir:     opts.Dir,
		db:      db,
		snaps:   snaps,
		archive: archive,
		logger:  logger,
	}

	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// recover loads metadata and drops entries left behind by an interrupted
// compaction or snapshot install.
func (s *Store) recover() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		entries, err := tx.CreateBucketIfNotExists([]byte(entryBucket))
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}

		if v := meta.Get(keyHardState); v != nil {
			if err := s.hardState.Unmarshal(v); err != nil {
				return fmt.Errorf("%w: hard state: %v", ErrCorrupted, err)
			}
		}
		if v := meta.Get(keyConfState); v != nil {
			if err := s.confState.Unmarshal(v); err != nil {
				return fmt.Errorf("%w: conf state: %v", ErrCorrupted, err)
			}
		}
		if v := meta.Get(keySnapshot); v != nil {
			if err := s.snapshot.Unmarshal(v); err != nil {
				return fmt.Errorf("%w: snapshot meta: %v", ErrCorrupted, err)
			}
		}
		if v := meta.Get(keyCompacted); v != nil {
			if len(v) != 16 {
				return fmt.Errorf("%w: compacted marker", ErrCorrupted)
			}
			s.compacted.Index = binary.BigEndian.Uint64(v[0:8])
			s.compacted.Term = binary.BigEndian.Uint64(v[8:16])
		}
		if v := meta.Get(keyLogSize); len(v) == 8 {
			s.logSize = binary.BigEndian.Uint64(v)
		}

		// Entries at or below the compaction point are garbage.
		stale := collectKeys(entries, 0, s.compacted.Index)
		if len(stale) > 0 {
			s.logger.Warn("removing stale entries", "count", len(stale), "compacted", s.compacted.Index)
			for _, k := range stale {
				s.logSize -= min(s.logSize, uint64(len(entries.Get(k))))
				if err := entries.Delete(k); err != nil {
					return err
				}
			}
			if err := putUint64(meta, keyLogSize, s.logSize); err != nil {
				return err
			}
		}

		s.lastIndex = s.compacted.Index
		if k, _ := entries.Cursor().Last(); k != nil {
			s.lastIndex = decodeIndex(k)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Dir returns the log directory.
func (s *Store) Dir() string {
	return s.dir
}

// InitialState implements raft.Storage. The configuration state is the one
// recorded with the latest snapshot; later changes are replayed from the log.
func (s *Store) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, s.snapshot.ConfState, nil
}

// ConfState returns the latest applied configuration state.
func (s *Store) ConfState() raftpb.ConfState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confState
}

// HardState returns the persisted hard state.
func (s *Store) HardState() raftpb.HardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState
}

// FirstIndex implements raft.Storage.
func (s *Store) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compacted.Index + 1, nil
}

// LastIndex implements raft.Storage.
func (s *Store) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex, nil
}

// LogSize returns the number of bytes held by persisted entries.
func (s *Store) LogSize() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logSize
}

// SnapshotMeta returns the metadata of the latest snapshot.
func (s *Store) SnapshotMeta() raftpb.SnapshotMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Term implements raft.Storage.
func (s *Store) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	if i == s.compacted.Index {
		return s.compacted.Term, nil
	}
	if i < s.compacted.Index {
		return 0, etcdraft.ErrCompacted
	}
	if i > s.lastIndex {
		return 0, etcdraft.ErrUnavailable
	}
	return s.termLocked(i)
}

// Entries implements raft.Storage. It returns entries in [lo, hi) limited to
// maxSize bytes, always returning at least one entry when any are available.
func (s *Store) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if lo <= s.compacted.Index {
		return nil, etcdraft.ErrCompacted
	}
	if hi > s.lastIndex+1 {
		return nil, etcdraft.ErrUnavailable
	}
	if lo >= hi {
		return nil, nil
	}

	var ents []raftpb.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ents, err = readRange(tx.Bucket([]byte(entryBucket)), lo, hi, maxSize)
		return err
	})
	return ents, err
}

// Snapshot implements raft.Storage.
func (s *Store) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot.Index == 0 {
		return raftpb.Snapshot{}, nil
	}

	data, err := s.snaps.Load(s.snapshot.Index, s.snapshot.Term)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	return raftpb.Snapshot{Data: data, Metadata: s.snapshot}, nil
}

// Append persists entries in one transaction. Entries overlapping the log
// replace its suffix; entries already compacted are skipped.
func (s *Store) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	first := s.compacted.Index + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if entries[0].Index < first {
		entries = entries[first-entries[0].Index:]
	}

	start := entries[0].Index
	if start > s.lastIndex+1 {
		return fmt.Errorf("%w: append at %d, last index %d", ErrLogGap, start, s.lastIndex)
	}
	for i := range entries {
		if entries[i].Index != start+uint64(i) {
			return fmt.Errorf("%w: batch jumps to %d at offset %d", ErrLogGap, entries[i].Index, i)
		}
	}

	logSize := s.logSize
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))

		// Truncate the conflicting suffix.
		for _, k := range collectKeys(b, start, s.lastIndex) {
			logSize -= min(logSize, uint64(len(b.Get(k))))
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		for i := range entries {
			data, err := entries[i].Marshal()
			if err != nil {
				return err
			}
			if err := b.Put(encodeIndex(entries[i].Index), data); err != nil {
				return err
			}
			logSize += uint64(len(data))
		}

		return putUint64(tx.Bucket([]byte(metaBucket)), keyLogSize, logSize)
	})
	if err != nil {
		return err
	}

	s.lastIndex = entries[len(entries)-1].Index
	s.logSize = logSize
	return nil
}

// SetHardState persists the hard state.
func (s *Store) SetHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	data, err := hs.Marshal()
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put(keyHardState, data)
	})
	if err != nil {
		return err
	}
	s.hardState = hs
	return nil
}

// SetConfState persists the configuration state.
func (s *Store) SetConfState(cs raftpb.ConfState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	data, err := cs.Marshal()
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put(keyConfState, data)
	})
	if err != nil {
		return err
	}
	s.confState = cs
	return nil
}

// CreateSnapshot persists a snapshot of the state machine taken at index.
// It does not discard any entries; call Compact for that.
func (s *Store) CreateSnapshot(index uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return raftpb.Snapshot{}, ErrClosed
	}
	if index <= s.snapshot.Index {
		return raftpb.Snapshot{}, etcdraft.ErrSnapOutOfDate
	}
	if index > s.lastIndex {
		return raftpb.Snapshot{}, fmt.Errorf("%w: %d > %d", ErrSnapshotBeyondLog, index, s.lastIndex)
	}

	term, err := s.termLocked(index)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	meta := raftpb.SnapshotMetadata{Index: index, Term: term}
	if cs != nil {
		meta.ConfState = *cs
	} else {
		meta.ConfState = s.confState
	}

	if err := s.snaps.Save(index, term, data); err != nil {
		return raftpb.Snapshot{}, err
	}

	metaData, err := meta.Marshal()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put(keySnapshot, metaData)
	})
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	s.snapshot = meta
	if err := s.snaps.Prune(index, term); err != nil {
		s.logger.Warn("failed to prune old snapshots", "error", err.Error())
	}

	return raftpb.Snapshot{Data: data, Metadata: meta}, nil
}

// Compact discards entries up to and including upTo. Only entries covered by
// the latest persisted snapshot can be discarded.
func (s *Store) Compact(upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if upTo <= s.compacted.Index {
		return nil
	}
	if upTo > s.snapshot.Index {
		return fmt.Errorf("%w: %d > %d", ErrCompactBeyondSnapshot, upTo, s.snapshot.Index)
	}

	term, err := s.termLocked(upTo)
	if err != nil {
		return err
	}

	if s.archive != nil {
		var removed []raftpb.Entry
		err := s.db.View(func(tx *bolt.Tx) error {
			var err error
			removed, err = readRange(tx.Bucket([]byte(entryBucket)), s.compacted.Index+1, upTo+1, 0)
			return err
		})
		if err != nil {
			return err
		}
		file, err := s.archive.Archive(removed)
		if err != nil {
			return err
		}
		if file != nil {
			s.logger.Info("archived compacted entries", "file", file.Name, "count", file.Count)
		}
	}

	logSize := s.logSize
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		for _, k := range collectKeys(b, s.compacted.Index+1, upTo) {
			logSize -= min(logSize, uint64(len(b.Get(k))))
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(metaBucket))
		if err := meta.Put(keyCompacted, encodeCompacted(upTo, term)); err != nil {
			return err
		}
		return putUint64(meta, keyLogSize, logSize)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("compacted log", "from", s.compacted.Index+1, "to", upTo)
	s.compacted = raftpb.SnapshotMetadata{Index: upTo, Term: term}
	s.logSize = logSize
	return nil
}

// ApplySnapshot replaces the log with a snapshot received from the leader.
// Snapshots not newer than the current one are rejected with ErrSnapOutOfDate.
func (s *Store) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	meta := snap.Metadata
	if meta.Index <= s.snapshot.Index || meta.Index <= s.compacted.Index {
		return etcdraft.ErrSnapOutOfDate
	}

	if err := s.snaps.Save(meta.Index, meta.Term, snap.Data); err != nil {
		return err
	}

	metaData, err := meta.Marshal()
	if err != nil {
		return err
	}
	csData, err := meta.ConfState.Marshal()
	if err != nil {
		return err
	}

	var lastIndex uint64
	logSize := s.logSize
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		lastIndex = meta.Index

		// Entries after the snapshot survive only if they agree with it.
		keepFrom := meta.Index + 1
		if v := b.Get(encodeIndex(meta.Index)); v != nil {
			var e raftpb.Entry
			if err := e.Unmarshal(v); err == nil && e.Term != meta.Term {
				keepFrom = ^uint64(0)
			}
		} else {
			keepFrom = ^uint64(0)
		}

		var drop [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			idx := decodeIndex(k)
			if idx >= keepFrom {
				lastIndex = idx
				continue
			}
			logSize -= min(logSize, uint64(len(v)))
			drop = append(drop, append([]byte(nil), k...))
		}
		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		m := tx.Bucket([]byte(metaBucket))
		if err := m.Put(keySnapshot, metaData); err != nil {
			return err
		}
		if err := m.Put(keyConfState, csData); err != nil {
			return err
		}
		if err := m.Put(keyCompacted, encodeCompacted(meta.Index, meta.Term)); err != nil {
			return err
		}
		return putUint64(m, keyLogSize, logSize)
	})
	if err != nil {
		return err
	}

	s.snapshot = meta
	s.compacted = raftpb.SnapshotMetadata{Index: meta.Index, Term: meta.Term}
	s.confState = meta.ConfState
	s.lastIndex = lastIndex
	s.logSize = logSize

	if err := s.snaps.Prune(meta.Index, meta.Term); err != nil {
		s.logger.Warn("failed to prune old snapshots", "error", err.Error())
	}
	return nil
}

// Load returns the complete durable state.
func (s *Store) Load() (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	state := &State{
		HardState: s.hardState,
		ConfState: s.confState,
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		state.Entries, err = readRange(tx.Bucket([]byte(entryBucket)), s.compacted.Index+1, s.lastIndex+1, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.snapshot.Index > 0 {
		data, err := s.snaps.Load(s.snapshot.Index, s.snapshot.Term)
		if err != nil {
			return nil, err
		}
		state.Snapshot = &raftpb.Snapshot{Data: data, Metadata: s.snapshot}
	}

	return state, nil
}

// termLocked returns the term at i. Caller holds s.mu.
func (s *Store) termLocked(i uint64) (uint64, error) {
	if i == s.compacted.Index {
		return s.compacted.Term, nil
	}
	if i < s.compacted.Index {
		return 0, etcdraft.ErrCompacted
	}
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(entryBucket)).Get(encodeIndex(i))
		if v == nil {
			return etcdraft.ErrUnavailable
		}
		var e raftpb.Entry
		if err := e.Unmarshal(v); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrCorrupted, i, err)
		}
		term = e.Term
		return nil
	})
	return term, err
}

// readRange reads entries in [lo, hi). A maxSize of 0 means no limit.
func readRange(b *bolt.Bucket, lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	var (
		ents []raftpb.Entry
		size uint64
	)
	c := b.Cursor()
	expect := lo
	for k, v := c.Seek(encodeIndex(lo)); k != nil; k, v = c.Next() {
		idx := decodeIndex(k)
		if idx >= hi {
			break
		}
		if idx != expect {
			return nil, fmt.Errorf("%w: missing entry %d", ErrCorrupted, expect)
		}
		var e raftpb.Entry
		if err := e.Unmarshal(v); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorrupted, idx, err)
		}
		size += uint64(e.Size())
		if maxSize > 0 && len(ents) > 0 && size > maxSize {
			break
		}
		ents = append(ents, e)
		expect++
	}
	if len(ents) == 0 && lo < hi {
		return nil, etcdraft.ErrUnavailable
	}
	return ents, nil
}

// collectKeys returns copies of the keys in [lo, hi].
func collectKeys(b *bolt.Bucket, lo, hi uint64) [][]byte {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(encodeIndex(lo)); k != nil; k, _ = c.Next() {
		if decodeIndex(k) > hi {
			break
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	return keys
}

func encodeIndex(i uint64) []byte {
	k := make([]byte, indexKeySize)
	binary.BigEndian.PutUint64(k, i)
	return k
}

func decodeIndex(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

func encodeCompacted(index, term uint64) []byte {
	v := make([]byte, 16)
	binary.BigEndian.PutUint64(v[0:8], index)
	binary.BigEndian.PutUint64(v[8:16], term)
	return v
}

func putUint64(b *bolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}
