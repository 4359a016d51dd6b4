package logstore

import (
	"errors"
	"testing"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeEntries(first, last, term uint64) []raftpb.Entry {
	var ents []raftpb.Entry
	for i := first; i <= last; i++ {
		ents = append(ents, raftpb.Entry{Index: i, Term: term, Type: raftpb.EntryNormal, Data: []byte{byte(i)}})
	}
	return ents
}

func TestStoreEmpty(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	if first != 1 || last != 0 {
		t.Errorf("empty store: first=%d last=%d, want 1 and 0", first, last)
	}

	hs, cs, err := s.InitialState()
	if err != nil {
		t.Fatalf("InitialState() error = %v", err)
	}
	if !etcdraft.IsEmptyHardState(hs) {
		t.Errorf("expected empty hard state, got %+v", hs)
	}
	if len(cs.Voters) != 0 {
		t.Errorf("expected no voters, got %v", cs.Voters)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !etcdraft.IsEmptySnap(snap) {
		t.Errorf("expected empty snapshot")
	}

	term, err := s.Term(0)
	if err != nil || term != 0 {
		t.Errorf("Term(0) = %d, %v; want 0, nil", term, err)
	}
}

func TestStoreAppendAndReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Append(makeEntries(1, 5, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	hs := raftpb.HardState{Term: 1, Vote: 2, Commit: 4}
	if err := s.SetHardState(hs); err != nil {
		t.Fatalf("SetHardState() error = %v", err)
	}
	cs := raftpb.ConfState{Voters: []uint64{1, 2, 3}}
	if err := s.SetConfState(cs); err != nil {
		t.Fatalf("SetConfState() error = %v", err)
	}
	size := s.LogSize()
	if size == 0 {
		t.Errorf("LogSize() = 0 after append")
	}
	s.Close()

	s = openTestStore(t, dir)

	last, _ := s.LastIndex()
	if last != 5 {
		t.Errorf("LastIndex() = %d, want 5", last)
	}
	if s.LogSize() != size {
		t.Errorf("LogSize() = %d after reopen, want %d", s.LogSize(), size)
	}

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.HardState != hs {
		t.Errorf("HardState = %+v, want %+v", state.HardState, hs)
	}
	if len(state.ConfState.Voters) != 3 {
		t.Errorf("ConfState voters = %v, want 3", state.ConfState.Voters)
	}
	if len(state.Entries) != 5 {
		t.Fatalf("loaded %d entries, want 5", len(state.Entries))
	}
	for i, e := range state.Entries {
		if e.Index != uint64(i+1) || e.Data[0] != byte(i+1) {
			t.Errorf("entry %d = %+v", i, e)
		}
	}
	if state.Snapshot != nil {
		t.Errorf("expected no snapshot")
	}
}

func TestStoreAppendOverwritesSuffix(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if err := s.Append(makeEntries(1, 5, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(makeEntries(3, 4, 2)); err != nil {
		t.Fatalf("Append() overwrite error = %v", err)
	}

	last, _ := s.LastIndex()
	if last != 4 {
		t.Errorf("LastIndex() = %d, want 4", last)
	}

	ents, err := s.Entries(1, 5, 0)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	wantTerms := []uint64{1, 1, 2, 2}
	for i, e := range ents {
		if e.Term != wantTerms[i] {
			t.Errorf("entry %d term = %d, want %d", e.Index, e.Term, wantTerms[i])
		}
	}

	if _, err := s.Entries(1, 6, 0); !errors.Is(err, etcdraft.ErrUnavailable) {
		t.Errorf("Entries past last: error = %v, want ErrUnavailable", err)
	}
}

func TestStoreAppendRejectsGap(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if err := s.Append(makeEntries(1, 3, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(makeEntries(5, 6, 1)); !errors.Is(err, ErrLogGap) {
		t.Errorf("Append() gap error = %v, want ErrLogGap", err)
	}

	broken := []raftpb.Entry{{Index: 4, Term: 1}, {Index: 6, Term: 1}}
	if err := s.Append(broken); !errors.Is(err, ErrLogGap) {
		t.Errorf("Append() non-contiguous error = %v, want ErrLogGap", err)
	}

	last, _ := s.LastIndex()
	if last != 3 {
		t.Errorf("LastIndex() = %d after rejected appends, want 3", last)
	}
}

func TestStoreEntriesMaxSize(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if err := s.Append(makeEntries(1, 10, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	ents, err := s.Entries(1, 11, 1)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(ents) != 1 {
		t.Errorf("Entries() with tiny limit returned %d entries, want 1", len(ents))
	}

	one := uint64((&raftpb.Entry{Index: 1, Term: 1, Data: []byte{1}}).Size())
	ents, err = s.Entries(1, 11, one*3)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(ents) != 3 {
		t.Errorf("Entries() returned %d entries, want 3", len(ents))
	}
}

func TestStoreSnapshotAndCompact(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Append(makeEntries(1, 10, 2)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := s.Compact(5); !errors.Is(err, ErrCompactBeyondSnapshot) {
		t.Errorf("Compact() without snapshot error = %v, want ErrCompactBeyondSnapshot", err)
	}

	cs := raftpb.ConfState{Voters: []uint64{1}}
	snap, err := s.CreateSnapshot(6, &cs, []byte("state"))
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if snap.Metadata.Index != 6 || snap.Metadata.Term != 2 {
		t.Errorf("snapshot metadata = %+v", snap.Metadata)
	}

	if _, err := s.CreateSnapshot(6, &cs, nil); !errors.Is(err, etcdraft.ErrSnapOutOfDate) {
		t.Errorf("CreateSnapshot() same index error = %v, want ErrSnapOutOfDate", err)
	}
	if _, err := s.CreateSnapshot(11, &cs, nil); !errors.Is(err, ErrSnapshotBeyondLog) {
		t.Errorf("CreateSnapshot() past log error = %v, want ErrSnapshotBeyondLog", err)
	}

	before := s.LogSize()
	if err := s.Compact(6); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if s.LogSize() >= before {
		t.Errorf("LogSize() did not shrink: %d >= %d", s.LogSize(), before)
	}

	first, _ := s.FirstIndex()
	if first != 7 {
		t.Errorf("FirstIndex() = %d, want 7", first)
	}
	if _, err := s.Entries(5, 8, 0); !errors.Is(err, etcdraft.ErrCompacted) {
		t.Errorf("Entries() compacted error = %v, want ErrCompacted", err)
	}
	if term, err := s.Term(6); err != nil || term != 2 {
		t.Errorf("Term(6) = %d, %v; want 2, nil", term, err)
	}
	if _, err := s.Term(3); !errors.Is(err, etcdraft.ErrCompacted) {
		t.Errorf("Term(3) error = %v, want ErrCompacted", err)
	}

	// Compacting again at or below the point is a no-op.
	if err := s.Compact(4); err != nil {
		t.Errorf("Compact() below point error = %v", err)
	}
	s.Close()

	s = openTestStore(t, dir)
	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.Snapshot == nil || string(state.Snapshot.Data) != "state" {
		t.Fatalf("snapshot not restored: %+v", state.Snapshot)
	}
	if len(state.Entries) != 4 || state.Entries[0].Index != 7 {
		t.Errorf("entries after reopen = %d starting at %d", len(state.Entries), state.Entries[0].Index)
	}
}

func TestStoreCompactArchives(t *testing.T) {
	dir := t.TempDir()
	archiveDir := t.TempDir()
	s, err := Open(Options{Dir: dir, SaveCompactedLogs: true, CompactedLogDir: archiveDir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.Append(makeEntries(1, 8, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.CreateSnapshot(5, nil, []byte("x")); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if err := s.Compact(5); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	archive, err := NewArchive(ArchiveConfig{Dir: archiveDir})
	if err != nil {
		t.Fatalf("NewArchive() error = %v", err)
	}
	files, err := archive.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 archive file, got %d", len(files))
	}
	if files[0].FirstIndex != 1 || files[0].LastIndex != 5 {
		t.Errorf("archive range = %d-%d, want 1-5", files[0].FirstIndex, files[0].LastIndex)
	}

	archived, err := ReadArchiveFile(files[0].Path)
	if err != nil {
		t.Fatalf("ReadArchiveFile() error = %v", err)
	}
	if len(archived) != 5 {
		t.Errorf("archived %d entries, want 5", len(archived))
	}
}

func TestStoreApplySnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Append(makeEntries(1, 3, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	snap := raftpb.Snapshot{
		Data: []byte("remote"),
		Metadata: raftpb.SnapshotMetadata{
			Index:     20,
			Term:      3,
			ConfState: raftpb.ConfState{Voters: []uint64{1, 2}},
		},
	}
	if err := s.ApplySnapshot(snap); err != nil {
		t.Fatalf("ApplySnapshot() error = %v", err)
	}

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	if first != 21 || last != 20 {
		t.Errorf("after snapshot first=%d last=%d, want 21 and 20", first, last)
	}
	if s.LogSize() != 0 {
		t.Errorf("LogSize() = %d, want 0", s.LogSize())
	}
	_, cs, _ := s.InitialState()
	if len(cs.Voters) != 2 {
		t.Errorf("ConfState voters = %v, want [1 2]", cs.Voters)
	}

	stale := snap
	stale.Metadata.Index = 10
	if err := s.ApplySnapshot(stale); !errors.Is(err, etcdraft.ErrSnapOutOfDate) {
		t.Errorf("ApplySnapshot() stale error = %v, want ErrSnapOutOfDate", err)
	}

	if err := s.Append(makeEntries(21, 22, 3)); err != nil {
		t.Fatalf("Append() after snapshot error = %v", err)
	}
	s.Close()

	s = openTestStore(t, dir)
	got, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got.Metadata.Index != 20 || string(got.Data) != "remote" {
		t.Errorf("Snapshot() = %+v", got.Metadata)
	}
	last, _ = s.LastIndex()
	if last != 22 {
		t.Errorf("LastIndex() = %d after reopen, want 22", last)
	}
}

func TestStoreAppendSkipsCompacted(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if err := s.Append(makeEntries(1, 6, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.CreateSnapshot(4, nil, nil); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if err := s.Compact(4); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	if err := s.Append(makeEntries(3, 7, 1)); err != nil {
		t.Fatalf("Append() overlapping compaction error = %v", err)
	}
	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	if first != 5 || last != 7 {
		t.Errorf("first=%d last=%d, want 5 and 7", first, last)
	}
}

func TestStoreClosed(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Close()

	if err := s.Append(makeEntries(1, 1, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
