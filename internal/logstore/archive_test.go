package logstore

import (
	"strings"
	"testing"

	"go.etcd.io/raft/v3/raftpb"
)

func TestArchiveWriteAndRead(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			a, err := NewArchive(ArchiveConfig{Dir: t.TempDir(), Compress: compress})
			if err != nil {
				t.Fatalf("NewArchive() error = %v", err)
			}

			entries := []raftpb.Entry{
				{Index: 4, Term: 1, Type: raftpb.EntryNormal, Data: []byte("a")},
				{Index: 5, Term: 1, Type: raftpb.EntryConfChange, Data: []byte("b")},
			}
			file, err := a.Archive(entries)
			if err != nil {
				t.Fatalf("Archive() error = %v", err)
			}
			if file.Compressed != compress || strings.HasSuffix(file.Name, ".gz") != compress {
				t.Errorf("file = %+v", file)
			}
			if file.Count != 2 || file.FirstIndex != 4 || file.LastIndex != 5 {
				t.Errorf("file range = %+v", file)
			}

			got, err := ReadArchiveFile(file.Path)
			if err != nil {
				t.Fatalf("ReadArchiveFile() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("read %d entries, want 2", len(got))
			}
			if got[1].Type != "EntryConfChange" || string(got[1].Data) != "b" {
				t.Errorf("entry = %+v", got[1])
			}

			files, err := a.List()
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(files) != 1 || files[0].Name != file.Name {
				t.Errorf("List() = %+v", files)
			}
		})
	}
}

func TestArchiveEmpty(t *testing.T) {
	a, err := NewArchive(ArchiveConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewArchive() error = %v", err)
	}
	file, err := a.Archive(nil)
	if err != nil || file != nil {
		t.Errorf("Archive(nil) = %v, %v; want nil, nil", file, err)
	}
	if _, err := NewArchive(ArchiveConfig{}); err == nil {
		t.Error("expected error for empty directory")
	}
}
