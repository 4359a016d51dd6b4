package logstore

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.etcd.io/raft/v3/raftpb"
)

// ArchiveConfig holds configuration for compacted log archiving.
type ArchiveConfig struct {
	Dir      string // Directory for archive files
	Compress bool   // Compress archive files with gzip
}

// Archive writes compacted log entries to a separate directory for audit and
// diagnostics. Archived entries are never read back during normal operation.
type Archive struct {
	config ArchiveConfig
	mu     sync.Mutex
}

// ArchiveFile describes a single archive file.
type ArchiveFile struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	FirstIndex uint64 `json:"first_index"`
	LastIndex  uint64 `json:"last_index"`
	Count      int    `json:"count"`
	Compressed bool   `json:"compressed"`
}

// ArchivedEntry is the JSON line written for each compacted entry.
type ArchivedEntry struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Type  string `json:"type"`
	Data  []byte `json:"data,omitempty"`
}

// NewArchive creates an archive writer, creating the directory if needed.
func NewArchive(config ArchiveConfig) (*Archive, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("archive directory required")
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archive{config: config}, nil
}

// Archive writes entries to a new archive file named after their index range.
func (a *Archive) Archive(entries []raftpb.Entry) (*ArchiveFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}

	first := entries[0].Index
	last := entries[len(entries)-1].Index

	// compacted-<first>-<last>.jsonl[.gz], zero padded so names sort by index
	filename := fmt.Sprintf("compacted-%020d-%020d.jsonl", first, last)
	if a.config.Compress {
		filename += ".gz"
	}

	filePath := filepath.Join(a.config.Dir, filename)

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}
	defer file.Close()

	var writer io.Writer = file
	var gzWriter *gzip.Writer
	if a.config.Compress {
		gzWriter = gzip.NewWriter(file)
		writer = gzWriter
	}

	bw := bufio.NewWriter(writer)
	encoder := json.NewEncoder(bw)
	for _, entry := range entries {
		rec := ArchivedEntry{
			Index: entry.Index,
			Term:  entry.Term,
			Type:  entry.Type.String(),
			Data:  entry.Data,
		}
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush archive: %w", err)
	}
	if gzWriter != nil {
		if err := gzWriter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync archive: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	return &ArchiveFile{
		Name:       filename,
		Path:       filePath,
		Size:       info.Size(),
		FirstIndex: first,
		LastIndex:  last,
		Count:      len(entries),
		Compressed: a.config.Compress,
	}, nil
}

// List returns all archive files, ordered by first index.
func (a *Archive) List() ([]ArchiveFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dirEntries, err := os.ReadDir(a.config.Dir)
	if err != nil {
		return nil, err
	}

	var files []ArchiveFile
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "compacted-") {
			continue
		}
		var af ArchiveFile
		if _, err := fmt.Sscanf(name, "compacted-%d-%d.jsonl", &af.FirstIndex, &af.LastIndex); err != nil {
			continue
		}
		af.Name = name
		af.Path = filepath.Join(a.config.Dir, name)
		af.Compressed = strings.HasSuffix(name, ".gz")
		if info, err := de.Info(); err == nil {
			af.Size = info.Size()
		}
		af.Count = int(af.LastIndex - af.FirstIndex + 1)
		files = append(files, af)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].FirstIndex < files[j].FirstIndex
	})
	return files, nil
}

// ReadArchiveFile decodes an archive file. It exists for audit tooling and tests.
func ReadArchiveFile(path string) ([]ArchivedEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	var entries []ArchivedEntry
	decoder := json.NewDecoder(reader)
	for decoder.More() {
		var entry ArchivedEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
