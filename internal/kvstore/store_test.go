package kvstore

import (
	"errors"
	"testing"
)

func TestEntryEncoding(t *testing.T) {
	tests := []struct {
		name  string
		entry *Entry
	}{
		{"set", Set("color", "blue")},
		{"set empty value", Set("color", "")},
		{"delete", Delete("color")},
		{"unicode", Set("ключ", "значение")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.entry.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := DecodeEntry(data)
			if err != nil {
				t.Fatalf("DecodeEntry failed: %v", err)
			}
			if *got != *tt.entry {
				t.Errorf("got %+v, want %+v", got, tt.entry)
			}
		})
	}
}

func TestDecodeEntryCorrupted(t *testing.T) {
	data, _ := Set("key", "value").Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", data[:len(data)-2]},
		{"trailing", append(append([]byte{}, data...), 0xFF)},
		{"oversized key length", []byte{OpSet, 0xFF, 0xFF, 0xFF, 0xFF, 'k'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEntry(tt.data); !errors.Is(err, ErrEntryCorrupted) {
				t.Errorf("expected ErrEntryCorrupted, got %v", err)
			}
		})
	}
}

func TestHashStoreApply(t *testing.T) {
	s := New()

	result, err := s.Apply(Set("a", "1"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if string(result) != "1" {
		t.Errorf("expected result 1, got %q", result)
	}

	if v, ok := s.Get("a"); !ok || v != "1" {
		t.Errorf("Get(a) = %q, %v", v, ok)
	}

	result, err = s.Apply(Delete("a"))
	if err != nil {
		t.Fatalf("Apply delete failed: %v", err)
	}
	if string(result) != "1" {
		t.Errorf("expected removed value 1, got %q", result)
	}
	if _, ok := s.Get("a"); ok {
		t.Error("key should be deleted")
	}
}

func TestHashStoreApplyErrors(t *testing.T) {
	s := New()

	if _, err := s.Apply(Set("", "x")); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
	if _, err := s.Apply(&Entry{Op: 99, Key: "k"}); !errors.Is(err, ErrUnknownOp) {
		t.Errorf("expected ErrUnknownOp, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("failed entries must not change the store, len=%d", s.Len())
	}
}

func TestHashStoreSnapshotRestore(t *testing.T) {
	s := New()
	s.Apply(Set("b", "2"))
	s.Apply(Set("a", "1"))

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := New()
	restored.Apply(Set("stale", "x"))
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	keys := restored.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("unexpected keys after restore: %v", keys)
	}

	if err := restored.Restore(nil); err != nil {
		t.Fatalf("Restore(nil) failed: %v", err)
	}
	if restored.Len() != 0 {
		t.Errorf("expected empty store, got %d keys", restored.Len())
	}

	if err := restored.Restore([]byte("{not json")); err == nil {
		t.Error("expected error for invalid snapshot")
	}
}
