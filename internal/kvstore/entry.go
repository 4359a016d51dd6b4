package kvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Operation types.
const (
	OpSet uint8 = iota + 1
	OpDelete
)

// Errors returned by the store.
var (
	ErrEntryCorrupted = errors.New("kvstore: entry corrupted")
	ErrUnknownOp      = errors.New("kvstore: unknown operation")
	ErrEmptyKey       = errors.New("kvstore: empty key")
)

// Entry is one write to the store.
type Entry struct {
	Op    uint8
	Key   string
	Value string
}

// Set returns an entry storing value under key.
func Set(key, value string) *Entry {
	return &Entry{Op: OpSet, Key: key, Value: value}
}

// Delete returns an entry removing key.
func Delete(key string) *Entry {
	return &Entry{Op: OpDelete, Key: key}
}

// Encode encodes the entry to bytes.
func (e *Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(e.Op)
	if err := writeString(&buf, e.Key); err != nil {
		return nil, err
	}
	if err := writeString(&buf, e.Value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEntry decodes an entry produced by Encode.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < 1 {
		return nil, ErrEntryCorrupted
	}

	r := bytes.NewReader(data)
	e := &Entry{}
	var err error
	if e.Op, err = r.ReadByte(); err != nil {
		return nil, ErrEntryCorrupted
	}
	if e.Key, err = readString(r); err != nil {
		return nil, ErrEntryCorrupted
	}
	if e.Value, err = readString(r); err != nil {
		return nil, ErrEntryCorrupted
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrEntryCorrupted, r.Len())
	}
	return e, nil
}

func writeString(w io.Writer, s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return fmt.Errorf("kvstore: string of %d bytes too long", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if uint64(length) > uint64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}
