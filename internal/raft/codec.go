package raft

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	proposalVersion uint8 = 1
	confCtxVersion  uint8 = 1
	snapshotVersion uint8 = 1
)

// peerMinSize is the encoded size of a peer with an empty address.
const peerMinSize = 8 + 2 + 1

var (
	errUnknownVersion = errors.New("unknown envelope version")
	errTooLong        = errors.New("field too long")
	errTruncated      = errors.New("length exceeds remaining data")
)

// proposal wraps application data with the proposer identity so the
// proposing node can route the apply result back to its caller.
type proposal struct {
	Origin uint64
	Seq    uint64
	Data   []byte
}

func (p *proposal) encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(proposalVersion)
	if err := binary.Write(&buf, binary.LittleEndian, p.Origin); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, p.Seq); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, p.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeProposal(data []byte) (*proposal, error) {
	r := bytes.NewReader(data)
	if err := readVersion(r, proposalVersion); err != nil {
		return nil, err
	}
	p := &proposal{}
	if err := binary.Read(r, binary.LittleEndian, &p.Origin); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &p.Seq); err != nil {
		return nil, err
	}
	var err error
	if p.Data, err = readBytes(r); err != nil {
		return nil, err
	}
	return p, nil
}

// confContext is the context of a conf change entry. Addrs is parallel to
// the changes of the entry.
type confContext struct {
	Origin uint64
	Seq    uint64
	Addrs  []string
}

func (c *confContext) encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(confCtxVersion)
	if err := binary.Write(&buf, binary.LittleEndian, c.Origin); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, c.Seq); err != nil {
		return nil, err
	}
	if len(c.Addrs) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d addresses", errTooLong, len(c.Addrs))
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(c.Addrs))); err != nil {
		return nil, err
	}
	for _, addr := range c.Addrs {
		if err := writeString(&buf, addr); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeConfContext(data []byte) (*confContext, error) {
	c := &confContext{}
	if len(data) == 0 {
		return c, nil
	}
	r := bytes.NewReader(data)
	if err := readVersion(r, confCtxVersion); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Origin); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Seq); err != nil {
		return nil, err
	}
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int(n)*2 > r.Len() {
		return nil, fmt.Errorf("%w: %d addresses", errTruncated, n)
	}
	c.Addrs = make([]string, n)
	for i := range c.Addrs {
		addr, err := readString(r)
		if err != nil {
			return nil, err
		}
		c.Addrs[i] = addr
	}
	return c, nil
}

// encodeSnapshot packs the membership and the state machine payload.
func encodeSnapshot(peers []Peer, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(snapshotVersion)
	if uint64(len(peers)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d peers", errTooLong, len(peers))
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(peers))); err != nil {
		return nil, err
	}
	for _, p := range peers {
		if err := binary.Write(&buf, binary.LittleEndian, p.ID); err != nil {
			return nil, err
		}
		if err := writeString(&buf, p.Addr); err != nil {
			return nil, err
		}
		buf.WriteByte(byte(p.Role))
	}
	if err := writeBytes(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(raw []byte) ([]Peer, []byte, error) {
	r := bytes.NewReader(raw)
	if err := readVersion(r, snapshotVersion); err != nil {
		return nil, nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}
	if uint64(n)*peerMinSize > uint64(r.Len()) {
		return nil, nil, fmt.Errorf("%w: %d peers", errTruncated, n)
	}
	peers := make([]Peer, 0, n)
	for i := uint32(0); i < n; i++ {
		var p Peer
		if err := binary.Read(r, binary.LittleEndian, &p.ID); err != nil {
			return nil, nil, err
		}
		addr, err := readString(r)
		if err != nil {
			return nil, nil, err
		}
		p.Addr = addr
		role, err := r.ReadByte()
		if err != nil {
			return nil, nil, err
		}
		p.Role = Role(role)
		peers = append(peers, p)
	}
	data, err := readBytes(r)
	if err != nil {
		return nil, nil, err
	}
	return peers, data, nil
}

func readVersion(r io.ByteReader, want uint8) error {
	v, err := r.ReadByte()
	if err != nil {
		return err
	}
	if v != want {
		return fmt.Errorf("%w: %d", errUnknownVersion, v)
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: string of %d bytes", errTooLong, len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("%w: string of %d bytes", errTruncated, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func writeBytes(w io.Writer, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", errTooLong, len(data))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := w.Write(data)
		return err
	}
	return nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if uint64(length) > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d bytes", errTruncated, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
