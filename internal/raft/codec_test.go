package raft

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestProposalEncoding(t *testing.T) {
	tests := []struct {
		name string
		p    proposal
	}{
		{"with data", proposal{Origin: 3, Seq: 1 << 40, Data: []byte("payload")}},
		{"empty data", proposal{Origin: 1, Seq: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.p.encode()
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			got, err := decodeProposal(data)
			if err != nil {
				t.Fatalf("decodeProposal failed: %v", err)
			}
			if got.Origin != tt.p.Origin || got.Seq != tt.p.Seq || !bytes.Equal(got.Data, tt.p.Data) {
				t.Errorf("got %+v, want %+v", got, tt.p)
			}
		})
	}
}

func TestDecodeProposalCorrupted(t *testing.T) {
	data, _ := (&proposal{Origin: 1, Seq: 2, Data: []byte("x")}).encode()

	if _, err := decodeProposal(data[:5]); err == nil {
		t.Error("expected error for truncated proposal")
	}

	bad := append([]byte{}, data...)
	bad[0] = 42
	if _, err := decodeProposal(bad); !errors.Is(err, errUnknownVersion) {
		t.Errorf("expected errUnknownVersion, got %v", err)
	}
}

func TestConfContextEncoding(t *testing.T) {
	ctx := confContext{Origin: 2, Seq: 99, Addrs: []string{"a:1", "", "c:3"}}
	data, err := ctx.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := decodeConfContext(data)
	if err != nil {
		t.Fatalf("decodeConfContext failed: %v", err)
	}
	if !reflect.DeepEqual(*got, ctx) {
		t.Errorf("got %+v, want %+v", got, ctx)
	}
}

func TestDecodeConfContextEmpty(t *testing.T) {
	got, err := decodeConfContext(nil)
	if err != nil {
		t.Fatalf("decodeConfContext failed: %v", err)
	}
	if got.Origin != 0 || len(got.Addrs) != 0 {
		t.Errorf("expected empty context, got %+v", got)
	}
}

func TestSnapshotEncoding(t *testing.T) {
	peers := []Peer{
		{ID: 1, Addr: "a:1", Role: RoleVoter},
		{ID: 4, Addr: "d:1", Role: RoleLearner},
	}
	data := []byte(`{"k":"v"}`)

	raw, err := encodeSnapshot(peers, data)
	if err != nil {
		t.Fatalf("encodeSnapshot failed: %v", err)
	}

	gotPeers, gotData, err := decodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decodeSnapshot failed: %v", err)
	}
	if !reflect.DeepEqual(gotPeers, peers) {
		t.Errorf("peers = %+v, want %+v", gotPeers, peers)
	}
	if !bytes.Equal(gotData, data) {
		t.Errorf("data = %q, want %q", gotData, data)
	}

	if _, _, err := decodeSnapshot(raw[:len(raw)-3]); err == nil {
		t.Error("expected error for truncated snapshot")
	}
}

func TestDecodeRejectsOversizedLengths(t *testing.T) {
	huge := func(prefix []byte, length []byte) []byte {
		return append(append([]byte{}, prefix...), length...)
	}
	ids := make([]byte, 16) // origin and seq

	tests := []struct {
		name   string
		decode func() error
	}{
		{"proposal data", func() error {
			_, err := decodeProposal(huge(append([]byte{proposalVersion}, ids...), []byte{0xff, 0xff, 0xff, 0xff}))
			return err
		}},
		{"conf context addresses", func() error {
			_, err := decodeConfContext(huge(append([]byte{confCtxVersion}, ids...), []byte{0xff, 0xff}))
			return err
		}},
		{"conf context address length", func() error {
			_, err := decodeConfContext(huge(append([]byte{confCtxVersion}, ids...), []byte{1, 0, 0xff, 0xff}))
			return err
		}},
		{"snapshot peers", func() error {
			_, _, err := decodeSnapshot([]byte{snapshotVersion, 0xff, 0xff, 0xff, 0xff})
			return err
		}},
		{"snapshot data", func() error {
			_, _, err := decodeSnapshot([]byte{snapshotVersion, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0x7f})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.decode(); !errors.Is(err, errTruncated) {
				t.Errorf("expected errTruncated, got %v", err)
			}
		})
	}
}

func TestEncodeRejectsLongAddress(t *testing.T) {
	long := strings.Repeat("a", 1<<16)

	if _, err := (&confContext{Addrs: []string{long}}).encode(); !errors.Is(err, errTooLong) {
		t.Errorf("conf context: expected errTooLong, got %v", err)
	}
	if _, err := encodeSnapshot([]Peer{{ID: 1, Addr: long}}, nil); !errors.Is(err, errTooLong) {
		t.Errorf("snapshot: expected errTooLong, got %v", err)
	}

	// The longest representable address still round trips.
	longest := strings.Repeat("b", 1<<16-1)
	data, err := (&confContext{Addrs: []string{longest}}).encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := decodeConfContext(data)
	if err != nil || len(got.Addrs) != 1 || got.Addrs[0] != longest {
		t.Errorf("round trip of a %d byte address failed: %v", len(longest), err)
	}
}
