package raft

import (
	"errors"
	"fmt"
)

// Raft errors.
var (
	// ErrNotLeader is returned when a leader-only operation reaches a follower.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrStopped is returned when the node loop is no longer running.
	ErrStopped = errors.New("raft: node stopped")

	// ErrTimeout is returned when an operation does not complete in time.
	ErrTimeout = errors.New("raft: operation timeout")

	// ErrApply is returned when the state machine fails to apply an entry.
	ErrApply = errors.New("raft: apply failed")

	// ErrDecoding is returned when a committed entry cannot be decoded.
	ErrDecoding = errors.New("raft: decoding failed")

	// ErrEncoding is returned when an entry cannot be encoded for proposal.
	ErrEncoding = errors.New("raft: encoding failed")

	// ErrRestore is returned when a snapshot cannot be restored.
	ErrRestore = errors.New("raft: restore failed")

	// ErrWrongArgument is returned for malformed requests.
	ErrWrongArgument = errors.New("raft: wrong argument")

	// ErrSnapshot is returned when the state machine fails to snapshot.
	ErrSnapshot = errors.New("raft: snapshot failed")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrUnknownPeer is returned when a message targets a peer with no address.
	ErrUnknownPeer = errors.New("raft: unknown peer")

	// ErrTransportClosed is returned when the transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")
)

// ErrorKind classifies a failed request.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindApply
	KindDecoding
	KindEncoding
	KindRestore
	KindWrongArgument
	KindSnapshot
	KindStopped
	KindTimeout
)

var kindNames = map[ErrorKind]string{
	KindUnknown:       "unknown",
	KindApply:         "apply",
	KindDecoding:      "decoding",
	KindEncoding:      "encoding",
	KindRestore:       "restore",
	KindWrongArgument: "wrong_argument",
	KindSnapshot:      "snapshot",
	KindStopped:       "stopped",
	KindTimeout:       "timeout",
}

var kindErrors = map[ErrorKind]error{
	KindApply:         ErrApply,
	KindDecoding:      ErrDecoding,
	KindEncoding:      ErrEncoding,
	KindRestore:       ErrRestore,
	KindWrongArgument: ErrWrongArgument,
	KindSnapshot:      ErrSnapshot,
	KindStopped:       ErrStopped,
	KindTimeout:       ErrTimeout,
}

// String returns the name of the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) ErrorKind {
	var re *ResultError
	if errors.As(err, &re) {
		return re.Kind
	}
	for kind, sentinel := range kindErrors {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// ResultError is the serializable form of a failed request.
type ResultError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewResultError converts err into a ResultError.
func NewResultError(err error) *ResultError {
	if err == nil {
		return nil
	}
	var re *ResultError
	if errors.As(err, &re) {
		return re
	}
	return &ResultError{Kind: KindOf(err), Message: err.Error()}
}

// Error implements the error interface.
func (e *ResultError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel for the error kind, so errors.Is works on
// errors that crossed the wire.
func (e *ResultError) Unwrap() error {
	return kindErrors[e.Kind]
}

// WrongLeaderError is returned by the convenience API when a leader-only
// request reaches a follower.
type WrongLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

// Error implements the error interface.
func (e *WrongLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "raft: not the leader, leader unknown"
	}
	return fmt.Sprintf("raft: not the leader, leader is %d at %s", e.LeaderID, e.LeaderAddr)
}

// Unwrap returns ErrNotLeader.
func (e *WrongLeaderError) Unwrap() error {
	return ErrNotLeader
}
