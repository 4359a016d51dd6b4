package raft

import (
	"github.com/KilimcininKorOglu/raftnode/internal/logstore"
)

// ResultKind is the outcome of a request.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultFailure
	ResultWrongLeader
)

// ResponseResult is the outcome of a request: Success, Error(kind) or
// WrongLeader with the leader hint.
type ResponseResult struct {
	Kind       ResultKind   `json:"kind"`
	Error      *ResultError `json:"error,omitempty"`
	LeaderID   uint64       `json:"leader_id,omitempty"`
	LeaderAddr string       `json:"leader_addr,omitempty"`
}

// Success returns a successful result.
func Success() ResponseResult {
	return ResponseResult{Kind: ResultSuccess}
}

// Failure returns an error result for err.
func Failure(err error) ResponseResult {
	return ResponseResult{Kind: ResultFailure, Error: NewResultError(err)}
}

// WrongLeader returns a result redirecting the caller to the leader.
func WrongLeader(leaderID uint64, leaderAddr string) ResponseResult {
	return ResponseResult{Kind: ResultWrongLeader, LeaderID: leaderID, LeaderAddr: leaderAddr}
}

// Err converts the result into an error, or nil on success.
func (r ResponseResult) Err() error {
	switch r.Kind {
	case ResultSuccess:
		return nil
	case ResultWrongLeader:
		return &WrongLeaderError{LeaderID: r.LeaderID, LeaderAddr: r.LeaderAddr}
	default:
		if r.Error == nil {
			return &ResultError{Kind: KindUnknown, Message: "raft: unknown error"}
		}
		return r.Error
	}
}

// ConfChangeKind is the outcome of a membership change.
type ConfChangeKind int

const (
	ConfChangeJoinSuccess ConfChangeKind = iota
	ConfChangeRemoveSuccess
	ConfChangeError
	ConfChangeWrongLeader
)

// ConfChangeResult is the outcome of a membership change. A join reports the
// assigned id and the committed membership.
type ConfChangeResult struct {
	Kind       ConfChangeKind `json:"kind"`
	AssignedID uint64         `json:"assigned_id,omitempty"`
	Peers      []Peer         `json:"peers,omitempty"`
	Error      *ResultError   `json:"error,omitempty"`
	LeaderID   uint64         `json:"leader_id,omitempty"`
	LeaderAddr string         `json:"leader_addr,omitempty"`
}

// Err converts the result into an error, or nil on success.
func (r ConfChangeResult) Err() error {
	switch r.Kind {
	case ConfChangeJoinSuccess, ConfChangeRemoveSuccess:
		return nil
	case ConfChangeWrongLeader:
		return &WrongLeaderError{LeaderID: r.LeaderID, LeaderAddr: r.LeaderAddr}
	default:
		if r.Error == nil {
			return &ResultError{Kind: KindUnknown, Message: "raft: unknown error"}
		}
		return r.Error
	}
}

func confChangeFailure(err error) ConfChangeResult {
	return ConfChangeResult{Kind: ConfChangeError, Error: NewResultError(err)}
}

// ServerRequest is a request that may arrive from a remote peer. Every
// implementation is wire-serializable.
type ServerRequest interface {
	isServerRequest()
}

// ServerResponse is the response to a ServerRequest. Implementations only
// carry wire-serializable data, so in-process handles cannot leak onto a
// server channel.
type ServerResponse interface {
	isServerResponse()
}

// RaftMessageRequest carries a consensus message between peers.
type RaftMessageRequest struct {
	Data []byte `json:"data"` // marshaled raftpb.Message
}

// MemberBootstrapReadyRequest announces that a static member is running.
type MemberBootstrapReadyRequest struct {
	NodeID uint64 `json:"node_id"`
}

// ClusterBootstrapReadyRequest announces that every static member is running.
type ClusterBootstrapReadyRequest struct {
	NodeID uint64 `json:"node_id"`
}

// ProposeRequest proposes an encoded entry.
type ProposeRequest struct {
	Data []byte `json:"data"`
}

// ConfigChangeRequest proposes membership changes.
type ConfigChangeRequest struct {
	Changes []PeerChange `json:"changes"`
}

// RequestIDRequest asks the leader to reserve a node id for addr.
type RequestIDRequest struct {
	Addr string `json:"addr"`
}

// ReportUnreachableRequest reports that a peer could not be reached.
type ReportUnreachableRequest struct {
	NodeID uint64 `json:"node_id"`
}

// DebugNodeRequest asks for a dump of the node state.
type DebugNodeRequest struct{}

func (*RaftMessageRequest) isServerRequest()           {}
func (*MemberBootstrapReadyRequest) isServerRequest()  {}
func (*ClusterBootstrapReadyRequest) isServerRequest() {}
func (*ProposeRequest) isServerRequest()               {}
func (*ConfigChangeRequest) isServerRequest()          {}
func (*RequestIDRequest) isServerRequest()             {}
func (*ReportUnreachableRequest) isServerRequest()     {}
func (*DebugNodeRequest) isServerRequest()             {}

// RaftMessageResponse acknowledges a consensus message.
type RaftMessageResponse struct {
	Result ResponseResult `json:"result"`
}

// MemberBootstrapReadyResponse acknowledges a readiness announcement.
type MemberBootstrapReadyResponse struct {
	Result ResponseResult `json:"result"`
}

// ClusterBootstrapReadyResponse acknowledges a cluster readiness announcement.
type ClusterBootstrapReadyResponse struct {
	Result ResponseResult `json:"result"`
}

// ProposeResponse carries the state machine result of a committed proposal.
type ProposeResponse struct {
	Result ResponseResult `json:"result"`
	Data   []byte         `json:"data,omitempty"`
}

// ConfigChangeResponse carries the outcome of a membership change.
type ConfigChangeResponse struct {
	Result ConfChangeResult `json:"result"`
}

// RequestIDResponse carries a reserved node id and the committed membership.
type RequestIDResponse struct {
	Result     ResponseResult `json:"result"`
	ReservedID uint64         `json:"reserved_id,omitempty"`
	LeaderID   uint64         `json:"leader_id,omitempty"`
	LeaderAddr string         `json:"leader_addr,omitempty"`
	Peers      []Peer         `json:"peers,omitempty"`
}

// ReportUnreachableResponse acknowledges an unreachable report.
type ReportUnreachableResponse struct {
	Result ResponseResult `json:"result"`
}

// DebugNodeResponse carries a dump of the node state.
type DebugNodeResponse struct {
	Result ResponseResult `json:"result"`
	Info   DebugInfo      `json:"info"`
}

func (*RaftMessageResponse) isServerResponse()           {}
func (*MemberBootstrapReadyResponse) isServerResponse()  {}
func (*ClusterBootstrapReadyResponse) isServerResponse() {}
func (*ProposeResponse) isServerResponse()               {}
func (*ConfigChangeResponse) isServerResponse()          {}
func (*RequestIDResponse) isServerResponse()             {}
func (*ReportUnreachableResponse) isServerResponse()     {}
func (*DebugNodeResponse) isServerResponse()             {}

// DebugInfo is a snapshot of node state for diagnostics.
type DebugInfo struct {
	ID            uint64 `json:"id"`
	Addr          string `json:"addr"`
	Lifecycle     string `json:"lifecycle"`
	RaftState     string `json:"raft_state"`
	Term          uint64 `json:"term"`
	Vote          uint64 `json:"vote"`
	Commit        uint64 `json:"commit"`
	Applied       uint64 `json:"applied"`
	LeaderID      uint64 `json:"leader_id"`
	FirstIndex    uint64 `json:"first_index"`
	LastIndex     uint64 `json:"last_index"`
	SnapshotIndex uint64 `json:"snapshot_index"`
	SnapshotTerm  uint64 `json:"snapshot_term"`
	LogSize       uint64 `json:"log_size"`
	Peers         []Peer `json:"peers"`
}

// LocalResponse is the response to an in-process command. Unlike a
// ServerResponse it may carry in-process handles.
type LocalResponse interface {
	isLocalResponse()
}

// IsLeaderResponse reports whether the node leads.
type IsLeaderResponse struct{ IsLeader bool }

// GetIDResponse reports the node id.
type GetIDResponse struct{ ID uint64 }

// GetLeaderIDResponse reports the known leader, 0 when unknown.
type GetLeaderIDResponse struct{ LeaderID uint64 }

// GetPeersResponse reports the committed membership.
type GetPeersResponse struct{ Peers []Peer }

// AddPeerResponse acknowledges a route addition.
type AddPeerResponse struct{}

// StoreResponse hands out the state machine.
type StoreResponse[S any] struct{ Store S }

// StorageResponse hands out the log store.
type StorageResponse struct{ Storage *logstore.Store }

// GetClusterSizeResponse reports the number of members.
type GetClusterSizeResponse struct{ Size int }

// LocalConfigChangeResponse carries the outcome of a membership change.
type LocalConfigChangeResponse struct{ Result ConfChangeResult }

// QuitResponse acknowledges a quit.
type QuitResponse struct{}

// MakeSnapshotResponse reports the outcome of a snapshot request.
type MakeSnapshotResponse struct {
	Result ResponseResult
	Index  uint64
}

// LocalProposeResponse carries the state machine result of a proposal.
type LocalProposeResponse struct {
	Result ResponseResult
	Data   []byte
}

// LocalDebugNodeResponse carries a dump of the node state.
type LocalDebugNodeResponse struct{ Info DebugInfo }

func (IsLeaderResponse) isLocalResponse()          {}
func (GetIDResponse) isLocalResponse()             {}
func (GetLeaderIDResponse) isLocalResponse()       {}
func (GetPeersResponse) isLocalResponse()          {}
func (AddPeerResponse) isLocalResponse()           {}
func (StoreResponse[S]) isLocalResponse()          {}
func (StorageResponse) isLocalResponse()           {}
func (GetClusterSizeResponse) isLocalResponse()    {}
func (LocalConfigChangeResponse) isLocalResponse() {}
func (QuitResponse) isLocalResponse()              {}
func (MakeSnapshotResponse) isLocalResponse()      {}
func (LocalProposeResponse) isLocalResponse()      {}
func (LocalDebugNodeResponse) isLocalResponse()    {}

// Local commands. Each is answered with exactly one LocalResponse.
type (
	isLeaderCmd       struct{}
	getIDCmd          struct{}
	getLeaderIDCmd    struct{}
	getPeersCmd       struct{}
	addPeerCmd        struct{ peer Peer }
	storeCmd          struct{}
	storageCmd        struct{}
	getClusterSizeCmd struct{}
	configChangeCmd   struct{ changes []PeerChange }
	quitCmd           struct{}
	makeSnapshotCmd   struct{}
	proposeCmd        struct{ data []byte }
	debugNodeCmd      struct{}
)

type localCommand interface {
	isLocalCommand()
}

func (isLeaderCmd) isLocalCommand()       {}
func (getIDCmd) isLocalCommand()          {}
func (getLeaderIDCmd) isLocalCommand()    {}
func (getPeersCmd) isLocalCommand()       {}
func (addPeerCmd) isLocalCommand()        {}
func (storeCmd) isLocalCommand()          {}
func (storageCmd) isLocalCommand()        {}
func (getClusterSizeCmd) isLocalCommand() {}
func (configChangeCmd) isLocalCommand()   {}
func (quitCmd) isLocalCommand()           {}
func (makeSnapshotCmd) isLocalCommand()   {}
func (proposeCmd) isLocalCommand()        {}
func (debugNodeCmd) isLocalCommand()      {}

// localMsg and serverMsg are the mailbox envelopes. The response channel is
// buffered so the loop never blocks on a caller that gave up.
type localMsg struct {
	cmd  localCommand
	resp chan LocalResponse
}

type serverMsg struct {
	req  ServerRequest
	resp chan ServerResponse
}
