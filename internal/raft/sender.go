package raft

import (
	"context"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/KilimcininKorOglu/raftnode/internal/logging"
)

// senderQueueSize bounds the messages buffered for one peer.
const senderQueueSize = 256

// peerReport is fed back into the loop after a send.
type peerReport struct {
	id       uint64
	snapshot bool // the message was a snapshot
	failed   bool
}

// peerSender delivers messages to one peer from its own goroutine, in order.
type peerSender struct {
	id        uint64
	addr      string
	transport Transport
	timeout   time.Duration
	reports   chan<- peerReport
	logger    logging.Logger

	queue chan raftpb.Message
	stop  chan struct{}
}

func newPeerSender(id uint64, addr string, transport Transport, timeout time.Duration, reports chan<- peerReport, logger logging.Logger) *peerSender {
	s := &peerSender{
		id:        id,
		addr:      addr,
		transport: transport,
		timeout:   timeout,
		reports:   reports,
		logger:    logger.WithFields("peer", id, "peer_addr", addr),
		queue:     make(chan raftpb.Message, senderQueueSize),
		stop:      make(chan struct{}),
	}
	go s.run()
	return s
}

// enqueue hands m to the sender without blocking. It reports false when the
// queue is full.
func (s *peerSender) enqueue(m raftpb.Message) bool {
	select {
	case s.queue <- m:
		return true
	default:
		return false
	}
}

func (s *peerSender) run() {
	for {
		select {
		case <-s.stop:
			return
		case m := <-s.queue:
			err := s.send(m)
			if err != nil {
				s.logger.Debug("send failed", "type", m.Type.String(), "error", err.Error())
			}
			if err != nil || m.Type == raftpb.MsgSnap {
				s.report(peerReport{id: s.id, snapshot: m.Type == raftpb.MsgSnap, failed: err != nil})
			}
		}
	}
}

func (s *peerSender) send(m raftpb.Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := s.transport.Call(ctx, s.addr, &RaftMessageRequest{Data: data})
	if err != nil {
		return err
	}
	if r, ok := resp.(*RaftMessageResponse); ok {
		return r.Result.Err()
	}
	return nil
}

func (s *peerSender) report(r peerReport) {
	select {
	case s.reports <- r:
	default:
	}
}

// close stops the sender. An in-flight send finishes on its own timeout.
func (s *peerSender) close() {
	close(s.stop)
}
