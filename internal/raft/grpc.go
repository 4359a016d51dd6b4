package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/KilimcininKorOglu/raftnode/internal/logging"
)

const (
	serviceName = "raftnode.Raft"
	codecName   = "json"
)

// jsonCodec carries the server request and response types over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type rpcMethod struct {
	name    string
	newReq  func() ServerRequest
	newResp func() ServerResponse
}

func (m rpcMethod) fullName() string {
	return "/" + serviceName + "/" + m.name
}

var (
	raftMessageMethod = rpcMethod{"RaftMessage",
		func() ServerRequest { return &RaftMessageRequest{} },
		func() ServerResponse { return &RaftMessageResponse{} }}
	memberReadyMethod = rpcMethod{"MemberBootstrapReady",
		func() ServerRequest { return &MemberBootstrapReadyRequest{} },
		func() ServerResponse { return &MemberBootstrapReadyResponse{} }}
	clusterReadyMethod = rpcMethod{"ClusterBootstrapReady",
		func() ServerRequest { return &ClusterBootstrapReadyRequest{} },
		func() ServerResponse { return &ClusterBootstrapReadyResponse{} }}
	proposeMethod = rpcMethod{"Propose",
		func() ServerRequest { return &ProposeRequest{} },
		func() ServerResponse { return &ProposeResponse{} }}
	configChangeMethod = rpcMethod{"ConfigChange",
		func() ServerRequest { return &ConfigChangeRequest{} },
		func() ServerResponse { return &ConfigChangeResponse{} }}
	requestIDMethod = rpcMethod{"RequestID",
		func() ServerRequest { return &RequestIDRequest{} },
		func() ServerResponse { return &RequestIDResponse{} }}
	reportUnreachableMethod = rpcMethod{"ReportUnreachable",
		func() ServerRequest { return &ReportUnreachableRequest{} },
		func() ServerResponse { return &ReportUnreachableResponse{} }}
	debugNodeMethod = rpcMethod{"DebugNode",
		func() ServerRequest { return &DebugNodeRequest{} },
		func() ServerResponse { return &DebugNodeResponse{} }}
)

func methodFor(req ServerRequest) (rpcMethod, error) {
	switch req.(type) {
	case *RaftMessageRequest:
		return raftMessageMethod, nil
	case *MemberBootstrapReadyRequest:
		return memberReadyMethod, nil
	case *ClusterBootstrapReadyRequest:
		return clusterReadyMethod, nil
	case *ProposeRequest:
		return proposeMethod, nil
	case *ConfigChangeRequest:
		return configChangeMethod, nil
	case *RequestIDRequest:
		return requestIDMethod, nil
	case *ReportUnreachableRequest:
		return reportUnreachableMethod, nil
	case *DebugNodeRequest:
		return debugNodeMethod, nil
	}
	return rpcMethod{}, fmt.Errorf("%w: unsupported request %T", ErrWrongArgument, req)
}

func unaryHandler(m rpcMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := m.newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		h := srv.(Handler)
		if interceptor == nil {
			return serveRequest(ctx, h, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: m.fullName()}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return serveRequest(ctx, h, req.(ServerRequest))
		})
	}
}

func serveRequest(ctx context.Context, h Handler, req ServerRequest) (any, error) {
	resp, err := h.HandleServer(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: raftMessageMethod.name, Handler: unaryHandler(raftMessageMethod)},
		{MethodName: memberReadyMethod.name, Handler: unaryHandler(memberReadyMethod)},
		{MethodName: clusterReadyMethod.name, Handler: unaryHandler(clusterReadyMethod)},
		{MethodName: proposeMethod.name, Handler: unaryHandler(proposeMethod)},
		{MethodName: configChangeMethod.name, Handler: unaryHandler(configChangeMethod)},
		{MethodName: requestIDMethod.name, Handler: unaryHandler(requestIDMethod)},
		{MethodName: reportUnreachableMethod.name, Handler: unaryHandler(reportUnreachableMethod)},
		{MethodName: debugNodeMethod.name, Handler: unaryHandler(debugNodeMethod)},
	},
	Streams: []grpc.StreamDesc{},
}

// GRPCServer exposes a Handler to remote peers.
type GRPCServer struct {
	server *grpc.Server
	logger logging.Logger
}

// NewGRPCServer creates a server that dispatches every request to handler.
func NewGRPCServer(handler Handler, logger logging.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &GRPCServer{logger: logger}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logCall))
	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&serviceDesc, handler)
	return s
}

// logCall logs every request except consensus traffic.
func (s *GRPCServer) logCall(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	if info.FullMethod == raftMessageMethod.fullName() {
		return next(ctx, req)
	}

	start := time.Now()
	logger := s.logger.WithRequestID(logging.GenerateRequestID())
	resp, err := next(ctx, req)
	if err != nil {
		logger.Warn("request failed", "method", info.FullMethod, "duration", time.Since(start).String(), "error", err.Error())
		return nil, err
	}
	logger.Debug("request served", "method", info.FullMethod, "duration", time.Since(start).String())
	return resp, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("serving peers", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop waits for in-flight requests and stops the server.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}

// GRPCTransport implements Transport over gRPC. Connections are opened
// lazily and reused per address.
type GRPCTransport struct {
	opts   []grpc.DialOption
	conns  map[string]*grpc.ClientConn
	closed bool
	mu     sync.Mutex
}

// NewGRPCTransport creates a transport. Without options connections are
// insecure.
func NewGRPCTransport(opts ...grpc.DialOption) *GRPCTransport {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCTransport{opts: opts, conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if c, ok := t.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, t.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownPeer, addr, err)
	}
	t.conns[addr] = c
	return c, nil
}

// Call implements Transport.
func (t *GRPCTransport) Call(ctx context.Context, addr string, req ServerRequest) (ServerResponse, error) {
	m, err := methodFor(req)
	if err != nil {
		return nil, err
	}
	c, err := t.conn(addr)
	if err != nil {
		return nil, err
	}

	resp := m.newResp()
	if err := c.Invoke(ctx, m.fullName(), req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fromStatus(addr, err)
	}
	return resp, nil
}

func fromStatus(addr string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s: %s", ErrUnknownPeer, addr, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	default:
		return fmt.Errorf("raft: call %s: %s", addr, st.Message())
	}
}

// Close implements Transport.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true

	var errs []error
	for addr, c := range t.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}
