package dist

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"gonum.org/v1/gonum/floats"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	OpMean ReduceOp = iota
	OpSum
)

const (
	serviceName = "neurogpt.dist.Collective"
	maxMsgSize  = 64 << 20
)

// ReduceOp combines the per-rank contributions of a round.
type ReduceOp int

func (op ReduceOp) String() string {
	if op == OpSum {
		return "sum"
	}
	return "mean"
}

// -------- WIRE MESSAGES -------- //
type reduceRequest struct {
	Round uint64
	Rank  int
	Step  uint64
	Op    ReduceOp
	Data  []float64
}

type reduceReply struct {
	Data []float64
}

type abortRequest struct {
	Rank   int
	Reason string
}

type abortReply struct {
	Acknowledged bool
}

// gobCodec carries the plain Go message structs over gRPC.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }

// -------- SERVICE DEFINITION -------- //
type collectiveServer interface {
	AllReduce(ctx context.Context, req *reduceRequest) (*reduceReply, error)
	Abort(ctx context.Context, req *abortRequest) (*abortReply, error)
}

func allReduceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(reduceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveServer).AllReduce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AllReduce"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(collectiveServer).AllReduce(ctx, req.(*reduceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func abortHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(abortRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Abort"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(collectiveServer).Abort(ctx, req.(*abortRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*collectiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AllReduce", Handler: allReduceHandler},
		{MethodName: "Abort", Handler: abortHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dist/collective.go",
}

// -------- SERVER -------- //

// round collects one contribution per rank. The result is summed in rank
// order so every run reduces identically regardless of arrival order.
type round struct {
	step      uint64
	op        ReduceOp
	size      int
	parts     [][]float64
	seen      []bool
	arrived   int
	delivered int
	done      chan struct{}
	result    []float64
}

// Server is the rendezvous point every rank reduces through. Rank 0 hosts it.
type Server struct {
	world int

	mu          sync.Mutex
	rounds      map[uint64]*round
	aborted     chan struct{}
	abortOnce   sync.Once
	abortReason string

	grpc *grpc.Server
	lis  net.Listener
}

// Listen starts serving the collective on addr (use port 0 in tests).
func Listen(addr string, world int) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("collective listen on %s: %w", addr, err)
	}
	s := &Server{
		world:   world,
		rounds:  make(map[uint64]*round),
		aborted: make(chan struct{}),
		lis:     lis,
	}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(gobCodec{}),
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	s.grpc.RegisterService(&collectiveServiceDesc, s)
	go func() { _ = s.grpc.Serve(lis) }()
	return s, nil
}

func (s *Server) Addr() string { return s.lis.Addr().String() }

// Close drains in-flight RPCs when graceful is set, otherwise drops them.
func (s *Server) Close(graceful bool) {
	if graceful {
		s.grpc.GracefulStop()
		return
	}
	s.grpc.Stop()
}

func (s *Server) AllReduce(ctx context.Context, req *reduceRequest) (*reduceReply, error) {
	if req.Rank < 0 || req.Rank >= s.world {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d outside [0, %d)", req.Rank, s.world)
	}

	s.mu.Lock()
	if s.isAborted() {
		s.mu.Unlock()
		return nil, status.Error(codes.Aborted, s.abortReason)
	}

	r := s.rounds[req.Round]
	if r == nil {
		r = &round{
			step:  req.Step,
			op:    req.Op,
			size:  len(req.Data),
			parts: make([][]float64, s.world),
			seen:  make([]bool, s.world),
			done:  make(chan struct{}),
		}
		s.rounds[req.Round] = r
	}

	// 1. Reject contributions that disagree with the round
	if r.seen[req.Rank] {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d contributed twice to round %d", req.Rank, req.Round)
	}
	if r.step != req.Step || r.op != req.Op || r.size != len(req.Data) {
		reason := fmt.Sprintf("ranks desynchronized at round %d: rank %d sent %s of %d values at step %d, round expects %s of %d values at step %d",
			req.Round, req.Rank, req.Op, len(req.Data), req.Step, r.op, r.size, r.step)
		s.abortLocked(reason)
		s.mu.Unlock()
		return nil, status.Error(codes.FailedPrecondition, reason)
	}

	// 2. Record and, for the last arrival, reduce
	r.seen[req.Rank] = true
	r.parts[req.Rank] = req.Data
	r.arrived++
	if r.arrived == s.world {
		r.result = make([]float64, r.size)
		for _, part := range r.parts {
			floats.Add(r.result, part)
		}
		if r.op == OpMean {
			floats.Scale(1.0/float64(s.world), r.result)
		}
		r.parts = nil
		close(r.done)
	}
	s.mu.Unlock()

	// 3. Block until every rank arrived, the caller gives up, or the group aborts
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-s.aborted:
		return nil, status.Error(codes.Aborted, s.reason())
	}

	s.mu.Lock()
	r.delivered++
	if r.delivered == s.world {
		delete(s.rounds, req.Round)
	}
	s.mu.Unlock()
	return &reduceReply{Data: r.result}, nil
}

func (s *Server) Abort(_ context.Context, req *abortRequest) (*abortReply, error) {
	s.mu.Lock()
	s.abortLocked(fmt.Sprintf("rank %d aborted the group: %s", req.Rank, req.Reason))
	s.mu.Unlock()
	return &abortReply{Acknowledged: true}, nil
}

func (s *Server) abortLocked(reason string) {
	s.abortOnce.Do(func() {
		s.abortReason = reason
		close(s.aborted)
	})
}

func (s *Server) isAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

func (s *Server) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason
}
