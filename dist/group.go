package dist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// chunkSize bounds one round's payload so large gradient vectors stay well
// under maxMsgSize.
const chunkSize = 1 << 20

// barrierStep tags rounds that do not belong to a training step.
const barrierStep = ^uint64(0)

// CollectiveError is returned when a collective cannot complete: a peer died,
// ranks desynchronized, or the watchdog expired. The group is unusable
// afterwards and the caller must tear down.
type CollectiveError struct {
	Op      string
	Step    uint64
	Round   uint64
	Timeout bool
	Err     error
}

func (e *CollectiveError) Error() string {
	step := fmt.Sprintf("step %d", e.Step)
	if e.Step == barrierStep {
		step = "barrier"
	}
	if e.Timeout {
		return fmt.Sprintf("collective %s timed out at %s (round %d): %v", e.Op, step, e.Round, e.Err)
	}
	return fmt.Sprintf("collective %s failed at %s (round %d): %v", e.Op, step, e.Round, e.Err)
}

func (e *CollectiveError) Unwrap() error { return e.Err }

// Group is one rank's handle on the collective. Calls are not safe for
// concurrent use: every rank must issue the same collectives in the same order.
type Group struct {
	rank    int
	world   int
	timeout time.Duration
	conn    *grpc.ClientConn
	round   uint64
	failed  error
}

// Dial connects rank to the collective server at addr. Calls block until the
// server is reachable, bounded by timeout per round.
func Dial(addr string, rank, world int, timeout time.Duration) (*Group, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(gobCodec{}),
			grpc.WaitForReady(true),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial collective %s: %w", addr, err)
	}
	return &Group{rank: rank, world: world, timeout: timeout, conn: conn}, nil
}

func (g *Group) Rank() int      { return g.rank }
func (g *Group) WorldSize() int { return g.world }

// AllReduce replaces data in place with the reduction across all ranks.
func (g *Group) AllReduce(ctx context.Context, step uint64, op ReduceOp, data []float64) error {
	return g.reduce(ctx, "all_reduce", step, op, data)
}

// Broadcast overwrites data on every rank with rank 0's copy.
func (g *Group) Broadcast(ctx context.Context, step uint64, data []float64) error {
	payload := data
	if g.rank != 0 {
		payload = make([]float64, len(data))
	}
	if err := g.reduce(ctx, "broadcast", step, OpSum, payload); err != nil {
		return err
	}
	if g.rank != 0 {
		copy(data, payload)
	}
	return nil
}

// Barrier returns once every rank has reached it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.reduce(ctx, "barrier", barrierStep, OpSum, nil)
}

func (g *Group) reduce(ctx context.Context, name string, step uint64, op ReduceOp, data []float64) error {
	if g.failed != nil {
		return &CollectiveError{Op: name, Step: step, Round: g.round, Err: g.failed}
	}
	for off := 0; off < len(data) || off == 0; off += chunkSize {
		chunk := data[off:min(off+chunkSize, len(data))]
		if err := g.exchange(ctx, name, step, op, chunk); err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
	}
	return nil
}

func (g *Group) exchange(ctx context.Context, name string, step uint64, op ReduceOp, chunk []float64) error {
	rnd := g.round
	g.round++

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := &reduceRequest{Round: rnd, Rank: g.rank, Step: step, Op: op, Data: chunk}
	reply := new(reduceReply)
	err := g.conn.Invoke(callCtx, "/"+serviceName+"/AllReduce", req, reply)
	if err == nil && len(reply.Data) != len(chunk) {
		err = fmt.Errorf("reply carries %d values, sent %d", len(reply.Data), len(chunk))
	}
	if err != nil {
		timedOut := status.Code(err) == codes.DeadlineExceeded && ctx.Err() == nil
		if timedOut {
			err = fmt.Errorf("no reply within %s: %w", g.timeout, err)
		}
		g.fail(err)
		return &CollectiveError{Op: name, Step: step, Round: rnd, Timeout: timedOut, Err: err}
	}
	copy(chunk, reply.Data)
	return nil
}

// fail poisons the group and asks the server to release every other rank.
func (g *Group) fail(err error) {
	g.failed = err
	if s, ok := status.FromError(err); ok && s.Code() == codes.Aborted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.conn.Invoke(ctx, "/"+serviceName+"/Abort",
		&abortRequest{Rank: g.rank, Reason: err.Error()}, new(abortReply),
		grpc.WaitForReady(false))
}

// Abort releases every rank blocked in a collective with an error.
func (g *Group) Abort(reason string) {
	if g.failed == nil {
		g.fail(errors.New(reason))
	}
}

func (g *Group) Close() error { return g.conn.Close() }
