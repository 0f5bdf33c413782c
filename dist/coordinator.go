// Package dist establishes the process group for data-parallel training and
// keeps model replicas identical across ranks.
package dist

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/b0tShaman/neuro-gpt/ml"
)

const (
	defaultMasterAddr = "127.0.0.1"
	defaultMasterPort = "29500"
)

type Options struct {
	// Lookup reads launch variables; nil means os.LookupEnv.
	Lookup      func(string) (string, bool)
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// Coordinator owns this process's membership in the group. A single-process
// run gets a coordinator with no group; every collective is then a no-op.
type Coordinator struct {
	topo   Topology
	group  *Group
	server *Server
	logger *slog.Logger

	teardownOnce sync.Once
	teardownErr  error
}

// Setup derives the topology and, when distributed, joins the group. Rank 0
// hosts the rendezvous at MASTER_ADDR:MASTER_PORT; Setup returns only after
// every rank has connected.
func Setup(ctx context.Context, opts Options) (*Coordinator, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := opts.SyncTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	topo, err := TopologyFromEnv(lookup)
	if err != nil {
		return nil, err
	}
	if !topo.Distributed() {
		return &Coordinator{topo: topo, logger: logger}, nil
	}

	host := envOr(lookup, "MASTER_ADDR", defaultMasterAddr)
	port := envOr(lookup, "MASTER_PORT", defaultMasterPort)

	var srv *Server
	if topo.IsMaster() {
		srv, err = Listen(net.JoinHostPort("", port), topo.WorldSize)
		if err != nil {
			return nil, err
		}
	}
	group, err := Dial(net.JoinHostPort(host, port), topo.Rank, topo.WorldSize, timeout)
	if err != nil {
		if srv != nil {
			srv.Close(false)
		}
		return nil, err
	}

	c := NewCoordinator(topo, group, srv, logger)
	if err := group.Barrier(ctx); err != nil {
		_ = c.Teardown(context.Background())
		return nil, err
	}
	logger.Info("joined process group", "rank", topo.Rank, "world_size", topo.WorldSize,
		"local_rank", topo.LocalRank, "master", net.JoinHostPort(host, port))
	return c, nil
}

// NewCoordinator assembles a coordinator from an existing group. srv is only
// set on the rank hosting the rendezvous.
func NewCoordinator(topo Topology, group *Group, srv *Server, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{topo: topo, group: group, server: srv, logger: logger}
}

func envOr(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (c *Coordinator) Topology() Topology { return c.topo }
func (c *Coordinator) IsMaster() bool     { return c.topo.IsMaster() }

// Device is the accelerator slot this process is bound to, chosen by local rank.
func (c *Coordinator) Device() ml.Device {
	return ml.Device{Type: "cpu", Index: c.topo.LocalRank}
}

// Barrier is a no-op outside distributed mode.
func (c *Coordinator) Barrier(ctx context.Context) error {
	if c.group == nil {
		return nil
	}
	return c.group.Barrier(ctx)
}

// Abort releases peers blocked in collectives after a local fatal error.
func (c *Coordinator) Abort(reason string) {
	if c.group != nil {
		c.group.Abort(reason)
	}
}

// Teardown leaves the group. It is safe to call more than once and on every
// exit path; only the first call does work.
func (c *Coordinator) Teardown(ctx context.Context) error {
	c.teardownOnce.Do(func() {
		if c.group == nil {
			return
		}
		barrierErr := error(nil)
		if c.group.failed == nil {
			barrierErr = c.group.Barrier(ctx)
		}
		closeErr := c.group.Close()
		if c.server != nil {
			c.server.Close(barrierErr == nil && c.group.failed == nil)
		}
		if barrierErr != nil {
			c.teardownErr = barrierErr
		} else {
			c.teardownErr = closeErr
		}
		c.logger.Debug("left process group", "rank", c.topo.Rank)
	})
	return c.teardownErr
}

// Wrap returns the replica the training loop drives. Gradients are averaged
// across ranks only when SyncGradients is called.
func (c *Coordinator) Wrap(m ml.Model) *Replica {
	return &Replica{model: m, group: c.group}
}

// -------- REPLICA -------- //

// Replica forwards the ml.Model operations to the wrapped model and adds the
// parameter and gradient collectives.
type Replica struct {
	model ml.Model
	group *Group
	flat  []float64
}

// Raw returns the unwrapped model for state extraction.
func (r *Replica) Raw() ml.Model { return r.model }

func (r *Replica) Forward(x, y [][]int, ac ml.Autocast) (ml.Output, error) {
	return r.model.Forward(x, y, ac)
}

func (r *Replica) Backward(scale float64) error { return r.model.Backward(scale) }

func (r *Replica) Parameters() []*ml.Param { return r.model.Parameters() }

// BroadcastParameters makes every rank start from rank 0's weights.
func (r *Replica) BroadcastParameters(ctx context.Context) error {
	if r.group == nil {
		return nil
	}
	params := r.model.Parameters()
	flat := r.buffer(ml.CountParams(params))
	off := 0
	for _, p := range params {
		off += copy(flat[off:], p.Value.Data())
	}
	if err := r.group.Broadcast(ctx, barrierStep, flat); err != nil {
		return err
	}
	off = 0
	for _, p := range params {
		off += copy(p.Value.Data(), flat[off:])
	}
	return nil
}

// SyncGradients averages accumulated gradients across ranks at an
// accumulation boundary. The local stop request rides along so all ranks
// agree on whether to stop after this step; the combined decision is returned.
func (r *Replica) SyncGradients(ctx context.Context, step uint64, stop bool) (bool, error) {
	if r.group == nil {
		return stop, nil
	}
	params := r.model.Parameters()
	n := ml.CountParams(params)
	flat := r.buffer(n + 1)
	off := 0
	for _, p := range params {
		off += copy(flat[off:], p.Grad.Data())
	}
	flat[n] = 0
	if stop {
		flat[n] = 1
	}
	if err := r.group.AllReduce(ctx, step, OpMean, flat); err != nil {
		return stop, err
	}
	off = 0
	for _, p := range params {
		off += copy(p.Grad.Data(), flat[off:n])
	}
	return flat[n] > 0, nil
}

func (r *Replica) buffer(n int) []float64 {
	if cap(r.flat) < n {
		r.flat = make([]float64, n)
	}
	return r.flat[:n]
}
