// Package inproc implements mpi.Comm for N ranks inside one process, one
// goroutine per rank. Point-to-point traffic goes through per-rank mailboxes;
// collectives rendezvous on a per-rank call counter, which assumes every rank
// issues its collectives in the same order (the MPI contract).
package inproc

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/mpi"
)

type Option struct {
	// GpuGdr makes every comm report a device-direct transport.
	GpuGdr bool
}

type Cluster struct {
	size  int
	gdr   bool
	boxes []*mpi.Mailbox

	mu  sync.Mutex
	ops map[int64]*opState
}

func NewCluster(size int, opt Option) *Cluster {
	boxes := make([]*mpi.Mailbox, size)
	for i := range boxes {
		boxes[i] = mpi.NewMailbox()
	}
	return &Cluster{
		size:  size,
		gdr:   opt.GpuGdr,
		boxes: boxes,
		ops:   make(map[int64]*opState),
	}
}

func (c *Cluster) Size() int { return c.size }

// Comm returns the communicator for one rank.
func (c *Cluster) Comm(rank int) mpi.Comm {
	return &comm{rank: rank, cluster: c}
}

type opState struct {
	mu       sync.Mutex
	arrived  int
	contribs [][]byte
	results  [][]byte
	done     chan struct{}
}

// rendezvous blocks until all ranks have arrived at the collective numbered
// seq. The last arriver runs compute over the contributions and publishes the
// per-rank results.
func (c *Cluster) rendezvous(seq int64, rank int, contrib []byte, compute func([][]byte) [][]byte) []byte {
	c.mu.Lock()
	st, ok := c.ops[seq]
	if !ok {
		st = &opState{
			contribs: make([][]byte, c.size),
			done:     make(chan struct{}),
		}
		c.ops[seq] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	st.contribs[rank] = contrib
	st.arrived++
	last := st.arrived == c.size
	st.mu.Unlock()

	if last {
		st.results = compute(st.contribs)
		c.mu.Lock()
		delete(c.ops, seq)
		c.mu.Unlock()
		close(st.done)
	} else {
		<-st.done
	}
	if st.results == nil {
		return nil
	}
	return st.results[rank]
}

type comm struct {
	rank    int
	cluster *Cluster
	seq     int64
}

func (c *comm) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

func (c *comm) NumNodesInUse() int { return c.cluster.size }
func (c *comm) CurrentNodeRank() int { return c.rank }
func (c *comm) MainNodeRank() int { return 0 }
func (c *comm) IsMainNode() bool { return c.rank == c.MainNodeRank() }
func (c *comm) UseGpuGdr() bool { return c.cluster.gdr }

func (c *comm) Isend(buf []byte, dest, tag int) *mpi.Request {
	r := mpi.NewRequest("Isend")
	if dest < 0 || dest >= c.cluster.size {
		r.Complete(errors.Errorf("invalid dest rank %d", dest))
		return r
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.cluster.boxes[dest].Put(c.rank, tag, cp)
	r.Complete(nil)
	return r
}

func (c *comm) Irecv(buf []byte, source, tag int) *mpi.Request {
	r := mpi.NewRequest("Irecv")
	if source < 0 || source >= c.cluster.size {
		r.Complete(errors.Errorf("invalid source rank %d", source))
		return r
	}
	go func() {
		data := c.cluster.boxes[c.rank].Get(source, tag)
		if len(data) != len(buf) {
			r.Complete(errors.Errorf("message size %d does not match receive buffer %d", len(data), len(buf)))
			return
		}
		copy(buf, data)
		r.Complete(nil)
	}()
	return r
}

func (c *comm) allReduce(seq int64, buf *base.Vector, op base.OP) error {
	contrib := make([]byte, len(buf.Data))
	copy(contrib, buf.Data)
	count, dtype := buf.Count, buf.Type
	res := c.cluster.rendezvous(seq, c.rank, contrib, func(contribs [][]byte) [][]byte {
		acc := &base.Vector{Data: contribs[0], Count: count, Type: dtype}
		for r := 1; r < len(contribs); r++ {
			x := &base.Vector{Data: contribs[r], Count: count, Type: dtype}
			base.Transform(acc, x, op)
		}
		results := make([][]byte, len(contribs))
		for r := range results {
			results[r] = acc.Data
		}
		return results
	})
	copy(buf.Data, res)
	return nil
}

func (c *comm) AllReduce(buf *base.Vector, op base.OP) error {
	return c.allReduce(c.nextSeq(), buf, op)
}

func (c *comm) Iallreduce(buf *base.Vector, op base.OP) *mpi.Request {
	seq := c.nextSeq()
	r := mpi.NewRequest("Iallreduce")
	go func() {
		r.Complete(c.allReduce(seq, buf, op))
	}()
	return r
}

func (c *comm) allGather(seq int64, send, recv *base.Vector) error {
	if recv.Count != send.Count*c.cluster.size {
		return errors.Errorf("allgather: recv count %d != %d x %d", recv.Count, c.cluster.size, send.Count)
	}
	contrib := make([]byte, len(send.Data))
	copy(contrib, send.Data)
	res := c.cluster.rendezvous(seq, c.rank, contrib, func(contribs [][]byte) [][]byte {
		var all []byte
		for _, bs := range contribs {
			all = append(all, bs...)
		}
		results := make([][]byte, len(contribs))
		for r := range results {
			results[r] = all
		}
		return results
	})
	copy(recv.Data, res)
	return nil
}

func (c *comm) AllGather(send, recv *base.Vector) error {
	return c.allGather(c.nextSeq(), send, recv)
}

func (c *comm) Iallgather(send, recv *base.Vector) *mpi.Request {
	seq := c.nextSeq()
	r := mpi.NewRequest("Iallgather")
	go func() {
		r.Complete(c.allGather(seq, send, recv))
	}()
	return r
}

func (c *comm) Bcast(buf []byte, root int) error {
	if root < 0 || root >= c.cluster.size {
		return errors.Errorf("invalid root rank %d", root)
	}
	var contrib []byte
	if c.rank == root {
		contrib = make([]byte, len(buf))
		copy(contrib, buf)
	}
	res := c.cluster.rendezvous(c.nextSeq(), c.rank, contrib, func(contribs [][]byte) [][]byte {
		results := make([][]byte, len(contribs))
		for r := range results {
			results[r] = contribs[root]
		}
		return results
	})
	copy(buf, res)
	return nil
}

func (c *comm) WaitAll() error {
	c.cluster.rendezvous(c.nextSeq(), c.rank, nil, func(contribs [][]byte) [][]byte {
		return nil
	})
	return nil
}

func (c *comm) Close() error { return nil }
