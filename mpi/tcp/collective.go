package tcp

import (
	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/mpi"
)

// Collectives run as star topologies rooted at the main rank: gather, reduce
// or concatenate at the root, fan the result back out. Each collective call
// consumes one sequence number, assigned in program order, so concurrent
// collectives from one rank stay matched across the cluster.

func (c *Comm) allReduce(seq int64, buf *base.Vector, op base.OP) error {
	tag := collTag(seq)
	root := c.MainNodeRank()
	n := len(c.peers)
	if c.rank == root {
		scratch := base.NewVector(buf.Count, buf.Type)
		for r := 0; r < n; r++ {
			if r == root {
				continue
			}
			if err := c.recv(r, tag, scratch.Data); err != nil {
				return err
			}
			base.Transform(buf, scratch, op)
		}
		for r := 0; r < n; r++ {
			if r == root {
				continue
			}
			if err := c.send(r, tag, buf.Data); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.send(root, tag, buf.Data); err != nil {
		return err
	}
	return c.recv(root, tag, buf.Data)
}

func (c *Comm) AllReduce(buf *base.Vector, op base.OP) error {
	return c.allReduce(c.nextSeq(), buf, op)
}

func (c *Comm) Iallreduce(buf *base.Vector, op base.OP) *mpi.Request {
	seq := c.nextSeq()
	r := mpi.NewRequest("Iallreduce")
	go func() {
		r.Complete(c.allReduce(seq, buf, op))
	}()
	return r
}

func (c *Comm) allGather(seq int64, send, recv *base.Vector) error {
	tag := collTag(seq)
	root := c.MainNodeRank()
	n := len(c.peers)
	count := send.Count
	if c.rank == root {
		if err := recv.Slice(root*count, (root+1)*count).CopyFrom(send); err != nil {
			return err
		}
		for r := 0; r < n; r++ {
			if r == root {
				continue
			}
			if err := c.recv(r, tag, recv.Slice(r*count, (r+1)*count).Data); err != nil {
				return err
			}
		}
		for r := 0; r < n; r++ {
			if r == root {
				continue
			}
			if err := c.send(r, tag, recv.Data); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.send(root, tag, send.Data); err != nil {
		return err
	}
	return c.recv(root, tag, recv.Data)
}

func (c *Comm) AllGather(send, recv *base.Vector) error {
	return c.allGather(c.nextSeq(), send, recv)
}

func (c *Comm) Iallgather(send, recv *base.Vector) *mpi.Request {
	seq := c.nextSeq()
	r := mpi.NewRequest("Iallgather")
	go func() {
		r.Complete(c.allGather(seq, send, recv))
	}()
	return r
}

func (c *Comm) Bcast(buf []byte, root int) error {
	seq := c.nextSeq()
	tag := collTag(seq)
	n := len(c.peers)
	if c.rank == root {
		for r := 0; r < n; r++ {
			if r == root {
				continue
			}
			if err := c.send(r, tag, buf); err != nil {
				return err
			}
		}
		return nil
	}
	return c.recv(root, tag, buf)
}

// WaitAll is a barrier: gather empty messages at the root, then release.
func (c *Comm) WaitAll() error {
	seq := c.nextSeq()
	tag := collTag(seq)
	root := c.MainNodeRank()
	n := len(c.peers)
	var empty []byte
	if c.rank == root {
		for r := 0; r < n; r++ {
			if r == root {
				continue
			}
			if err := c.recv(r, tag, empty); err != nil {
				return err
			}
		}
		for r := 0; r < n; r++ {
			if r == root {
				continue
			}
			if err := c.send(r, tag, empty); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.send(root, tag, empty); err != nil {
		return err
	}
	return c.recv(root, tag, empty)
}
