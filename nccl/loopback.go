package nccl

import (
	"sync"

	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/mpi"
	"github.com/distml/gradsum/tensor"
)

// Loopback is a reference Comm that reports supported and executes the
// collectives through the messaging layer on a background stream, so the
// issue-then-Sync contract behaves like the real library. Used to drive the
// device-collective branch on hosts.
//
// The communicator handed to Loopback must be dedicated to it: its collective
// traffic runs concurrently with the owner's own collectives, and sharing one
// communicator would interleave their matching order across ranks.
type Loopback struct {
	comm mpi.Comm

	mu      sync.Mutex
	pending *mpi.Request
}

func NewLoopback(comm mpi.Comm) *Loopback {
	return &Loopback{comm: comm}
}

func (l *Loopback) IsSupported() bool { return true }

// enqueue chains op after the previously issued work, preserving issue order
// like a device stream.
func (l *Loopback) enqueue(name string, op func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.pending
	r := mpi.NewRequest(name)
	go func() {
		if prev != nil {
			if err := prev.Wait(); err != nil {
				r.Complete(err)
				return
			}
		}
		r.Complete(op())
	}()
	l.pending = r
}

func (l *Loopback) AllReduceTensors(ms []*tensor.Matrix) error {
	l.enqueue("nccl::AllReduceTensors", func() error {
		for _, m := range ms {
			if err := l.comm.AllReduce(m.Data(), base.SUM); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

func (l *Loopback) AllReduce(src, dst *base.Vector, op base.OP) error {
	l.enqueue("nccl::AllReduce", func() error {
		if len(src.Data) > 0 && &src.Data[0] != &dst.Data[0] {
			if err := dst.CopyFrom(src); err != nil {
				return err
			}
		}
		return l.comm.AllReduce(dst, op)
	})
	return nil
}

func (l *Loopback) AllGather(src, dst *base.Vector) error {
	l.enqueue("nccl::AllGather", func() error {
		return l.comm.AllGather(src, dst)
	})
	return nil
}

func (l *Loopback) Sync() error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	if pending == nil {
		return nil
	}
	return pending.Wait()
}
