// Package mpi defines the messaging-layer contract the aggregator consumes:
// fixed rank set, point-to-point non-blocking sends and receives, and the
// collective operations, in the shape of an MPI communicator.
package mpi

import (
	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/log"
)

// Comm is a communicator over a fixed set of ranks.
type Comm interface {
	NumNodesInUse() int
	CurrentNodeRank() int
	MainNodeRank() int
	IsMainNode() bool

	// UseGpuGdr reports whether the transport may read device memory
	// directly (GPUDirect).
	UseGpuGdr() bool

	Isend(buf []byte, dest, tag int) *Request
	Irecv(buf []byte, source, tag int) *Request

	// AllReduce reduces buf in place across all ranks.
	AllReduce(buf *base.Vector, op base.OP) error
	Iallreduce(buf *base.Vector, op base.OP) *Request

	// AllGather concatenates every rank's send buffer into recv, in rank
	// order. recv.Count must be NumNodesInUse()*send.Count.
	AllGather(send, recv *base.Vector) error
	Iallgather(send, recv *base.Vector) *Request

	Bcast(buf []byte, root int) error

	// WaitAll is a barrier across all ranks.
	WaitAll() error

	Close() error
}

// Fail terminates the process reporting the failing primitive, the
// transport-error disposition shared by all call sites.
func Fail(prim string, err error) {
	log.Exitf("%s failed: %v", prim, err)
}

// OrFail is the `|| MpiFail(...)` idiom for non-blocking call results.
func OrFail(prim string, err error) {
	if err != nil {
		Fail(prim, err)
	}
}
