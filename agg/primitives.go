package agg

import (
	"github.com/dustin/go-humanize"

	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/mpi"
	"github.com/distml/gradsum/nccl"
	"github.com/distml/gradsum/tensor"
	"github.com/distml/gradsum/utils"
	"github.com/distml/gradsum/utils/assert"
)

// The distributed primitives share the aggregator's backend selection but
// operate on caller-provided tensors (statistics, parameter sync). They need
// their own pinned staging, pre-sized by DistributedInit.

// DistributedInit pre-sizes the staging buffers used by DistributedAllGather
// and DistributedAllReduce for payloads of up to bufferSize elements.
func (a *Aggregator) DistributedInit(deviceID int, bufferSize int) {
	if a.comm.NumNodesInUse() == 1 {
		return
	}
	if a.coll == nil {
		a.coll = nccl.New(deviceID, a.comm)
	}
	if !a.shouldCopyToHost(deviceID) {
		return
	}
	if a.allocator == nil {
		a.allocator = a.rt.NewPinnedAllocator(deviceID)
	}
	// Sized for the widest element type, so one init covers f32 and f64.
	const maxElemSize = 8
	n := bufferSize * maxElemSize
	var err error
	if a.distBuf1, err = a.allocator.Malloc(n); err != nil {
		utils.ExitErr(err)
	}
	if a.distBuf2, err = a.allocator.Malloc(n * a.comm.NumNodesInUse()); err != nil {
		utils.ExitErr(err)
	}
	log.Debugf("distributed staging buffers of %s and %s",
		humanize.IBytes(uint64(n)), humanize.IBytes(uint64(n*a.comm.NumNodesInUse())))
}

// DistributedCheck reports whether value is identical on every rank. Used to
// detect desynchronized minibatch sizes.
func (a *Aggregator) DistributedCheck(value int64, rankCount int) bool {
	send := base.NewVector(1, base.I64)
	send.AsI64()[0] = value
	recv := base.NewVector(rankCount, base.I64)
	mpi.OrFail("MPI_Allgather", a.comm.AllGather(send, recv))
	xs := recv.AsI64()
	for i := 1; i < rankCount; i++ {
		if xs[i] != xs[0] {
			return false
		}
	}
	return true
}

// DistributedAllGather gathers count elements from every rank's src into
// dst, in rank order. dst must hold NumProc()*count elements.
func (a *Aggregator) DistributedAllGather(src, dst *tensor.Matrix, count int) {
	deviceID := src.Device()
	numProc := a.comm.NumNodesInUse()
	assert.Truef(dst.NumElements() == numProc*count,
		"gathered matrix has %d elements, want %d x %d", dst.NumElements(), numProc, count)
	if a.coll == nil {
		a.coll = nccl.New(deviceID, a.comm)
	}
	cap := a.probe(deviceID)

	sendVec := src.Data().Slice(0, count)
	recvVec := dst.Data()

	var gatherRequest *mpi.Request
	switch {
	case cap.stageThroughHost():
		elem := src.Type().Size()
		staged := &base.Vector{Data: a.distBuf1[:count*elem], Count: count, Type: src.Type()}
		gathered := &base.Vector{Data: a.distBuf2[:numProc*count*elem], Count: numProc * count, Type: src.Type()}
		copy(staged.Data, sendVec.Data)
		mpi.OrFail("MPI_Allgather", a.comm.AllGather(staged, gathered))
		copy(recvVec.Data, gathered.Data)
	case !cap.deviceCollective:
		if !cap.gpuDirect {
			gatherRequest = a.comm.Iallgather(sendVec, recvVec)
		} else if !cap.onHost {
			mpi.OrFail("MPI_Allgather", a.comm.AllGather(sendVec, recvVec))
		} else {
			log.Exitf("impossible branch combination in DistributedAllGather")
		}
	default:
		if err := a.coll.AllGather(sendVec, recvVec); err != nil {
			log.Exitf("device collective AllGather failed: %v", err)
		}
	}

	switch {
	case cap.deviceCollective:
		if err := a.coll.Sync(); err != nil {
			log.Exitf("device collective Sync failed: %v", err)
		}
	case !cap.gpuDirect && !cap.onHost:
		// Staged path already completed synchronously.
	case !cap.gpuDirect:
		mpi.OrFail("MPI_Wait", gatherRequest.Wait())
	}
}

// DistributedAllReduce reduces the matrix in place across all ranks with op.
func (a *Aggregator) DistributedAllReduce(m *tensor.Matrix, op base.OP) {
	deviceID := m.Device()
	count := m.NumElements()
	if a.coll == nil {
		a.coll = nccl.New(deviceID, a.comm)
	}
	cap := a.probe(deviceID)

	var reduceRequest *mpi.Request
	switch {
	case cap.stageThroughHost():
		elem := m.Type().Size()
		staged := &base.Vector{Data: a.distBuf1[:count*elem], Count: count, Type: m.Type()}
		copy(staged.Data, m.Bytes())
		mpi.OrFail("MPI_Allreduce", a.comm.AllReduce(staged, op))
		copy(m.Bytes(), staged.Data)
	case !cap.deviceCollective:
		if !cap.gpuDirect {
			reduceRequest = a.comm.Iallreduce(m.Data(), op)
		} else if !cap.onHost {
			mpi.OrFail("MPI_Allreduce", a.comm.AllReduce(m.Data(), op))
		} else {
			log.Exitf("impossible branch combination in DistributedAllReduce")
		}
	default:
		if err := a.coll.AllReduce(m.Data(), m.Data(), op); err != nil {
			log.Exitf("device collective AllReduce failed: %v", err)
		}
	}

	switch {
	case cap.deviceCollective:
		if err := a.coll.Sync(); err != nil {
			log.Exitf("device collective Sync failed: %v", err)
		}
	case !cap.gpuDirect && !cap.onHost:
	case !cap.gpuDirect:
		mpi.OrFail("MPI_Wait", reduceRequest.Wait())
	}
}

// WaitAll is a barrier across all ranks through the messaging layer.
func (a *Aggregator) WaitAll() {
	mpi.OrFail("MPI_Barrier", a.comm.WaitAll())
}

// NumProc returns the number of ranks.
func (a *Aggregator) NumProc() int { return a.comm.NumNodesInUse() }

// MyRank returns this process's rank.
func (a *Aggregator) MyRank() int { return a.comm.CurrentNodeRank() }
