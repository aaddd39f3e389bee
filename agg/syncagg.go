package agg

import (
	"fmt"
	"os"
	"time"

	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/config"
	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/mpi"
	"github.com/distml/gradsum/tensor"
	"github.com/distml/gradsum/utils/assert"
)

// aggregateImpl reduces every gradient across all ranks and exchanges the
// header. On return all collective work has completed and, if packing is in
// use, the packed slices have been copied back into the live gradients.
func (a *Aggregator) aggregateImpl(gradients []*tensor.Matrix, header *Header, showSyncPerfStats bool) {
	deviceID := gradients[0].Device()
	var t0 time.Time
	if showSyncPerfStats {
		ev := a.rt.RecordComputeEvent(deviceID)
		ev.SynchronizeEvent()
		t0 = time.Now()
	}

	numGradMatrices := len(gradients)

	if header.NumSamples == 0 {
		assert.Truef(header.Criterion == 0, "criterion is %v on a rank with no samples", header.Criterion)
		assert.Truef(header.NumSamplesWithLabel == 0, "%d labeled samples on a rank with no samples", header.NumSamplesWithLabel)
		for i := 0; i < header.NumEvalNode(); i++ {
			assert.Truef(header.EvalErrors[i].Sum == 0 && header.EvalErrors[i].Count == 0,
				"eval node %d is non-zero on a rank with no samples", i)
		}

		// This rank processed no samples: its contribution to every
		// gradient must be zero.
		for _, g := range gradients {
			g.SetValue(0)
		}

		if a.useAsync {
			ev := a.rt.RecordComputeEvent(deviceID)
			ev.SynchronizeTransferStream()
		}
	}

	// Copy the small gradients into the contiguous scratch buffer.
	sc := a.stage(`pack`)
	offset := 0
	for _, i := range a.packedIndices {
		n := gradients[i].NumElements()
		a.packedScratch.ColumnSlice(offset, n).AssignValuesOf(gradients[i].Reshaped(1, n))
		offset += n
	}
	sc.Done()

	// Initiate the header exchange. The tag doubles as a consistency
	// check: it equals the number of gradient tensors in this call.
	sc = a.stage(`header-init`)
	numProc := a.comm.NumNodesInUse()
	myRank := a.comm.CurrentNodeRank()
	recvHeaderRequests := make([]*mpi.Request, numProc-1)
	if a.comm.IsMainNode() {
		for j := 0; j < numProc-1; j++ {
			source := j
			if j >= myRank {
				source = j + 1
			}
			recvHeaderRequests[j] = a.comm.Irecv(a.recvBufs[j], source, numGradMatrices)
		}
	}
	var sendHeaderRequest *mpi.Request
	if !a.comm.IsMainNode() {
		sendHeaderRequest = a.comm.Isend(header.Bytes(), a.comm.MainNodeRank(), numGradMatrices)
	}
	sc.Done()

	cap := a.probe(deviceID)
	if a.profileCount%100 == 0 {
		log.Debugf("capabilities: gpuDirect=%v deviceCollective=%v onHost=%v", cap.gpuDirect, cap.deviceCollective, cap.onHost)
	}

	var allReduceRequests []*mpi.Request
	allReduceIndex := 0
	if len(a.toAggregate) > 0 {
		switch {
		case cap.stageThroughHost():
			sc = a.stage(`reduce-staged`)
			allReduceIndex = a.reduceStagedPipeline(gradients)
			sc.Done()
		case !cap.deviceCollective:
			sc = a.stage(`reduce-mpi`)
			for _, i := range a.toAggregate {
				target := a.reduceTarget(gradients, i)
				if !cap.gpuDirect {
					// Host gradients: overlap all reductions,
					// wait at the end.
					allReduceRequests = append(allReduceRequests, a.comm.Iallreduce(target.Data(), base.SUM))
					allReduceIndex++
				} else {
					// Device-direct transport: blocking
					// in-place reduce over device memory.
					mpi.OrFail("MPI_Allreduce", a.comm.AllReduce(target.Data(), base.SUM))
				}
			}
			sc.Done()
		default:
			sc = a.stage(`reduce-coll`)
			ms := make([]*tensor.Matrix, 0, len(a.toAggregate))
			for _, i := range a.toAggregate {
				ms = append(ms, a.reduceTarget(gradients, i))
			}
			if err := a.coll.AllReduceTensors(ms); err != nil {
				log.Exitf("device collective AllReduce failed: %v", err)
			}
			sc.Done()
		}
	}

	// The headers are additive and commutative, so aggregate them in
	// whatever order they arrive.
	sc = a.stage(`header-wait`)
	if a.comm.IsMainNode() {
		received := 0
		for received < numProc-1 {
			idx, err := mpi.Waitany(recvHeaderRequests)
			mpi.OrFail("MPI_Waitany", err)
			if idx < 0 {
				break
			}
			received++
			assert.OK(a.recvHeaders[idx].Decode(a.recvBufs[idx]))
			header.Aggregate(a.recvHeaders[idx])
		}
		assert.Truef(received == numProc-1, "aggregated %d headers, want %d", received, numProc-1)
	}
	sc.Done()

	sc = a.stage(`header-bcast`)
	image := header.Bytes()
	mpi.OrFail("MPI_Bcast", a.comm.Bcast(image, a.comm.MainNodeRank()))
	assert.OK(header.Decode(image))
	sc.Done()

	switch {
	case cap.deviceCollective:
		sc = a.stage(`coll-sync`)
		if err := a.coll.Sync(); err != nil {
			log.Exitf("device collective Sync failed: %v", err)
		}
		sc.Done()
	case !cap.gpuDirect && !cap.onHost:
		// Retire the host-to-device copies of the staged pipeline.
		sc = a.stage(`h2d-wait`)
		for i := 0; i < allReduceIndex; i++ {
			a.engines[i].WaitForHostToDevice()
		}
		sc.Done()
	case !cap.gpuDirect:
		sc = a.stage(`reduce-wait`)
		for i := 0; i < allReduceIndex; i++ {
			mpi.OrFail("MPI_Wait", allReduceRequests[i].Wait())
		}
		sc.Done()
	}

	// Copy the reduced packed slices back into the live gradients.
	sc = a.stage(`unpack`)
	offset = 0
	for _, i := range a.packedIndices {
		n := gradients[i].NumElements()
		gradients[i].AssignValuesOf(a.packedScratch.ColumnSlice(offset, n).Reshaped(gradients[i].Rows(), gradients[i].Cols()))
		offset += n
	}
	sc.Done()

	sc = a.stage(`header-send-wait`)
	if sendHeaderRequest != nil {
		mpi.OrFail("MPI_Wait", sendHeaderRequest.Wait())
	}
	sc.Done()

	a.flushStats()

	if showSyncPerfStats {
		fmt.Fprintf(os.Stderr, "Actual gradient aggregation time: %.6g\n", time.Since(t0).Seconds())
	}
}

// reduceStagedPipeline is the host-staged branch: for entry i of toAggregate
// it overlaps the device-to-host copy of entry i+1, the blocking reduction of
// staging buffer i, and the host-to-device copy of result i-1. Returns the
// number of host-to-device copies issued.
func (a *Aggregator) reduceStagedPipeline(gradients []*tensor.Matrix) int {
	gpuToCpuIndex := 0
	cpuToGpuIndex := 0
	allReduceIndex := 0
	n := len(a.toAggregate)

	current := a.toAggregate[0]
	if current == packedSlot {
		assert.Truef(!a.useAsync, "packed scratch buffer used in asynchronous mode")
	}
	// Prime the pipeline: the first copy must complete before any
	// reduction begins.
	copy(a.stagingBufs[gpuToCpuIndex], a.reduceTarget(gradients, current).Bytes())
	gpuToCpuIndex++

	next := 0
	for i := 1; i <= n; i++ {
		if i < n {
			next = a.toAggregate[i]
			if next == packedSlot {
				assert.Truef(!a.useAsync, "packed scratch buffer used in asynchronous mode")
			}
			nextBuf := a.reduceTarget(gradients, next)
			a.engines[gpuToCpuIndex].CopyDeviceToHostAsync(a.stagingBufs[gpuToCpuIndex], nextBuf.Bytes())
		}
		a.engines[allReduceIndex].WaitForDeviceToHost()

		target := a.reduceTarget(gradients, current)
		staged := &base.Vector{
			Data:  a.stagingBufs[allReduceIndex],
			Count: target.NumElements(),
			Type:  target.Type(),
		}
		mpi.OrFail("MPI_Allreduce", a.comm.AllReduce(staged, base.SUM))

		cpuToGpuIndex = allReduceIndex
		a.engines[cpuToGpuIndex].CopyHostToDeviceAsync(target.Bytes(), a.stagingBufs[cpuToGpuIndex])

		allReduceIndex = gpuToCpuIndex
		gpuToCpuIndex++
		current = next
	}
	return allReduceIndex
}

func (a *Aggregator) stage(name string) interface{ Done() } {
	if config.DetailProfile {
		return a.prof.Profile("agg::" + name)
	}
	return noScope{}
}

type noScope struct{}

func (noScope) Done() {}

// flushStats writes the per-stage timing summary to stderr every 100
// iterations when detail profiling is on. Called from the goroutine running
// the aggregation only.
func (a *Aggregator) flushStats() {
	a.profileCount++
	if !config.DetailProfile {
		return
	}
	if a.profileCount%100 == 0 {
		fmt.Fprintf(os.Stderr, "gradient aggregation stages after %d iterations:\n", a.profileCount)
		a.prof.WriteSummary(os.Stderr)
		a.prof.Reset()
	}
}
