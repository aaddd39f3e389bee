// Package agg implements distributed gradient aggregation for data-parallel
// training: every iteration each rank contributes a list of dense gradient
// tensors and a small header record, and every rank ends with the
// element-wise sum of both. The reduction backend is chosen per call from a
// capability probe; small gradients are packed into one scratch buffer; an
// asynchronous mode overlaps aggregation with the next iteration through
// double buffering.
package agg

import (
	"fmt"
	"os"

	"github.com/distml/gradsum/config"
	"github.com/distml/gradsum/device"
	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/mpi"
	"github.com/distml/gradsum/nccl"
	"github.com/distml/gradsum/profile"
	"github.com/distml/gradsum/tensor"
	"github.com/distml/gradsum/utils"
)

// packedSlot marks the entry of toAggregate that stands for the packed
// scratch buffer rather than an individual gradient.
const packedSlot = -1

type Options struct {
	// Async enables double-buffered aggregation on a background task.
	Async bool
	// DeviceID is the device the gradients live on (tensor.CPUDevice for
	// host memory).
	DeviceID int
	// SyncStatsTrace > 0 prints the measured aggregation time every that
	// many iterations.
	SyncStatsTrace int
	// PackThresholdBytes caps the size of gradients that join the packed
	// scratch buffer. 0 means config.PackThreshold.
	PackThresholdBytes int
	// Runtime supplies allocator, transfer engines and events. nil means
	// the host runtime.
	Runtime device.Runtime
	// Collective overrides the device collective communicator. nil means
	// probe lazily on first use.
	Collective nccl.Comm
}

type Aggregator struct {
	comm mpi.Comm
	rt   device.Runtime
	coll nccl.Comm

	useAsync           bool
	deviceID           int
	syncStatsTrace     int
	packThresholdBytes int

	initialized    bool
	packedIndices  []int
	toAggregate    []int
	packedScratch  *tensor.Matrix
	packedElements int

	allocator   device.Allocator
	stagingBufs [][]byte
	engines     []device.TransferEngine

	bufferedGradients map[*tensor.Matrix]*tensor.Matrix
	bufferedHeader    *Header
	pending           *pendingAggregation

	recvHeaders []*Header
	recvBufs    [][]byte

	iterationCount int

	prof         *profile.Profiler
	profileCount int

	distBuf1 []byte
	distBuf2 []byte
}

func New(comm mpi.Comm, opts Options) *Aggregator {
	threshold := opts.PackThresholdBytes
	if threshold == 0 {
		threshold = config.PackThreshold
	}
	rt := opts.Runtime
	if rt == nil {
		rt = device.Host
	}
	return &Aggregator{
		comm:               comm,
		rt:                 rt,
		coll:               opts.Collective,
		useAsync:           opts.Async,
		deviceID:           opts.DeviceID,
		syncStatsTrace:     opts.SyncStatsTrace,
		packThresholdBytes: threshold,
		bufferedGradients:  make(map[*tensor.Matrix]*tensor.Matrix),
		prof:               profile.New(),
	}
}

// pendingAggregation is the single-slot future for the in-flight background
// task. A panic inside the task is re-raised at the next join.
type pendingAggregation struct {
	done     chan struct{}
	panicked interface{}
}

func (a *Aggregator) join() {
	p := a.pending
	a.pending = nil
	<-p.done
	if p.panicked != nil {
		panic(p.panicked)
	}
}

// Aggregate combines the gradients and the header across all ranks. On a
// synchronous aggregator the tensors hold the element-wise sums on return; on
// an asynchronous one they hold the previous iteration's sums and this
// iteration's inputs are handed to a background task. The return value tells
// whether the results visible to the caller aggregated any samples.
func (a *Aggregator) Aggregate(gradients []*tensor.Matrix, header *Header, resetState bool) bool {
	if a.comm.NumNodesInUse() == 1 {
		return header.NumSamples != 0
	}
	if a.coll == nil {
		a.coll = nccl.New(a.deviceID, a.comm)
	}
	a.resetState(gradients, header.NumEvalNode(), resetState)
	showSyncPerfStats := a.syncStatsTrace > 0 && a.iterationCount%a.syncStatsTrace == 0
	a.iterationCount++

	if !a.useAsync {
		a.aggregateImpl(gradients, header, showSyncPerfStats)
		return header.NumSamples != 0
	}

	// Wait for the pending aggregation of the previous iteration's
	// gradients, then swap them with the incoming ones and fire a new
	// background aggregation.
	if a.pending != nil {
		d, _ := utils.Measure(func() error { a.join(); return nil })
		if showSyncPerfStats {
			fmt.Fprintf(os.Stderr, "Async gradient aggregation wait time: %.6g\n", d.Seconds())
		}
	}

	newGradients := make([]*tensor.Matrix, 0, len(gradients))
	for _, g := range gradients {
		buffered, ok := a.bufferedGradients[g]
		if !ok || !buffered.EqualShape(g) {
			log.Exitf("no buffered gradient matrix found corresponding to a gradient matrix to be aggregated")
		}
		g.Swap(buffered)
		newGradients = append(newGradients, buffered)
	}
	header.Swap(a.bufferedHeader)
	newHeader := a.bufferedHeader

	// Only aggregate when this iteration contributed samples (or a reset
	// forces a round). The caller-visible result is the swapped-in
	// previous aggregation either way.
	if resetState || newHeader.NumSamples != 0 {
		// The gradients must be fully computed before the background
		// task starts copying them on the transfer stream.
		ev := a.rt.RecordComputeEvent(a.deviceID)
		p := &pendingAggregation{done: make(chan struct{})}
		a.pending = p
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.panicked = r
				}
				close(p.done)
			}()
			a.rt.SetDevice(a.deviceID)
			ev.SynchronizeTransferStream()
			a.aggregateImpl(newGradients, newHeader, showSyncPerfStats)
		}()
	}

	return header.NumSamples != 0
}

// WaitPending joins any in-flight background aggregation. Callers must do
// this before destroying the aggregator or forcing a reset.
func (a *Aggregator) WaitPending() {
	if a.pending != nil {
		a.join()
	}
}

// Close releases the transfer engines. Any pending background aggregation
// must have been joined.
func (a *Aggregator) Close() {
	if a.pending != nil {
		log.Exitf("aggregator closed with a pending background aggregation")
	}
	for _, e := range a.engines {
		e.Close()
	}
	a.engines = nil
}
