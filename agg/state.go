package agg

import (
	"github.com/dustin/go-humanize"

	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/tensor"
	"github.com/distml/gradsum/utils"
)

// shouldCopyToHost reports whether gradients must be staged through pinned
// host buffers to be reduced: device memory the transport cannot read and no
// device collective to reduce it in place.
func (a *Aggregator) shouldCopyToHost(deviceID int) bool {
	if deviceID == tensor.CPUDevice {
		return false
	}
	if a.coll.IsSupported() || a.comm.UseGpuGdr() {
		return false
	}
	return true
}

// resetState runs the one-shot capacity planning on the first call and
// handles explicit state resets afterwards.
func (a *Aggregator) resetState(gradients []*tensor.Matrix, numEvalNode int, reset bool) {
	if !a.initialized {
		a.initialized = true
		a.plan(gradients, numEvalNode)
		return
	}
	if !reset {
		return
	}
	if a.useAsync && a.pending != nil {
		log.Exitf("unexpected pending async gradient aggregation found when resetting aggregator state")
	}
	if a.useAsync {
		for _, g := range gradients {
			a.bufferedGradients[g].SetValue(0)
		}
		a.bufferedHeader.Clear()
	}
}

func (a *Aggregator) plan(gradients []*tensor.Matrix, numEvalNode int) {
	deviceID := gradients[0].Device()

	if a.shouldCopyToHost(deviceID) && a.allocator == nil {
		a.allocator = a.rt.NewPinnedAllocator(deviceID)
	}

	// Gradients at or below the threshold are packed into one contiguous
	// buffer so a single collective covers them all. Packing is disabled
	// in async mode: the double buffer already gives each tensor a
	// monolithic reduction target.
	packedElements := 0
	for i, g := range gradients {
		if g.Kind() != tensor.Dense {
			log.Exitf("gradient aggregation for sparse gradient matrices is currently unsupported")
		}
		if !a.useAsync && g.SizeInBytes() <= a.packThresholdBytes {
			packedElements += g.NumElements()
			a.packedIndices = append(a.packedIndices, i)
		} else {
			a.toAggregate = append(a.toAggregate, i)
		}
		if a.useAsync {
			a.bufferedGradients[g] = g.Clone()
		}
	}

	if packedElements > 0 {
		m, err := tensor.TryNewMatrix(1, packedElements, deviceID, gradients[0].Type())
		if err != nil {
			log.Warnf("packed scratch buffer of %s not available (%v), reducing every gradient individually",
				humanize.IBytes(uint64(packedElements*gradients[0].Type().Size())), err)
		} else {
			a.packedScratch = m
			a.packedElements = packedElements
			log.Debugf("packing %d gradients into a %s scratch buffer",
				len(a.packedIndices), humanize.IBytes(uint64(m.SizeInBytes())))
		}
	}
	if a.packedScratch == nil {
		a.packedIndices = nil
		a.packedElements = 0
		a.toAggregate = a.toAggregate[:0]
		for i := range gradients {
			a.toAggregate = append(a.toAggregate, i)
		}
	} else {
		// First entry is reserved for the packed scratch buffer.
		a.toAggregate = append([]int{packedSlot}, a.toAggregate...)
	}

	if a.shouldCopyToHost(deviceID) {
		for _, i := range a.toAggregate {
			n := a.reduceBytes(gradients, i)
			buf, err := a.allocator.Malloc(n)
			if err != nil {
				utils.ExitErr(err)
			}
			a.stagingBufs = append(a.stagingBufs, buf)
			a.engines = append(a.engines, a.rt.NewTransferEngine(deviceID))
			log.Debugf("pinned staging buffer of %s for slot %d", humanize.IBytes(uint64(n)), i)
		}
	}

	if a.useAsync {
		a.bufferedHeader = NewHeader(numEvalNode)
	}

	if a.comm.IsMainNode() {
		for j := 0; j < a.comm.NumNodesInUse()-1; j++ {
			a.recvHeaders = append(a.recvHeaders, NewHeader(numEvalNode))
			a.recvBufs = append(a.recvBufs, make([]byte, HeaderSize(numEvalNode)))
		}
	}
}

// reduceTarget maps a toAggregate entry to the matrix the reduction operates
// on: the packed scratch buffer for the sentinel, the gradient otherwise.
func (a *Aggregator) reduceTarget(gradients []*tensor.Matrix, i int) *tensor.Matrix {
	if i == packedSlot {
		return a.packedScratch
	}
	return gradients[i]
}

func (a *Aggregator) reduceBytes(gradients []*tensor.Matrix, i int) int {
	return a.reduceTarget(gradients, i).SizeInBytes()
}
