package agg

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/mpi/inproc"
	"github.com/distml/gradsum/nccl"
	"github.com/distml/gradsum/tensor"
)

// noPacking disables the packed scratch buffer: no gradient has a negative
// byte size.
const noPacking = -1

func makeGrad(device int, vals ...float32) *tensor.Matrix {
	m := tensor.NewMatrix(1, len(vals), device, base.F32)
	copy(m.Data().AsF32(), vals)
	return m
}

func sampleHeader(numSamples int64) *Header {
	h := NewHeader(1)
	h.NumSamples = numSamples
	h.NumSamplesWithLabel = numSamples
	h.Criterion = float64(numSamples) / 2
	h.EvalErrors[0] = EvalError{Sum: float64(numSamples), Count: numSamples}
	return h
}

// runRanks drives one aggregator per rank, each on its own goroutine, over a
// fresh in-process cluster.
func runRanks(t *testing.T, n int, clusterOpt inproc.Option, opts Options, f func(a *Aggregator, rank int)) {
	t.Helper()
	cluster := inproc.NewCluster(n, clusterOpt)
	var collCluster *inproc.Cluster
	if opts.Collective != nil {
		// The sentinel from the caller just means "use a loopback
		// collective"; each rank needs its own over a dedicated
		// cluster.
		collCluster = inproc.NewCluster(n, inproc.Option{})
	}
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rankOpts := opts
			if collCluster != nil {
				rankOpts.Collective = nccl.NewLoopback(collCluster.Comm(r))
			}
			a := New(cluster.Comm(r), rankOpts)
			f(a, r)
		}(r)
	}
	wg.Wait()
}

// collSentinel marks Options.Collective so runRanks builds per-rank loopback
// collectives.
var collSentinel nccl.Comm = &nccl.Loopback{}

func TestTwoRankSum(t *testing.T) { // S1
	inputs := [][]float32{{1, 2, 3}, {4, 5, 6}}
	samples := []int64{4, 6}
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		g := makeGrad(tensor.CPUDevice, inputs[rank]...)
		h := sampleHeader(samples[rank])
		ok := a.Aggregate([]*tensor.Matrix{g}, h, false)
		assert.True(t, ok)
		assert.Equal(t, []float32{5, 7, 9}, g.Data().AsF32())
		assert.Equal(t, int64(10), h.NumSamples)
		assert.Equal(t, int64(10), h.NumSamplesWithLabel)
		assert.Equal(t, 5.0, h.Criterion)
		assert.Equal(t, EvalError{Sum: 10, Count: 10}, h.EvalErrors[0])
	})
}

func TestZeroSampleRankContributesNothing(t *testing.T) { // S2
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		var g *tensor.Matrix
		var h *Header
		if rank == 0 {
			g = makeGrad(tensor.CPUDevice, 13, -7, 99) // garbage
			h = NewHeader(1)
		} else {
			g = makeGrad(tensor.CPUDevice, 1, 1, 1)
			h = sampleHeader(3)
		}
		ok := a.Aggregate([]*tensor.Matrix{g}, h, false)
		assert.True(t, ok)
		assert.Equal(t, []float32{1, 1, 1}, g.Data().AsF32())
		assert.Equal(t, int64(3), h.NumSamples)
	})
}

func TestFourRankSum(t *testing.T) { // S3
	runRanks(t, 4, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		g := makeGrad(tensor.CPUDevice, float32(rank+1))
		h := sampleHeader(8)
		ok := a.Aggregate([]*tensor.Matrix{g}, h, false)
		assert.True(t, ok)
		assert.Equal(t, []float32{10}, g.Data().AsF32())
		assert.Equal(t, int64(32), h.NumSamples)
	})
}

func TestSingleRankIdentity(t *testing.T) { // property 4
	cluster := inproc.NewCluster(1, inproc.Option{})
	a := New(cluster.Comm(0), Options{DeviceID: tensor.CPUDevice})
	g := makeGrad(tensor.CPUDevice, 1, 2)
	h := sampleHeader(5)
	assert.True(t, a.Aggregate([]*tensor.Matrix{g}, h, false))
	assert.Equal(t, []float32{1, 2}, g.Data().AsF32())
	assert.Equal(t, int64(5), h.NumSamples)

	empty := NewHeader(1)
	assert.False(t, a.Aggregate([]*tensor.Matrix{g}, empty, false))
}

func TestShapePreserved(t *testing.T) { // property 7
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		g := tensor.NewMatrix(3, 5, tensor.CPUDevice, base.F32)
		g.SetValue(0)
		h := sampleHeader(2)
		a.Aggregate([]*tensor.Matrix{g}, h, false)
		assert.Equal(t, 3, g.Rows())
		assert.Equal(t, 5, g.Cols())
	})
}

func TestPackingTransparency(t *testing.T) { // S5 + property 5
	const nSmall, nLarge = 100, 3
	const smallLen, largeLen = 4, 1 << 12
	mk := func(rank int) []*tensor.Matrix {
		var gs []*tensor.Matrix
		for i := 0; i < nSmall; i++ {
			g := tensor.NewMatrix(1, smallLen, tensor.CPUDevice, base.F32)
			for j := range g.Data().AsF32() {
				g.Data().AsF32()[j] = float32(rank*1000 + i + j)
			}
			gs = append(gs, g)
		}
		for i := 0; i < nLarge; i++ {
			g := tensor.NewMatrix(1, largeLen, tensor.CPUDevice, base.F32)
			for j := range g.Data().AsF32() {
				g.Data().AsF32()[j] = float32(rank + i)
			}
			gs = append(gs, g)
		}
		return gs
	}

	results := make([][]*tensor.Matrix, 2) // [packed|unpacked][gradients]
	for vi, threshold := range []int{smallLen * 4, noPacking} {
		var mu sync.Mutex
		runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice, PackThresholdBytes: threshold}, func(a *Aggregator, rank int) {
			gs := mk(rank)
			h := sampleHeader(16)
			ok := a.Aggregate(gs, h, false)
			assert.True(t, ok)
			if threshold > 0 {
				// The small gradients went through one packed
				// buffer, the large ones individually.
				assert.Len(t, a.packedIndices, nSmall)
				assert.Len(t, a.toAggregate, nLarge+1)
				assert.Equal(t, packedSlot, a.toAggregate[0])
			} else {
				assert.Empty(t, a.packedIndices)
				assert.Len(t, a.toAggregate, nSmall+nLarge)
			}
			if rank == 0 {
				mu.Lock()
				results[vi] = gs
				mu.Unlock()
			}
		})
	}
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	for i := range results[0] {
		assert.Equal(t, results[1][i].Data().AsF32(), results[0][i].Data().AsF32(), "gradient %d", i)
	}
}

func TestBranchEquivalence(t *testing.T) { // property 10
	type variant struct {
		name       string
		deviceID   int
		clusterOpt inproc.Option
		coll       nccl.Comm
	}
	variants := []variant{
		{name: "host-messaging", deviceID: tensor.CPUDevice},
		{name: "device-direct", deviceID: 0, clusterOpt: inproc.Option{GpuGdr: true}},
		{name: "host-staged", deviceID: 0},
		{name: "device-collective", deviceID: 0, coll: collSentinel},
	}
	var want [][]float32
	for _, v := range variants {
		v := v
		t.Run(v.name, func(t *testing.T) {
			var mu sync.Mutex
			var got [][]float32
			opts := Options{DeviceID: v.deviceID, Collective: v.coll}
			runRanks(t, 2, v.clusterOpt, opts, func(a *Aggregator, rank int) {
				gs := []*tensor.Matrix{
					makeGrad(v.deviceID, float32(rank)+0.25, float32(rank)+0.5),
					makeGrad(v.deviceID, float32(2*rank)+0.125),
				}
				h := sampleHeader(int64(rank + 1))
				ok := a.Aggregate(gs, h, false)
				assert.True(t, ok)
				assert.Equal(t, int64(3), h.NumSamples)
				if rank == 0 {
					mu.Lock()
					for _, g := range gs {
						got = append(got, append([]float32(nil), g.Data().AsF32()...))
					}
					mu.Unlock()
				}
			})
			require.Len(t, got, 2)
			if want == nil {
				want = got
				return
			}
			for i := range want {
				assert.InDeltaSlice(t, want[i], got[i], 1e-5)
			}
		})
	}
}

func TestAsyncOneIterationDelay(t *testing.T) { // S4 + property 6
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice, Async: true}, func(a *Aggregator, rank int) {
		g := makeGrad(tensor.CPUDevice, 1)
		h1 := sampleHeader(1)
		ok := a.Aggregate([]*tensor.Matrix{g}, h1, false)
		assert.False(t, ok)
		assert.Equal(t, []float32{1}, g.Data().AsF32())
		assert.Zero(t, h1.NumSamples)

		g.Data().AsF32()[0] = 2
		h2 := sampleHeader(1)
		ok = a.Aggregate([]*tensor.Matrix{g}, h2, false)
		assert.True(t, ok)
		assert.Equal(t, []float32{2}, g.Data().AsF32())
		assert.Equal(t, int64(2), h2.NumSamples)

		a.WaitPending()
		a.Close()
	})
}

func TestAsyncThirdIterationSeesSecond(t *testing.T) {
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice, Async: true}, func(a *Aggregator, rank int) {
		g := makeGrad(tensor.CPUDevice, 10)
		a.Aggregate([]*tensor.Matrix{g}, sampleHeader(1), false)

		g.Data().AsF32()[0] = float32(rank + 1)
		a.Aggregate([]*tensor.Matrix{g}, sampleHeader(1), false)

		g.Data().AsF32()[0] = 0
		h := sampleHeader(1)
		ok := a.Aggregate([]*tensor.Matrix{g}, h, false)
		assert.True(t, ok)
		// Sum of iteration 2's values: 1 + 2.
		assert.Equal(t, []float32{3}, g.Data().AsF32())

		a.WaitPending()
		a.Close()
	})
}

func TestAsyncZeroSampleIterationSkipsLaunch(t *testing.T) {
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice, Async: true}, func(a *Aggregator, rank int) {
		g := makeGrad(tensor.CPUDevice, 5)
		a.Aggregate([]*tensor.Matrix{g}, sampleHeader(2), false)

		// No samples this round: nothing is launched, and the next
		// call reports no aggregated results.
		g.Data().AsF32()[0] = 999
		a.Aggregate([]*tensor.Matrix{g}, NewHeader(1), false)
		a.WaitPending()

		h := sampleHeader(1)
		g.Data().AsF32()[0] = 7
		ok := a.Aggregate([]*tensor.Matrix{g}, h, false)
		assert.False(t, ok)
		assert.Zero(t, h.NumSamples)

		a.WaitPending()
		a.Close()
	})
}

func TestIdempotentReset(t *testing.T) { // property 9
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		g := makeGrad(tensor.CPUDevice, 4, 4)
		ok := a.Aggregate([]*tensor.Matrix{g}, NewHeader(1), true)
		assert.False(t, ok)
		assert.Equal(t, []float32{0, 0}, g.Data().AsF32())

		g.Data().AsF32()[0] = 3
		ok = a.Aggregate([]*tensor.Matrix{g}, NewHeader(1), false)
		assert.False(t, ok)
		assert.Equal(t, []float32{0, 0}, g.Data().AsF32())
	})
}

func TestDistributedCheck(t *testing.T) { // S6
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		assert.False(t, a.DistributedCheck(int64(100+rank), 2))
		assert.True(t, a.DistributedCheck(100, 2))
	})
}

func TestDistributedAllGatherRoundTrip(t *testing.T) { // property 8
	runRanks(t, 3, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		src := makeGrad(tensor.CPUDevice, float32(rank), float32(rank*10))
		dst := tensor.NewMatrix(1, 6, tensor.CPUDevice, base.F32)
		a.DistributedAllGather(src, dst, 2)
		assert.Equal(t, []float32{0, 0, 1, 10, 2, 20}, dst.Data().AsF32())
		// Slicing by rank recovers the original contribution.
		assert.Equal(t, src.Data().AsF32(), dst.Data().AsF32()[rank*2:rank*2+2])
	})
}

func TestDistributedAllGatherStaged(t *testing.T) {
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: 0}, func(a *Aggregator, rank int) {
		a.DistributedInit(0, 16)
		src := makeGrad(0, float32(rank+1))
		dst := tensor.NewMatrix(1, 2, 0, base.F32)
		a.DistributedAllGather(src, dst, 1)
		assert.Equal(t, []float32{1, 2}, dst.Data().AsF32())
	})
}

func TestDistributedAllReduceOps(t *testing.T) {
	runRanks(t, 3, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		m := makeGrad(tensor.CPUDevice, float32(rank), 5-float32(rank))
		a.DistributedAllReduce(m, base.MAX)
		assert.Equal(t, []float32{2, 5}, m.Data().AsF32())

		m2 := makeGrad(tensor.CPUDevice, float32(rank+1))
		a.DistributedAllReduce(m2, base.PROD)
		assert.Equal(t, []float32{6}, m2.Data().AsF32())
	})
}

func TestDistributedAllReduceStaged(t *testing.T) {
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: 0}, func(a *Aggregator, rank int) {
		a.DistributedInit(0, 8)
		m := makeGrad(0, float32(rank+1), float32(rank+1))
		a.DistributedAllReduce(m, base.SUM)
		assert.Equal(t, []float32{3, 3}, m.Data().AsF32())
	})
}

func TestWaitAll(t *testing.T) {
	runRanks(t, 3, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		a.WaitAll()
	})
}

func TestMultipleIterationsStableState(t *testing.T) {
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice}, func(a *Aggregator, rank int) {
		g1 := makeGrad(tensor.CPUDevice, 0)
		g2 := tensor.NewMatrix(64, 64, tensor.CPUDevice, base.F32)
		for it := 1; it <= 5; it++ {
			g1.Data().AsF32()[0] = float32(it * (rank + 1))
			g2.SetValue(float64(it))
			h := sampleHeader(int64(it))
			ok := a.Aggregate([]*tensor.Matrix{g1, g2}, h, false)
			assert.True(t, ok)
			assert.Equal(t, float32(3*it), g1.Data().AsF32()[0])
			assert.Equal(t, float32(2*it), g2.Data().AsF32()[0])
			assert.Equal(t, int64(2*it), h.NumSamples)
		}
	})
}

func TestAsyncReceivesAggregatedHeaderOnce(t *testing.T) {
	runRanks(t, 2, inproc.Option{}, Options{DeviceID: tensor.CPUDevice, Async: true}, func(a *Aggregator, rank int) {
		g := makeGrad(tensor.CPUDevice, 1)
		a.Aggregate([]*tensor.Matrix{g}, sampleHeader(4), false)
		h := sampleHeader(4)
		a.Aggregate([]*tensor.Matrix{g}, h, false)
		assert.Equal(t, int64(8), h.NumSamples)
		assert.Equal(t, int64(8), h.NumSamplesWithLabel)
		assert.Equal(t, 4.0, h.Criterion)
		a.WaitPending()
		a.Close()
	})
}
