// gradsum-demo is a worker binary exercising the aggregator end-to-end over
// the TCP transport. Launch it with gradsum-run, e.g.
//
//	gradsum-run -np 4 gradsum-demo -iters 10
//
// Every rank contributes gradients filled with rank+1 and checks the reduced
// values against the closed-form sum.
package main

import (
	"flag"
	"math"
	"time"

	"github.com/distml/gradsum/agg"
	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/config"
	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/monitor"
	"github.com/distml/gradsum/mpi/tcp"
	"github.com/distml/gradsum/tensor"
	"github.com/distml/gradsum/utils"
)

var (
	iters  = flag.Int("iters", 10, "number of aggregation iterations")
	rows   = flag.Int("rows", 64, "gradient rows")
	cols   = flag.Int("cols", 128, "gradient cols")
	nGrads = flag.Int("grads", 8, "number of gradient tensors")
)

func main() {
	flag.Parse()
	comm, err := tcp.FromEnv()
	if err != nil {
		utils.ExitErr(err)
	}
	defer comm.Close()
	if len(config.MonitorAddr) > 0 {
		go monitor.StartServer(config.MonitorAddr, time.Second)
	}

	n := comm.NumNodesInUse()
	rank := comm.CurrentNodeRank()
	a := agg.New(comm, agg.Options{DeviceID: tensor.CPUDevice, SyncStatsTrace: *iters})

	gradients := make([]*tensor.Matrix, *nGrads)
	for i := range gradients {
		gradients[i] = tensor.NewMatrix(*rows, *cols, tensor.CPUDevice, base.F32)
	}
	want := float32(n) * (float32(n) + 1) / 2

	t0 := time.Now()
	for it := 0; it < *iters; it++ {
		for _, g := range gradients {
			fill(g, float32(rank+1))
		}
		header := agg.NewHeader(1)
		header.NumSamples = 32
		header.NumSamplesWithLabel = 32
		header.Criterion = float64(rank)

		if !a.Aggregate(gradients, header, false) {
			log.Exitf("iteration %d aggregated no samples", it)
		}
		if header.NumSamples != int64(32*n) {
			log.Exitf("iteration %d: header.NumSamples = %d, want %d", it, header.NumSamples, 32*n)
		}
		for gi, g := range gradients {
			xs := g.Data().AsF32()
			for _, x := range xs {
				if math.Abs(float64(x-want)) > 1e-5 {
					log.Exitf("iteration %d gradient %d: got %f, want %f", it, gi, x, want)
				}
			}
		}
	}
	a.WaitAll()
	var bytes int64
	for _, g := range gradients {
		bytes += int64(g.SizeInBytes())
	}
	log.Infof("rank %d/%d verified %d iterations, %.0f bytes/s aggregated",
		rank, n, *iters, utils.Rate(bytes*int64(*iters), time.Since(t0)))
}

func fill(m *tensor.Matrix, v float32) {
	xs := m.Data().AsF32()
	for i := range xs {
		xs[i] = v
	}
}
