package agg

import "github.com/distml/gradsum/tensor"

// capability is the per-call snapshot of the runtime's collective abilities.
// The device collective library initializes lazily, so a later call can probe
// differently than the first; buffer sizing never re-decides after init.
type capability struct {
	gpuDirect        bool
	deviceCollective bool
	onHost           bool
}

func (a *Aggregator) probe(deviceID int) capability {
	return capability{
		gpuDirect:        a.comm.UseGpuGdr(),
		deviceCollective: a.coll.IsSupported(),
		onHost:           deviceID == tensor.CPUDevice,
	}
}

// stageThroughHost selects the pipelined device->host->device path: the
// transport cannot read device memory and no device collective is available.
func (c capability) stageThroughHost() bool {
	return !c.deviceCollective && !c.gpuDirect && !c.onHost
}
