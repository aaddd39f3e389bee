// Package nccl abstracts the device-direct collective library. The library is
// lazily initialized; a communicator that probes as unsupported makes the
// aggregator fall back to a messaging-layer branch, which is not an error.
package nccl

import (
	"github.com/distml/gradsum/base"
	"github.com/distml/gradsum/mpi"
	"github.com/distml/gradsum/tensor"
)

// Comm is a collective communicator operating directly over device memory on
// its own streams. Sync flushes those streams.
type Comm interface {
	IsSupported() bool
	// AllReduceTensors issues one batched in-place sum over every tensor.
	AllReduceTensors(ms []*tensor.Matrix) error
	AllReduce(src, dst *base.Vector, op base.OP) error
	AllGather(src, dst *base.Vector) error
	Sync() error
}

// New probes for device collective support. Without an accelerator build
// there is nothing to initialize, so the probe reports unsupported and every
// operation is unreachable.
func New(deviceID int, comm mpi.Comm) Comm {
	return &unsupported{}
}

type unsupported struct{}

func (*unsupported) IsSupported() bool { return false }

func (*unsupported) AllReduceTensors(ms []*tensor.Matrix) error {
	panic("device collective library is not initialized")
}

func (*unsupported) AllReduce(src, dst *base.Vector, op base.OP) error {
	panic("device collective library is not initialized")
}

func (*unsupported) AllGather(src, dst *base.Vector) error {
	panic("device collective library is not initialized")
}

func (*unsupported) Sync() error { return nil }
