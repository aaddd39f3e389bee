package device

import (
	"sync"

	"github.com/pkg/errors"
)

// Host is the reference Runtime. Device memory is host memory and streams are
// FIFO worker goroutines, so overlap and wait semantics behave like the real
// thing without an accelerator.
var Host Runtime = newHostRuntime()

type hostRuntime struct {
	mu      sync.Mutex
	compute map[int]*stream
}

func newHostRuntime() *hostRuntime {
	return &hostRuntime{compute: make(map[int]*stream)}
}

func (r *hostRuntime) SetDevice(deviceID int) {}

func (r *hostRuntime) computeStream(deviceID int) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.compute[deviceID]
	if !ok {
		s = newStream()
		r.compute[deviceID] = s
	}
	return s
}

// ComputeAsync submits work to the device's compute stream. The training loop
// side of tests uses it to model kernels still in flight when Aggregate is
// called.
func (r *hostRuntime) ComputeAsync(deviceID int, op func()) {
	r.computeStream(deviceID).Enqueue(op)
}

func (r *hostRuntime) NewPinnedAllocator(deviceID int) Allocator {
	return &hostAllocator{deviceID: deviceID}
}

type hostAllocator struct {
	deviceID int
}

const maxHostAlloc = 1 << 34

func (a *hostAllocator) Malloc(size int) ([]byte, error) {
	if size < 0 || size > maxHostAlloc {
		return nil, errors.Errorf("pinned alloc of %d bytes on device %d refused", size, a.deviceID)
	}
	return make([]byte, size), nil
}

func (r *hostRuntime) NewTransferEngine(deviceID int) TransferEngine {
	return &hostTransferEngine{
		d2h: newStream(),
		h2d: newStream(),
	}
}

type hostTransferEngine struct {
	d2h *stream
	h2d *stream
}

func (e *hostTransferEngine) CopyDeviceToHostAsync(dst, src []byte) {
	e.d2h.Enqueue(func() { copy(dst, src) })
}

func (e *hostTransferEngine) CopyHostToDeviceAsync(dst, src []byte) {
	e.h2d.Enqueue(func() { copy(dst, src) })
}

func (e *hostTransferEngine) WaitForDeviceToHost() { e.d2h.Synchronize() }

func (e *hostTransferEngine) WaitForHostToDevice() { e.h2d.Synchronize() }

func (e *hostTransferEngine) Close() {
	e.d2h.Close()
	e.h2d.Close()
}

func (r *hostRuntime) RecordComputeEvent(deviceID int) Event {
	ev := &hostEvent{reached: make(chan struct{})}
	r.computeStream(deviceID).Enqueue(func() { close(ev.reached) })
	return ev
}

type hostEvent struct {
	reached chan struct{}
}

func (ev *hostEvent) SynchronizeTransferStream() { <-ev.reached }

func (ev *hostEvent) SynchronizeEvent() { <-ev.reached }
