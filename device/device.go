// Package device abstracts the accelerator runtime primitives the aggregator
// needs: page-locked host allocation, asynchronous device<->host copies on a
// dedicated transfer stream, and events binding the transfer stream to the
// compute stream. The host runtime is the reference implementation; an
// accelerator runtime plugs in behind the same interfaces.
package device

// Allocator allocates page-locked host buffers tied to a device.
type Allocator interface {
	Malloc(size int) ([]byte, error)
}

// TransferEngine schedules asynchronous copies between device and host
// memory. One engine binds a device-to-host and a host-to-device stream pair;
// copies in one direction retire in FIFO order.
type TransferEngine interface {
	CopyDeviceToHostAsync(dst, src []byte)
	CopyHostToDeviceAsync(dst, src []byte)
	WaitForDeviceToHost()
	WaitForHostToDevice()
	Close()
}

// Event is a recorded point on a device's compute stream.
type Event interface {
	// SynchronizeTransferStream makes the transfer stream wait until the
	// recorded point has been reached by the compute stream.
	SynchronizeTransferStream()
	// SynchronizeEvent blocks the calling goroutine until the recorded
	// point has been reached.
	SynchronizeEvent()
}

// Runtime constructs the per-device primitives.
type Runtime interface {
	// SetDevice binds the calling goroutine to the device. Background
	// aggregation tasks call this first.
	SetDevice(deviceID int)
	NewPinnedAllocator(deviceID int) Allocator
	NewTransferEngine(deviceID int) TransferEngine
	// RecordComputeEvent records an event capturing all compute work
	// submitted to the device so far.
	RecordComputeEvent(deviceID int) Event
}
