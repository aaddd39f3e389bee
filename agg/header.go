package agg

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

var endian = binary.LittleEndian

// EvalError is one evaluation metric's running (sum, count) pair.
type EvalError struct {
	Sum   float64
	Count int64
}

// Header is the fixed-size per-iteration record aggregated alongside the
// gradients: sample counters, the loss criterion, and one (sum, count) pair
// per evaluation node. Aggregation is element-wise addition.
type Header struct {
	NumSamples          int64
	NumSamplesWithLabel int64
	Criterion           float64
	EvalErrors          []EvalError
}

func NewHeader(numEvalNode int) *Header {
	return &Header{
		EvalErrors: make([]EvalError, numEvalNode),
	}
}

func (h *Header) NumEvalNode() int { return len(h.EvalErrors) }

const headerFixedSize = 8 * 4

// HeaderSize is the wire size of a header with numEvalNode metrics.
func HeaderSize(numEvalNode int) int {
	return headerFixedSize + 16*numEvalNode
}

// Size is the wire size of the header: counters first, then the inline
// eval-error array.
func (h *Header) Size() int {
	return HeaderSize(len(h.EvalErrors))
}

func (h *Header) Clear() {
	h.NumSamples = 0
	h.NumSamplesWithLabel = 0
	h.Criterion = 0
	for i := range h.EvalErrors {
		h.EvalErrors[i] = EvalError{}
	}
}

func (h *Header) Clone() *Header {
	c := NewHeader(len(h.EvalErrors))
	c.NumSamples = h.NumSamples
	c.NumSamplesWithLabel = h.NumSamplesWithLabel
	c.Criterion = h.Criterion
	copy(c.EvalErrors, h.EvalErrors)
	return c
}

// Swap exchanges the contents of h and o.
func (h *Header) Swap(o *Header) {
	h.NumSamples, o.NumSamples = o.NumSamples, h.NumSamples
	h.NumSamplesWithLabel, o.NumSamplesWithLabel = o.NumSamplesWithLabel, h.NumSamplesWithLabel
	h.Criterion, o.Criterion = o.Criterion, h.Criterion
	h.EvalErrors, o.EvalErrors = o.EvalErrors, h.EvalErrors
}

// Aggregate adds o into h element-wise.
func (h *Header) Aggregate(o *Header) {
	h.NumSamples += o.NumSamples
	h.NumSamplesWithLabel += o.NumSamplesWithLabel
	h.Criterion += o.Criterion
	for i := range h.EvalErrors {
		h.EvalErrors[i].Sum += o.EvalErrors[i].Sum
		h.EvalErrors[i].Count += o.EvalErrors[i].Count
	}
}

// Bytes returns the raw wire image of the header.
func (h *Header) Bytes() []byte {
	bs := make([]byte, h.Size())
	endian.PutUint64(bs[0:], uint64(h.NumSamples))
	endian.PutUint64(bs[8:], uint64(h.NumSamplesWithLabel))
	endian.PutUint64(bs[16:], math.Float64bits(h.Criterion))
	endian.PutUint64(bs[24:], uint64(len(h.EvalErrors)))
	off := headerFixedSize
	for _, e := range h.EvalErrors {
		endian.PutUint64(bs[off:], math.Float64bits(e.Sum))
		endian.PutUint64(bs[off+8:], uint64(e.Count))
		off += 16
	}
	return bs
}

// Decode overwrites h from a wire image. The eval-node count must match: it
// is fixed across ranks within one training run.
func (h *Header) Decode(bs []byte) error {
	if len(bs) != h.Size() {
		return errors.Errorf("header image is %d bytes, want %d", len(bs), h.Size())
	}
	if n := int(endian.Uint64(bs[24:])); n != len(h.EvalErrors) {
		return errors.Errorf("header has %d eval nodes, want %d", n, len(h.EvalErrors))
	}
	h.NumSamples = int64(endian.Uint64(bs[0:]))
	h.NumSamplesWithLabel = int64(endian.Uint64(bs[8:]))
	h.Criterion = math.Float64frombits(endian.Uint64(bs[16:]))
	off := headerFixedSize
	for i := range h.EvalErrors {
		h.EvalErrors[i].Sum = math.Float64frombits(endian.Uint64(bs[off:]))
		h.EvalErrors[i].Count = int64(endian.Uint64(bs[off+8:]))
		off += 16
	}
	return nil
}
