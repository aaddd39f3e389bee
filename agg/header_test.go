package agg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSize(t *testing.T) {
	assert.Equal(t, 32, NewHeader(0).Size())
	assert.Equal(t, 32+16*3, NewHeader(3).Size())
	assert.Equal(t, HeaderSize(3), NewHeader(3).Size())
}

func TestHeaderWireRoundTrip(t *testing.T) {
	h := NewHeader(2)
	h.NumSamples = 128
	h.NumSamplesWithLabel = 100
	h.Criterion = 0.125
	h.EvalErrors[0] = EvalError{Sum: 3.5, Count: 7}
	h.EvalErrors[1] = EvalError{Sum: -1, Count: 2}

	image := h.Bytes()
	require.Len(t, image, h.Size())

	got := NewHeader(2)
	require.NoError(t, got.Decode(image))
	assert.Equal(t, h, got)
}

func TestHeaderDecodeRejectsMismatch(t *testing.T) {
	h := NewHeader(2)
	assert.Error(t, NewHeader(1).Decode(h.Bytes()))
	assert.Error(t, NewHeader(2).Decode(h.Bytes()[:8]))
}

func TestHeaderAggregate(t *testing.T) {
	a := NewHeader(1)
	a.NumSamples = 4
	a.NumSamplesWithLabel = 4
	a.Criterion = 1.5
	a.EvalErrors[0] = EvalError{Sum: 2, Count: 4}

	b := NewHeader(1)
	b.NumSamples = 6
	b.NumSamplesWithLabel = 5
	b.Criterion = 0.5
	b.EvalErrors[0] = EvalError{Sum: 1, Count: 6}

	a.Aggregate(b)
	assert.Equal(t, int64(10), a.NumSamples)
	assert.Equal(t, int64(9), a.NumSamplesWithLabel)
	assert.Equal(t, 2.0, a.Criterion)
	assert.Equal(t, EvalError{Sum: 3, Count: 10}, a.EvalErrors[0])
}

func TestHeaderSwapAndClear(t *testing.T) {
	a := NewHeader(1)
	a.NumSamples = 3
	a.EvalErrors[0].Count = 1
	b := NewHeader(1)
	b.NumSamples = 9

	a.Swap(b)
	assert.Equal(t, int64(9), a.NumSamples)
	assert.Equal(t, int64(3), b.NumSamples)
	assert.Equal(t, int64(1), b.EvalErrors[0].Count)

	b.Clear()
	assert.Zero(t, b.NumSamples)
	assert.Zero(t, b.EvalErrors[0].Count)
}

func TestHeaderClone(t *testing.T) {
	a := NewHeader(1)
	a.NumSamples = 5
	c := a.Clone()
	c.NumSamples = 6
	c.EvalErrors[0].Sum = 1
	assert.Equal(t, int64(5), a.NumSamples)
	assert.Zero(t, a.EvalErrors[0].Sum)
}
