package tensor

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/distml/gradsum/base"
)

// CPUDevice is the device id of host memory.
const CPUDevice = -1

// Kind tells how the elements of a Matrix are stored.
type Kind int

const (
	Dense Kind = iota
	SparseCSC
)

// Matrix is a dense 2-dimensional tensor with contiguous row-major storage,
// residing on a single device (host or accelerator).
type Matrix struct {
	rows   int
	cols   int
	device int
	kind   Kind
	data   *base.Vector
}

func NewMatrix(rows, cols, device int, dtype base.DataType) *Matrix {
	m, err := TryNewMatrix(rows, cols, device, dtype)
	if err != nil {
		panic(err)
	}
	return m
}

// TryNewMatrix reports an invalid or overflowing shape as an error instead of
// panicking, so callers that have a fallback (e.g. the packing planner) can
// take it. Failure of the underlying memory allocation is not reported.
func TryNewMatrix(rows, cols, device int, dtype base.DataType) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, errors.Errorf("tensor: invalid shape %dx%d", rows, cols)
	}
	n := rows * cols
	if cols != 0 && n/cols != rows {
		return nil, errors.Errorf("tensor: shape %dx%d overflows", rows, cols)
	}
	return &Matrix{
		rows:   rows,
		cols:   cols,
		device: device,
		kind:   Dense,
		data:   base.NewVector(n, dtype),
	}, nil
}

// NewSparse creates a sparse placeholder. The aggregator rejects these; the
// constructor exists so callers (and tests) can hand one in.
func NewSparse(rows, cols, device int, dtype base.DataType) *Matrix {
	m := NewMatrix(rows, cols, device, dtype)
	m.kind = SparseCSC
	return m
}

func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }
func (m *Matrix) Device() int { return m.device }
func (m *Matrix) Kind() Kind { return m.kind }
func (m *Matrix) Type() base.DataType { return m.data.Type }
func (m *Matrix) NumElements() int { return m.data.Count }
func (m *Matrix) SizeInBytes() int { return m.data.SizeInBytes() }
func (m *Matrix) Data() *base.Vector { return m.data }
func (m *Matrix) Bytes() []byte { return m.data.Data }
func (m *Matrix) OnHost() bool { return m.device == CPUDevice }

func (m *Matrix) String() string {
	return fmt.Sprintf("Matrix<%s>{%dx%d@%d}", m.data.Type, m.rows, m.cols, m.device)
}

// EqualShape reports whether o has the same shape, type and device.
func (m *Matrix) EqualShape(o *Matrix) bool {
	return m.rows == o.rows && m.cols == o.cols && m.device == o.device && m.data.Type == o.data.Type
}

// ColumnSlice returns a view of cols [begin, begin+n) sharing storage.
// Only defined on row vectors, which is the only layout the packed scratch
// buffer uses; a column range of a row vector is a contiguous element range.
func (m *Matrix) ColumnSlice(begin, n int) *Matrix {
	if m.rows != 1 {
		panic(fmt.Sprintf("ColumnSlice on %dx%d matrix", m.rows, m.cols))
	}
	return &Matrix{
		rows:   1,
		cols:   n,
		device: m.device,
		kind:   m.kind,
		data:   m.data.Slice(begin, begin+n),
	}
}

// Reshaped returns a view with shape rows x cols sharing storage.
func (m *Matrix) Reshaped(rows, cols int) *Matrix {
	if rows*cols != m.data.Count {
		panic(fmt.Sprintf("Reshaped %dx%d on matrix of %d elements", rows, cols, m.data.Count))
	}
	return &Matrix{
		rows:   rows,
		cols:   cols,
		device: m.device,
		kind:   m.kind,
		data:   m.data,
	}
}

// AssignValuesOf copies o's elements into m. Shapes may differ as long as
// the element counts agree (mirrors assigning a reshaped view).
func (m *Matrix) AssignValuesOf(o *Matrix) {
	if m.data.Count != o.data.Count || m.data.Type != o.data.Type {
		panic(fmt.Sprintf("AssignValuesOf: %s <- %s", m, o))
	}
	copy(m.data.Data, o.data.Data)
}

// SetValue fills every element with v.
func (m *Matrix) SetValue(v float64) {
	if v == 0 {
		m.data.Zero()
		return
	}
	switch m.data.Type {
	case base.F32:
		xs := m.data.AsF32()
		for i := range xs {
			xs[i] = float32(v)
		}
	case base.F64:
		xs := m.data.AsF64()
		for i := range xs {
			xs[i] = v
		}
	default:
		panic(fmt.Sprintf("SetValue on %s matrix", m.data.Type))
	}
}

// Swap exchanges the contents of m and o, leaving both handles in place.
func (m *Matrix) Swap(o *Matrix) {
	m.rows, o.rows = o.rows, m.rows
	m.cols, o.cols = o.cols, m.cols
	m.device, o.device = o.device, m.device
	m.kind, o.kind = o.kind, m.kind
	m.data, o.data = o.data, m.data
}

func (m *Matrix) Clone() *Matrix {
	c := NewMatrix(m.rows, m.cols, m.device, m.data.Type)
	copy(c.data.Data, m.data.Data)
	return c
}
