package base

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/distml/gradsum/utils"
)

// Vector is a dense typed buffer, the unit every reduction and staging copy
// operates on. Data always holds Count*Type.Size() bytes.
type Vector struct {
	Data  []byte
	Count int
	Type  DataType
}

func NewVector(count int, dtype DataType) *Vector {
	return &Vector{
		Data:  make([]byte, count*dtype.Size()),
		Count: count,
		Type:  dtype,
	}
}

// SizeInBytes is the length of the underlying storage.
func (b *Vector) SizeInBytes() int {
	return b.Count * b.Type.Size()
}

// Slice returns the sub-vector of elements [begin, end), sharing storage
// with b. Collectives use it to address per-rank sections of a gather
// buffer, the packer to address per-gradient sections of the scratch buffer.
func (b *Vector) Slice(begin, end int) *Vector {
	if begin < 0 || end < begin || end > b.Count {
		panic(fmt.Sprintf("vector slice [%d:%d) of %d elements", begin, end, b.Count))
	}
	es := b.Type.Size()
	return &Vector{
		Data:  b.Data[begin*es : end*es],
		Count: end - begin,
		Type:  b.Type,
	}
}

// CopyFrom copies c's elements into b. Count and type must agree: a mismatch
// means two ranks disagree about a tensor's layout, which the caller must
// surface rather than truncate.
func (b *Vector) CopyFrom(c *Vector) error {
	if b.Count != c.Count || b.Type != c.Type {
		return errors.Errorf("copy of %d %s elements into %d %s elements", c.Count, c.Type, b.Count, b.Type)
	}
	copy(b.Data, c.Data)
	return nil
}

// Zero clears every element.
func (b *Vector) Zero() {
	clear(b.Data)
}

var errInvalidDataType = errors.New("invalid data type")

func (b *Vector) AsU8() []uint8 {
	if b.Type != U8 {
		utils.ExitErr(errInvalidDataType)
	}
	return b.Data[:b.Count]
}

func (b *Vector) AsI8() []int8 {
	if b.Type != I8 {
		utils.ExitErr(errInvalidDataType)
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsI32() []int32 {
	if b.Type != I32 {
		utils.ExitErr(errInvalidDataType)
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsI64() []int64 {
	if b.Type != I64 {
		utils.ExitErr(errInvalidDataType)
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsU16() []uint16 {
	if b.Type != F16 {
		utils.ExitErr(errInvalidDataType)
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsF32() []float32 {
	if b.Type != F32 {
		utils.ExitErr(errInvalidDataType)
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.Data[0])), b.Count)
}

func (b *Vector) AsF64() []float64 {
	if b.Type != F64 {
		utils.ExitErr(errInvalidDataType)
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.Data[0])), b.Count)
}
