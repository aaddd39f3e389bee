package base

import "fmt"

// DataType identifies the element type of a Vector.
type DataType uint32

const (
	U8 DataType = iota + 1
	I8
	I32
	I64
	F16
	F32
	F64
)

var dtypeSizes = map[DataType]int{
	U8:  1,
	I8:  1,
	I32: 4,
	I64: 8,
	F16: 2,
	F32: 4,
	F64: 8,
}

var dtypeNames = map[DataType]string{
	U8:  `u8`,
	I8:  `i8`,
	I32: `i32`,
	I64: `i64`,
	F16: `f16`,
	F32: `f32`,
	F64: `f64`,
}

func (t DataType) Size() int {
	return dtypeSizes[t]
}

func (t DataType) String() string {
	if name, ok := dtypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint32(t))
}
