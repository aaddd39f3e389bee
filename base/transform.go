package base

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/distml/gradsum/utils"
)

type number interface {
	~uint8 | ~int8 | ~int32 | ~int64 | ~float32 | ~float64
}

func apply[T number](op OP, x, y T) T {
	switch op {
	case SUM:
		return x + y
	case MIN:
		if x < y {
			return x
		}
		return y
	case MAX:
		if x > y {
			return x
		}
		return y
	case PROD:
		return x * y
	}
	utils.ExitErr(fmt.Errorf("invalid op: %d", op))
	return x
}

func transform[T number](z, x, y []T, op OP) {
	for i := range z {
		z[i] = apply(op, x[i], y[i])
	}
}

func transformF16(z, x, y []uint16, op OP) {
	for i := range z {
		a := float16.Frombits(x[i]).Float32()
		b := float16.Frombits(y[i]).Float32()
		z[i] = float16.Fromfloat32(apply(op, a, b)).Bits()
	}
}

// Transform performs y[i] = op(y[i], x[i]) for vectors y and x.
func Transform(y, x *Vector, op OP) {
	Transform2(y, x, y, op)
}

// Transform2 performs z[i] = op(x[i], y[i]) for vectors z and x, y.
// Assuming Count and Type are consistent.
func Transform2(z, x, y *Vector, op OP) {
	switch z.Type {
	case U8:
		transform(z.AsU8(), x.AsU8(), y.AsU8(), op)
	case I8:
		transform(z.AsI8(), x.AsI8(), y.AsI8(), op)
	case I32:
		transform(z.AsI32(), x.AsI32(), y.AsI32(), op)
	case I64:
		transform(z.AsI64(), x.AsI64(), y.AsI64(), op)
	case F16:
		transformF16(z.AsU16(), x.AsU16(), y.AsU16(), op)
	case F32:
		transform(z.AsF32(), x.AsF32(), y.AsF32(), op)
	case F64:
		transform(z.AsF64(), x.AsF64(), y.AsF64(), op)
	default:
		utils.ExitErr(fmt.Errorf("invalid data type: %d", z.Type))
	}
}
