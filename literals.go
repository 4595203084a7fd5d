package meshclient

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// Literal is a host-resident tensor: a shape plus its flat row-major data.
// It is the unit of host⇄device transfer.
type Literal struct {
	shape shapes.Shape
	data  []byte
}

// NewLiteralFromFlat creates a Literal of the given dimensions from the flat
// (row-major) values. The dtype is taken from T. The flat slice is copied.
func NewLiteralFromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Literal, error) {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(flat) != shape.Size() {
		return nil, errors.WithMessagef(ErrShapeMismatch,
			"shape %s requires %d flat values, got %d", shape, shape.Size(), len(flat))
	}
	l := newLiteralForShape(shape)
	if len(flat) > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(l.data))
		copy(l.data, src)
	}
	return l, nil
}

// NewLiteralFromBytes creates a Literal from the raw flat row-major bytes of
// the given shape. The bytes are copied.
func NewLiteralFromBytes(data []byte, shape shapes.Shape) (*Literal, error) {
	if len(data) != int(shape.Memory()) {
		return nil, errors.WithMessagef(ErrShapeMismatch,
			"shape %s requires %d bytes, got %d", shape, shape.Memory(), len(data))
	}
	l := newLiteralForShape(shape)
	copy(l.data, data)
	return l, nil
}

// newLiteralForShape allocates an uninitialized Literal of the given shape.
func newLiteralForShape(shape shapes.Shape) *Literal {
	return &Literal{
		shape: shape.Clone(),
		data:  make([]byte, shape.Memory()),
	}
}

// Shape of the literal.
func (l *Literal) Shape() shapes.Shape { return l.shape }

// Bytes returns the literal's flat data. The slice is owned by the Literal;
// do not modify it while a transfer of this literal is in flight.
func (l *Literal) Bytes() []byte { return l.data }

// LiteralData returns the literal's flat values as a typed slice. T must
// match the literal's dtype.
func LiteralData[T dtypes.Supported](l *Literal) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if dtype != l.shape.DType {
		return nil, errors.WithMessagef(ErrShapeMismatch,
			"literal holds %s values, requested %s", l.shape.DType, dtype)
	}
	flat := make([]T, l.shape.Size())
	if len(flat) > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(l.data))
		copy(dst, l.data)
	}
	return flat, nil
}
