package meshclient

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestLiteralRoundTrip(t *testing.T) {
	l := must.M1(NewLiteralFromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	require.Equal(t, dtypes.F32, l.Shape().DType)
	require.Equal(t, []int{2, 3}, l.Shape().Dimensions)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, must.M1(LiteralData[float32](l)))

	// Scalar.
	scalar := must.M1(NewLiteralFromFlat([]int32{42}))
	require.True(t, scalar.Shape().IsScalar())
	require.Equal(t, []int32{42}, must.M1(LiteralData[int32](scalar)))
}

func TestLiteralFloat16(t *testing.T) {
	flat := []float16.Float16{
		float16.Fromfloat32(0.5),
		float16.Fromfloat32(-2),
		float16.Fromfloat32(8),
	}
	l := must.M1(NewLiteralFromFlat(flat, 3))
	require.Equal(t, dtypes.F16, l.Shape().DType)
	require.Equal(t, flat, must.M1(LiteralData[float16.Float16](l)))
}

func TestLiteralFromBytes(t *testing.T) {
	shape := shapes.Make(dtypes.U8, 4)
	l := must.M1(NewLiteralFromBytes([]byte{1, 2, 3, 4}, shape))
	require.Equal(t, []uint8{1, 2, 3, 4}, must.M1(LiteralData[uint8](l)))

	_, err := NewLiteralFromBytes([]byte{1, 2}, shape)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestLiteralErrors(t *testing.T) {
	_, err := NewLiteralFromFlat([]float32{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ErrShapeMismatch)

	l := must.M1(NewLiteralFromFlat([]float32{1, 2, 3, 4}, 2, 2))
	_, err = LiteralData[int32](l)
	require.ErrorIs(t, err, ErrShapeMismatch)
}
