package hostmem

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

const shardedProgram = `module @replicate_sharded_data {
  sdy.mesh @mesh = <["devices"=2]>
  func.func @main(%0: tensor<4x4xf32> {sdy.sharding = #sdy.sharding<@mesh, [{"devices"}, {}]>}) -> tensor<4x4xf32> {
    %1 = stablehlo.constant dense<0.0> : tensor<f32>
    %2 = stablehlo.broadcast_in_dim %1, dims = [] : (tensor<f32>) -> tensor<4x4xf32>
    %3 = stablehlo.add %0, %2 : tensor<4x4xf32>
    func.return %3 : tensor<4x4xf32>
  }
}`

func TestParseMainSignatureSharded(t *testing.T) {
	sig, err := parseMainSignature(shardedProgram)
	require.NoError(t, err)
	require.Len(t, sig.params, 1)
	require.Len(t, sig.results, 1)

	param := sig.params[0]
	require.Equal(t, dtypes.F32, param.shape.DType)
	require.Equal(t, []int{4, 4}, param.shape.Dimensions)
	require.Equal(t, 0, param.shardedAxis)

	require.Equal(t, []int{4, 4}, sig.results[0].Dimensions)
}

func TestParseMainSignatureReplicated(t *testing.T) {
	program := `func.func @main(%0: tensor<2x3xi32> {sdy.sharding = #sdy.sharding<@mesh, [{}, {}]>}) -> tensor<2x3xi32> {`
	sig, err := parseMainSignature(program)
	require.NoError(t, err)
	require.Equal(t, -1, sig.params[0].shardedAxis)
	require.Equal(t, dtypes.S32, sig.params[0].shape.DType)
}

func TestParseMainSignatureSecondAxis(t *testing.T) {
	program := `func.func @main(%0: tensor<2x6xf64> {sdy.sharding = #sdy.sharding<@mesh, [{}, {"devices"}]>}) -> tensor<2x6xf64> {`
	sig, err := parseMainSignature(program)
	require.NoError(t, err)
	require.Equal(t, 1, sig.params[0].shardedAxis)
}

func TestParseMainSignatureMultipleParamsAndResults(t *testing.T) {
	program := `func.func @main(%0: tensor<2xf32>, %1: tensor<f16>) -> (tensor<2xf32>, tensor<f16>) {`
	sig, err := parseMainSignature(program)
	require.NoError(t, err)
	require.Len(t, sig.params, 2)
	require.Len(t, sig.results, 2)
	require.Equal(t, -1, sig.params[0].shardedAxis)
	require.Equal(t, -1, sig.params[1].shardedAxis)
	require.Equal(t, dtypes.F16, sig.results[1].DType)
	require.True(t, sig.results[1].IsScalar())
}

func TestParseMainSignatureScalarAndUnannotated(t *testing.T) {
	program := `func.func @main(%0: tensor<f64>) -> tensor<f64> {`
	sig, err := parseMainSignature(program)
	require.NoError(t, err)
	require.True(t, sig.params[0].shape.IsScalar())
	require.Equal(t, -1, sig.params[0].shardedAxis)
}

func TestParseMainSignatureErrors(t *testing.T) {
	_, err := parseMainSignature("module {}")
	require.Error(t, err)

	// Unterminated parameter list.
	_, err = parseMainSignature("func.func @main(%0: tensor<2xf32>")
	require.Error(t, err)

	// No results.
	_, err = parseMainSignature("func.func @main(%0: tensor<2xf32>) {")
	require.Error(t, err)

	// Unsupported element type.
	_, err = parseMainSignature("func.func @main(%0: tensor<2xc64>) -> tensor<2xc64> {")
	require.Error(t, err)
}
