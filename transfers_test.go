package meshclient

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// roundTrip uploads the literal to device and reads it back.
func roundTrip(t *testing.T, client *Client, l *Literal, device string) *Literal {
	t.Helper()
	buffers := must.M1(client.TransferToServer([]TensorSource{{Literal: l, Device: device}}))
	require.Len(t, buffers, 1)
	require.Equal(t, device, buffers[0].Device())
	require.True(t, buffers[0].Shape().Equal(l.Shape()))

	back := must.M1(client.TransferFromServer(buffers))
	require.Len(t, back, 1)
	return back[0]
}

func TestTransferRoundTripRanks(t *testing.T) {
	client := newTestClient(t, "cpu", 0, 1)

	flat := make([]float32, 16)
	for i := range flat {
		flat[i] = float32(i) * 0.5
	}
	for _, dims := range [][]int{{}, {16}, {4, 4}, {2, 2, 4}, {2, 2, 2, 2}} {
		n := 1
		for _, d := range dims {
			n *= d
		}
		l := must.M1(NewLiteralFromFlat(flat[:n], dims...))
		back := roundTrip(t, client, l, "CPU:0")
		require.Equal(t, flat[:n], must.M1(LiteralData[float32](back)))
	}
}

func TestTransferRoundTripInt32(t *testing.T) {
	client := newTestClient(t, "cpu", 0, 1)
	l := must.M1(NewLiteralFromFlat([]int32{-1, 0, 1, 1 << 20}, 2, 2))
	back := roundTrip(t, client, l, "CPU:1")
	require.Equal(t, []int32{-1, 0, 1, 1 << 20}, must.M1(LiteralData[int32](back)))
}

func TestTransferInvokesOnDone(t *testing.T) {
	client := newTestClient(t, "cpu", 0)
	l := must.M1(NewLiteralFromFlat([]float32{1}, 1))
	released := false
	_, err := client.TransferToServer([]TensorSource{{
		Literal: l,
		Device:  "CPU:0",
		OnDone:  func() { released = true },
	}})
	require.NoError(t, err)
	require.True(t, released)
}

func TestTransferUnknownDeviceKeepsEarlierResults(t *testing.T) {
	client := newTestClient(t, "cpu", 0)
	good := must.M1(NewLiteralFromFlat([]float32{1, 2}, 2))
	bad := must.M1(NewLiteralFromFlat([]float32{3, 4}, 2))

	buffers, err := client.TransferToServer([]TensorSource{
		{Literal: good, Device: "CPU:0"},
		{Literal: bad, Device: "CPU:7"},
	})
	require.ErrorIs(t, err, ErrUnknownDevice)
	// The first source was transferred before the failure.
	require.Len(t, buffers, 1)
	back := must.M1(client.TransferFromServer(buffers))
	require.Equal(t, []float32{1, 2}, must.M1(LiteralData[float32](back[0])))
}

func TestTransferShardsToServer(t *testing.T) {
	client := newTestClient(t, "cpu", 0, 1)
	logical := shapes.Make(dtypes.F32, 4, 2)
	sharding := TiledSharding(0, 2)

	top := must.M1(NewLiteralFromFlat([]float32{1, 2, 3, 4}, 2, 2))
	bottom := must.M1(NewLiteralFromFlat([]float32{5, 6, 7, 8}, 2, 2))
	buf := must.M1(client.TransferShardsToServer(
		[]TensorSource{{Literal: top}, {Literal: bottom}},
		SPMDDevice, logical, sharding))

	require.Equal(t, SPMDDevice, buf.Device())
	require.Equal(t, 2, buf.NumShards())
	require.True(t, buf.Shape().Equal(logical))

	// Shards land on the local devices in order.
	shards := must.M1(client.GetDataShards(buf))
	require.Equal(t, "CPU:0", shards[0].Device())
	require.Equal(t, "CPU:1", shards[1].Device())
	require.Equal(t, []int{2, 2}, shards[0].Shape().Dimensions)
}

func TestTransferShardsToServerKeepsSourcesIntact(t *testing.T) {
	client := newTestClient(t, "cpu", 0, 1)
	logical := shapes.Make(dtypes.F32, 2, 2)
	sources := []TensorSource{
		{Literal: must.M1(NewLiteralFromFlat([]float32{1, 2}, 1, 2))},
		{Literal: must.M1(NewLiteralFromFlat([]float32{3, 4}, 1, 2))},
	}
	must.M1(client.TransferShardsToServer(sources, SPMDDevice, logical, TiledSharding(0, 2)))

	// Defaulted device strings are not written back into the caller's slice.
	require.Equal(t, "", sources[0].Device)
	require.Equal(t, "", sources[1].Device)
}

func TestTransferFromServerEmptyBuffer(t *testing.T) {
	client := newTestClient(t, "cpu", 0)
	placeholder := client.CreateDataPlaceholder("CPU:0", shapes.Make(dtypes.F32, 2), nil)
	_, err := client.TransferFromServer([]*ShardedBuffer{placeholder})
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestTransferMetrics(t *testing.T) {
	client := newTestClient(t, "cpu", 0)
	l := must.M1(NewLiteralFromFlat([]float32{1, 2, 3, 4}, 4))
	buffers := must.M1(client.TransferToServer([]TensorSource{{Literal: l, Device: "CPU:0"}}))
	must.M1(client.TransferFromServer(buffers))

	metrics := client.Metrics()
	require.Equal(t, int64(16), metrics[MetricOutboundTransferBytes])
	require.Equal(t, int64(16), metrics[MetricInboundTransferBytes])
	require.GreaterOrEqual(t, metrics[MetricCreateDataHandles], int64(1))
}
