package hostmem

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	client := must.M1(New(""))
	require.Equal(t, "host", client.Platform())
	require.Len(t, client.Devices(), 1)

	client = must.M1(New("4"))
	require.Len(t, client.Devices(), 4)

	client = must.M1(New("cpu:2"))
	require.Equal(t, "cpu", client.Platform())
	require.Len(t, client.Devices(), 2)

	_, err := New("cpu:zero")
	require.Error(t, err)
	_, err = New("cpu:-1")
	require.Error(t, err)
}

func TestNewWithDevices(t *testing.T) {
	client := must.M1(NewWithDevices("tpu", []int{7, 3, 11}))
	devices := client.Devices()
	require.Len(t, devices, 3)
	require.Equal(t, 7, devices[0].ID())
	require.True(t, devices[0].IsAddressable())
	require.Equal(t, devices, client.AddressableDevices())

	_, err := NewWithDevices("tpu", nil)
	require.Error(t, err)
	_, err = NewWithDevices("tpu", []int{1, 1})
	require.Error(t, err)
}

func TestRegisteredConstructor(t *testing.T) {
	client := must.M1(backends.New("hostmem:cpu:2"))
	require.Equal(t, "cpu", client.Platform())
	require.Len(t, client.Devices(), 2)
	client.Finalize()
}

func TestTransferToDevice(t *testing.T) {
	client := must.M1(New("2"))
	dev := client.Devices()[0]
	shape := shapes.Make(dtypes.F32, 2, 2)
	data := []byte{0, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64, 0, 0, 128, 64} // 1, 2, 3, 4

	released := false
	buffer := must.M1(client.TransferToDevice(data, shape, dev, func() { released = true }))
	require.True(t, released, "upload is synchronous, the borrow must end before return")
	require.True(t, buffer.Shape().Equal(shape))
	require.Equal(t, dev, buffer.Device())

	// The buffer owns a copy.
	data[0] = 0xFF
	back := make([]byte, len(data))
	require.NoError(t, buffer.ToHost(back))
	require.Equal(t, byte(0), back[0])

	// Wrong destination size.
	require.Error(t, buffer.ToHost(make([]byte, 3)))

	// Wrong data size.
	_, err := client.TransferToDevice(data[:4], shape, dev, nil)
	require.Error(t, err)

	// Deleting twice is a no-op; reads fail after delete.
	require.NoError(t, buffer.Delete())
	require.NoError(t, buffer.Delete())
	require.Error(t, buffer.ToHost(back))
}

func TestTransferToForeignDevice(t *testing.T) {
	clientA := must.M1(New("1"))
	clientB := must.M1(New("1"))
	shape := shapes.Make(dtypes.U8, 2)
	_, err := clientA.TransferToDevice([]byte{1, 2}, shape, clientB.Devices()[0], nil)
	require.Error(t, err)
}

func TestFinalize(t *testing.T) {
	client := must.M1(New("1"))
	dev := client.Devices()[0]
	client.Finalize()
	_, err := client.TransferToDevice([]byte{0}, shapes.Make(dtypes.U8, 1), dev, nil)
	require.Error(t, err)
	_, err = client.Compile([]byte(shardedProgram), backends.CompileOptions{})
	require.Error(t, err)
}
