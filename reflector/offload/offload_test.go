package offload_test

import (
	"testing"

	"github.com/usnistgov/l2reflector/core/testenv"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/hwsim"
	"github.com/usnistgov/l2reflector/reflector/devctx"
	"github.com/usnistgov/l2reflector/reflector/offload"
)

var makeAR = testenv.MakeAR

func TestProcess(t *testing.T) {
	assert, require := makeAR(t)
	drv := hwsim.New(hwsim.Config{})
	dev, e := devctx.Open(drv, "mlx5_0")
	require.NoError(e)
	defer dev.Close()

	drv.FailAt(hwsim.OpCreateProcess, 1, hwdrv.ErrDriver)
	_, e = offload.Create(dev, "l2_reflector_device")
	assert.ErrorIs(e, hwdrv.ErrDriver)

	p, e := offload.Create(dev, "l2_reflector_device")
	require.NoError(e)
	assert.Same(dev, p.Device())

	assert.ErrorIs(p.Run(0), hwdrv.ErrInvalidValue, "no event handler yet")

	eh, e := p.CreateEventHandler("l2_reflector_device_event_handler", 0)
	require.NoError(e)
	info, ok := drv.EventHandler(eh)
	require.True(ok)
	assert.Equal(hwdrv.AffinityStrict, info.Attr.Affinity)
	assert.EqualValues(0, info.Attr.UnitID)
	assert.Equal("l2_reflector_device_event_handler", info.Attr.EntryPoint)

	_, e = p.CreateEventHandler("other", 0)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "at most one event handler")

	arg, e := p.Copy(make([]byte, 112))
	require.NoError(e)
	require.NoError(p.Run(arg))
	assert.True(p.Running())
	info, _ = drv.EventHandler(eh)
	assert.True(info.Running)
	assert.Equal(arg, info.Arg)

	assert.ErrorIs(p.Close(), hwdrv.ErrDriver, "process busy while buffer is live")
	assert.Zero(p.EventHandler())
	assert.NoError(p.Free(arg))
	assert.NoError(p.Close())
	assert.Equal(1, drv.Stats().Live())
}

func TestMemory(t *testing.T) {
	assert, require := makeAR(t)
	drv := hwsim.New(hwsim.Config{ProcessMemory: 1024})
	dev, _ := devctx.Open(drv, "mlx5_0")
	defer dev.Close()
	p, e := offload.Create(dev, "img")
	require.NoError(e)
	defer p.Close()

	addr, e := p.Alloc(256)
	require.NoError(e)
	require.NoError(p.Write(addr+8, []byte{0xA0, 0xA1}))
	b, ok := drv.ReadMemory(addr, 10)
	require.True(ok)
	assert.Equal([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0xA0, 0xA1}, b)

	_, e = p.Alloc(1024)
	assert.ErrorIs(e, hwdrv.ErrNoMemory)
	assert.NoError(p.Free(addr))
	assert.NoError(p.Free(0))
}
