package hwsim_test

import (
	"net"
	"testing"

	"github.com/usnistgov/l2reflector/core/testenv"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/hwsim"
)

var makeAR = testenv.MakeAR

func TestDevices(t *testing.T) {
	assert, require := makeAR(t)
	d := hwsim.New(hwsim.Config{Devices: []string{"mlx5_0", "mlx5_1"}})

	list, e := d.ListDevices()
	require.NoError(e)
	require.Len(list, 2)
	assert.Equal("mlx5_1", list[1].Name)

	_, e = d.OpenDevice("mlx5_9")
	assert.ErrorIs(e, hwdrv.ErrNotFound)

	ctx, e := d.OpenDevice("mlx5_0")
	require.NoError(e)
	pd, e := d.AllocPD(ctx)
	require.NoError(e)

	e = d.CloseDevice(ctx)
	assert.ErrorIs(e, hwdrv.ErrDriver, "context is busy while PD exists")
	assert.NoError(d.DeallocPD(pd))
	assert.NoError(d.CloseDevice(ctx))
	assert.ErrorIs(d.CloseDevice(ctx), hwdrv.ErrInvalidValue, "double destroy")
	assert.NoError(d.CloseDevice(0))

	st := d.Stats()
	assert.Equal(2, st.Creates)
	assert.Equal(2, st.Destroys)
	assert.Zero(st.Live())
}

func TestFailAt(t *testing.T) {
	assert, require := makeAR(t)
	d := hwsim.New(hwsim.Config{})

	d.FailAt(hwsim.OpAllocPD, 2, hwdrv.ErrNoMemory)
	ctx, e := d.OpenDevice("mlx5_0")
	require.NoError(e)
	_, e = d.AllocPD(ctx)
	assert.NoError(e)
	_, e = d.AllocPD(ctx)
	assert.ErrorIs(e, hwdrv.ErrNoMemory)
	_, e = d.AllocPD(ctx)
	assert.NoError(e)

	d.FailAt(hwsim.OpCloseDevice, 1, hwdrv.ErrDriver)
	d.ClearFailures()
	assert.Equal(3, d.Stats().Creates)
}

func TestMemory(t *testing.T) {
	assert, require := makeAR(t)
	d := hwsim.New(hwsim.Config{ProcessMemory: 4096})

	ctx, _ := d.OpenDevice("mlx5_0")
	p, e := d.CreateProcess(ctx, "l2_reflector_device")
	require.NoError(e)

	addr, e := d.CopyFromHost(p, []byte{1, 2, 3, 4})
	require.NoError(e)
	require.NoError(d.Host2Dev(p, addr+2, []byte{9}))
	b, ok := d.ReadMemory(addr, 4)
	require.True(ok)
	assert.Equal([]byte{1, 2, 9, 4}, b)
	assert.ErrorIs(d.Host2Dev(p, addr+2, []byte{1, 2, 3}), hwdrv.ErrInvalidValue)

	buf, e := d.BufAlloc(p, 1024)
	require.NoError(e)
	size, ok := d.BufferSize(buf)
	assert.True(ok)
	assert.EqualValues(1024, size)
	assert.NotEqual(addr, buf)

	_, e = d.BufAlloc(p, 4096)
	assert.ErrorIs(e, hwdrv.ErrNoMemory)

	assert.ErrorIs(d.DestroyProcess(p), hwdrv.ErrDriver, "process busy while buffers exist")
	assert.ErrorIs(d.BufFree(p, buf+64), hwdrv.ErrInvalidValue)
	assert.NoError(d.BufFree(p, buf))
	assert.NoError(d.BufFree(p, addr))
	assert.NoError(d.BufFree(p, 0))
	assert.NoError(d.DestroyProcess(p))
}

func TestQueueGraph(t *testing.T) {
	assert, require := makeAR(t)
	d := hwsim.New(hwsim.Config{})

	ctx, _ := d.OpenDevice("mlx5_0")
	pd, _ := d.AllocPD(ctx)
	p, _ := d.CreateProcess(ctx, "img")
	eh, e := d.CreateEventHandler(p, hwdrv.EventHandlerAttr{EntryPoint: "handler", Affinity: hwdrv.AffinityStrict})
	require.NoError(e)

	ring, _ := d.BufAlloc(p, hwdrv.CQESize<<4)
	dbr, _ := d.BufAlloc(p, hwdrv.DoorbellSize)
	_, _, e = d.CreateCQ(p, ctx, hwdrv.CQAttr{LogDepth: 5, RingAddr: ring, DoorbellAddr: dbr})
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "ring too small")

	cq, cqNum, e := d.CreateCQ(p, 0, hwdrv.CQAttr{
		LogDepth: 4, RingAddr: ring, DoorbellAddr: dbr,
		Target: hwdrv.CQOffloadThread, EventHandler: eh,
	})
	require.NoError(e)
	info, ok := d.LookupCQ(cqNum)
	assert.True(ok)
	assert.Equal(4, info.Attr.LogDepth)

	rqRing, _ := d.BufAlloc(p, hwdrv.DataSegSize<<4)
	rqDbr, _ := d.BufAlloc(p, hwdrv.DoorbellSize)
	_, _, e = d.CreateRQ(p, 0, cqNum+100, hwdrv.WQAttr{LogDepth: 4, RingAddr: rqRing, DoorbellAddr: rqDbr, PD: pd})
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "unknown CQ number")
	rq, _, e := d.CreateRQ(p, 0, cqNum, hwdrv.WQAttr{LogDepth: 4, RingAddr: rqRing, DoorbellAddr: rqDbr, PD: pd})
	require.NoError(e)

	data, _ := d.BufAlloc(p, 4096)
	mkey, mkeyID, e := d.CreateMkey(p, hwdrv.MkeyAttr{PD: pd, Addr: data, Len: 4096, Access: hwdrv.AccessLocalWrite})
	require.NoError(e)
	_, ok = d.LookupMkey(mkeyID)
	assert.True(ok)

	assert.ErrorIs(d.DestroyCQ(cq), hwdrv.ErrDriver, "CQ busy while RQ exists")
	assert.ErrorIs(d.DestroyEventHandler(eh), hwdrv.ErrDriver, "event handler busy while CQ exists")
	assert.ErrorIs(d.DeallocPD(pd), hwdrv.ErrDriver, "PD busy while mkey exists")

	require.NoError(d.RunEventHandler(eh, data))
	ehInfo, ok := d.EventHandler(eh)
	assert.True(ok)
	assert.True(ehInfo.Running)
	assert.Equal(data, ehInfo.Arg)

	assert.NoError(d.DestroyMkey(mkey))
	assert.NoError(d.DestroyRQ(rq))
	assert.NoError(d.DestroyCQ(cq))
	assert.NoError(d.DestroyEventHandler(eh))
	for _, a := range []hwdrv.DevAddr{data, rqDbr, rqRing, dbr, ring} {
		assert.NoError(d.BufFree(p, a))
	}
	assert.NoError(d.DestroyProcess(p))
	assert.NoError(d.DeallocPD(pd))
	assert.NoError(d.CloseDevice(ctx))
	assert.Zero(d.Stats().Live())
}

func TestClassify(t *testing.T) {
	assert, require := makeAR(t)
	d := hwsim.New(hwsim.Config{})
	ctx, _ := d.OpenDevice("mlx5_0")

	dom, e := d.CreateDomain(ctx, hwdrv.DomainForwarding)
	require.NoError(e)
	root, _ := d.CreateTable(dom, 0)
	next, _ := d.CreateTable(dom, 1)

	var mask hwdrv.Match
	mask.SetDMAC(hwdrv.MACMaskAll)
	_, e = d.CreateMatcher(root, 0, hwdrv.Match{})
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "empty mask")
	rootM, _ := d.CreateMatcher(root, 0, mask)
	nextM, _ := d.CreateMatcher(next, 0, mask)

	_, e = d.CreateActionDestTable(root)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "cannot jump to root table")
	jump, e := d.CreateActionDestTable(next)
	require.NoError(e)
	vport, e := d.CreateActionDestVport(dom, hwdrv.UplinkVport)
	require.NoError(e)

	var value hwdrv.Match
	value.SetDMAC(0xAABBCCDDEEFF)
	_, e = d.CreateRule(rootM, value, vport)
	require.NoError(e)
	_, e = d.CreateRule(nextM, value, jump)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "jump must go to a higher level")
	_, e = d.CreateRule(rootM, value)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "no actions")

	src, _ := net.ParseMAC("02:00:00:00:00:99")
	dst, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	v, e := d.Classify(hwdrv.DomainForwarding, hwsim.EthernetFrame(src, dst))
	require.NoError(e)
	assert.Equal(hwsim.VerdictPort, v.Kind)
	assert.EqualValues(hwdrv.UplinkVport, v.Vport)
	assert.Equal([]int{0}, v.Levels)

	v, e = d.Classify(hwdrv.DomainIngress, hwsim.EthernetFrame(src, dst))
	require.NoError(e)
	assert.Equal(hwsim.VerdictMiss, v.Kind)

	_, e = d.Classify(hwdrv.DomainForwarding, []byte{1, 2, 3})
	assert.ErrorIs(e, hwsim.ErrNotEthernet)

	assert.ErrorIs(d.DestroyTable(next), hwdrv.ErrDriver, "table busy while jump action exists")
}
