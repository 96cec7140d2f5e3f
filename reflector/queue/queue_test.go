package queue_test

import (
	"testing"

	"github.com/usnistgov/l2reflector/core/testenv"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/hwsim"
	"github.com/usnistgov/l2reflector/reflector/devctx"
	"github.com/usnistgov/l2reflector/reflector/offload"
	"github.com/usnistgov/l2reflector/reflector/queue"
)

var makeAR = testenv.MakeAR

type fixture struct {
	drv   *hwsim.Driver
	dev   *devctx.Device
	proc  *offload.Process
	alloc *queue.Allocator
}

func newFixture(t *testing.T) (f *fixture) {
	_, require := makeAR(t)
	f = &fixture{drv: hwsim.New(hwsim.Config{})}
	var e error
	f.dev, e = devctx.Open(f.drv, "mlx5_0")
	require.NoError(e)
	_, e = f.dev.AllocateProtectionDomain()
	require.NoError(e)
	f.proc, e = offload.Create(f.dev, "l2_reflector_device")
	require.NoError(e)
	_, e = f.proc.CreateEventHandler("l2_reflector_device_event_handler", 0)
	require.NoError(e)
	f.alloc = queue.New(f.proc)
	t.Cleanup(func() {
		f.proc.Close()
		f.dev.Close()
	})
	return f
}

var testConfig = queue.Config{LogCQDepth: 7, LogDepth: 7, LogDataChunkSize: 11}

func TestCompletionRing(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t)

	for _, logDepth := range []int{1, 4, 7, 10} {
		host := queue.BuildCompletionRing(logDepth)
		require.Len(host, hwdrv.CQESize<<logDepth)

		ring, dbr, e := f.alloc.AllocateCompletionQueueMemory(logDepth)
		require.NoError(e)
		size, ok := f.drv.BufferSize(ring)
		require.True(ok)
		assert.EqualValues(hwdrv.CQESize<<logDepth, size)

		dev, ok := f.drv.ReadMemory(ring, int(size))
		require.True(ok)
		n := 0
		for off := 0; off < len(dev); off += hwdrv.CQESize {
			cqe := dev[off : off+hwdrv.CQESize]
			assert.EqualValues(queue.OwnerHardware, cqe[hwdrv.CQESize-1]&1, "entry %d", n)
			n++
		}
		assert.Equal(1<<logDepth, n)

		b, ok := f.drv.ReadMemory(dbr, hwdrv.DoorbellSize)
		require.True(ok)
		recv, send := queue.ReadDoorbell(b)
		assert.Zero(recv)
		assert.Zero(send)

		assert.NoError(f.proc.Free(dbr))
		assert.NoError(f.proc.Free(ring))
	}

	_, _, e := f.alloc.AllocateCompletionQueueMemory(queue.MaxLogDepth + 1)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue)
}

func TestCompletionMemoryFailure(t *testing.T) {
	assert, _ := makeAR(t)
	f := newFixture(t)
	before := f.drv.Stats()

	f.drv.FailAt(hwsim.OpCopyFromHost, 1, hwdrv.ErrDriver)
	_, _, e := f.alloc.AllocateCompletionQueueMemory(4)
	assert.ErrorIs(e, hwdrv.ErrDriver)

	f.drv.FailAt(hwsim.OpBufAlloc, 1, hwdrv.ErrNoMemory)
	_, _, e = f.alloc.AllocateCompletionQueueMemory(4)
	assert.ErrorIs(e, hwdrv.ErrNoMemory)

	assert.Equal(before.Live(), f.drv.Stats().Live(), "ring is released when doorbell allocation fails")
}

func TestMemoryKey(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t)

	mem, e := f.alloc.AllocateQueueMemory(queue.KindRx, 4, 8)
	require.NoError(e)
	assert.EqualValues(256, mem.DataSize)
	assert.EqualValues(hwdrv.DataSegSize<<4, mem.RingSize)

	_, _, e = f.alloc.CreateMemoryKey(mem.Data, 8, hwdrv.AccessRemoteRead)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue)
	_, _, e = f.alloc.CreateMemoryKey(mem.Data, 9, hwdrv.AccessLocalWrite)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue, "region exceeds the buffer")

	mkey, id, e := f.alloc.CreateMemoryKey(mem.Data, 8, hwdrv.AccessLocalWrite|hwdrv.AccessRemoteRead)
	require.NoError(e)
	info, ok := f.drv.LookupMkey(id)
	require.True(ok)
	assert.Equal(mem.Data, info.Attr.Addr)
	assert.Equal(f.dev.PD(), info.Attr.PD)

	assert.NoError(f.drv.DestroyMkey(mkey))
	assert.NoError(f.alloc.FreeQueueMemory(mem))
}

func TestLogSizeRange(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t)
	before := f.drv.Stats()

	for _, logSize := range []int{-1, queue.MaxLogBufSize + 1} {
		_, e := f.alloc.AllocateQueueMemory(queue.KindRx, 4, logSize)
		assert.ErrorIs(e, hwdrv.ErrInvalidValue, "logDataBufSize=%d", logSize)
	}
	assert.Equal(before.Live(), f.drv.Stats().Live())

	mem, e := f.alloc.AllocateQueueMemory(queue.KindRx, 4, 8)
	require.NoError(e)
	for _, logSize := range []int{-1, queue.MaxLogBufSize + 1} {
		_, _, e = f.alloc.CreateMemoryKey(mem.Data, logSize, hwdrv.AccessLocalWrite)
		assert.ErrorIs(e, hwdrv.ErrInvalidValue, "logSize=%d", logSize)
	}
	assert.NoError(f.alloc.FreeQueueMemory(mem))
}

func TestAllocateTx(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t)
	before := f.drv.Stats()

	s, e := f.alloc.AllocateTx(testConfig)
	require.NoError(e)
	assert.Equal(queue.KindTx, s.Kind)
	assert.NotZero(s.WQ.SQ)
	assert.Zero(s.WQ.RQ)
	assert.EqualValues(1<<18, s.WQ.DataSize)
	assert.EqualValues(1<<13, s.WQ.RingSize)

	cq, ok := f.drv.LookupCQ(s.CQ.Num)
	require.True(ok)
	assert.Equal(hwdrv.CQNonOffload, cq.Attr.Target)
	assert.Equal(7, cq.Attr.LogDepth)

	resources := s.Resources()
	require.Len(resources, 8)
	assert.Equal("cq(tx)", resources[2].String())
	assert.Equal("mkey(tx)", resources[7].String())

	require.NoError(s.Close())
	assert.Empty(s.Resources())
	assert.Equal(before.Live(), f.drv.Stats().Live())
}

func TestAllocateRx(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t)

	_, e := f.alloc.AllocateRx(queue.Config{LogCQDepth: 6, LogDepth: 7, LogDataChunkSize: 11})
	assert.ErrorIs(e, hwdrv.ErrInvalidValue)

	s, e := f.alloc.AllocateRx(testConfig)
	require.NoError(e)
	defer s.Close()
	assert.NotZero(s.WQ.RQ)
	assert.EqualValues(hwdrv.DataSegSize<<7, s.WQ.RingSize)

	cq, ok := f.drv.LookupCQ(s.CQ.Num)
	require.True(ok)
	assert.Equal(hwdrv.CQOffloadThread, cq.Attr.Target)
	assert.Equal(f.proc.EventHandler(), cq.Attr.EventHandler)
}

func TestRollbackBalance(t *testing.T) {
	for _, op := range []string{
		hwsim.OpCreateSQ,
		hwsim.OpCreateCQ,
		hwsim.OpCreateMkey,
		hwsim.OpBufAlloc,
	} {
		t.Run(op, func(t *testing.T) {
			assert, _ := makeAR(t)
			f := newFixture(t)
			before := f.drv.Stats()

			f.drv.FailAt(op, 1, hwdrv.ErrDriver)
			s, e := f.alloc.AllocateTx(testConfig)
			assert.Nil(s)
			assert.ErrorIs(e, hwdrv.ErrDriver)

			after := f.drv.Stats()
			assert.Equal(after.Creates-before.Creates, after.Destroys-before.Destroys)
			assert.Equal(before.Live(), after.Live())
			assert.Zero(after.LiveByKind[hwsim.KindCQ])
		})
	}
}

func TestRollbackAfterQueue(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t)

	f.drv.FailAt(hwsim.OpCreateSQ, 1, hwdrv.ErrDriver)
	_, e := f.alloc.AllocateTx(testConfig)
	require.Error(e)

	var created, destroyed []string
	for _, evt := range f.drv.Events() {
		if evt.Kind != hwsim.KindCQ {
			continue
		}
		if evt.Destroy {
			destroyed = append(destroyed, evt.Op)
		} else {
			created = append(created, evt.Op)
		}
	}
	assert.Equal([]string{hwsim.OpCreateCQ}, created)
	assert.Equal([]string{hwsim.OpDestroyCQ}, destroyed)
}

func TestDoorbell(t *testing.T) {
	assert, _ := makeAR(t)
	b := queue.EncodeDoorbell(0x12345, 7)
	assert.Equal([]byte{0, 0, 0x23, 0x45, 0, 0, 0, 7}, b)
	recv, send := queue.ReadDoorbell(b)
	assert.EqualValues(0x2345, recv)
	assert.EqualValues(7, send)
}
