package l2reflector_test

import (
	"errors"
	"net"
	"testing"

	"github.com/usnistgov/l2reflector/app/l2reflector"
	"github.com/usnistgov/l2reflector/core/cleanup"
	"github.com/usnistgov/l2reflector/core/testenv"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/hwsim"
	"github.com/usnistgov/l2reflector/reflector/devdata"
	"go.uber.org/multierr"
)

var makeAR = testenv.MakeAR

func parseMAC(s string) net.HardwareAddr {
	a, e := net.ParseMAC(s)
	if e != nil {
		panic(e)
	}
	return a
}

func newCoordinator(t *testing.T) (*hwsim.Driver, *l2reflector.Coordinator) {
	_, require := makeAR(t)
	drv := hwsim.New(hwsim.Config{})
	c, e := l2reflector.New(drv, l2reflector.Config{})
	require.NoError(e)
	return drv, c
}

func TestEndToEnd(t *testing.T) {
	assert, require := makeAR(t)
	drv, c := newCoordinator(t)

	require.NoError(c.Provision())
	assert.ErrorIs(c.Provision(), l2reflector.ErrProvisioned)

	st := c.State()
	assert.True(st.Provisioned)
	assert.False(st.Running)
	require.NotNil(st.Rx)
	require.NotNil(st.Tx)

	mac := parseMAC(l2reflector.DefaultMAC)
	other := parseMAC("02:00:00:00:00:02")

	v, e := drv.Classify(hwdrv.DomainIngress, hwsim.EthernetFrame(mac, other))
	require.NoError(e)
	assert.Equal(hwsim.VerdictQueue, v.Kind)
	assert.Equal(st.Rx.WQ.Num, v.Queue)

	v, e = drv.Classify(hwdrv.DomainIngress, hwsim.EthernetFrame(other, mac))
	require.NoError(e)
	assert.Equal(hwsim.VerdictMiss, v.Kind)

	v, e = drv.Classify(hwdrv.DomainForwarding, hwsim.EthernetFrame(other, mac))
	require.NoError(e)
	assert.Equal(hwsim.VerdictPort, v.Kind)
	assert.EqualValues(hwdrv.UplinkVport, v.Vport)
	assert.Equal([]int{0, 1}, v.Levels)

	v, e = drv.Classify(hwdrv.DomainForwarding, hwsim.EthernetFrame(mac, other))
	require.NoError(e)
	assert.Equal(hwsim.VerdictMiss, v.Kind)

	wire, ok := drv.ReadMemory(st.DeviceData, devdata.BlockSize)
	require.True(ok)
	var block devdata.Block
	require.NoError(block.UnmarshalBinary(wire))
	assert.Equal(st.Block, block)
	assert.Equal(st.Tx.WQ.Num, block.SQ.Num)
	assert.Equal(st.Rx.CQ.Num, block.RQCQ.Num)
	assert.EqualValues(st.Rx.WQ.Doorbell, block.RQ.Doorbell)

	require.NoError(c.Run())
	assert.True(c.State().Running)

	require.NoError(c.Teardown())
	assert.Zero(drv.Stats().Live())
	assert.False(c.State().Provisioned)
	assert.NoError(c.Teardown(), "second Teardown is a no-op")
	assert.ErrorIs(c.Run(), l2reflector.ErrNotProvisioned)

	var destroyed []hwsim.Kind
	for _, evt := range drv.Events() {
		if evt.Destroy && evt.Kind != hwsim.KindBuffer {
			destroyed = append(destroyed, evt.Kind)
		}
	}
	require.NotEmpty(destroyed)
	assert.Equal(hwsim.KindRule, destroyed[0], "steering rules are destroyed first")
	assert.Equal(hwsim.KindContext, destroyed[len(destroyed)-1], "device is closed last")
}

func TestRestart(t *testing.T) {
	assert, require := makeAR(t)
	drv, c := newCoordinator(t)

	require.NoError(c.Provision())
	first := c.State()
	require.NoError(c.Teardown())

	require.NoError(c.Provision())
	second := c.State()
	defer c.Teardown()

	assert.Equal(first.Resources, second.Resources)
	assert.Equal(first.Pipelines, second.Pipelines)
	assert.Equal(first.Tx.CQ.LogDepth, second.Tx.CQ.LogDepth)
	assert.Equal(first.Rx.WQ.LogDepth, second.Rx.WQ.LogDepth)
	assert.Equal(first.Rx.WQ.DataSize, second.Rx.WQ.DataSize)
	assert.Equal(first.Tx.WQ.RingSize, second.Tx.WQ.RingSize)

	v, e := drv.Classify(hwdrv.DomainIngress, hwsim.EthernetFrame(parseMAC(l2reflector.DefaultMAC), parseMAC("02:00:00:00:00:02")))
	require.NoError(e)
	assert.Equal(hwsim.VerdictQueue, v.Kind)
	assert.Equal(second.Rx.WQ.Num, v.Queue)
}

func TestProvisionRollback(t *testing.T) {
	for _, tt := range []struct {
		op       string
		err      error
		category error
	}{
		{hwsim.OpListDevices, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpAllocPD, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpCreateProcess, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpCreateEventHandler, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpCreateSQ, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpCreateRQ, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpHost2Dev, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpCopyFromHost, hwdrv.ErrNoMemory, hwdrv.ErrNoMemory},
		{hwsim.OpCreateActionRQ, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpCreateActionVport, hwdrv.ErrDriver, hwdrv.ErrDriver},
		{hwsim.OpCreateRule, hwdrv.ErrDriver, hwdrv.ErrDriver},
	} {
		t.Run(tt.op, func(t *testing.T) {
			assert, require := makeAR(t)
			drv, c := newCoordinator(t)

			drv.FailAt(tt.op, 1, tt.err)
			e := c.Provision()
			require.Error(e)
			assert.ErrorIs(e, tt.category)
			assert.Equal(tt.category, hwdrv.Category(e))

			st := drv.Stats()
			assert.Zero(st.Live())
			assert.Equal(st.Creates, st.Destroys)
			assert.False(c.State().Provisioned)

			require.NoError(c.Provision(), "provisioning succeeds after a failed attempt")
			require.NoError(c.Teardown())
			assert.Zero(drv.Stats().Live())
		})
	}
}

func TestDeviceNotFound(t *testing.T) {
	assert, require := makeAR(t)
	drv := hwsim.New(hwsim.Config{Devices: []string{"mlx5_1"}})
	c, e := l2reflector.New(drv, l2reflector.Config{})
	require.NoError(e)

	e = c.Provision()
	assert.ErrorIs(e, hwdrv.ErrNotFound)
	assert.Zero(drv.Stats().Creates)
}

func TestTeardownErrors(t *testing.T) {
	assert, require := makeAR(t)
	drv, c := newCoordinator(t)
	require.NoError(c.Provision())

	drv.FailAt(hwsim.OpDestroyRule, 1, hwdrv.ErrDriver)
	e := c.Teardown()
	require.Error(e)

	var re *cleanup.ReleaseError
	require.True(errors.As(e, &re))
	assert.Equal("pipeline", re.Resource.Kind)
	assert.Equal("egress", re.Resource.Name)
	assert.ErrorIs(e, hwdrv.ErrDriver)

	errs := multierr.Errors(e)
	assert.GreaterOrEqual(len(errs), 2, "device close also fails while egress objects remain")
	assert.False(c.State().Provisioned, "teardown always completes")

	st := drv.Stats()
	assert.Zero(st.LiveByKind[hwsim.KindRQ], "ingress pipeline and queues are released despite egress failure")
	assert.Zero(st.LiveByKind[hwsim.KindProcess])
	assert.Equal(1, st.LiveByKind[hwsim.KindRule])
}

// releaseCounter counts release calls per handle.
type releaseCounter struct {
	*hwsim.Driver
	closeDevice    map[hwdrv.Context]int
	deallocPD      map[hwdrv.PD]int
	destroyProcess map[hwdrv.Process]int
	destroyEH      map[hwdrv.EventHandler]int
}

func newReleaseCounter() *releaseCounter {
	return &releaseCounter{
		Driver:         hwsim.New(hwsim.Config{}),
		closeDevice:    map[hwdrv.Context]int{},
		deallocPD:      map[hwdrv.PD]int{},
		destroyProcess: map[hwdrv.Process]int{},
		destroyEH:      map[hwdrv.EventHandler]int{},
	}
}

func (d *releaseCounter) CloseDevice(ctx hwdrv.Context) error {
	d.closeDevice[ctx]++
	return d.Driver.CloseDevice(ctx)
}

func (d *releaseCounter) DeallocPD(pd hwdrv.PD) error {
	d.deallocPD[pd]++
	return d.Driver.DeallocPD(pd)
}

func (d *releaseCounter) DestroyProcess(p hwdrv.Process) error {
	d.destroyProcess[p]++
	return d.Driver.DestroyProcess(p)
}

func (d *releaseCounter) DestroyEventHandler(eh hwdrv.EventHandler) error {
	d.destroyEH[eh]++
	return d.Driver.DestroyEventHandler(eh)
}

func TestReleaseOnce(t *testing.T) {
	for _, op := range []string{hwsim.OpDeallocPD, hwsim.OpDestroyEventHandler} {
		t.Run(op, func(t *testing.T) {
			assert, require := makeAR(t)
			drv := newReleaseCounter()
			c, e := l2reflector.New(drv, l2reflector.Config{})
			require.NoError(e)
			require.NoError(c.Provision())

			drv.FailAt(op, 1, hwdrv.ErrDriver)
			e = c.Teardown()
			require.Error(e)
			assert.ErrorIs(e, hwdrv.ErrDriver)

			for h, n := range drv.closeDevice {
				assert.Equal(1, n, "CloseDevice(%d)", h)
			}
			for h, n := range drv.deallocPD {
				assert.Equal(1, n, "DeallocPD(%d)", h)
			}
			for h, n := range drv.destroyProcess {
				assert.Equal(1, n, "DestroyProcess(%d)", h)
			}
			for h, n := range drv.destroyEH {
				assert.Equal(1, n, "DestroyEventHandler(%d)", h)
			}
			assert.Len(drv.deallocPD, 1)
			assert.Len(drv.destroyEH, 1)
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	assert, _ := makeAR(t)
	drv := hwsim.New(hwsim.Config{})

	_, e := l2reflector.New(drv, l2reflector.Config{LogCQDepth: 6, LogRQDepth: 7})
	assert.ErrorIs(e, hwdrv.ErrInvalidValue)
}
