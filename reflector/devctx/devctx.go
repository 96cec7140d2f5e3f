// Package devctx opens the NIC and allocates its protection domain.
package devctx

import (
	"fmt"

	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/hw/rdmadev"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("devctx")

// DescribeDevice returns a human-readable description of a device, for logging.
// It defaults to a sysfs/netlink lookup and may be replaced in tests.
var DescribeDevice = func(name string) string {
	dev, e := rdmadev.Lookup(name)
	if e != nil {
		return name
	}
	return dev.Describe()
}

// Device is an opened device context.
type Device struct {
	drv    hwdrv.Driver
	name   string
	ctx    hwdrv.Context
	pd     hwdrv.PD
	logger *zap.Logger
}

// Open opens a device by name.
//
// Errors:
//   - hwdrv.ErrInvalidValue if name is empty or does not fit in a device name buffer.
//   - hwdrv.ErrNotFound if no enumerated device has this name.
//   - hwdrv.ErrDriver if enumeration or opening fails.
func Open(drv hwdrv.Driver, name string) (dev *Device, e error) {
	if name == "" || len(name) >= hwdrv.IBDevNameSize {
		return nil, fmt.Errorf("device name %q: %w", name, hwdrv.ErrInvalidValue)
	}

	list, e := drv.ListDevices()
	if e != nil {
		return nil, fmt.Errorf("list devices: %w", e)
	}
	found := false
	for _, info := range list {
		if info.Name == name {
			found = true
			break
		}
	}
	if !found {
		logger.Error("device not found", zap.String("device", name), zap.Int("enumerated", len(list)))
		return nil, fmt.Errorf("device %s: %w", name, hwdrv.ErrNotFound)
	}

	ctx, e := drv.OpenDevice(name)
	if e != nil {
		return nil, fmt.Errorf("open device %s: %w", name, e)
	}

	dev = &Device{
		drv:    drv,
		name:   name,
		ctx:    ctx,
		logger: logger.With(zap.String("device", name)),
	}
	dev.logger.Info("device opened", zap.String("desc", DescribeDevice(name)))
	return dev, nil
}

// Name returns the device name.
func (dev *Device) Name() string {
	return dev.name
}

// Driver returns the hardware driver.
func (dev *Device) Driver() hwdrv.Driver {
	return dev.drv
}

// Context returns the device context handle.
func (dev *Device) Context() hwdrv.Context {
	return dev.ctx
}

// PD returns the protection domain handle, or zero if not allocated.
func (dev *Device) PD() hwdrv.PD {
	return dev.pd
}

// AllocateProtectionDomain allocates the protection domain shared by all queues and memory keys.
// It fails with hwdrv.ErrInvalidValue if a protection domain is already allocated.
func (dev *Device) AllocateProtectionDomain() (hwdrv.PD, error) {
	if dev.pd != 0 {
		return 0, fmt.Errorf("protection domain already allocated: %w", hwdrv.ErrInvalidValue)
	}
	pd, e := dev.drv.AllocPD(dev.ctx)
	if e != nil {
		return 0, fmt.Errorf("allocate protection domain: %w", e)
	}
	dev.pd = pd
	dev.logger.Debug("protection domain allocated")
	return pd, nil
}

// ReleaseProtectionDomain deallocates the protection domain.
// It is a no-op if none is allocated.
func (dev *Device) ReleaseProtectionDomain() error {
	if e := dev.drv.DeallocPD(dev.pd); e != nil {
		return e
	}
	dev.pd = 0
	return nil
}

// CloseDevice closes the device context without touching the protection domain.
// It is a no-op if the device is already closed.
func (dev *Device) CloseDevice() error {
	if e := dev.drv.CloseDevice(dev.ctx); e != nil {
		return e
	}
	dev.ctx = 0
	return nil
}

// Close deallocates the protection domain and closes the device.
// Both steps are attempted; failures are combined.
func (dev *Device) Close() (e error) {
	if dev == nil {
		return nil
	}
	e = multierr.Append(dev.ReleaseProtectionDomain(), dev.CloseDevice())
	if e != nil {
		dev.logger.Error("device close error", zap.Error(e))
	} else {
		dev.logger.Info("device closed")
	}
	return e
}
