// Package offload manages the offload process running on the NIC's programmable core.
package offload

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/reflector/devctx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("offload")

// Process is an offload process bound to a program image.
type Process struct {
	dev     *devctx.Device
	drv     hwdrv.Driver
	image   string
	handle  hwdrv.Process
	eh      hwdrv.EventHandler
	running bool
	logger  *zap.Logger
}

// Create loads a program image into a new offload process.
func Create(dev *devctx.Device, image string) (*Process, error) {
	drv := dev.Driver()
	h, e := drv.CreateProcess(dev.Context(), image)
	if e != nil {
		return nil, fmt.Errorf("create offload process from %s: %w", image, e)
	}
	p := &Process{
		dev:    dev,
		drv:    drv,
		image:  image,
		handle: h,
		logger: logger.With(zap.String("device", dev.Name()), zap.String("image", image)),
	}
	p.logger.Info("offload process created")
	return p, nil
}

// Device returns the device context.
func (p *Process) Device() *devctx.Device {
	return p.dev
}

// Driver returns the hardware driver.
func (p *Process) Driver() hwdrv.Driver {
	return p.drv
}

// Handle returns the offload process handle.
func (p *Process) Handle() hwdrv.Process {
	return p.handle
}

// EventHandler returns the event handler handle, or zero if not created.
func (p *Process) EventHandler() hwdrv.EventHandler {
	return p.eh
}

// CreateEventHandler creates the event handler that runs entryPoint on one execution unit.
// Affinity is strict: the handler is pinned to the given unit.
// A process has at most one event handler.
func (p *Process) CreateEventHandler(entryPoint string, unit uint32) (hwdrv.EventHandler, error) {
	if p.eh != 0 {
		return 0, fmt.Errorf("event handler already exists: %w", hwdrv.ErrInvalidValue)
	}
	eh, e := p.drv.CreateEventHandler(p.handle, hwdrv.EventHandlerAttr{
		EntryPoint: entryPoint,
		Affinity:   hwdrv.AffinityStrict,
		UnitID:     unit,
	})
	if e != nil {
		return 0, fmt.Errorf("create event handler %s: %w", entryPoint, e)
	}
	p.eh = eh
	p.logger.Debug("event handler created", zap.String("entry", entryPoint), zap.Uint32("unit", unit))
	return eh, nil
}

// DestroyEventHandler destroys the event handler.
// It is a no-op if none exists.
func (p *Process) DestroyEventHandler() error {
	if e := p.drv.DestroyEventHandler(p.eh); e != nil {
		return e
	}
	p.eh, p.running = 0, false
	return nil
}

// Run starts the event handler, passing arg to the offload program.
func (p *Process) Run(arg hwdrv.DevAddr) error {
	if p.eh == 0 {
		return fmt.Errorf("event handler not created: %w", hwdrv.ErrInvalidValue)
	}
	if e := p.drv.RunEventHandler(p.eh, arg); e != nil {
		return fmt.Errorf("run event handler: %w", e)
	}
	p.running = true
	p.logger.Info("event handler running", zap.Stringer("arg", arg))
	return nil
}

// Running determines whether the event handler has been started.
func (p *Process) Running() bool {
	return p.running
}

// Alloc allocates zeroed device memory.
func (p *Process) Alloc(size uint64) (hwdrv.DevAddr, error) {
	addr, e := p.drv.BufAlloc(p.handle, size)
	if e != nil {
		return 0, e
	}
	p.logger.Debug("buffer allocated", zap.Stringer("addr", addr), zap.String("size", humanize.IBytes(size)))
	return addr, nil
}

// Copy allocates device memory and initializes it from src.
func (p *Process) Copy(src []byte) (hwdrv.DevAddr, error) {
	addr, e := p.drv.CopyFromHost(p.handle, src)
	if e != nil {
		return 0, e
	}
	p.logger.Debug("buffer copied", zap.Stringer("addr", addr), zap.String("size", humanize.IBytes(uint64(len(src)))))
	return addr, nil
}

// Write copies src into allocated device memory at dst.
func (p *Process) Write(dst hwdrv.DevAddr, src []byte) error {
	return p.drv.Host2Dev(p.handle, dst, src)
}

// Free releases device memory.
// It is a no-op if addr is zero.
func (p *Process) Free(addr hwdrv.DevAddr) error {
	return p.drv.BufFree(p.handle, addr)
}

// Destroy destroys the offload process without touching the event handler.
// It is a no-op if the process is already destroyed.
func (p *Process) Destroy() error {
	if e := p.drv.DestroyProcess(p.handle); e != nil {
		return e
	}
	p.handle = 0
	return nil
}

// Close destroys the event handler and the offload process.
// Both steps are attempted; failures are combined.
func (p *Process) Close() (e error) {
	if p == nil {
		return nil
	}
	e = multierr.Append(p.DestroyEventHandler(), p.Destroy())
	if e != nil {
		p.logger.Error("offload process close error", zap.Error(e))
	} else {
		p.logger.Info("offload process destroyed")
	}
	return e
}
