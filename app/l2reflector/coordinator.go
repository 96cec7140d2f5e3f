// Package l2reflector provisions and tears down the offloaded L2 reflector.
package l2reflector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usnistgov/l2reflector/core/cleanup"
	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/reflector/devctx"
	"github.com/usnistgov/l2reflector/reflector/devdata"
	"github.com/usnistgov/l2reflector/reflector/offload"
	"github.com/usnistgov/l2reflector/reflector/queue"
	"github.com/usnistgov/l2reflector/reflector/rqring"
	"github.com/usnistgov/l2reflector/reflector/steering"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("l2reflector")

// ErrProvisioned indicates Provision was invoked while resources are already provisioned.
var ErrProvisioned = fmt.Errorf("already provisioned: %w", hwdrv.ErrInvalidValue)

// ErrNotProvisioned indicates an operation requires provisioned resources.
var ErrNotProvisioned = fmt.Errorf("not provisioned: %w", hwdrv.ErrInvalidValue)

// Coordinator provisions every reflector resource in dependency order
// and tears them down in reverse order.
type Coordinator struct {
	mu  sync.Mutex
	drv hwdrv.Driver
	cfg Config

	dev     *devctx.Device
	proc    *offload.Process
	tx      *queue.Set
	rx      *queue.Set
	block   devdata.Block
	devData hwdrv.DevAddr
	ingress *steering.Pipeline
	egress  *steering.Pipeline
	undo    cleanup.Stack

	counters counters
}

// New creates a Coordinator.
// Defaults are applied to cfg before validation.
func New(drv hwdrv.Driver, cfg Config) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if e := cfg.Validate(); e != nil {
		return nil, e
	}
	return &Coordinator{drv: drv, cfg: cfg}, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Provision creates every resource: device context, protection domain, offload process,
// event handler, transmit and receive queue sets, receive ring, device data block,
// ingress pipeline, and egress pipeline.
//
// Steering rules are installed last, after the queues exist and the receive ring is filled.
// If any step fails, resources created by this call are released in reverse order
// and the original error is returned.
func (c *Coordinator) Provision() (e error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.undo.Len() > 0 {
		return ErrProvisioned
	}

	c.counters.provisions.Add(1)
	defer func() {
		if e != nil {
			c.counters.fail(e)
			c.reset()
		}
	}()
	defer c.undo.RollbackIf(&e)

	logEntry := logger.With(zap.String("device", c.cfg.Device), zap.Stringer("mac", c.cfg.MAC))
	logEntry.Info("provision start")

	if c.dev, e = devctx.Open(c.drv, c.cfg.Device); e != nil {
		return e
	}
	c.undo.Push("device", c.cfg.Device, c.dev.CloseDevice)

	if _, e = c.dev.AllocateProtectionDomain(); e != nil {
		return e
	}
	c.undo.Push("pd", c.cfg.Device, c.dev.ReleaseProtectionDomain)

	if c.proc, e = offload.Create(c.dev, c.cfg.OffloadImage); e != nil {
		return e
	}
	c.undo.Push("process", c.cfg.OffloadImage, c.proc.Destroy)

	if _, e = c.proc.CreateEventHandler(c.cfg.EntryPoint, c.cfg.ExecutionUnit); e != nil {
		return e
	}
	c.undo.Push("event-handler", c.cfg.EntryPoint, c.proc.DestroyEventHandler)

	alloc := queue.New(c.proc)
	if c.tx, e = alloc.AllocateTx(c.cfg.txQueue()); e != nil {
		return e
	}
	c.undo.Push("queue-set", string(queue.KindTx), c.tx.Close)

	if c.rx, e = alloc.AllocateRx(c.cfg.rxQueue()); e != nil {
		return e
	}
	c.undo.Push("queue-set", string(queue.KindRx), c.rx.Close)

	if e = rqring.Initialize(c.proc, c.rx, c.cfg.LogDataChunkSize); e != nil {
		return e
	}

	c.block = devdata.FromSets(c.tx, c.rx)
	wire, _ := c.block.MarshalBinary()
	if c.devData, e = c.proc.Copy(wire); e != nil {
		return fmt.Errorf("copy device data block: %w", e)
	}
	devData := c.devData
	c.undo.Push("buffer", "device-data", func() error { return c.proc.Free(devData) })

	eng := steering.New(c.drv, c.dev.Context())
	if c.ingress, e = eng.BuildIngress(c.cfg.mac(), c.rx.WQ.RQ); e != nil {
		return e
	}
	c.undo.Push("pipeline", c.ingress.Name, c.ingress.Close)

	if c.egress, e = eng.BuildEgress(c.cfg.mac(), c.cfg.uplinkPort()); e != nil {
		return e
	}
	c.undo.Push("pipeline", c.egress.Name, c.egress.Close)

	logEntry.Info("provision success",
		zap.Int("resources", c.undo.Len()),
		zap.Stringer("device-data", c.devData),
		zap.Uint32("sq", c.tx.WQ.Num),
		zap.Uint32("rq", c.rx.WQ.Num),
	)
	return nil
}

// Run starts the event handler, passing the device data block address.
func (c *Coordinator) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.undo.Len() == 0 {
		return ErrNotProvisioned
	}
	return c.proc.Run(c.devData)
}

// Teardown releases every provisioned resource in reverse creation order.
// It never stops early: each release is attempted even if earlier ones fail.
// The returned error combines one *cleanup.ReleaseError per failed release, or nil.
// After Teardown, Provision may be invoked again.
func (c *Coordinator) Teardown() (e error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.undo.Len() == 0 {
		return nil
	}

	n := c.undo.Len()
	e = c.undo.Unwind()
	c.reset()

	errs := multierr.Errors(e)
	c.counters.teardownErrors.Add(uint64(len(errs)))
	for _, err := range errs {
		var re *cleanup.ReleaseError
		if errors.As(err, &re) {
			logger.Error("teardown error", zap.Stringer("resource", re.Resource), zap.Error(re.Err))
		} else {
			logger.Error("teardown error", zap.Error(err))
		}
	}
	logger.Info("teardown complete", zap.Int("released", n), zap.Int("errors", len(errs)))
	return e
}

func (c *Coordinator) reset() {
	c.dev, c.proc, c.tx, c.rx = nil, nil, nil, nil
	c.block, c.devData = devdata.Block{}, 0
	c.ingress, c.egress = nil, nil
}

// PipelineState describes a steering pipeline.
type PipelineState struct {
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Tables []int    `json:"tables"`
	Rules  []string `json:"rules"`
}

// State is a snapshot of provisioned resources.
type State struct {
	Device      string             `json:"device"`
	Provisioned bool               `json:"provisioned"`
	Running     bool               `json:"running"`
	Tx          *queue.Set         `json:"tx,omitempty"`
	Rx          *queue.Set         `json:"rx,omitempty"`
	DeviceData  hwdrv.DevAddr      `json:"deviceData,omitempty"`
	Block       devdata.Block      `json:"block"`
	Pipelines   []PipelineState    `json:"pipelines,omitempty"`
	Resources   []cleanup.Resource `json:"resources,omitempty"`
}

func describePipeline(pl *steering.Pipeline) (ps PipelineState) {
	ps.Name, ps.State = pl.Name, pl.State().String()
	for _, t := range pl.Tables {
		ps.Tables = append(ps.Tables, t.Level)
	}
	for _, r := range pl.Rules {
		ps.Rules = append(ps.Rules, fmt.Sprintf("level%d:%s", r.Table.Level, r.Action.Kind))
	}
	return ps
}

// State returns a snapshot of provisioned resources.
func (c *Coordinator) State() (st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.Device = c.cfg.Device
	st.Provisioned = c.undo.Len() > 0
	st.Resources = c.undo.Resources()
	if c.proc != nil {
		st.Running = c.proc.Running()
	}
	st.Tx, st.Rx = c.tx, c.rx
	st.DeviceData, st.Block = c.devData, c.block
	for _, pl := range []*steering.Pipeline{c.ingress, c.egress} {
		if pl != nil {
			st.Pipelines = append(st.Pipelines, describePipeline(pl))
		}
	}
	return st
}
