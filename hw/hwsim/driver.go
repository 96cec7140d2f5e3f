// Package hwsim provides a simulated hardware driver.
//
// The simulated driver keeps every created object in a dependency graph.
// Destroying an object that still has live dependents fails with EBUSY, which makes
// teardown ordering mistakes visible in tests. It is stricter than hardware in one respect:
// an offload process cannot be destroyed while memory allocated through it is still live.
package hwsim

import (
	"fmt"
	"slices"
	"sync"

	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var logger = logging.New("hwsim")

// Kind is the kind of a simulated object.
type Kind string

// Object kinds.
const (
	KindContext      Kind = "context"
	KindPD           Kind = "pd"
	KindProcess      Kind = "process"
	KindEventHandler Kind = "event-handler"
	KindBuffer       Kind = "buffer"
	KindCQ           Kind = "cq"
	KindSQ           Kind = "sq"
	KindRQ           Kind = "rq"
	KindMkey         Kind = "mkey"
	KindDomain       Kind = "domain"
	KindTable        Kind = "table"
	KindMatcher      Kind = "matcher"
	KindAction       Kind = "action"
	KindRule         Kind = "rule"
)

// Driver operation names, usable with FailAt.
const (
	OpListDevices         = "ibv_get_device_list"
	OpOpenDevice          = "ibv_open_device"
	OpCloseDevice         = "ibv_close_device"
	OpAllocPD             = "ibv_alloc_pd"
	OpDeallocPD           = "ibv_dealloc_pd"
	OpCreateProcess       = "flexio_process_create"
	OpDestroyProcess      = "flexio_process_destroy"
	OpCreateEventHandler  = "flexio_event_handler_create"
	OpRunEventHandler     = "flexio_event_handler_run"
	OpDestroyEventHandler = "flexio_event_handler_destroy"
	OpCopyFromHost        = "flexio_copy_from_host"
	OpBufAlloc            = "flexio_buf_dev_alloc"
	OpBufFree             = "flexio_buf_dev_free"
	OpHost2Dev            = "flexio_host2dev_memcpy"
	OpCreateCQ            = "flexio_cq_create"
	OpDestroyCQ           = "flexio_cq_destroy"
	OpCreateSQ            = "flexio_sq_create"
	OpDestroySQ           = "flexio_sq_destroy"
	OpCreateRQ            = "flexio_rq_create"
	OpDestroyRQ           = "flexio_rq_destroy"
	OpCreateMkey          = "flexio_device_mkey_create"
	OpDestroyMkey         = "flexio_device_mkey_destroy"
	OpCreateDomain        = "mlx5dv_dr_domain_create"
	OpDestroyDomain       = "mlx5dv_dr_domain_destroy"
	OpCreateTable         = "mlx5dv_dr_table_create"
	OpDestroyTable        = "mlx5dv_dr_table_destroy"
	OpCreateMatcher       = "mlx5dv_dr_matcher_create"
	OpDestroyMatcher      = "mlx5dv_dr_matcher_destroy"
	OpCreateActionRQ      = "mlx5dv_dr_action_create_dest_devx_tir"
	OpCreateActionTable   = "mlx5dv_dr_action_create_dest_table"
	OpCreateActionVport   = "mlx5dv_dr_action_create_dest_vport"
	OpDestroyAction       = "mlx5dv_dr_action_destroy"
	OpCreateRule          = "mlx5dv_dr_rule_create"
	OpDestroyRule         = "mlx5dv_dr_rule_destroy"
)

// Config contains simulated driver configuration.
type Config struct {
	// Devices lists device names returned by ListDevices.
	// Default is a single device "mlx5_0".
	Devices []string

	// ProcessMemory is the memory capacity of each offload process in bytes.
	// Default is 64 MiB.
	ProcessMemory uint64
}

func (cfg *Config) applyDefaults() {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []string{"mlx5_0"}
	}
	if cfg.ProcessMemory == 0 {
		cfg.ProcessMemory = 64 << 20
	}
}

// Event records one successful create or destroy call.
type Event struct {
	Op      string
	Kind    Kind
	Handle  uintptr
	Destroy bool
}

func (evt Event) String() string {
	verb := "create"
	if evt.Destroy {
		verb = "destroy"
	}
	return fmt.Sprintf("%s %s#%d", verb, evt.Kind, evt.Handle)
}

// Stats contains object counters.
type Stats struct {
	Creates    int
	Destroys   int
	LiveByKind map[Kind]int
}

// Live returns the number of live objects.
func (st Stats) Live() (n int) {
	for _, c := range st.LiveByKind {
		n += c
	}
	return n
}

type failure struct {
	countdown int
	err       error
}

type object struct {
	kind   Kind
	handle uintptr
	deps   []uintptr

	name     string
	num      uint32 // CQ/WQ number or mkey id
	cqAttr   hwdrv.CQAttr
	wqAttr   hwdrv.WQAttr
	mkeyAttr hwdrv.MkeyAttr
	ehAttr   hwdrv.EventHandlerAttr
	running  bool
	runArg   hwdrv.DevAddr

	// buffer
	process uintptr
	addr    hwdrv.DevAddr
	data    []byte

	// process
	memUsed uint64

	// steering
	domainType hwdrv.DomainType
	level      int
	priority   int
	mask       hwdrv.Match
	value      hwdrv.Match
	target     uintptr // action target: RQ, table, or domain
	vport      uint16
	actions    []uintptr
}

// Driver is a simulated hardware driver.
// It implements hwdrv.Driver.
type Driver struct {
	mu       sync.Mutex
	cfg      Config
	objects  map[uintptr]*object
	order    []uintptr // live handles in creation order
	last     uintptr
	nextNum  uint32
	nextMkey uint32
	nextAddr hwdrv.DevAddr
	failures map[string]failure
	events   []Event
	creates  int
	destroys int
}

var _ hwdrv.Driver = (*Driver)(nil)

// New creates a simulated driver.
func New(cfg Config) *Driver {
	cfg.applyDefaults()
	return &Driver{
		cfg:      cfg,
		objects:  map[uintptr]*object{},
		nextNum:  0x100,
		nextMkey: 0x1000,
		nextAddr: 0x1000_0000,
		failures: map[string]failure{},
	}
}

// FailAt arranges for the nth subsequent call of op to fail with err.
// n=1 means the next call. err should be one of the hwdrv error categories.
func (d *Driver) FailAt(op string, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = failure{countdown: n, err: err}
}

// ClearFailures cancels all pending FailAt arrangements.
func (d *Driver) ClearFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = map[string]failure{}
}

// Events returns successful create/destroy calls in order.
func (d *Driver) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.events)
}

// Stats returns object counters.
func (d *Driver) Stats() (st Stats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st.Creates, st.Destroys = d.creates, d.destroys
	st.LiveByKind = map[Kind]int{}
	for _, o := range d.objects {
		st.LiveByKind[o.kind]++
	}
	return st
}

func (d *Driver) injected(op string) error {
	f, ok := d.failures[op]
	if !ok {
		return nil
	}
	if f.countdown--; f.countdown > 0 {
		d.failures[op] = f
		return nil
	}
	delete(d.failures, op)
	logger.Debug("injected failure", zap.String("op", op), zap.Error(f.err))
	return hwdrv.NewOpError(op, f.err, -1)
}

func invalid(op string) error {
	return hwdrv.NewOpError(op, hwdrv.ErrInvalidValue, -int(unix.EINVAL))
}

// get returns a live object of the specified kind, or nil.
func (d *Driver) get(kind Kind, h uintptr) *object {
	if o := d.objects[h]; o != nil && o.kind == kind {
		return o
	}
	return nil
}

func (d *Driver) add(op string, o *object) uintptr {
	d.last++
	o.handle = d.last
	d.objects[o.handle] = o
	d.order = append(d.order, o.handle)
	d.creates++
	d.events = append(d.events, Event{Op: op, Kind: o.kind, Handle: o.handle})
	return o.handle
}

func (d *Driver) dependents(h uintptr) (list []uintptr) {
	for _, oh := range d.order {
		if slices.Contains(d.objects[oh].deps, h) {
			list = append(list, oh)
		}
	}
	return list
}

// remove destroys an object; caller must hold the lock.
func (d *Driver) remove(op string, kind Kind, h uintptr) error {
	o := d.get(kind, h)
	if o == nil {
		return invalid(op)
	}
	if deps := d.dependents(h); len(deps) > 0 {
		logger.Debug("object busy",
			zap.String("op", op),
			zap.Uintptr("handle", h),
			zap.Uintptrs("dependents", deps),
		)
		return hwdrv.NewOpError(op, hwdrv.ErrDriver, -int(unix.EBUSY))
	}
	if o.kind == KindBuffer {
		if p := d.objects[o.process]; p != nil {
			p.memUsed -= uint64(len(o.data))
		}
	}
	delete(d.objects, h)
	d.order = slices.DeleteFunc(d.order, func(x uintptr) bool { return x == h })
	d.destroys++
	d.events = append(d.events, Event{Op: op, Kind: kind, Handle: h, Destroy: true})
	return nil
}

func (d *Driver) destroy(op string, kind Kind, h uintptr) error {
	if h == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(op); e != nil {
		return e
	}
	return d.remove(op, kind, h)
}

// ListDevices implements hwdrv.Driver.
func (d *Driver) ListDevices() (list []hwdrv.DeviceInfo, e error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpListDevices); e != nil {
		return nil, e
	}
	for i, name := range d.cfg.Devices {
		list = append(list, hwdrv.DeviceInfo{
			Name:     name,
			NodeGUID: fmt.Sprintf("0200:00ff:fe00:%04x", i),
		})
	}
	return list, nil
}

// OpenDevice implements hwdrv.Driver.
func (d *Driver) OpenDevice(name string) (hwdrv.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpOpenDevice); e != nil {
		return 0, e
	}
	if !slices.Contains(d.cfg.Devices, name) {
		return 0, hwdrv.NewOpError(OpOpenDevice, hwdrv.ErrNotFound, -int(unix.ENODEV))
	}
	return hwdrv.Context(d.add(OpOpenDevice, &object{kind: KindContext, name: name})), nil
}

// CloseDevice implements hwdrv.Driver.
func (d *Driver) CloseDevice(ctx hwdrv.Context) error {
	return d.destroy(OpCloseDevice, KindContext, uintptr(ctx))
}

// AllocPD implements hwdrv.Driver.
func (d *Driver) AllocPD(ctx hwdrv.Context) (hwdrv.PD, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpAllocPD); e != nil {
		return 0, e
	}
	if d.get(KindContext, uintptr(ctx)) == nil {
		return 0, invalid(OpAllocPD)
	}
	return hwdrv.PD(d.add(OpAllocPD, &object{kind: KindPD, deps: []uintptr{uintptr(ctx)}})), nil
}

// DeallocPD implements hwdrv.Driver.
func (d *Driver) DeallocPD(pd hwdrv.PD) error {
	return d.destroy(OpDeallocPD, KindPD, uintptr(pd))
}

// CreateProcess implements hwdrv.Driver.
func (d *Driver) CreateProcess(ctx hwdrv.Context, image string) (hwdrv.Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateProcess); e != nil {
		return 0, e
	}
	if d.get(KindContext, uintptr(ctx)) == nil || image == "" {
		return 0, invalid(OpCreateProcess)
	}
	return hwdrv.Process(d.add(OpCreateProcess, &object{
		kind: KindProcess,
		name: image,
		deps: []uintptr{uintptr(ctx)},
	})), nil
}

// DestroyProcess implements hwdrv.Driver.
func (d *Driver) DestroyProcess(p hwdrv.Process) error {
	return d.destroy(OpDestroyProcess, KindProcess, uintptr(p))
}

// CreateEventHandler implements hwdrv.Driver.
func (d *Driver) CreateEventHandler(p hwdrv.Process, attr hwdrv.EventHandlerAttr) (hwdrv.EventHandler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateEventHandler); e != nil {
		return 0, e
	}
	if d.get(KindProcess, uintptr(p)) == nil || attr.EntryPoint == "" {
		return 0, invalid(OpCreateEventHandler)
	}
	return hwdrv.EventHandler(d.add(OpCreateEventHandler, &object{
		kind:   KindEventHandler,
		name:   attr.EntryPoint,
		ehAttr: attr,
		deps:   []uintptr{uintptr(p)},
	})), nil
}

// RunEventHandler implements hwdrv.Driver.
func (d *Driver) RunEventHandler(eh hwdrv.EventHandler, arg hwdrv.DevAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpRunEventHandler); e != nil {
		return e
	}
	o := d.get(KindEventHandler, uintptr(eh))
	if o == nil || o.running {
		return invalid(OpRunEventHandler)
	}
	if buf := d.findBuffer(o.deps[0], arg, 1); buf == nil {
		return invalid(OpRunEventHandler)
	}
	o.running, o.runArg = true, arg
	return nil
}

// DestroyEventHandler implements hwdrv.Driver.
func (d *Driver) DestroyEventHandler(eh hwdrv.EventHandler) error {
	return d.destroy(OpDestroyEventHandler, KindEventHandler, uintptr(eh))
}

// EventHandlerInfo describes a simulated event handler.
type EventHandlerInfo struct {
	Attr    hwdrv.EventHandlerAttr
	Running bool
	Arg     hwdrv.DevAddr
}

// EventHandler returns information about a live event handler.
func (d *Driver) EventHandler(eh hwdrv.EventHandler) (info EventHandlerInfo, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o := d.get(KindEventHandler, uintptr(eh))
	if o == nil {
		return info, false
	}
	return EventHandlerInfo{Attr: o.ehAttr, Running: o.running, Arg: o.runArg}, true
}
