//go:build flexio

// Package flexiodrv implements hwdrv.Driver with libibverbs, mlx5dv direct rules, and libflexio.
package flexiodrv

/*
#cgo LDFLAGS: -lflexio -lmlx5 -libverbs
#include <errno.h>
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>
#include <infiniband/mlx5dv.h>
#include <libflexio/flexio.h>

#define L2R_MATCH_SIZE 64

struct mlx5dv_flow_match_parameters* l2r_match_new(const void* buf) {
	struct mlx5dv_flow_match_parameters* m = calloc(1, sizeof(*m) + L2R_MATCH_SIZE);
	if (m != NULL) {
		m->match_sz = L2R_MATCH_SIZE;
		memcpy(m->match_buf, buf, L2R_MATCH_SIZE);
	}
	return m;
}

static uint32_t l2r_uar_id(struct flexio_process* p) {
	return flexio_uar_get_id(flexio_process_get_uar(p));
}
*/
import "C"

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"go.uber.org/zap"
)

var logger = logging.New("flexiodrv")

// matchCriteriaOuter enables outer header matching.
const matchCriteriaOuter = 1 << 0

type process struct {
	ptr *C.struct_flexio_process
	app *C.struct_flexio_app
}

// Driver is a hardware driver backed by DOCA FlexIO.
type Driver struct {
	handleTable
	procs map[hwdrv.Process]process
}

var _ hwdrv.Driver = (*Driver)(nil)

// New creates a Driver.
func New() *Driver {
	return &Driver{
		handleTable: newHandleTable(),
		procs:       map[hwdrv.Process]process{},
	}
}

func errnoError(op string, errno error) error {
	cat := hwdrv.ErrDriver
	status := 0
	if en, ok := errno.(syscall.Errno); ok {
		status = -int(en)
		switch en {
		case syscall.ENOMEM:
			cat = hwdrv.ErrNoMemory
		case syscall.EINVAL:
			cat = hwdrv.ErrInvalidValue
		case syscall.ENODEV:
			cat = hwdrv.ErrNotFound
		}
	}
	logger.Debug("driver call failed", zap.String("op", op), zap.Error(errno))
	return hwdrv.NewOpError(op, cat, status)
}

func flexioError(op string, res C.flexio_status) error {
	if res == C.FLEXIO_STATUS_SUCCESS {
		return nil
	}
	return hwdrv.NewOpError(op, hwdrv.ErrDriver, int(res))
}

func intError(op string, res C.int) error {
	if res == 0 {
		return nil
	}
	return hwdrv.NewOpError(op, hwdrv.ErrDriver, int(res))
}

// ListDevices implements hwdrv.Driver.
func (d *Driver) ListDevices() (list []hwdrv.DeviceInfo, e error) {
	var n C.int
	devs, errno := C.ibv_get_device_list(&n)
	if devs == nil {
		return nil, errnoError("ibv_get_device_list", errno)
	}
	defer C.ibv_free_device_list(devs)
	for _, dev := range unsafe.Slice(devs, int(n)) {
		beGUID := C.ibv_get_device_guid(dev)
		guid := binary.BigEndian.Uint64((*[8]byte)(unsafe.Pointer(&beGUID))[:])
		list = append(list, hwdrv.DeviceInfo{
			Name:     C.GoString(C.ibv_get_device_name(dev)),
			NodeGUID: fmt.Sprintf("%04x:%04x:%04x:%04x", guid>>48&0xFFFF, guid>>32&0xFFFF, guid>>16&0xFFFF, guid&0xFFFF),
		})
	}
	return list, nil
}

// OpenDevice implements hwdrv.Driver.
func (d *Driver) OpenDevice(name string) (hwdrv.Context, error) {
	var n C.int
	devs, errno := C.ibv_get_device_list(&n)
	if devs == nil {
		return 0, errnoError("ibv_get_device_list", errno)
	}
	defer C.ibv_free_device_list(devs)
	for _, dev := range unsafe.Slice(devs, int(n)) {
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}
		ctx, errno := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, errnoError("ibv_open_device", errno)
		}
		return hwdrv.Context(d.put(unsafe.Pointer(ctx))), nil
	}
	return 0, hwdrv.NewOpError("ibv_open_device", hwdrv.ErrNotFound, -int(syscall.ENODEV))
}

func (d *Driver) ctx(op string, h hwdrv.Context) (*C.struct_ibv_context, error) {
	ptr, e := d.get(op, uintptr(h))
	return (*C.struct_ibv_context)(ptr), e
}

// CloseDevice implements hwdrv.Driver.
func (d *Driver) CloseDevice(h hwdrv.Context) error {
	const op = "ibv_close_device"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return intError(op, C.ibv_close_device((*C.struct_ibv_context)(ptr)))
	})
}

// AllocPD implements hwdrv.Driver.
func (d *Driver) AllocPD(h hwdrv.Context) (hwdrv.PD, error) {
	const op = "ibv_alloc_pd"
	ctx, e := d.ctx(op, h)
	if e != nil {
		return 0, e
	}
	pd, errno := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return 0, errnoError(op, errno)
	}
	return hwdrv.PD(d.put(unsafe.Pointer(pd))), nil
}

func (d *Driver) pd(op string, h hwdrv.PD) (*C.struct_ibv_pd, error) {
	ptr, e := d.get(op, uintptr(h))
	return (*C.struct_ibv_pd)(ptr), e
}

// DeallocPD implements hwdrv.Driver.
func (d *Driver) DeallocPD(h hwdrv.PD) error {
	const op = "ibv_dealloc_pd"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return intError(op, C.ibv_dealloc_pd((*C.struct_ibv_pd)(ptr)))
	})
}

// CreateProcess implements hwdrv.Driver.
// image is the filename of the offload program ELF.
func (d *Driver) CreateProcess(h hwdrv.Context, image string) (hwdrv.Process, error) {
	ctx, e := d.ctx("flexio_process_create", h)
	if e != nil {
		return 0, e
	}
	elf, e := os.ReadFile(image)
	if e != nil {
		return 0, hwdrv.NewOpError("flexio_app_create", fmt.Errorf("%w: %w", hwdrv.ErrNotFound, e), 0)
	}
	cElf := C.CBytes(elf)
	defer C.free(cElf)
	cName := C.CString(filepath.Base(image))
	defer C.free(unsafe.Pointer(cName))

	var appAttr C.struct_flexio_app_attr
	appAttr.app_name = cName
	appAttr.app_ptr = cElf
	appAttr.app_bsize = C.size_t(len(elf))
	var p process
	if e := flexioError("flexio_app_create", C.flexio_app_create(&appAttr, &p.app)); e != nil {
		return 0, e
	}
	if e := flexioError("flexio_process_create", C.flexio_process_create(ctx, p.app, nil, &p.ptr)); e != nil {
		C.flexio_app_destroy(p.app)
		return 0, e
	}

	ph := hwdrv.Process(d.put(unsafe.Pointer(p.ptr)))
	d.mu.Lock()
	d.procs[ph] = p
	d.mu.Unlock()
	return ph, nil
}

func (d *Driver) proc(op string, h hwdrv.Process) (p process, e error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.procs[h]
	if !ok {
		return p, hwdrv.NewOpError(op, hwdrv.ErrInvalidValue, -int(syscall.EINVAL))
	}
	return p, nil
}

// DestroyProcess implements hwdrv.Driver.
func (d *Driver) DestroyProcess(h hwdrv.Process) error {
	const op = "flexio_process_destroy"
	if h == 0 {
		return nil
	}
	p, e := d.proc(op, h)
	if e != nil {
		return e
	}
	if e := flexioError(op, C.flexio_process_destroy(p.ptr)); e != nil {
		return e
	}
	if p.app != nil {
		C.flexio_app_destroy(p.app)
	}
	d.mu.Lock()
	delete(d.procs, h)
	delete(d.objs, uintptr(h))
	d.mu.Unlock()
	return nil
}

// CreateEventHandler implements hwdrv.Driver.
func (d *Driver) CreateEventHandler(ph hwdrv.Process, attr hwdrv.EventHandlerAttr) (hwdrv.EventHandler, error) {
	const op = "flexio_event_handler_create"
	p, e := d.proc(op, ph)
	if e != nil {
		return 0, e
	}

	cEntry := C.CString(attr.EntryPoint)
	defer C.free(unsafe.Pointer(cEntry))
	var fn *C.flexio_func_t
	if e := flexioError("flexio_func_register", C.flexio_func_register(p.app, cEntry, &fn)); e != nil {
		return 0, e
	}

	var ehAttr C.struct_flexio_event_handler_attr
	ehAttr.host_stub_func = fn
	if attr.Affinity == hwdrv.AffinityStrict {
		ehAttr.affinity._type = C.FLEXIO_AFFINITY_STRICT
		ehAttr.affinity.id = C.uint32_t(attr.UnitID)
	}
	var eh *C.struct_flexio_event_handler
	if e := flexioError(op, C.flexio_event_handler_create(p.ptr, &ehAttr, &eh)); e != nil {
		return 0, e
	}
	return hwdrv.EventHandler(d.put(unsafe.Pointer(eh))), nil
}

func (d *Driver) eh(op string, h hwdrv.EventHandler) (*C.struct_flexio_event_handler, error) {
	ptr, e := d.get(op, uintptr(h))
	return (*C.struct_flexio_event_handler)(ptr), e
}

// RunEventHandler implements hwdrv.Driver.
func (d *Driver) RunEventHandler(h hwdrv.EventHandler, arg hwdrv.DevAddr) error {
	const op = "flexio_event_handler_run"
	eh, e := d.eh(op, h)
	if e != nil {
		return e
	}
	return flexioError(op, C.flexio_event_handler_run(eh, C.uint64_t(arg)))
}

// DestroyEventHandler implements hwdrv.Driver.
func (d *Driver) DestroyEventHandler(h hwdrv.EventHandler) error {
	const op = "flexio_event_handler_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return flexioError(op, C.flexio_event_handler_destroy((*C.struct_flexio_event_handler)(ptr)))
	})
}

// CopyFromHost implements hwdrv.Driver.
func (d *Driver) CopyFromHost(ph hwdrv.Process, src []byte) (hwdrv.DevAddr, error) {
	const op = "flexio_copy_from_host"
	p, e := d.proc(op, ph)
	if e != nil {
		return 0, e
	}
	cSrc := C.CBytes(src)
	defer C.free(cSrc)
	var daddr C.flexio_uintptr_t
	if e := flexioError(op, C.flexio_copy_from_host(p.ptr, cSrc, C.size_t(len(src)), &daddr)); e != nil {
		return 0, e
	}
	return hwdrv.DevAddr(daddr), nil
}

// BufAlloc implements hwdrv.Driver.
func (d *Driver) BufAlloc(ph hwdrv.Process, size uint64) (hwdrv.DevAddr, error) {
	const op = "flexio_buf_dev_alloc"
	p, e := d.proc(op, ph)
	if e != nil {
		return 0, e
	}
	var daddr C.flexio_uintptr_t
	if res := C.flexio_buf_dev_alloc(p.ptr, C.size_t(size), &daddr); res != C.FLEXIO_STATUS_SUCCESS {
		return 0, hwdrv.NewOpError(op, hwdrv.ErrNoMemory, int(res))
	}
	return hwdrv.DevAddr(daddr), nil
}

// BufFree implements hwdrv.Driver.
func (d *Driver) BufFree(ph hwdrv.Process, addr hwdrv.DevAddr) error {
	const op = "flexio_buf_dev_free"
	if addr == 0 {
		return nil
	}
	p, e := d.proc(op, ph)
	if e != nil {
		return e
	}
	return flexioError(op, C.flexio_buf_dev_free(p.ptr, C.flexio_uintptr_t(addr)))
}

// Host2Dev implements hwdrv.Driver.
func (d *Driver) Host2Dev(ph hwdrv.Process, dst hwdrv.DevAddr, src []byte) error {
	const op = "flexio_host2dev_memcpy"
	p, e := d.proc(op, ph)
	if e != nil {
		return e
	}
	cSrc := C.CBytes(src)
	defer C.free(cSrc)
	return flexioError(op, C.flexio_host2dev_memcpy(p.ptr, cSrc, C.size_t(len(src)), C.flexio_uintptr_t(dst)))
}

// CreateCQ implements hwdrv.Driver.
func (d *Driver) CreateCQ(ph hwdrv.Process, h hwdrv.Context, attr hwdrv.CQAttr) (hwdrv.CQ, uint32, error) {
	const op = "flexio_cq_create"
	p, e := d.proc(op, ph)
	if e != nil {
		return 0, 0, e
	}
	ctx, e := d.ctx(op, h)
	if e != nil {
		return 0, 0, e
	}

	var cqAttr C.struct_flexio_cq_attr
	cqAttr.log_cq_depth = C.uint8_t(attr.LogDepth)
	cqAttr.uar_id = C.l2r_uar_id(p.ptr)
	cqAttr.cq_dbr_daddr = C.flexio_uintptr_t(attr.DoorbellAddr)
	cqAttr.cq_ring_qmem.daddr = C.flexio_uintptr_t(attr.RingAddr)
	switch attr.Target {
	case hwdrv.CQOffloadThread:
		eh, e := d.eh(op, attr.EventHandler)
		if e != nil {
			return 0, 0, e
		}
		cqAttr.element_type = C.FLEXIO_CQ_ELEMENT_TYPE_DPA_THREAD
		cqAttr.thread = C.flexio_event_handler_get_thread(eh)
	default:
		cqAttr.element_type = C.FLEXIO_CQ_ELEMENT_TYPE_NON_DPA_CQ
	}

	var cq *C.struct_flexio_cq
	if e := flexioError(op, C.flexio_cq_create(p.ptr, ctx, &cqAttr, &cq)); e != nil {
		return 0, 0, e
	}
	return hwdrv.CQ(d.put(unsafe.Pointer(cq))), uint32(C.flexio_cq_get_cq_num(cq)), nil
}

// DestroyCQ implements hwdrv.Driver.
func (d *Driver) DestroyCQ(h hwdrv.CQ) error {
	const op = "flexio_cq_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return flexioError(op, C.flexio_cq_destroy((*C.struct_flexio_cq)(ptr)))
	})
}

func (d *Driver) wqAttr(op string, p process, attr hwdrv.WQAttr) (wqAttr C.struct_flexio_wq_attr, e error) {
	pd, e := d.pd(op, attr.PD)
	if e != nil {
		return wqAttr, e
	}
	wqAttr.log_wq_depth = C.uint8_t(attr.LogDepth)
	wqAttr.uar_id = C.l2r_uar_id(p.ptr)
	wqAttr.pd = pd
	wqAttr.wq_ring_qmem.daddr = C.flexio_uintptr_t(attr.RingAddr)
	if attr.DoorbellAddr != 0 {
		wqAttr.wq_dbr_qmem.memtype = C.FLEXIO_MEMTYPE_DPA
		wqAttr.wq_dbr_qmem.daddr = C.flexio_uintptr_t(attr.DoorbellAddr)
	}
	return wqAttr, nil
}

func (d *Driver) wqPrepare(op string, ph hwdrv.Process, h hwdrv.Context, attr hwdrv.WQAttr) (p process, ctx *C.struct_ibv_context, wqAttr C.struct_flexio_wq_attr, e error) {
	if p, e = d.proc(op, ph); e != nil {
		return
	}
	if ctx, e = d.ctx(op, h); e != nil {
		return
	}
	wqAttr, e = d.wqAttr(op, p, attr)
	return
}

// CreateSQ implements hwdrv.Driver.
func (d *Driver) CreateSQ(ph hwdrv.Process, h hwdrv.Context, cqNum uint32, attr hwdrv.WQAttr) (hwdrv.SQ, uint32, error) {
	const op = "flexio_sq_create"
	p, ctx, wqAttr, e := d.wqPrepare(op, ph, h, attr)
	if e != nil {
		return 0, 0, e
	}
	var sq *C.struct_flexio_sq
	if e := flexioError(op, C.flexio_sq_create(p.ptr, ctx, C.uint32_t(cqNum), &wqAttr, &sq)); e != nil {
		return 0, 0, e
	}
	return hwdrv.SQ(d.put(unsafe.Pointer(sq))), uint32(C.flexio_sq_get_wq_num(sq)), nil
}

// DestroySQ implements hwdrv.Driver.
func (d *Driver) DestroySQ(h hwdrv.SQ) error {
	const op = "flexio_sq_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return flexioError(op, C.flexio_sq_destroy((*C.struct_flexio_sq)(ptr)))
	})
}

// CreateRQ implements hwdrv.Driver.
func (d *Driver) CreateRQ(ph hwdrv.Process, h hwdrv.Context, cqNum uint32, attr hwdrv.WQAttr) (hwdrv.RQ, uint32, error) {
	const op = "flexio_rq_create"
	p, ctx, wqAttr, e := d.wqPrepare(op, ph, h, attr)
	if e != nil {
		return 0, 0, e
	}
	var rq *C.struct_flexio_rq
	if e := flexioError(op, C.flexio_rq_create(p.ptr, ctx, C.uint32_t(cqNum), &wqAttr, &rq)); e != nil {
		return 0, 0, e
	}
	return hwdrv.RQ(d.put(unsafe.Pointer(rq))), uint32(C.flexio_rq_get_wq_num(rq)), nil
}

// DestroyRQ implements hwdrv.Driver.
func (d *Driver) DestroyRQ(h hwdrv.RQ) error {
	const op = "flexio_rq_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return flexioError(op, C.flexio_rq_destroy((*C.struct_flexio_rq)(ptr)))
	})
}

// CreateMkey implements hwdrv.Driver.
func (d *Driver) CreateMkey(ph hwdrv.Process, attr hwdrv.MkeyAttr) (hwdrv.Mkey, uint32, error) {
	const op = "flexio_device_mkey_create"
	p, e := d.proc(op, ph)
	if e != nil {
		return 0, 0, e
	}
	pd, e := d.pd(op, attr.PD)
	if e != nil {
		return 0, 0, e
	}
	var mkeyAttr C.struct_flexio_mkey_attr
	mkeyAttr.pd = pd
	mkeyAttr.daddr = C.flexio_uintptr_t(attr.Addr)
	mkeyAttr.len = C.size_t(attr.Len)
	mkeyAttr.access = C.uint32_t(attr.Access)
	var mkey *C.struct_flexio_mkey
	if e := flexioError(op, C.flexio_device_mkey_create(p.ptr, &mkeyAttr, &mkey)); e != nil {
		return 0, 0, e
	}
	return hwdrv.Mkey(d.put(unsafe.Pointer(mkey))), uint32(C.flexio_mkey_get_id(mkey)), nil
}

// DestroyMkey implements hwdrv.Driver.
func (d *Driver) DestroyMkey(h hwdrv.Mkey) error {
	const op = "flexio_device_mkey_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return flexioError(op, C.flexio_device_mkey_destroy((*C.struct_flexio_mkey)(ptr)))
	})
}
