package flexiodrv

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

// handleTable maps hwdrv handles to C object pointers.
//
// A handle stays in the table until its release call succeeds, so a failed release can be
// reported and retried without losing the object.
// An unknown handle fails with hwdrv.ErrInvalidValue before any C call.
type handleTable struct {
	mu   sync.Mutex
	last uintptr
	objs map[uintptr]unsafe.Pointer
}

func newHandleTable() handleTable {
	return handleTable{objs: map[uintptr]unsafe.Pointer{}}
}

func (tbl *handleTable) put(ptr unsafe.Pointer) uintptr {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.last++
	tbl.objs[tbl.last] = ptr
	return tbl.last
}

func (tbl *handleTable) get(op string, h uintptr) (unsafe.Pointer, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if ptr := tbl.objs[h]; ptr != nil {
		return ptr, nil
	}
	return nil, hwdrv.NewOpError(op, hwdrv.ErrInvalidValue, -int(syscall.EINVAL))
}

func (tbl *handleTable) drop(h uintptr) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	delete(tbl.objs, h)
}

// release invokes f on the object of handle h, and removes h from the table if f succeeds.
// Zero handle is a no-op.
func (tbl *handleTable) release(op string, h uintptr, f func(ptr unsafe.Pointer) error) error {
	if h == 0 {
		return nil
	}
	ptr, e := tbl.get(op, h)
	if e != nil {
		return e
	}
	if e := f(ptr); e != nil {
		return e
	}
	tbl.drop(h)
	return nil
}
