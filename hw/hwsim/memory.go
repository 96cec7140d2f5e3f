package hwsim

import (
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"golang.org/x/sys/unix"
)

const allocAlign = 64

// findBuffer returns the live buffer of process p that contains [addr, addr+n).
// If p is zero, buffers of any process are considered.
func (d *Driver) findBuffer(p uintptr, addr hwdrv.DevAddr, n uint64) *object {
	for _, h := range d.order {
		o := d.objects[h]
		if o.kind != KindBuffer || (p != 0 && o.process != p) {
			continue
		}
		if addr >= o.addr && uint64(addr-o.addr)+n <= uint64(len(o.data)) {
			return o
		}
	}
	return nil
}

func (d *Driver) alloc(op string, p hwdrv.Process, size uint64) (*object, error) {
	proc := d.get(KindProcess, uintptr(p))
	if proc == nil || size == 0 {
		return nil, invalid(op)
	}
	if proc.memUsed+size > d.cfg.ProcessMemory {
		return nil, hwdrv.NewOpError(op, hwdrv.ErrNoMemory, -int(unix.ENOMEM))
	}
	proc.memUsed += size

	buf := &object{
		kind:    KindBuffer,
		process: uintptr(p),
		addr:    d.nextAddr,
		data:    make([]byte, size),
		deps:    []uintptr{uintptr(p)},
	}
	d.nextAddr += hwdrv.DevAddr((size + allocAlign - 1) / allocAlign * allocAlign)
	d.add(op, buf)
	return buf, nil
}

// CopyFromHost implements hwdrv.Driver.
func (d *Driver) CopyFromHost(p hwdrv.Process, src []byte) (hwdrv.DevAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCopyFromHost); e != nil {
		return 0, e
	}
	buf, e := d.alloc(OpCopyFromHost, p, uint64(len(src)))
	if e != nil {
		return 0, e
	}
	copy(buf.data, src)
	return buf.addr, nil
}

// BufAlloc implements hwdrv.Driver.
func (d *Driver) BufAlloc(p hwdrv.Process, size uint64) (hwdrv.DevAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpBufAlloc); e != nil {
		return 0, e
	}
	buf, e := d.alloc(OpBufAlloc, p, size)
	if e != nil {
		return 0, e
	}
	return buf.addr, nil
}

// BufFree implements hwdrv.Driver.
func (d *Driver) BufFree(p hwdrv.Process, addr hwdrv.DevAddr) error {
	if addr == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpBufFree); e != nil {
		return e
	}
	buf := d.findBuffer(uintptr(p), addr, 1)
	if buf == nil || buf.addr != addr {
		return invalid(OpBufFree)
	}
	return d.remove(OpBufFree, KindBuffer, buf.handle)
}

// Host2Dev implements hwdrv.Driver.
func (d *Driver) Host2Dev(p hwdrv.Process, dst hwdrv.DevAddr, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpHost2Dev); e != nil {
		return e
	}
	buf := d.findBuffer(uintptr(p), dst, uint64(len(src)))
	if buf == nil {
		return invalid(OpHost2Dev)
	}
	copy(buf.data[dst-buf.addr:], src)
	return nil
}

// ReadMemory returns a copy of n bytes of offload process memory at addr.
func (d *Driver) ReadMemory(addr hwdrv.DevAddr, n int) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.findBuffer(0, addr, uint64(n))
	if buf == nil {
		return nil, false
	}
	off := addr - buf.addr
	return append([]byte(nil), buf.data[off:off+hwdrv.DevAddr(n)]...), true
}

// BufferSize returns the size of the live allocation starting at addr.
func (d *Driver) BufferSize(addr hwdrv.DevAddr) (size uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.findBuffer(0, addr, 1)
	if buf == nil || buf.addr != addr {
		return 0, false
	}
	return uint64(len(buf.data)), true
}
