package hwsim

import (
	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

const maxLogDepth = 16

func (d *Driver) findCQ(num uint32) *object {
	for _, h := range d.order {
		if o := d.objects[h]; o.kind == KindCQ && o.num == num {
			return o
		}
	}
	return nil
}

// CreateCQ implements hwdrv.Driver.
func (d *Driver) CreateCQ(p hwdrv.Process, ctx hwdrv.Context, attr hwdrv.CQAttr) (hwdrv.CQ, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateCQ); e != nil {
		return 0, 0, e
	}
	if d.get(KindProcess, uintptr(p)) == nil || (ctx != 0 && d.get(KindContext, uintptr(ctx)) == nil) ||
		attr.LogDepth <= 0 || attr.LogDepth > maxLogDepth {
		return 0, 0, invalid(OpCreateCQ)
	}
	ring := d.findBuffer(uintptr(p), attr.RingAddr, hwdrv.CQESize<<attr.LogDepth)
	dbr := d.findBuffer(uintptr(p), attr.DoorbellAddr, hwdrv.DoorbellSize)
	if ring == nil || dbr == nil {
		return 0, 0, invalid(OpCreateCQ)
	}
	deps := []uintptr{uintptr(p), ring.handle, dbr.handle}
	switch attr.Target {
	case hwdrv.CQNonOffload:
	case hwdrv.CQOffloadThread:
		if d.get(KindEventHandler, uintptr(attr.EventHandler)) == nil {
			return 0, 0, invalid(OpCreateCQ)
		}
		deps = append(deps, uintptr(attr.EventHandler))
	default:
		return 0, 0, invalid(OpCreateCQ)
	}

	o := &object{kind: KindCQ, num: d.nextNum, cqAttr: attr, deps: deps}
	d.nextNum++
	return hwdrv.CQ(d.add(OpCreateCQ, o)), o.num, nil
}

// DestroyCQ implements hwdrv.Driver.
func (d *Driver) DestroyCQ(cq hwdrv.CQ) error {
	return d.destroy(OpDestroyCQ, KindCQ, uintptr(cq))
}

func (d *Driver) createWQ(op string, kind Kind, p hwdrv.Process, ctx hwdrv.Context, cqNum uint32, attr hwdrv.WQAttr) (uintptr, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(op); e != nil {
		return 0, 0, e
	}
	if d.get(KindProcess, uintptr(p)) == nil || (ctx != 0 && d.get(KindContext, uintptr(ctx)) == nil) ||
		d.get(KindPD, uintptr(attr.PD)) == nil || attr.LogDepth <= 0 || attr.LogDepth > maxLogDepth {
		return 0, 0, invalid(op)
	}
	cq := d.findCQ(cqNum)
	if cq == nil {
		return 0, 0, invalid(op)
	}

	ringSize := uint64(hwdrv.WQESize) << attr.LogDepth
	if kind == KindRQ {
		ringSize = uint64(hwdrv.DataSegSize) << attr.LogDepth
	}
	ring := d.findBuffer(uintptr(p), attr.RingAddr, ringSize)
	if ring == nil {
		return 0, 0, invalid(op)
	}
	deps := []uintptr{uintptr(p), uintptr(attr.PD), cq.handle, ring.handle}

	if attr.DoorbellAddr != 0 || kind == KindRQ {
		dbr := d.findBuffer(uintptr(p), attr.DoorbellAddr, hwdrv.DoorbellSize)
		if dbr == nil {
			return 0, 0, invalid(op)
		}
		deps = append(deps, dbr.handle)
	}

	o := &object{kind: kind, num: d.nextNum, wqAttr: attr, target: cq.handle, deps: deps}
	d.nextNum++
	return d.add(op, o), o.num, nil
}

// CreateSQ implements hwdrv.Driver.
func (d *Driver) CreateSQ(p hwdrv.Process, ctx hwdrv.Context, cqNum uint32, attr hwdrv.WQAttr) (hwdrv.SQ, uint32, error) {
	h, num, e := d.createWQ(OpCreateSQ, KindSQ, p, ctx, cqNum, attr)
	return hwdrv.SQ(h), num, e
}

// DestroySQ implements hwdrv.Driver.
func (d *Driver) DestroySQ(sq hwdrv.SQ) error {
	return d.destroy(OpDestroySQ, KindSQ, uintptr(sq))
}

// CreateRQ implements hwdrv.Driver.
func (d *Driver) CreateRQ(p hwdrv.Process, ctx hwdrv.Context, cqNum uint32, attr hwdrv.WQAttr) (hwdrv.RQ, uint32, error) {
	h, num, e := d.createWQ(OpCreateRQ, KindRQ, p, ctx, cqNum, attr)
	return hwdrv.RQ(h), num, e
}

// DestroyRQ implements hwdrv.Driver.
func (d *Driver) DestroyRQ(rq hwdrv.RQ) error {
	return d.destroy(OpDestroyRQ, KindRQ, uintptr(rq))
}

// CreateMkey implements hwdrv.Driver.
func (d *Driver) CreateMkey(p hwdrv.Process, attr hwdrv.MkeyAttr) (hwdrv.Mkey, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateMkey); e != nil {
		return 0, 0, e
	}
	if d.get(KindProcess, uintptr(p)) == nil || d.get(KindPD, uintptr(attr.PD)) == nil || attr.Len == 0 {
		return 0, 0, invalid(OpCreateMkey)
	}
	buf := d.findBuffer(uintptr(p), attr.Addr, attr.Len)
	if buf == nil {
		return 0, 0, invalid(OpCreateMkey)
	}

	o := &object{
		kind:     KindMkey,
		num:      d.nextMkey,
		mkeyAttr: attr,
		deps:     []uintptr{uintptr(p), uintptr(attr.PD), buf.handle},
	}
	d.nextMkey++
	return hwdrv.Mkey(d.add(OpCreateMkey, o)), o.num, nil
}

// DestroyMkey implements hwdrv.Driver.
func (d *Driver) DestroyMkey(mkey hwdrv.Mkey) error {
	return d.destroy(OpDestroyMkey, KindMkey, uintptr(mkey))
}

// CQInfo describes a simulated completion queue.
type CQInfo struct {
	Num  uint32
	Attr hwdrv.CQAttr
}

// LookupCQ finds a live completion queue by number.
func (d *Driver) LookupCQ(num uint32) (info CQInfo, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o := d.findCQ(num); o != nil {
		return CQInfo{Num: o.num, Attr: o.cqAttr}, true
	}
	return info, false
}

// MkeyInfo describes a simulated memory key.
type MkeyInfo struct {
	ID   uint32
	Attr hwdrv.MkeyAttr
}

// LookupMkey finds a live memory key by id.
func (d *Driver) LookupMkey(id uint32) (info MkeyInfo, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.order {
		if o := d.objects[h]; o.kind == KindMkey && o.num == id {
			return MkeyInfo{ID: o.num, Attr: o.mkeyAttr}, true
		}
	}
	return info, false
}
