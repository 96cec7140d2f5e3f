// Package queue allocates completion queues, work queues, and their device memory.
package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/reflector/offload"
	"go.uber.org/zap"
)

var logger = logging.New("queue")

// Limits of log2 queue depth.
const (
	MinLogDepth = 1
	MaxLogDepth = 16
)

// MaxLogBufSize is the largest log2 size of a data buffer or memory key region.
const MaxLogBufSize = 32

// CQE ownership values.
const (
	OwnerHardware = 1 // entry not yet consumed
	ownerOffset   = hwdrv.CQESize - 1
)

// Kind is the direction of a work queue.
type Kind string

// Kind values.
const (
	KindTx Kind = "tx"
	KindRx Kind = "rx"
)

// CompletionQueue describes a created completion queue.
type CompletionQueue struct {
	Handle   hwdrv.CQ       `json:"-"`
	Num      uint32         `json:"num"`
	LogDepth int            `json:"logDepth"`
	Ring     hwdrv.DevAddr  `json:"ring"`
	Doorbell hwdrv.DevAddr  `json:"doorbell"`
	Target   hwdrv.CQTarget `json:"-"`
}

// Memory describes the device memory of a work queue.
type Memory struct {
	Data     hwdrv.DevAddr `json:"data"`
	DataSize uint64        `json:"dataSize"`
	Ring     hwdrv.DevAddr `json:"ring"`
	RingSize uint64        `json:"ringSize"`
	Doorbell hwdrv.DevAddr `json:"doorbell"`
}

// WorkQueue describes a created transmit or receive queue.
type WorkQueue struct {
	Kind     Kind     `json:"kind"`
	SQ       hwdrv.SQ `json:"-"`
	RQ       hwdrv.RQ `json:"-"`
	Num      uint32   `json:"num"`
	LogDepth int      `json:"logDepth"`
	Memory
	Mkey   hwdrv.Mkey `json:"-"`
	MkeyID uint32     `json:"mkeyId"`
}

// Allocator allocates queue resources within an offload process.
type Allocator struct {
	p *offload.Process
}

// New creates an Allocator.
// The offload process must belong to a device with an allocated protection domain.
func New(p *offload.Process) *Allocator {
	return &Allocator{p: p}
}

func checkLogDepth(logDepth int) error {
	if logDepth < MinLogDepth || logDepth > MaxLogDepth {
		return fmt.Errorf("log2 depth %d out of range: %w", logDepth, hwdrv.ErrInvalidValue)
	}
	return nil
}

func checkLogBufSize(logSize int) error {
	if logSize < 0 || logSize > MaxLogBufSize {
		return fmt.Errorf("log2 buffer size %d out of range: %w", logSize, hwdrv.ErrInvalidValue)
	}
	return nil
}

// AllocateDoorbellRecord allocates a zeroed doorbell record: receive counter and send counter.
func (a *Allocator) AllocateDoorbellRecord() (hwdrv.DevAddr, error) {
	dbr, e := a.p.Alloc(hwdrv.DoorbellSize)
	if e != nil {
		return 0, fmt.Errorf("allocate doorbell record: %w", e)
	}
	return dbr, nil
}

// BuildCompletionRing builds 2^logDepth completion queue entries in host memory.
// Every entry is marked as owned by hardware.
func BuildCompletionRing(logDepth int) []byte {
	ring := make([]byte, hwdrv.CQESize<<logDepth)
	for off := 0; off < len(ring); off += hwdrv.CQESize {
		ring[off+ownerOffset] = OwnerHardware
	}
	return ring
}

// AllocateCompletionQueueMemory copies an initialized completion ring to device memory
// and allocates its doorbell record.
func (a *Allocator) AllocateCompletionQueueMemory(logDepth int) (ring, dbr hwdrv.DevAddr, e error) {
	if e = checkLogDepth(logDepth); e != nil {
		return 0, 0, e
	}
	host := BuildCompletionRing(logDepth)
	if ring, e = a.p.Copy(host); e != nil {
		return 0, 0, fmt.Errorf("copy completion ring: %w", e)
	}
	if dbr, e = a.AllocateDoorbellRecord(); e != nil {
		if err := a.p.Free(ring); err != nil {
			logger.Warn("free completion ring error", zap.Error(err))
		}
		return 0, 0, e
	}
	logger.Debug("completion queue memory allocated",
		zap.Int("entries", 1<<logDepth),
		zap.String("ring-size", humanize.IBytes(uint64(len(host)))),
	)
	return ring, dbr, nil
}

// CreateCompletionQueue creates a completion queue over previously allocated memory.
// CQOffloadThread binds the completion queue to the process event handler.
func (a *Allocator) CreateCompletionQueue(ring, dbr hwdrv.DevAddr, logDepth int, target hwdrv.CQTarget) (cq CompletionQueue, e error) {
	attr := hwdrv.CQAttr{
		LogDepth:     logDepth,
		RingAddr:     ring,
		DoorbellAddr: dbr,
		Target:       target,
	}
	if target == hwdrv.CQOffloadThread {
		if attr.EventHandler = a.p.EventHandler(); attr.EventHandler == 0 {
			return cq, fmt.Errorf("completion queue needs an event handler: %w", hwdrv.ErrInvalidValue)
		}
	}

	h, num, e := a.p.Driver().CreateCQ(a.p.Handle(), a.p.Device().Context(), attr)
	if e != nil {
		return cq, fmt.Errorf("create completion queue: %w", e)
	}
	logger.Debug("completion queue created", zap.Uint32("cq", num), zap.Stringer("target", target))
	return CompletionQueue{
		Handle:   h,
		Num:      num,
		LogDepth: logDepth,
		Ring:     ring,
		Doorbell: dbr,
		Target:   target,
	}, nil
}

// RingSize returns the descriptor ring size of a work queue.
func RingSize(kind Kind, logDepth int) uint64 {
	if kind == KindRx {
		return hwdrv.DataSegSize << logDepth
	}
	return 1 << (logDepth + hwdrv.LogWQESize)
}

// AllocateQueueMemory allocates the data buffer, descriptor ring, and doorbell record of a work queue.
// If any allocation fails, earlier allocations are released.
func (a *Allocator) AllocateQueueMemory(kind Kind, logDepth, logDataBufSize int) (mem Memory, e error) {
	if e = checkLogDepth(logDepth); e != nil {
		return mem, e
	}
	if e = checkLogBufSize(logDataBufSize); e != nil {
		return mem, e
	}
	mem.DataSize = 1 << logDataBufSize
	mem.RingSize = RingSize(kind, logDepth)

	defer func() {
		if e == nil {
			return
		}
		for _, addr := range []hwdrv.DevAddr{mem.Ring, mem.Data} {
			if err := a.p.Free(addr); err != nil {
				logger.Warn("free queue memory error", zap.Stringer("addr", addr), zap.Error(err))
			}
		}
		mem = Memory{}
	}()

	if mem.Data, e = a.p.Alloc(mem.DataSize); e != nil {
		return mem, fmt.Errorf("allocate %s data buffer: %w", kind, e)
	}
	if mem.Ring, e = a.p.Alloc(mem.RingSize); e != nil {
		return mem, fmt.Errorf("allocate %s ring: %w", kind, e)
	}
	if mem.Doorbell, e = a.AllocateDoorbellRecord(); e != nil {
		return mem, e
	}

	logger.Debug("queue memory allocated",
		zap.String("kind", string(kind)),
		zap.String("data-size", humanize.IBytes(mem.DataSize)),
		zap.String("ring-size", humanize.IBytes(mem.RingSize)),
	)
	return mem, nil
}

// FreeQueueMemory releases memory allocated by AllocateQueueMemory, in reverse order.
func (a *Allocator) FreeQueueMemory(mem Memory) error {
	for _, addr := range []hwdrv.DevAddr{mem.Doorbell, mem.Ring, mem.Data} {
		if e := a.p.Free(addr); e != nil {
			return e
		}
	}
	return nil
}

// CreateMemoryKey registers [addr, addr+2^logSize) for device access.
// Every queue buffer is written by the device, so access must include hwdrv.AccessLocalWrite.
func (a *Allocator) CreateMemoryKey(addr hwdrv.DevAddr, logSize int, access hwdrv.AccessFlags) (hwdrv.Mkey, uint32, error) {
	if access&hwdrv.AccessLocalWrite == 0 {
		return 0, 0, fmt.Errorf("memory key without local write: %w", hwdrv.ErrInvalidValue)
	}
	if e := checkLogBufSize(logSize); e != nil {
		return 0, 0, e
	}
	mkey, id, e := a.p.Driver().CreateMkey(a.p.Handle(), hwdrv.MkeyAttr{
		PD:     a.p.Device().PD(),
		Addr:   addr,
		Len:    1 << logSize,
		Access: access,
	})
	if e != nil {
		return 0, 0, fmt.Errorf("create memory key: %w", e)
	}
	logger.Debug("memory key created", zap.Uint32("mkey", id), zap.Stringer("addr", addr))
	return mkey, id, nil
}

func (a *Allocator) wqAttr(mem Memory, logDepth int) hwdrv.WQAttr {
	return hwdrv.WQAttr{
		LogDepth:     logDepth,
		RingAddr:     mem.Ring,
		DoorbellAddr: mem.Doorbell,
		PD:           a.p.Device().PD(),
	}
}

// CreateTransmitQueue creates a transmit queue bound to completion queue cqNum.
func (a *Allocator) CreateTransmitQueue(cqNum uint32, mem Memory, logDepth int) (hwdrv.SQ, uint32, error) {
	sq, num, e := a.p.Driver().CreateSQ(a.p.Handle(), a.p.Device().Context(), cqNum, a.wqAttr(mem, logDepth))
	if e != nil {
		return 0, 0, fmt.Errorf("create transmit queue: %w", e)
	}
	logger.Debug("transmit queue created", zap.Uint32("sq", num), zap.Uint32("cq", cqNum))
	return sq, num, nil
}

// CreateReceiveQueue creates a receive queue bound to completion queue cqNum.
func (a *Allocator) CreateReceiveQueue(cqNum uint32, mem Memory, logDepth int) (hwdrv.RQ, uint32, error) {
	rq, num, e := a.p.Driver().CreateRQ(a.p.Handle(), a.p.Device().Context(), cqNum, a.wqAttr(mem, logDepth))
	if e != nil {
		return 0, 0, fmt.Errorf("create receive queue: %w", e)
	}
	logger.Debug("receive queue created", zap.Uint32("rq", num), zap.Uint32("cq", cqNum))
	return rq, num, nil
}

// ReadDoorbell decodes a doorbell record: receive counter and send counter.
func ReadDoorbell(b []byte) (recv, send uint32) {
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8])
}

// EncodeDoorbell encodes a doorbell record.
// Each counter is truncated to 16 bits.
func EncodeDoorbell(recv, send uint32) []byte {
	b := make([]byte, hwdrv.DoorbellSize)
	binary.BigEndian.PutUint32(b[0:4], recv&0xFFFF)
	binary.BigEndian.PutUint32(b[4:8], send&0xFFFF)
	return b
}
