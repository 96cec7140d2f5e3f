// Package hwdrv defines the hardware driver seam used by the reflector provisioning code.
//
// A Driver wraps the device-open, protection domain, offload process, queue, memory key,
// and flow steering calls of the NIC. Every handle is an opaque value where zero means
// "not created"; every Destroy method treats a zero handle as a no-op.
package hwdrv

import (
	"fmt"
)

// Handle types. The zero value of each type is the invalid handle.
type (
	Context      uintptr
	PD           uintptr
	Process      uintptr
	EventHandler uintptr
	CQ           uintptr
	SQ           uintptr
	RQ           uintptr
	Mkey         uintptr
	Domain       uintptr
	Table        uintptr
	Matcher      uintptr
	Action       uintptr
	Rule         uintptr
)

// DevAddr is an address in offload process memory.
type DevAddr uint64

func (a DevAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Memory layout constants.
const (
	// IBDevNameSize is the size of a device name buffer, including the terminating NUL.
	IBDevNameSize = 64

	LogCQESize   = 6
	CQESize      = 1 << LogCQESize
	LogWQESize   = 6
	WQESize      = 1 << LogWQESize
	DataSegSize  = 16
	DoorbellSize = 8

	// MatchSize is the size of a flow matcher parameter buffer.
	MatchSize = 64

	// UplinkVport is the vport number of the physical uplink.
	UplinkVport = 0xFFFF
)

// DeviceInfo describes an enumerated device.
type DeviceInfo struct {
	Name     string `json:"name"`
	NodeGUID string `json:"nodeGuid,omitempty"`
}

// AffinityType selects how an event handler is placed on execution units.
type AffinityType int

const (
	AffinityNone AffinityType = iota
	AffinityStrict
)

func (t AffinityType) String() string {
	switch t {
	case AffinityStrict:
		return "strict"
	default:
		return "none"
	}
}

// EventHandlerAttr contains event handler creation attributes.
type EventHandlerAttr struct {
	EntryPoint string
	Affinity   AffinityType
	UnitID     uint32
}

// CQTarget selects where completions of a completion queue are delivered.
type CQTarget int

const (
	// CQNonOffload means completions are not delivered to the offload core.
	CQNonOffload CQTarget = iota
	// CQOffloadThread means completions wake the bound event handler.
	CQOffloadThread
)

func (t CQTarget) String() string {
	switch t {
	case CQNonOffload:
		return "non-offload"
	case CQOffloadThread:
		return "offload-thread"
	}
	return fmt.Sprintf("CQTarget(%d)", int(t))
}

// CQAttr contains completion queue creation attributes.
type CQAttr struct {
	LogDepth     int
	RingAddr     DevAddr
	DoorbellAddr DevAddr
	Target       CQTarget
	EventHandler EventHandler // required when Target is CQOffloadThread
}

// WQAttr contains transmit or receive queue creation attributes.
type WQAttr struct {
	LogDepth     int
	RingAddr     DevAddr
	DoorbellAddr DevAddr
	PD           PD
}

// AccessFlags are memory key access permissions.
type AccessFlags uint32

// AccessFlags bits, numerically equal to the verbs access flags.
const (
	AccessLocalWrite  AccessFlags = 1 << 0
	AccessRemoteWrite AccessFlags = 1 << 1
	AccessRemoteRead  AccessFlags = 1 << 2
)

// MkeyAttr contains memory key creation attributes.
type MkeyAttr struct {
	PD     PD
	Addr   DevAddr
	Len    uint64
	Access AccessFlags
}

// DomainType selects a flow steering pipeline scope.
type DomainType int

const (
	// DomainIngress is the NIC receive scope.
	DomainIngress DomainType = iota
	// DomainForwarding is the forwarding database scope.
	DomainForwarding
)

func (t DomainType) String() string {
	switch t {
	case DomainIngress:
		return "ingress"
	case DomainForwarding:
		return "forwarding"
	}
	return fmt.Sprintf("DomainType(%d)", int(t))
}

// Driver is the hardware driver interface.
type Driver interface {
	// ListDevices enumerates available devices.
	ListDevices() ([]DeviceInfo, error)
	OpenDevice(name string) (Context, error)
	CloseDevice(ctx Context) error
	AllocPD(ctx Context) (PD, error)
	DeallocPD(pd PD) error

	// CreateProcess loads an offload program image into a new offload process.
	CreateProcess(ctx Context, image string) (Process, error)
	DestroyProcess(p Process) error
	CreateEventHandler(p Process, attr EventHandlerAttr) (EventHandler, error)
	RunEventHandler(eh EventHandler, arg DevAddr) error
	DestroyEventHandler(eh EventHandler) error

	// CopyFromHost allocates offload process memory and copies src into it.
	CopyFromHost(p Process, src []byte) (DevAddr, error)
	// BufAlloc allocates zeroed offload process memory.
	BufAlloc(p Process, size uint64) (DevAddr, error)
	BufFree(p Process, addr DevAddr) error
	// Host2Dev copies src into previously allocated offload process memory.
	Host2Dev(p Process, dst DevAddr, src []byte) error

	CreateCQ(p Process, ctx Context, attr CQAttr) (cq CQ, cqNum uint32, e error)
	DestroyCQ(cq CQ) error
	CreateSQ(p Process, ctx Context, cqNum uint32, attr WQAttr) (sq SQ, wqNum uint32, e error)
	DestroySQ(sq SQ) error
	CreateRQ(p Process, ctx Context, cqNum uint32, attr WQAttr) (rq RQ, wqNum uint32, e error)
	DestroyRQ(rq RQ) error
	CreateMkey(p Process, attr MkeyAttr) (mkey Mkey, id uint32, e error)
	DestroyMkey(mkey Mkey) error

	CreateDomain(ctx Context, t DomainType) (Domain, error)
	DestroyDomain(d Domain) error
	CreateTable(d Domain, level int) (Table, error)
	DestroyTable(t Table) error
	CreateMatcher(t Table, priority int, mask Match) (Matcher, error)
	DestroyMatcher(m Matcher) error
	CreateActionDestRQ(rq RQ) (Action, error)
	CreateActionDestTable(t Table) (Action, error)
	CreateActionDestVport(d Domain, vport uint16) (Action, error)
	DestroyAction(a Action) error
	CreateRule(m Matcher, value Match, actions ...Action) (Rule, error)
	DestroyRule(r Rule) error
}
