package hwdrv

import (
	"encoding/binary"
	"net"

	"github.com/usnistgov/l2reflector/core/macaddr"
)

// Match is a flow matcher parameter buffer holding outer L2 header fields.
// The same layout serves as a mask (significant bits) and as a value.
//
// Layout: source MAC at [0,6), EtherType at [6,8), destination MAC at [8,14).
// Remaining bytes are reserved and zero.
type Match [MatchSize]byte

const (
	offSMAC      = 0
	offEtherType = 6
	offDMAC      = 8
)

// MACMaskAll is the 48-bit all-significant MAC mask.
const MACMaskAll = 0xFFFF_FFFF_FFFF

func (m *Match) put48(off int, v uint64) {
	binary.BigEndian.PutUint32(m[off:], uint32(v>>16))
	binary.BigEndian.PutUint16(m[off+4:], uint16(v))
}

func (m Match) get48(off int) uint64 {
	return uint64(binary.BigEndian.Uint32(m[off:]))<<16 | uint64(binary.BigEndian.Uint16(m[off+4:]))
}

// SetSMAC sets the source MAC field from the low 48 bits of v.
func (m *Match) SetSMAC(v uint64) *Match {
	m.put48(offSMAC, v)
	return m
}

// SetDMAC sets the destination MAC field from the low 48 bits of v.
func (m *Match) SetDMAC(v uint64) *Match {
	m.put48(offDMAC, v)
	return m
}

// SetEtherType sets the EtherType field.
func (m *Match) SetEtherType(v uint16) *Match {
	binary.BigEndian.PutUint16(m[offEtherType:], v)
	return m
}

// SMAC returns the source MAC field.
func (m Match) SMAC() uint64 {
	return m.get48(offSMAC)
}

// DMAC returns the destination MAC field.
func (m Match) DMAC() uint64 {
	return m.get48(offDMAC)
}

// EtherType returns the EtherType field.
func (m Match) EtherType() uint16 {
	return binary.BigEndian.Uint16(m[offEtherType:])
}

// Masked returns m with every bit that is not significant in mask cleared.
func (m Match) Masked(mask Match) (r Match) {
	for i := range m {
		r[i] = m[i] & mask[i]
	}
	return r
}

// MatchFromHeader fills a Match from Ethernet header fields.
func MatchFromHeader(src, dst net.HardwareAddr, etherType uint16) (m Match) {
	m.SetSMAC(macaddr.ToUint64(src))
	m.SetDMAC(macaddr.ToUint64(dst))
	m.SetEtherType(etherType)
	return m
}
