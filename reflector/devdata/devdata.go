// Package devdata encodes the block of queue addresses and identifiers read by the offload program.
package devdata

import (
	"encoding/binary"

	"github.com/usnistgov/l2reflector/reflector/queue"
)

// Wire sizes.
const (
	CQSize    = 24
	WQSize    = 32
	BlockSize = 2 * (CQSize + WQSize)
)

// CQ describes a completion queue to the offload program.
type CQ struct {
	Num      uint32 `json:"cqNum"`
	LogDepth uint32 `json:"logDepth"`
	Ring     uint64 `json:"ring"`
	Doorbell uint64 `json:"dbr"`
}

// WQ describes a work queue to the offload program.
type WQ struct {
	Num      uint32 `json:"wqNum"`
	MkeyID   uint32 `json:"mkey"`
	Ring     uint64 `json:"ring"`
	Doorbell uint64 `json:"dbr"`
	Data     uint64 `json:"data"`
}

// Block is the device data block.
type Block struct {
	SQCQ CQ `json:"sqCq"`
	SQ   WQ `json:"sq"`
	RQCQ CQ `json:"rqCq"`
	RQ   WQ `json:"rq"`
}

// FromSets builds a Block from the transmit and receive queue sets.
func FromSets(tx, rx *queue.Set) (b Block) {
	b.SQCQ, b.SQ = fromSet(tx)
	b.RQCQ, b.RQ = fromSet(rx)
	return b
}

func fromSet(s *queue.Set) (cq CQ, wq WQ) {
	cq = CQ{
		Num:      s.CQ.Num,
		LogDepth: uint32(s.CQ.LogDepth),
		Ring:     uint64(s.CQ.Ring),
		Doorbell: uint64(s.CQ.Doorbell),
	}
	wq = WQ{
		Num:      s.WQ.Num,
		MkeyID:   s.WQ.MkeyID,
		Ring:     uint64(s.WQ.Ring),
		Doorbell: uint64(s.WQ.Doorbell),
		Data:     uint64(s.WQ.Data),
	}
	return
}

// MarshalBinary encodes the block in little-endian order, matching the offload core.
func (b Block) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, BlockSize)
	buf = appendCQ(buf, b.SQCQ)
	buf = appendWQ(buf, b.SQ)
	buf = appendCQ(buf, b.RQCQ)
	buf = appendWQ(buf, b.RQ)
	return buf, nil
}

// UnmarshalBinary decodes the block.
func (b *Block) UnmarshalBinary(wire []byte) error {
	if len(wire) != BlockSize {
		return ErrSize
	}
	b.SQCQ, wire = readCQ(wire)
	b.SQ, wire = readWQ(wire)
	b.RQCQ, wire = readCQ(wire)
	b.RQ, _ = readWQ(wire)
	return nil
}

func appendCQ(buf []byte, cq CQ) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, cq.Num)
	buf = le.AppendUint32(buf, cq.LogDepth)
	buf = le.AppendUint64(buf, cq.Ring)
	return le.AppendUint64(buf, cq.Doorbell)
}

func appendWQ(buf []byte, wq WQ) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, wq.Num)
	buf = le.AppendUint32(buf, wq.MkeyID)
	buf = le.AppendUint64(buf, wq.Ring)
	buf = le.AppendUint64(buf, wq.Doorbell)
	return le.AppendUint64(buf, wq.Data)
}

func readCQ(wire []byte) (cq CQ, rest []byte) {
	le := binary.LittleEndian
	cq.Num = le.Uint32(wire[0:])
	cq.LogDepth = le.Uint32(wire[4:])
	cq.Ring = le.Uint64(wire[8:])
	cq.Doorbell = le.Uint64(wire[16:])
	return cq, wire[CQSize:]
}

func readWQ(wire []byte) (wq WQ, rest []byte) {
	le := binary.LittleEndian
	wq.Num = le.Uint32(wire[0:])
	wq.MkeyID = le.Uint32(wire[4:])
	wq.Ring = le.Uint64(wire[8:])
	wq.Doorbell = le.Uint64(wire[16:])
	wq.Data = le.Uint64(wire[24:])
	return wq, wire[WQSize:]
}
