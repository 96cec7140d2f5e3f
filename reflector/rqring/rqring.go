// Package rqring fills a receive queue ring with descriptors covering its data buffer.
package rqring

import (
	"encoding/binary"
	"fmt"

	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/reflector/offload"
	"github.com/usnistgov/l2reflector/reflector/queue"
	"go.uber.org/zap"
)

var logger = logging.New("rqring")

// MaxStaging is the largest staging buffer BuildReceiveDescriptors will allocate.
const MaxStaging = hwdrv.DataSegSize << queue.MaxLogDepth

// Descriptor is a receive data segment.
type Descriptor struct {
	ByteCount uint32
	Lkey      uint32
	Addr      hwdrv.DevAddr
}

// Encode writes the descriptor in wire format.
func (d Descriptor) Encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], d.ByteCount)
	binary.BigEndian.PutUint32(b[4:8], d.Lkey)
	binary.BigEndian.PutUint64(b[8:16], uint64(d.Addr))
}

// DecodeDescriptor parses a descriptor in wire format.
func DecodeDescriptor(b []byte) (d Descriptor) {
	d.ByteCount = binary.BigEndian.Uint32(b[0:4])
	d.Lkey = binary.BigEndian.Uint32(b[4:8])
	d.Addr = hwdrv.DevAddr(binary.BigEndian.Uint64(b[8:16]))
	return d
}

// BuildReceiveDescriptors builds count descriptors in a host staging buffer.
// Descriptor i covers [base+i*chunkSize, base+(i+1)*chunkSize) and references mkeyID.
// It returns hwdrv.ErrNoMemory if the staging buffer would exceed MaxStaging.
func BuildReceiveDescriptors(base hwdrv.DevAddr, chunkSize uint32, count int, mkeyID uint32) ([]byte, error) {
	if count <= 0 || chunkSize == 0 {
		return nil, fmt.Errorf("descriptor count %d chunk size %d: %w", count, chunkSize, hwdrv.ErrInvalidValue)
	}
	if count > MaxStaging/hwdrv.DataSegSize {
		return nil, fmt.Errorf("staging buffer for %d descriptors: %w", count, hwdrv.ErrNoMemory)
	}

	staging := make([]byte, count*hwdrv.DataSegSize)
	for i := 0; i < count; i++ {
		Descriptor{
			ByteCount: chunkSize,
			Lkey:      mkeyID,
			Addr:      base + hwdrv.DevAddr(i)*hwdrv.DevAddr(chunkSize),
		}.Encode(staging[i*hwdrv.DataSegSize:])
	}
	return staging, nil
}

// Initialize fills the ring of a receive set and makes every slot available to hardware.
// The descriptor count equals the receive completion queue depth.
// Device memory is untouched unless the staging buffer is built successfully.
func Initialize(p *offload.Process, s *queue.Set, logDataChunkSize int) error {
	if s.Kind != queue.KindRx {
		return fmt.Errorf("ring initialization of a %s set: %w", s.Kind, hwdrv.ErrInvalidValue)
	}
	if s.CQ.LogDepth != s.WQ.LogDepth {
		return fmt.Errorf("receive completion queue depth differs from receive queue depth: %w", hwdrv.ErrInvalidValue)
	}
	count := 1 << s.CQ.LogDepth

	chunkSize := uint32(1) << logDataChunkSize
	if uint64(count)*uint64(chunkSize) > s.WQ.DataSize {
		return fmt.Errorf("%d chunks of %d bytes exceed the data buffer: %w", count, chunkSize, hwdrv.ErrInvalidValue)
	}

	staging, e := BuildReceiveDescriptors(s.WQ.Data, chunkSize, count, s.WQ.MkeyID)
	if e != nil {
		return e
	}
	if e := p.Write(s.WQ.Ring, staging); e != nil {
		return fmt.Errorf("copy receive ring: %w", e)
	}
	if e := p.Write(s.WQ.Doorbell, queue.EncodeDoorbell(uint32(count), 0)); e != nil {
		return fmt.Errorf("write receive doorbell: %w", e)
	}

	logger.Debug("receive ring initialized",
		zap.Uint32("rq", s.WQ.Num),
		zap.Int("descriptors", count),
		zap.Uint32("chunk-size", chunkSize),
	)
	return nil
}
