package queue

import (
	"fmt"

	"github.com/usnistgov/l2reflector/core/cleanup"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"go.uber.org/zap"
)

// Config contains work queue sizing.
type Config struct {
	LogCQDepth       int
	LogDepth         int
	LogDataChunkSize int
}

// LogDataBufSize returns log2 of the data buffer size: one chunk per descriptor.
func (cfg Config) LogDataBufSize() int {
	return cfg.LogDataChunkSize + cfg.LogDepth
}

// Set is a completion queue and a work queue allocated together.
type Set struct {
	Kind Kind            `json:"kind"`
	CQ   CompletionQueue `json:"cq"`
	WQ   WorkQueue       `json:"wq"`

	undo cleanup.Stack
}

// Resources lists live resources of the set in creation order.
func (s *Set) Resources() []cleanup.Resource {
	return s.undo.Resources()
}

// Close destroys the set in reverse creation order.
// Every resource is attempted; the error combines one *cleanup.ReleaseError per failure.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	return s.undo.Unwind()
}

// AllocateTx allocates a transmit set: completion queue memory, completion queue,
// queue memory, transmit queue, and memory key over the data buffer.
// Completions of a transmit set are not delivered to the offload core.
func (a *Allocator) AllocateTx(cfg Config) (*Set, error) {
	return a.allocate(KindTx, hwdrv.CQNonOffload, cfg)
}

// AllocateRx allocates a receive set: completion queue memory, completion queue,
// queue memory, receive queue, and memory key over the data buffer.
// The completion queue wakes the process event handler.
// Every receive descriptor has one completion slot, so the depths must be equal.
func (a *Allocator) AllocateRx(cfg Config) (*Set, error) {
	if cfg.LogCQDepth != cfg.LogDepth {
		return nil, fmt.Errorf("receive completion queue log2 depth %d differs from receive queue log2 depth %d: %w",
			cfg.LogCQDepth, cfg.LogDepth, hwdrv.ErrInvalidValue)
	}
	return a.allocate(KindRx, hwdrv.CQOffloadThread, cfg)
}

func (a *Allocator) allocate(kind Kind, target hwdrv.CQTarget, cfg Config) (s *Set, e error) {
	s = &Set{Kind: kind}
	defer s.undo.RollbackIf(&e)
	drv, name := a.p.Driver(), string(kind)
	free := func(addr hwdrv.DevAddr) func() error {
		return func() error { return a.p.Free(addr) }
	}

	ring, dbr, e := a.AllocateCompletionQueueMemory(cfg.LogCQDepth)
	if e != nil {
		return nil, e
	}
	s.undo.Push("buffer", name+"-cq-ring", free(ring))
	s.undo.Push("buffer", name+"-cq-dbr", free(dbr))

	if s.CQ, e = a.CreateCompletionQueue(ring, dbr, cfg.LogCQDepth, target); e != nil {
		return nil, e
	}
	cq := s.CQ.Handle
	s.undo.Push("cq", name, func() error { return drv.DestroyCQ(cq) })

	mem, e := a.AllocateQueueMemory(kind, cfg.LogDepth, cfg.LogDataBufSize())
	if e != nil {
		return nil, e
	}
	s.undo.Push("buffer", name+"-data", free(mem.Data))
	s.undo.Push("buffer", name+"-ring", free(mem.Ring))
	s.undo.Push("buffer", name+"-dbr", free(mem.Doorbell))
	s.WQ = WorkQueue{Kind: kind, LogDepth: cfg.LogDepth, Memory: mem}

	switch kind {
	case KindTx:
		if s.WQ.SQ, s.WQ.Num, e = a.CreateTransmitQueue(s.CQ.Num, mem, cfg.LogDepth); e != nil {
			return nil, e
		}
		sq := s.WQ.SQ
		s.undo.Push("sq", name, func() error { return drv.DestroySQ(sq) })
	case KindRx:
		if s.WQ.RQ, s.WQ.Num, e = a.CreateReceiveQueue(s.CQ.Num, mem, cfg.LogDepth); e != nil {
			return nil, e
		}
		rq := s.WQ.RQ
		s.undo.Push("rq", name, func() error { return drv.DestroyRQ(rq) })
	}

	if s.WQ.Mkey, s.WQ.MkeyID, e = a.CreateMemoryKey(mem.Data, cfg.LogDataBufSize(), hwdrv.AccessLocalWrite); e != nil {
		return nil, e
	}
	mkey := s.WQ.Mkey
	s.undo.Push("mkey", name, func() error { return drv.DestroyMkey(mkey) })

	logger.Info("queue set allocated",
		zap.String("kind", name),
		zap.Uint32("cq", s.CQ.Num),
		zap.Uint32("wq", s.WQ.Num),
		zap.Uint32("mkey", s.WQ.MkeyID),
		zap.Int("log-depth", cfg.LogDepth),
	)
	return s, nil
}
