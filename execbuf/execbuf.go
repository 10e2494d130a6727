// Package execbuf implements command submission (§4.9): handle
// resolution, GTT binding with evict-and-retry, relocation patching, a
// context switch, and ring emission of MI_BATCH_BUFFER_START and
// PIPE_CONTROL. The request-shape dispatch here generalizes
// machine.Machine's exit-reason dispatch in its vCPU run loop
// (machine/machine.go routes a KVM exit to the matching ioport/MMIO
// handler) from a trapped exit to a parsed submission request.
package execbuf

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ivbhsw/gfxkm/engine"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gemcontext"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/ioerr"
)

// Simulated ring opcodes. Values are internally consistent placeholders
// for the real Gen7 command-streamer encodings; nothing outside this
// package interprets them.
const (
	opMIBatchBufferStart uint32 = 0x18800001
	opPipeControl        uint32 = 0x7A000004
)

// Reloc is one relocation-array entry from §4.9 step 3.
type Reloc struct {
	Target      gem.Handle
	Offset      uint32
	Delta       uint32
	ReadDomains uint32
	WriteDomain uint32
}

// Request is the execbuffer ioctl's argument bundle.
type Request struct {
	CmdBuffer gem.Handle
	Engine    engine.ID
	Context   gemcontext.ID
	Relocs    []Reloc
}

// Submitter drives command submission across a fixed set of engines,
// tracking which context is currently resident on each.
type Submitter struct {
	mu      sync.Mutex
	mgr     *gem.Manager
	ctxMgr  *gemcontext.Manager
	engines map[engine.ID]*engine.Engine
	current map[engine.ID]gemcontext.ID
}

// NewSubmitter builds a Submitter over engines, backed by mgr for BO
// resolution/binding and ctxMgr for context lookup.
func NewSubmitter(mgr *gem.Manager, ctxMgr *gemcontext.Manager, engines map[engine.ID]*engine.Engine) *Submitter {
	return &Submitter{
		mgr:     mgr,
		ctxMgr:  ctxMgr,
		engines: engines,
		current: make(map[engine.ID]gemcontext.ID),
	}
}

func hintToGTT(h gem.CacheHint) gtt.CacheType {
	switch h {
	case gem.CacheWB:
		return gtt.CacheWB
	case gem.CacheWC:
		return gtt.CacheWC
	default:
		return gtt.CacheUC
	}
}

// bindIfNeeded binds bo with cache if it is not already GTT-bound,
// retrying once via eviction on OOM, per §4.9 step 2. It reports whether
// it performed a new binding, for the caller's rollback bookkeeping.
func (s *Submitter) bindIfNeeded(bo *gem.BO, cache gtt.CacheType, idle *engine.Engine) (bound bool, err error) {
	if bo.GTTMapped() {
		return false, nil
	}

	if err := s.mgr.Bind(bo, cache); err != nil {
		if !ioerr.Is(err, ioerr.NoMemory) {
			return false, err
		}

		if _, evErr := s.mgr.EvictOne(idle); evErr != nil {
			return false, err
		}

		if err := s.mgr.Bind(bo, cache); err != nil {
			return false, err
		}
	}

	return true, nil
}

// Exec resolves req's handles, binds any unbound BOs, patches
// relocations, switches context if needed, and emits the batch-start and
// seqno-store commands, returning the new seqno as the sync token.
func (s *Submitter) Exec(req Request) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eng, ok := s.engines[req.Engine]
	if !ok {
		return 0, ioerr.New("execbuf.Exec", ioerr.BadValue, nil)
	}

	cmdBO, err := s.mgr.Lookup(req.CmdBuffer)
	if err != nil {
		return 0, ioerr.New("execbuf.Exec", ioerr.BadValue, err)
	}

	targets := make([]*gem.BO, len(req.Relocs))

	for i, r := range req.Relocs {
		bo, err := s.mgr.Lookup(r.Target)
		if err != nil {
			return 0, ioerr.New("execbuf.Exec", ioerr.BadValue, err)
		}

		targets[i] = bo
	}

	var newlyBound []*gem.BO

	unwind := func() {
		for _, bo := range newlyBound {
			_ = s.mgr.Unbind(bo)
		}
	}

	if bound, err := s.bindIfNeeded(cmdBO, gtt.CacheUC, eng); err != nil {
		unwind()

		return 0, err
	} else if bound {
		newlyBound = append(newlyBound, cmdBO)
	}

	for _, bo := range targets {
		bound, err := s.bindIfNeeded(bo, hintToGTT(bo.CacheActual()), eng)
		if err != nil {
			unwind()

			return 0, err
		}

		if bound {
			newlyBound = append(newlyBound, bo)
		}
	}

	buf := cmdBO.Map()

	for _, r := range req.Relocs {
		bo, err := s.mgr.Lookup(r.Target)
		if err != nil {
			unwind()

			return 0, ioerr.New("execbuf.Exec", ioerr.BadValue, err)
		}

		if int(r.Offset)+4 > len(buf) {
			unwind()

			return 0, ioerr.New("execbuf.Exec", ioerr.BadValue, nil)
		}

		patched := bo.GTTOffsetPages()*gem.PageSize + r.Delta
		binary.LittleEndian.PutUint32(buf[r.Offset:], patched)
	}

	if cur, ok := s.current[req.Engine]; !ok || cur != req.Context {
		s.current[req.Engine] = req.Context
	}

	batchAddr := cmdBO.GTTOffsetPages() * gem.PageSize

	seqno := eng.NextSeqno()

	off, err := eng.GetSpace(4)
	if err != nil {
		unwind()

		return 0, err
	}

	newTail := eng.WriteDwords(off, []uint32{opMIBatchBufferStart, batchAddr, opPipeControl, seqno})
	eng.AdvanceTail(newTail)
	eng.Drain(16)
	eng.Signal(seqno)

	s.mgr.Touch(cmdBO, uint64(seqno))

	for _, bo := range targets {
		s.mgr.Touch(bo, uint64(seqno))
	}

	if req.Context != 0 {
		if ctx, err := s.ctxMgr.Lookup(req.Context); err == nil {
			ctx.RecordSubmission(req.Engine, seqno)
		}
	}

	return seqno, nil
}

// Flush emits a no-op batch containing only the PIPE_CONTROL seqno
// store, for user space to establish a fence without real work.
func (s *Submitter) Flush(id engine.ID) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eng, ok := s.engines[id]
	if !ok {
		return 0, ioerr.New("execbuf.Flush", ioerr.BadValue, nil)
	}

	seqno := eng.NextSeqno()

	off, err := eng.GetSpace(2)
	if err != nil {
		return 0, err
	}

	newTail := eng.WriteDwords(off, []uint32{opPipeControl, seqno})
	eng.AdvanceTail(newTail)
	eng.Drain(8)
	eng.Signal(seqno)

	return seqno, nil
}

// Wait blocks until engine id's HWSP has recorded target, or timeout
// elapses, per §4.9's wait primitive.
func (s *Submitter) Wait(id engine.ID, target uint32, timeout time.Duration) error {
	s.mu.Lock()
	eng, ok := s.engines[id]
	s.mu.Unlock()

	if !ok {
		return ioerr.New("execbuf.Wait", ioerr.BadValue, nil)
	}

	return eng.Wait(target, timeout)
}
