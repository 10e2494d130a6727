// Package engine implements the per-HW-engine ring buffers described in
// §4.7: a head/tail byte ring, a hardware status page holding a
// monotone seqno, and the get_space/advance_tail emission protocol. The
// ring/doorbell/worker shape generalizes virtio.Net/virtio.Blk's
// VirtQueue descriptor ring plus kick channel and *ThreadEntry worker
// goroutine (virtio/net.go, virtio/blk.go) from a virtio queue to a GPU
// command ring.
package engine

import (
	"sync"
	"time"

	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/ioerr"
)

// ID names one of the four HW engines in scope.
type ID uint8

const (
	RCS ID = iota
	BCS
	VCS
	VECS
)

func (id ID) String() string {
	switch id {
	case RCS:
		return "RCS"
	case BCS:
		return "BCS"
	case VCS:
		return "VCS"
	case VECS:
		return "VECS"
	default:
		return "ID(unknown)"
	}
}

// DrainTimeout bounds how long GetSpace polls for the ring to drain.
const DrainTimeout = 50 * time.Millisecond

const drainPoll = 200 * time.Microsecond

// Engine is one command-submission ring: a pinned, GTT-bound, WC-cached
// ring BO, a head/tail pair in bytes modulo ring size, a read-only HWSP
// BO, and a monotone last-completed seqno.
type Engine struct {
	ID ID

	ringBO *gem.BO
	ring   []byte
	size   uint32

	hwspBO *gem.BO

	mu       sync.Mutex
	head     uint32
	tail     uint32
	seq      uint32
	completed uint32

	cond *sync.Cond
}

// New wraps ringBO (its Map() must already be a power-of-two length) and
// hwspBO as one engine. Both BOs are expected to already be pinned and
// GTT-bound by the caller (device.Open), matching §4.7.
func New(id ID, ringBO, hwspBO *gem.BO) *Engine {
	e := &Engine{
		ID:     id,
		ringBO: ringBO,
		ring:   ringBO.Map(),
		size:   uint32(len(ringBO.Map())),
		hwspBO: hwspBO,
	}
	e.cond = sync.NewCond(&e.mu)

	return e
}

func (e *Engine) freeBytesLocked() uint32 {
	used := (e.tail - e.head) % e.size

	return e.size - used - 1 // reserve one byte so head==tail means empty, not full
}

// GetSpace blocks until at least k dwords are free in the ring (waiting
// for the simulated GPU to Drain consumed bytes, bounded by
// DrainTimeout), then returns the byte offset the caller should start
// writing at.
func (e *Engine) GetSpace(k int) (uint32, error) {
	need := uint32(k) * 4

	e.mu.Lock()
	defer e.mu.Unlock()

	deadline := time.Now().Add(DrainTimeout)

	for e.freeBytesLocked() < need {
		if time.Now().After(deadline) {
			return 0, ioerr.New("engine.GetSpace", ioerr.TimedOut, nil)
		}

		e.mu.Unlock()
		time.Sleep(drainPoll)
		e.mu.Lock()
	}

	return e.tail, nil
}

// WriteDwords writes dwords starting at byte offset start, wrapping
// around the ring as needed, and returns the new tail offset. It does
// not itself advance the published tail register; call AdvanceTail for
// that.
func (e *Engine) WriteDwords(start uint32, dwords []uint32) uint32 {
	off := start

	for _, d := range dwords {
		for b := 0; b < 4; b++ {
			e.ring[off] = byte(d >> (8 * b))
			off = (off + 1) % e.size
		}
	}

	return off
}

// AdvanceTail publishes newTail as the ring's tail by recording it under
// the engine lock. This core has no tail register, so no register write
// or posting read is issued.
func (e *Engine) AdvanceTail(newTail uint32) {
	e.mu.Lock()
	e.tail = newTail
	e.mu.Unlock()
}

// Drain simulates GPU consumption of n bytes from the ring head,
// unblocking any GetSpace wait. There is no physical HW in this core to
// drive head advancement, so callers that need realistic back-pressure
// (execbuf, tests) call this once a submission's work is retired.
func (e *Engine) Drain(n uint32) {
	e.mu.Lock()
	e.head = (e.head + n) % e.size
	e.mu.Unlock()
}

// NextSeqno mints the next sequence number for a submission on this
// engine. Sequence numbers are monotone per engine and wrap at 32 bits.
func (e *Engine) NextSeqno() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++

	return e.seq
}

// Signal records that the GPU has written seqno into this engine's HWSP
// (via PIPE_CONTROL / MI_STORE_DATA_INDEX in real hardware) and wakes any
// waiter. Completion of seqno implies completion of every earlier
// submission, so Signal only moves completed forward.
func (e *Engine) Signal(seqno uint32) {
	e.mu.Lock()
	if seqnoAfter(seqno, e.completed) {
		e.completed = seqno

		if len(e.hwspBO.Map()) >= 4 {
			writeLE32(e.hwspBO.Map(), seqno)
		}
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Completed returns the last seqno this engine's HWSP has recorded.
func (e *Engine) Completed() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.completed
}

// Idle reports whether lastUsedSeqno has already completed, satisfying
// gem.IdleChecker.
func (e *Engine) Idle(lastUsedSeqno uint64) bool {
	return !seqnoAfter(uint32(lastUsedSeqno), e.Completed())
}

// Wait blocks until Completed() >= target (handling 32-bit wrap via
// signed comparison) or timeout elapses, per §4.9. A zero timeout polls
// once without blocking.
func (e *Engine) Wait(target uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	for seqnoAfter(target, e.completed) {
		if timeout <= 0 {
			return ioerr.New("engine.Wait", ioerr.TimedOut, nil)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ioerr.New("engine.Wait", ioerr.TimedOut, nil)
		}

		waitCh := make(chan struct{})

		go func() {
			e.mu.Lock()
			e.cond.Wait()
			e.mu.Unlock()
			close(waitCh)
		}()

		e.mu.Unlock()

		select {
		case <-waitCh:
		case <-time.After(remaining):
			e.mu.Lock()
			e.cond.Broadcast() // release the helper goroutine's Wait
			e.mu.Unlock()
			<-waitCh
		}

		e.mu.Lock()
	}

	return nil
}

// seqnoAfter reports whether a is strictly after b, per §4.9's
// wrap-aware signed-difference comparison.
func seqnoAfter(a, b uint32) bool {
	return int32(a-b) > 0 //nolint:gosec
}

func writeLE32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}
