package engine_test

import (
	"testing"
	"time"

	"github.com/ivbhsw/gfxkm/engine"
	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/regio"
)

type directWaker struct{}

func (directWaker) Scoped(d regio.Domain, fn func() error) error { return fn() }

func newEngine(t *testing.T) (*engine.Engine, *gem.Manager) {
	t.Helper()

	regs := regio.NewSpace(4+64*4, regio.AlwaysAwake)
	g := gtt.New(regs, 4, 64)
	fregs := regio.NewSpace(128, regio.AlwaysAwake)
	f := fence.New(fregs, 0, 8, directWaker{})
	mgr := gem.NewManager(7, g, f)

	ring, err := mgr.Create(gem.CreateOpts{Size: gem.PageSize, Pinned: true})
	if err != nil {
		t.Fatal(err)
	}

	hwsp, err := mgr.Create(gem.CreateOpts{Size: gem.PageSize, Pinned: true, ClearOn: true})
	if err != nil {
		t.Fatal(err)
	}

	return engine.New(engine.RCS, ring, hwsp), mgr
}

func TestGetSpaceWriteAdvance(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)

	off, err := e.GetSpace(4)
	if err != nil {
		t.Fatal(err)
	}

	newTail := e.WriteDwords(off, []uint32{1, 2, 3, 4})
	e.AdvanceTail(newTail)

	if newTail != off+16 {
		t.Fatalf("new tail = %d, want %d", newTail, off+16)
	}
}

func TestGetSpaceTimesOutWhenRingFull(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)

	// Fill the entire ring (minus the one reserved byte) with a single
	// submission, then demand more space than remains free: GetSpace must
	// bound its wait rather than block forever, since nothing ever
	// drains the ring here.
	big := gem.PageSize/4 - 1

	off, err := e.GetSpace(big)
	if err != nil {
		t.Fatal(err)
	}

	e.AdvanceTail(e.WriteDwords(off, make([]uint32, big)))

	start := time.Now()

	if _, err := e.GetSpace(4); err == nil {
		t.Fatal("GetSpace on a full ring: want error, got nil")
	}

	if elapsed := time.Since(start); elapsed > engine.DrainTimeout*4 {
		t.Fatalf("GetSpace blocked for %s, want bounded by DrainTimeout", elapsed)
	}
}

func TestGetSpaceUnblocksOnDrain(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)

	big := gem.PageSize/4 - 1

	off, err := e.GetSpace(big)
	if err != nil {
		t.Fatal(err)
	}

	e.AdvanceTail(e.WriteDwords(off, make([]uint32, big)))

	go func() {
		time.Sleep(2 * time.Millisecond)
		e.Drain(4 * 4)
	}()

	if _, err := e.GetSpace(4); err != nil {
		t.Fatalf("GetSpace after Drain: want success, got %v", err)
	}
}

func TestSeqnoMonotoneAndSignal(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)

	s1 := e.NextSeqno()
	s2 := e.NextSeqno()

	if s2 <= s1 {
		t.Fatalf("NextSeqno not monotone: %d then %d", s1, s2)
	}

	e.Signal(s1)

	if got := e.Completed(); got != s1 {
		t.Fatalf("Completed() = %d, want %d", got, s1)
	}

	// An older seqno signaled after a newer one must not move completed
	// backwards.
	e.Signal(s2)
	e.Signal(s1)

	if got := e.Completed(); got != s2 {
		t.Fatalf("Completed() regressed to %d after stale Signal, want %d", got, s2)
	}
}

func TestWaitReturnsOnceSignaled(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)

	target := e.NextSeqno()

	done := make(chan error, 1)

	go func() {
		done <- e.Wait(target, 200*time.Millisecond)
	}()

	time.Sleep(5 * time.Millisecond)
	e.Signal(target)

	if err := <-done; err != nil {
		t.Fatalf("Wait after Signal: want nil, got %v", err)
	}
}

func TestWaitTimesOutWithoutSignal(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)

	target := e.NextSeqno()

	if err := e.Wait(target, 10*time.Millisecond); err == nil {
		t.Fatal("Wait without Signal: want timeout error, got nil")
	}
}

func TestIdleMatchesCompleted(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)

	s := e.NextSeqno()

	if e.Idle(uint64(s)) {
		t.Fatal("Idle before Signal: want false, got true")
	}

	e.Signal(s)

	if !e.Idle(uint64(s)) {
		t.Fatal("Idle after Signal: want true, got false")
	}
}
