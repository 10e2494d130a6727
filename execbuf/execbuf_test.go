package execbuf_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ivbhsw/gfxkm/engine"
	"github.com/ivbhsw/gfxkm/execbuf"
	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gemcontext"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/ppgtt"
	"github.com/ivbhsw/gfxkm/regio"
)

type directWaker struct{}

func (directWaker) Scoped(d regio.Domain, fn func() error) error { return fn() }

type harness struct {
	gem  *gem.Manager
	ctx  *gemcontext.Manager
	rcs  *engine.Engine
	subm *execbuf.Submitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	regs := regio.NewSpace(4+256*4, regio.AlwaysAwake)
	g := gtt.New(regs, 4, 256)
	fregs := regio.NewSpace(128, regio.AlwaysAwake)
	f := fence.New(fregs, 0, 8, directWaker{})
	gm := gem.NewManager(7, g, f)
	cm := gemcontext.NewManager(gm)

	ring, err := gm.Create(gem.CreateOpts{Size: gem.PageSize, Pinned: true})
	if err != nil {
		t.Fatal(err)
	}

	hwsp, err := gm.Create(gem.CreateOpts{Size: gem.PageSize, Pinned: true, ClearOn: true})
	if err != nil {
		t.Fatal(err)
	}

	rcs := engine.New(engine.RCS, ring, hwsp)
	subm := execbuf.NewSubmitter(gm, cm, map[engine.ID]*engine.Engine{engine.RCS: rcs})

	return &harness{gem: gm, ctx: cm, rcs: rcs, subm: subm}
}

func TestExecPatchesRelocationAndReturnsSeqno(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	cmd, err := h.gem.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	target, err := h.gem.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.gem.Bind(target, gtt.CacheWB); err != nil {
		t.Fatal(err)
	}

	c, err := h.ctx.Create(ppgtt.ShapeNone)
	if err != nil {
		t.Fatal(err)
	}

	const delta = 64

	seqno, err := h.subm.Exec(execbuf.Request{
		CmdBuffer: cmd.Handle(),
		Engine:    engine.RCS,
		Context:   c.ID(),
		Relocs: []execbuf.Reloc{
			{Target: target.Handle(), Offset: 0, Delta: delta},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if seqno == 0 {
		t.Fatal("Exec returned zero seqno")
	}

	want := target.GTTOffsetPages()*gem.PageSize + delta

	got := binary.LittleEndian.Uint32(cmd.Map()[0:4])
	if got != want {
		t.Fatalf("patched relocation = %#x, want %#x", got, want)
	}

	if !cmd.GTTMapped() {
		t.Fatal("command buffer was not bound before submission")
	}

	if last, ok := c.LastSubmitted(engine.RCS); !ok || last != seqno {
		t.Fatalf("context LastSubmitted = (%d, %v), want (%d, true)", last, ok, seqno)
	}

	if err := h.subm.Wait(engine.RCS, seqno, 50*time.Millisecond); err != nil {
		t.Fatalf("Wait on own seqno: want nil, got %v", err)
	}
}

func TestExecUnknownHandleIsBadValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.subm.Exec(execbuf.Request{CmdBuffer: 9999, Engine: engine.RCS})
	if err == nil {
		t.Fatal("Exec with unknown command-buffer handle: want error, got nil")
	}
}

func TestExecUnknownRelocTargetIsBadValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	cmd, err := h.gem.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.subm.Exec(execbuf.Request{
		CmdBuffer: cmd.Handle(),
		Engine:    engine.RCS,
		Relocs:    []execbuf.Reloc{{Target: 9999}},
	})
	if err == nil {
		t.Fatal("Exec with unknown relocation target: want error, got nil")
	}
}

func TestFlushAdvancesSeqnoWithoutCmdBuffer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	s1, err := h.subm.Flush(engine.RCS)
	if err != nil {
		t.Fatal(err)
	}

	s2, err := h.subm.Flush(engine.RCS)
	if err != nil {
		t.Fatal(err)
	}

	if s2 <= s1 {
		t.Fatalf("Flush seqnos not monotone: %d then %d", s1, s2)
	}

	if err := h.subm.Wait(engine.RCS, s2, 50*time.Millisecond); err != nil {
		t.Fatalf("Wait after Flush: want nil, got %v", err)
	}
}
