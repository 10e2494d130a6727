package ppgtt_test

import (
	"testing"

	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/ppgtt"
	"github.com/ivbhsw/gfxkm/regio"
)

type directWaker struct{}

func (directWaker) Scoped(d regio.Domain, fn func() error) error { return fn() }

func newManager(t *testing.T) *gem.Manager {
	t.Helper()

	regs := regio.NewSpace(4+256*4, regio.AlwaysAwake)
	g := gtt.New(regs, 4, 256)
	fregs := regio.NewSpace(128, regio.AlwaysAwake)
	f := fence.New(fregs, 0, 8, directWaker{})

	return gem.NewManager(7, g, f)
}

func TestMapThenLookupIsPresent(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)

	p, err := ppgtt.New(ppgtt.ShapeFull32, mgr)
	if err != nil {
		t.Fatal(err)
	}

	bo, err := mgr.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	const va = 0x100000

	if err := p.Map(bo, va, ppgtt.CacheWB, ppgtt.FlagWritable); err != nil {
		t.Fatal(err)
	}

	present, _ := p.Lookup(va)
	if !present {
		t.Fatal("Lookup after Map: want present, got not-present")
	}
}

func TestMapUnmapMapRoundTrip(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)

	p, err := ppgtt.New(ppgtt.ShapeFull32, mgr)
	if err != nil {
		t.Fatal(err)
	}

	bo, err := mgr.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	copy(bo.Map(), []byte("pattern"))

	const va = 0x200000

	if err := p.Map(bo, va, ppgtt.CacheWB, ppgtt.FlagWritable); err != nil {
		t.Fatal(err)
	}

	if err := p.UnmapRange(va, 1); err != nil {
		t.Fatal(err)
	}

	present, _ := p.Lookup(va)
	if present {
		t.Fatal("Lookup after UnmapRange: want not-present, got present")
	}

	if err := p.Map(bo, va, ppgtt.CacheWB, ppgtt.FlagWritable); err != nil {
		t.Fatal(err)
	}

	present, _ = p.Lookup(va)
	if !present {
		t.Fatal("Lookup after remap: want present, got not-present")
	}

	if got := string(bo.Map()[:7]); got != "pattern" {
		t.Fatalf("BO contents after map/unmap/map = %q, want %q", got, "pattern")
	}
}

func TestMapRejectsUnalignedVA(t *testing.T) {
	t.Parallel()

	mgr := newManager(t)

	p, err := ppgtt.New(ppgtt.ShapeFull32, mgr)
	if err != nil {
		t.Fatal(err)
	}

	bo, err := mgr.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Map(bo, 0x1001, ppgtt.CacheWB, 0); err == nil {
		t.Fatal("Map with unaligned VA: want error, got nil")
	}
}
