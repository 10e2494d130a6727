package gem_test

import (
	"testing"

	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/regio"
)

type directWaker struct{}

func (directWaker) Scoped(d regio.Domain, fn func() error) error { return fn() }

type alwaysIdle struct{}

func (alwaysIdle) Idle(uint64) bool { return true }

type neverIdle struct{}

func (neverIdle) Idle(uint64) bool { return false }

func newManager(t *testing.T, gen int, pages uint32) *gem.Manager {
	t.Helper()

	regs := regio.NewSpace(4+pages*4, regio.AlwaysAwake)
	g := gtt.New(regs, 4, pages)
	fregs := regio.NewSpace(128, regio.AlwaysAwake)
	f := fence.New(fregs, 0, 8, directWaker{})

	return gem.NewManager(gen, g, f)
}

func TestCreateLinearBlob(t *testing.T) {
	t.Parallel()

	m := newManager(t, 7, 64)

	bo, err := m.Create(gem.CreateOpts{Size: 100})
	if err != nil {
		t.Fatal(err)
	}

	if bo.Size() != gem.PageSize {
		t.Fatalf("Size() = %d, want %d (rounded up to one page)", bo.Size(), gem.PageSize)
	}
}

func TestTiledXStrideAndHeightAlignment(t *testing.T) {
	t.Parallel()

	m := newManager(t, 7, 64)

	bo, err := m.Create(gem.CreateOpts{Dims: gem.Dims{W: 100, H: 1, Bpp: 32}, Tiling: gem.TilingX})
	if err != nil {
		t.Fatal(err)
	}
	// rowBytes = 100*32/8 = 400, aligned to 512 = 512.
	if bo.Stride() != 512 {
		t.Fatalf("Stride() = %d, want 512", bo.Stride())
	}
}

func TestTiledOnGenLT6Rejected(t *testing.T) {
	t.Parallel()

	m := newManager(t, 5, 64)

	if _, err := m.Create(gem.CreateOpts{Dims: gem.Dims{W: 256, H: 256, Bpp: 32}, Tiling: gem.TilingX}); err == nil {
		t.Fatal("tiled Create on Gen5: want error, got nil")
	}
}

func TestBindTiledAcquiresFence(t *testing.T) {
	t.Parallel()

	m := newManager(t, 7, 64)

	bo, err := m.Create(gem.CreateOpts{Dims: gem.Dims{W: 256, H: 256, Bpp: 32}, Tiling: gem.TilingY})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Bind(bo, gtt.CacheWB); err != nil {
		t.Fatal(err)
	}

	if bo.FenceRegID() == fence.None {
		t.Fatal("Bind of a tiled BO on Gen7 did not acquire a fence register")
	}

	if err := m.Unbind(bo); err != nil {
		t.Fatal(err)
	}

	if bo.FenceRegID() != fence.None {
		t.Fatal("Unbind did not release the fence register")
	}
}

func TestPutDestroysAndDetachesFromGTT(t *testing.T) {
	t.Parallel()

	m := newManager(t, 7, 64)

	bo, err := m.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Bind(bo, gtt.CacheWB); err != nil {
		t.Fatal(err)
	}

	if err := m.Put(bo); err != nil {
		t.Fatal(err)
	}

	if bo.GTTMapped() {
		t.Fatal("BO still GTT-mapped after its last Put")
	}
}

func TestEvictOneSkipsPinnedAndBusy(t *testing.T) {
	t.Parallel()

	m := newManager(t, 7, 16)

	pinned, err := m.Create(gem.CreateOpts{Size: gem.PageSize, Pinned: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Bind(pinned, gtt.CacheWB); err != nil {
		t.Fatal(err)
	}

	victim, err := m.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Bind(victim, gtt.CacheWB); err != nil {
		t.Fatal(err)
	}

	evicted, err := m.EvictOne(alwaysIdle{})
	if err != nil {
		t.Fatal(err)
	}

	if evicted != victim {
		t.Fatal("EvictOne picked the pinned BO instead of the unpinned one")
	}

	if evicted.GTTMapped() {
		t.Fatal("evicted BO is still reported GTT-mapped")
	}
}

func TestEvictOneFailsWhenNoneIdle(t *testing.T) {
	t.Parallel()

	m := newManager(t, 7, 16)

	bo, err := m.Create(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Bind(bo, gtt.CacheWB); err != nil {
		t.Fatal(err)
	}

	if _, err := m.EvictOne(neverIdle{}); err == nil {
		t.Fatal("EvictOne with no idle candidates: want error, got nil")
	}
}
