package fence_test

import (
	"testing"

	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/regio"
)

type directWaker struct{}

func (directWaker) Scoped(d regio.Domain, fn func() error) error { return fn() }

func TestAllocProgramDisableFree(t *testing.T) {
	t.Parallel()

	regs := regio.NewSpace(64, regio.AlwaysAwake)
	a := fence.New(regs, 0, 4, directWaker{})

	slot := a.Alloc()
	if slot == fence.None {
		t.Fatal("Alloc returned None on an empty pool")
	}

	if err := a.Program(slot, 10, 8, fence.TilingY, 2, 32); err != nil {
		t.Fatal(err)
	}

	raw, err := regs.Read32(uint32(slot) * 4)
	if err != nil {
		t.Fatal(err)
	}

	if raw&1 == 0 {
		t.Fatal("programmed fence register is not VALID")
	}

	if err := a.Disable(slot); err != nil {
		t.Fatal(err)
	}

	raw, err = regs.Read32(uint32(slot) * 4)
	if err != nil {
		t.Fatal(err)
	}

	if raw != 0 {
		t.Fatalf("disabled fence register = %#x, want 0", raw)
	}

	if err := a.Free(slot); err != nil {
		t.Fatal(err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	t.Parallel()

	regs := regio.NewSpace(16, regio.AlwaysAwake)
	a := fence.New(regs, 0, 2, directWaker{})

	if a.Alloc() == fence.None {
		t.Fatal("first Alloc returned None")
	}

	if a.Alloc() == fence.None {
		t.Fatal("second Alloc returned None")
	}

	if a.Alloc() != fence.None {
		t.Fatal("third Alloc on exhausted 2-slot pool: want None")
	}
}
