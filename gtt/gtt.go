// Package gtt implements the Global GTT: a page-indexed page table in
// device-addressable memory backed by a regio.Space, a bitmap allocator
// over its aperture, and the single scratch page every unmapped entry
// points at. It generalizes memory.Memory's mmap'd, poisoned MemorySlot
// bookkeeping (memory/memory.go) from guest RAM slots to a GPU aperture
// of fixed-size page-table entries.
package gtt

import (
	"sync"

	"github.com/ivbhsw/gfxkm/ioerr"
	"github.com/ivbhsw/gfxkm/regio"
)

const (
	// PageSize is the GTT page granularity: one PTE per 4 KiB of
	// aperture.
	PageSize = 4096

	// ptePerPage is the byte size of one PTE entry slot.
	ptePerPage = 4
)

// ScratchPFN is the physical frame number of the single scratch page
// every not-present PTE is pointed at. It is not page zero so that a
// stray read of PTE slot 0 (also reserved, see New) is distinguishable
// in tests.
const ScratchPFN = 0xFFFFF

// Table is the Global GTT: N = aperture_bytes/4096 entries, plus a
// bitmap tracking which are allocated.
type Table struct {
	mu       sync.Mutex
	regs     *regio.Space
	base     uint32 // byte offset of PTE[0] within regs
	n        uint32 // number of PTE slots
	used     []bool // bitmap.used[i] == true iff PTE i is bound to a BO
	reserved []bool // permanently reserved slots (scratch, per-pipe FBs)
}

// New builds a Table of n page-table entries backed by regs starting at
// byte offset base, and initializes every entry to point at the scratch
// page (§4.3 Initialization). Entry 0 is reserved for scratch-use
// bookkeeping, as required by §4.3.
func New(regs *regio.Space, base uint32, n uint32) *Table {
	t := &Table{
		regs:     regs,
		base:     base,
		n:        n,
		used:     make([]bool, n),
		reserved: make([]bool, n),
	}

	for i := uint32(0); i < n; i++ {
		t.writeScratch(i)
	}

	t.reserved[0] = true
	t.used[0] = true
	_ = t.Flush()

	return t
}

func (t *Table) writeScratch(i uint32) {
	pte := EncodePTE(ScratchPFN, CacheUC)
	_ = t.regs.Write32(t.base+i*ptePerPage, uint32(pte))
}

// ReservePipeFramebuffer reserves a deterministic, fixed-offset run of n
// entries for a pipe's scanout framebuffer, per §4.3's allocator note.
// It must be called before any Alloc call that could otherwise claim the
// same range.
func (t *Table) ReservePipeFramebuffer(start, n uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if start+n > t.n {
		return ioerr.New("gtt.ReservePipeFramebuffer", ioerr.BadValue, nil)
	}

	for i := start; i < start+n; i++ {
		if t.used[i] {
			return ioerr.New("gtt.ReservePipeFramebuffer", ioerr.Busy, nil)
		}
	}

	for i := start; i < start+n; i++ {
		t.reserved[i] = true
		t.used[i] = true
	}

	return nil
}

// Alloc finds the first free run of n contiguous entries and marks them
// used, returning the starting page index. Reserved entries (scratch,
// per-pipe framebuffers) are never candidates.
func (t *Table) Alloc(n uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n == 0 {
		return 0, ioerr.New("gtt.Alloc", ioerr.BadValue, nil)
	}

	run := uint32(0)

	for i := uint32(0); i < t.n; i++ {
		if t.used[i] {
			run = 0

			continue
		}

		run++

		if run == n {
			start := i + 1 - n
			for j := start; j <= i; j++ {
				t.used[j] = true
			}

			return start, nil
		}
	}

	return 0, ioerr.New("gtt.Alloc", ioerr.NoMemory, nil)
}

// Free clears the bitmap for [start, start+n) and re-points those PTEs
// at the scratch page.
func (t *Table) Free(start, n uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if start+n > t.n {
		return ioerr.New("gtt.Free", ioerr.BadValue, nil)
	}

	for i := start; i < start+n; i++ {
		if t.reserved[i] {
			continue
		}

		t.used[i] = false
		t.writeScratch(i)
	}

	return t.flushLocked()
}

// Map writes present PTEs for pages[i] -> phys[i], i=0..len(phys)-1,
// starting at GTT page index start, then flushes. The caller is
// responsible for having reserved [start, start+len(phys)) via Alloc.
func (t *Table) Map(start uint32, phys []uint64, c CacheType) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if start+uint32(len(phys)) > t.n {
		return ioerr.New("gtt.Map", ioerr.BadValue, nil)
	}

	for i, pfn := range phys {
		pte := EncodePTE(pfn, c)
		if err := t.regs.Write32(t.base+(start+uint32(i))*ptePerPage, uint32(pte)); err != nil {
			return ioerr.New("gtt.Map", ioerr.IOError, err)
		}
	}

	return t.flushLocked()
}

// Read returns the raw PTE at page index i, for tests that assert the
// §8 invariant that not-present entries decode to scratch|UC|VALID.
func (t *Table) Read(i uint32) (PTE, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, err := t.regs.Read32(t.base + i*ptePerPage)
	if err != nil {
		return 0, err
	}

	return PTE(v), nil
}

// Flush issues the write-memory-barrier + GTT control register
// rewrite-and-readback §4.3 requires to synchronize the GPU's GTT TLB
// with the page-table store. The control register itself lives outside
// the PTE array; here it is modeled as the word immediately preceding
// base, matching the real hardware layout convention of a GTT control
// dword adjacent to the table.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.flushLocked()
}

func (t *Table) flushLocked() error {
	if t.base < ptePerPage {
		return nil
	}

	ctl, err := t.regs.Read32(t.base - ptePerPage)
	if err != nil {
		return ioerr.New("gtt.Flush", ioerr.IOError, err)
	}

	if err := t.regs.Write32(t.base-ptePerPage, ctl); err != nil {
		return ioerr.New("gtt.Flush", ioerr.IOError, err)
	}

	if _, err := t.regs.Read32(t.base - ptePerPage); err != nil {
		return ioerr.New("gtt.Flush", ioerr.IOError, err)
	}

	return nil
}

// NumPages returns the aperture size in 4 KiB pages.
func (t *Table) NumPages() uint32 { return t.n }
