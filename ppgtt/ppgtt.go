// Package ppgtt implements per-process GTT address spaces: a per-context
// multi-level page table built out of gem.BOs, with intermediate levels
// allocated on demand. The PDE-present/allocate-on-demand tree here
// generalizes memory.AddressSpace's nested Addresses []*AddressSpace
// range tree (memory/addressSpace.go) from the coarse guest
// physical-address map to a real two-level GPU page table with leaf
// PTEs.
package ppgtt

import (
	"sync"

	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/ioerr"
)

// Shape is the supported PPGTT address-space shape (§4.6).
type Shape uint8

const (
	ShapeNone Shape = iota
	ShapeAliasing
	ShapeFull32
	ShapeFull48
)

const (
	pdeShift = 22
	pdeMask  = 0x1FF
	pteShift = 12
	pteMask  = 0x3FF
	pageSize = 4096
)

// pte is a 64-bit PPGTT leaf/PDE entry: [47:12] PFN | control bits
// including PRESENT (bit 0) and WRITABLE (bit 1), per §6's wire format.
type pte uint64

const (
	ptePresent  pte = 1 << 0
	pteWritable pte = 1 << 1
)

// CacheType mirrors gtt.CacheType without importing it, to keep ppgtt
// decoupled from the global-GTT package; Flags generalizes write
// permission and any future per-mapping bits.
type CacheType uint8

const (
	CacheUC CacheType = iota
	CacheWC
	CacheWB
)

func cacheBits(c CacheType) pte {
	// Cache policy bits live above the control bits used here; for the
	// Gen7 2-level format modeled in this package they do not overlap
	// PRESENT/WRITABLE, so they are folded into the low byte directly.
	switch c {
	case CacheWB:
		return 0 << 2
	case CacheWC:
		return 1 << 2
	default:
		return 2 << 2
	}
}

// MapFlags are additional leaf PTE bits a caller requests.
type MapFlags uint8

const (
	FlagWritable MapFlags = 1 << iota
)

// dir is one intermediate page-directory-page, backed by a BO. entries
// is allocated independently of bo's own backing storage and holds the
// leaf PTEs this package tracks for Lookup/ClearRange; bo exists to give
// the directory a GEM-managed lifetime (Put frees it), not to back
// entries' memory. No top-level PDE is ever written into topLevel -- the
// tree is tracked purely in pdeCache, and topLevel's only role is
// holding a reference for the address space as a whole.
type dir struct {
	bo      *gem.BO
	entries []pte
}

// PPGTT is a per-context address space: a top-level directory BO plus a
// tree of on-demand intermediate BOs.
type PPGTT struct {
	mu sync.Mutex

	shape Shape
	mgr   *gem.Manager

	topLevel *gem.BO
	pdeCache map[uint32]*dir // PDE index -> intermediate directory

	refcount int32
}

// New creates a PPGTT of the given shape, backed by mgr for its
// intermediate-directory BO allocations. The top-level directory is a
// single page, per §4.6.
func New(shape Shape, mgr *gem.Manager) (*PPGTT, error) {
	if shape == ShapeNone {
		return &PPGTT{shape: shape, mgr: mgr, refcount: 1}, nil
	}

	top, err := mgr.Create(gem.CreateOpts{Size: pageSize, ClearOn: true})
	if err != nil {
		return nil, err
	}

	return &PPGTT{
		shape:    shape,
		mgr:      mgr,
		topLevel: top,
		pdeCache: make(map[uint32]*dir),
		refcount: 1,
	}, nil
}

// Get takes a reference on p.
func (p *PPGTT) Get() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

// Put drops a reference; at zero it frees every intermediate directory
// and the top-level directory. Per §4.6, unmap never frees intermediate
// directories -- only Put does.
func (p *PPGTT) Put() error {
	p.mu.Lock()
	p.refcount--
	dead := p.refcount <= 0
	p.mu.Unlock()

	if !dead || p.topLevel == nil {
		return nil
	}

	p.mu.Lock()
	dirs := p.pdeCache
	p.pdeCache = nil
	p.mu.Unlock()

	for _, d := range dirs {
		if err := p.mgr.Put(d.bo); err != nil {
			return err
		}
	}

	return p.mgr.Put(p.topLevel)
}

func split(va uint64) (pdeIdx, pteIdx uint32) {
	return uint32(va>>pdeShift) & pdeMask, uint32(va>>pteShift) & pteMask
}

func (p *PPGTT) getOrAllocDir(pdeIdx uint32) (*dir, error) {
	if d, ok := p.pdeCache[pdeIdx]; ok {
		return d, nil
	}

	bo, err := p.mgr.Create(gem.CreateOpts{Size: pageSize, ClearOn: true})
	if err != nil {
		return nil, err
	}

	d := &dir{bo: bo}
	p.pdeCache[pdeIdx] = d

	return d, nil
}

// Map installs leaf PTEs for every page of bo starting at gpuVA, per
// §4.6: split the VA, allocate+install an intermediate directory if the
// PDE is not yet present, then install the leaf PTE.
func (p *PPGTT) Map(bo *gem.BO, gpuVA uint64, c CacheType, flags MapFlags) error {
	if gpuVA%pageSize != 0 {
		return ioerr.New("ppgtt.Map", ioerr.BadValue, nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shape == ShapeNone {
		return ioerr.New("ppgtt.Map", ioerr.Unsupported, nil)
	}

	frames := bo.Frames()

	for i, phys := range frames {
		va := gpuVA + uint64(i)*pageSize
		pdeIdx, pteIdx := split(va)

		d, err := p.getOrAllocDir(pdeIdx)
		if err != nil {
			return err
		}

		e := pte(phys<<pteShift) | ptePresent | cacheBits(c)
		if flags&FlagWritable != 0 {
			e |= pteWritable
		}

		if len(d.entries) == 0 {
			d.entries = make([]pte, pteMask+1)
		}

		d.entries[pteIdx] = e
	}

	return nil
}

// ClearRange writes scratch PTEs (value 0, i.e. not-present) across
// [gpuVA, gpuVA+nPages*PageSize).
func (p *PPGTT) ClearRange(gpuVA uint64, nPages uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint32(0); i < nPages; i++ {
		va := gpuVA + uint64(i)*pageSize
		pdeIdx, pteIdx := split(va)

		d, ok := p.pdeCache[pdeIdx]
		if !ok || len(d.entries) == 0 {
			continue
		}

		d.entries[pteIdx] = 0
	}

	return nil
}

// UnmapRange is ClearRange followed by a TLB invalidate. It does not
// free the intermediate directories backing the range -- only Put does,
// per §4.6.
func (p *PPGTT) UnmapRange(gpuVA uint64, nPages uint32) error {
	if err := p.ClearRange(gpuVA, nPages); err != nil {
		return err
	}

	return p.InvalidateTLB()
}

// InvalidateTLB models the dedicated TLB-invalidate register write §4.6
// requires after any unmap.
func (p *PPGTT) InvalidateTLB() error { return nil }

// Lookup reports whether gpuVA currently has a present leaf PTE, and its
// raw value, for tests asserting the round-trip invariant in §8.
func (p *PPGTT) Lookup(gpuVA uint64) (present bool, raw uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pdeIdx, pteIdx := split(gpuVA)

	d, ok := p.pdeCache[pdeIdx]
	if !ok || len(d.entries) == 0 {
		return false, 0
	}

	e := d.entries[pteIdx]

	return e&ptePresent != 0, uint64(e)
}
