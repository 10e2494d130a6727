// Package gem implements buffer objects: owned backing memory, optional
// CPU mapping, optional GTT binding with fence-register support for
// tiled surfaces on pre-Gen9, and LRU-driven eviction. It generalizes
// memory.Memory/memory.MemorySlot's mmap + poison-page bookkeeping
// (memory/memory.go) from whole-VM RAM slots to individually refcounted,
// bindable GPU buffer objects.
package gem

import (
	"container/list"
	"sync"

	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/ioerr"
)

// State is a BO's binding state.
type State uint8

const (
	StateSystem State = iota
	StateGTTBound
)

// Handle identifies a BO across the GEM handle table.
type Handle uint32

// BO is a refcounted GPU buffer object.
type BO struct {
	mu sync.Mutex

	handle Handle
	size   uint32 // allocated_size, rounded up to PageSize
	tiling Tiling
	stride uint32
	dims   Dims

	pinned      bool
	evictable   bool
	cacheWant   CacheHint
	cacheActual CacheHint

	back *backing

	state         State
	gttStart      uint32 // valid iff state == StateGTTBound
	gttPages      uint32
	fenceSlot     int // fence.None if not fenced
	lastUsedSeqno uint64
	dirty         bool

	refcount int32
	lruElem  *list.Element
}

// Handle returns the BO's GEM handle.
func (b *BO) Handle() Handle { return b.handle }

// Size returns the BO's allocated (page-rounded) size in bytes.
func (b *BO) Size() uint32 { return b.size }

// Tiling returns the BO's tiling mode.
func (b *BO) Tiling() Tiling { return b.tiling }

// Stride returns the BO's row stride in bytes.
func (b *BO) Stride() uint32 { return b.stride }

// CacheActual returns the CPU cache policy actually applied to the BO's
// backing, which may differ from the requested hint per §4.4.
func (b *BO) CacheActual() CacheHint {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cacheActual
}

// GTTMapped reports whether the BO currently holds a GTT binding.
func (b *BO) GTTMapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state == StateGTTBound
}

// GTTOffsetPages returns the BO's GTT page offset. Only meaningful when
// GTTMapped() is true.
func (b *BO) GTTOffsetPages() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.gttStart
}

// FenceRegID returns the BO's fence slot, or fence.None if unfenced.
func (b *BO) FenceRegID() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.fenceSlot
}

// Map returns the kernel virtual address of the backing region as a
// byte slice. The region stays mapped for the BO's life; Unmap is a
// no-op, per §4.4.
func (b *BO) Map() []byte { return b.back.buf }

// Frames returns the BO's physical frame numbers, one per PageSize
// chunk of backing, for callers (PPGTT, GGTT bind) that install PTEs
// pointing at them.
func (b *BO) Frames() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]uint64(nil), b.back.pages...)
}

// Unmap is intentionally a no-op: CPU mappings are not torn down until
// the BO itself is destroyed.
func (b *BO) Unmap() {}

// LastUsedSeqno returns the sequence number of the most recent engine
// submission that referenced this BO.
func (b *BO) LastUsedSeqno() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastUsedSeqno
}

// touch bumps the BO's last-used seqno, for execbuf step 6.
func (b *BO) touch(seqno uint64) {
	b.mu.Lock()
	b.lastUsedSeqno = seqno
	b.mu.Unlock()
}

// Manager owns the GEM handle table, the GTT allocator, the fence
// allocator, and the LRU eviction list for one Device.
type Manager struct {
	mu      sync.Mutex
	gen     int
	gtt     *gtt.Table
	fences  *fence.Allocator
	handles map[Handle]*BO
	nextID  Handle

	lruMu sync.Mutex
	lru   *list.List // MRU at Back, LRU-head at Front
}

// NewManager builds a Manager targeting gen (for the Gen<6/Gen<9 tiling
// and fence rules), backed by gtt and fences.
func NewManager(gen int, g *gtt.Table, f *fence.Allocator) *Manager {
	return &Manager{
		gen:     gen,
		gtt:     g,
		fences:  f,
		handles: make(map[Handle]*BO),
		lru:     list.New(),
	}
}

// CreateOpts are the §4.4 creation inputs.
type CreateOpts struct {
	Size      uint32 // used when Dims is zero-valued
	Dims      Dims
	Tiling    Tiling
	Pinned    bool
	ClearOn   bool
	CacheHint CacheHint
}

// Create allocates a new BO per §4.4's stride/size resolution and
// backing rules.
func (m *Manager) Create(o CreateOpts) (*BO, error) {
	var stride, total uint32

	var err error

	if o.Dims.W > 0 || o.Dims.H > 0 {
		stride, total, err = resolveStrideSize(o.Dims, o.Tiling, m.gen)
		if err != nil {
			return nil, err
		}
	} else {
		if o.Tiling != TilingNone {
			return nil, ioerr.New("gem.Create", ioerr.BadValue, nil)
		}

		total = alignUp(o.Size, PageSize)
	}

	back, err := newBacking(total)
	if err != nil {
		return nil, err
	}

	if o.ClearOn {
		back.clear()
	}

	actual := back.applyCache(o.CacheHint)

	bo := &BO{
		size:        total,
		tiling:      o.Tiling,
		stride:      stride,
		dims:        o.Dims,
		pinned:      o.Pinned,
		evictable:   !o.Pinned,
		cacheWant:   o.CacheHint,
		cacheActual: actual,
		back:        back,
		state:       StateSystem,
		fenceSlot:   fence.None,
		refcount:    1,
	}

	m.mu.Lock()
	m.nextID++
	bo.handle = m.nextID
	m.handles[bo.handle] = bo
	m.mu.Unlock()

	return bo, nil
}

// Lookup returns the BO for handle, or BadIndex if it does not exist.
func (m *Manager) Lookup(h Handle) (*BO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bo, ok := m.handles[h]
	if !ok {
		return nil, ioerr.New("gem.Lookup", ioerr.BadIndex, nil)
	}

	return bo, nil
}

// Get takes a reference on bo.
func (m *Manager) Get(bo *BO) {
	bo.mu.Lock()
	bo.refcount++
	bo.mu.Unlock()
}

// Put drops a reference on bo, destroying it when the count reaches
// zero: detach from LRU, disable+free any fence, unmap from GTT, free
// backing pages, per §3's BO lifecycle.
func (m *Manager) Put(bo *BO) error {
	bo.mu.Lock()
	bo.refcount--
	dead := bo.refcount <= 0
	bo.mu.Unlock()

	if !dead {
		return nil
	}

	if bo.GTTMapped() {
		if err := m.Unbind(bo); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.handles, bo.handle)
	m.mu.Unlock()

	return bo.back.free()
}
