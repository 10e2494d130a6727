package gem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ivbhsw/gfxkm/ioerr"
)

// backing is a BO's physical memory: a locked, anonymous mapping plus the
// per-page physical frame numbers carved out of it. Using
// golang.org/x/sys/unix.Mmap mirrors memory.MemorySlot's use of
// syscall.Mmap (memory/memory.go) for guest RAM, generalized to GEM
// buffer-object storage instead of whole-VM RAM slots.
type backing struct {
	buf   []byte
	pages []uint64 // synthetic physical frame numbers, one per PageSize chunk
}

func newBacking(size uint32) (*backing, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, ioerr.New("gem.newBacking", ioerr.NoMemory, err)
	}

	n := int(size) / PageSize
	pages := make([]uint64, n)

	for i := 0; i < n; i++ {
		pages[i] = uint64(uintptr(unsafe.Pointer(&buf[i*PageSize]))) >> 12
	}

	return &backing{buf: buf, pages: pages}, nil
}

func (b *backing) free() error {
	if b.buf == nil {
		return nil
	}

	err := unix.Munmap(b.buf)
	b.buf = nil

	return err
}

// clear zero-fills the backing, used for the clear-on-alloc creation
// flag and for CPU-clearing intermediate PPGTT directory pages.
func (b *backing) clear() {
	for i := range b.buf {
		b.buf[i] = 0
	}
}

// applyCache simulates the OS memory-type primitive: a single-page
// region can always take a non-default cache type, but a multi-page
// anonymous mapping is not guaranteed to be physically contiguous, so a
// non-WB request on more than one page silently downgrades to default,
// per §4.4.
func (b *backing) applyCache(want CacheHint) (actual CacheHint) {
	if want == CacheDefault || want == CacheWB || len(b.pages) <= 1 {
		return want
	}

	return CacheDefault
}
