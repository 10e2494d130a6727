// Package gemcontext implements GEM contexts (§4.8): the saved hardware
// image plus optional PPGTT that a command engine switches to before
// running a submission. The per-context state bundle generalizes
// machine.Machine's per-vCPU bring-up (machine/machine.go allocates one
// kvm.VCPU plus its register file per logical CPU) from a vCPU slot to a
// GPU logical-ring context.
package gemcontext

import (
	"sync"

	"github.com/ivbhsw/gfxkm/engine"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/ioerr"
	"github.com/ivbhsw/gfxkm/ppgtt"
)

// hwImageSize is the LRC image size for Gen7 RCS: one page.
const hwImageSize = gem.PageSize

// Byte offsets into the HW image, per §4.8's field list.
const (
	offRingStartCtl = 0
	offRingHead     = 4
	offRingTail     = 8
	offContextCtl   = 12
	offBBState      = 16
	offPDP0         = 20
)

// ringEnableBit is the ring-buffer-control ENABLE bit, left clear in a
// freshly created context image; hardware sets it on context switch.
const ringEnableBit = 1 << 0

// ID identifies a context across the handle table.
type ID uint32

// Context is one GEM context: a pinned, GTT-bound, uncached HW image and
// an optional PPGTT.
type Context struct {
	mu sync.Mutex

	id      ID
	hwImage *gem.BO
	space   *ppgtt.PPGTT // nil only for ppgtt.ShapeNone (global GTT only)

	lastSubmitted map[engine.ID]uint32
	refcount      int32
}

// ID returns the context's handle.
func (c *Context) ID() ID { return c.id }

// PPGTT returns the context's address space, or nil if it has none.
func (c *Context) PPGTT() *ppgtt.PPGTT { return c.space }

// HWImage returns the context's saved hardware-image BO.
func (c *Context) HWImage() *gem.BO { return c.hwImage }

// LastSubmitted returns the most recent seqno submitted on this context
// for the given engine, and whether one has ever been submitted.
func (c *Context) LastSubmitted(id engine.ID) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.lastSubmitted[id]

	return s, ok
}

// RecordSubmission tracks the new seqno against id, for execbuf step 6.
func (c *Context) RecordSubmission(id engine.ID, seqno uint32) {
	c.mu.Lock()
	c.lastSubmitted[id] = seqno
	c.mu.Unlock()
}

// Manager owns the context handle table for one Device.
type Manager struct {
	mu       sync.Mutex
	gem      *gem.Manager
	nextID   ID
	contexts map[ID]*Context
}

// NewManager builds a context Manager backed by gm for HW-image and
// PPGTT-intermediate BO allocation.
func NewManager(gm *gem.Manager) *Manager {
	return &Manager{
		gem:      gm,
		contexts: make(map[ID]*Context),
	}
}

// Create builds a new context per §4.8: a CPU-cleared HW image, a
// dedicated uncached GTT binding with ENABLE left clear (the hardware
// sets it on context switch), and -- if shape is not ppgtt.ShapeNone --
// a freshly created PPGTT attached now.
func (m *Manager) Create(shape ppgtt.Shape) (*Context, error) {
	img, err := m.gem.Create(gem.CreateOpts{Size: hwImageSize, Pinned: true, ClearOn: true})
	if err != nil {
		return nil, err
	}

	if err := m.gem.Bind(img, gtt.CacheUC); err != nil {
		return nil, err
	}

	buf := img.Map()
	writeLE32(buf[offRingStartCtl:], 0&^ringEnableBit)
	writeLE32(buf[offRingHead:], 0)
	writeLE32(buf[offRingTail:], 0)
	writeLE32(buf[offContextCtl:], 0)
	writeLE32(buf[offBBState:], 0)

	var space *ppgtt.PPGTT

	if shape != ppgtt.ShapeNone {
		space, err = ppgtt.New(shape, m.gem)
		if err != nil {
			_ = m.gem.Unbind(img)
			_ = m.gem.Put(img)

			return nil, err
		}

		writeLE32(buf[offPDP0:], 0) // populated by the PPGTT's own PDE writes
	}

	c := &Context{
		hwImage:       img,
		space:         space,
		lastSubmitted: make(map[engine.ID]uint32),
		refcount:      1,
	}

	m.mu.Lock()
	m.nextID++
	c.id = m.nextID
	m.contexts[c.id] = c
	m.mu.Unlock()

	return c, nil
}

// Lookup returns the context for id, or BadIndex if it does not exist.
func (m *Manager) Lookup(id ID) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[id]
	if !ok {
		return nil, ioerr.New("gemcontext.Lookup", ioerr.BadIndex, nil)
	}

	return c, nil
}

// Get takes a reference on c.
func (m *Manager) Get(c *Context) {
	c.mu.Lock()
	c.refcount++
	c.mu.Unlock()
}

// Put drops a reference on c; at zero, per §4.8: unbind+put the HW
// image, then put the PPGTT.
func (m *Manager) Put(c *Context) error {
	c.mu.Lock()
	c.refcount--
	dead := c.refcount <= 0
	c.mu.Unlock()

	if !dead {
		return nil
	}

	m.mu.Lock()
	delete(m.contexts, c.id)
	m.mu.Unlock()

	if c.hwImage.GTTMapped() {
		if err := m.gem.Unbind(c.hwImage); err != nil {
			return err
		}
	}

	if err := m.gem.Put(c.hwImage); err != nil {
		return err
	}

	if c.space != nil {
		return c.space.Put()
	}

	return nil
}

func writeLE32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}
