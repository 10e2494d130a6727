// Package fence implements the pre-Gen9 fence-register allocator
// described in spec §4.5: a small fixed pool of HW blocks that detile a
// Y- or X-tiled BO during CPU/GPU access. All programming happens
// through a regio.Space inside a RENDER force-wake scope that Program
// and Disable take themselves; this package only owns the bounded slot
// table and the wire-format encoding, the same "small bounded array of typed slots" idiom the
// teacher uses for machine.Machine's ioportHandlers table.
package fence

import (
	"sync"

	"github.com/ivbhsw/gfxkm/ioerr"
	"github.com/ivbhsw/gfxkm/regio"
)

// Tiling mirrors the surface tiling modes a fence register can detile.
type Tiling uint8

const (
	TilingNone Tiling = iota
	TilingX
	TilingY
)

// None is the sentinel slot id returned by Alloc on exhaustion.
const None = -1

const regBytes = 4 // one low dword per fence register, per §6 wire format.

const (
	lowValid    uint32 = 1 << 0
	lowTilingY  uint32 = 1 << 2
	pitchShift         = 16
	pitchMask   uint32 = 0xFFF << pitchShift
	yHeightMask uint32 = 0x1FF << 3
	yWidthShift        = 28
)

// Allocator is the fixed-size fence register pool for one device.
type Allocator struct {
	mu     sync.Mutex
	regs   *regio.Space
	base   uint32
	free   []bool
	fw     Waker
	n      int
}

// Waker acquires/releases the RENDER force-wake domain around HW
// programming, satisfied by *forcewake.Controller in production.
type Waker interface {
	Scoped(d regio.Domain, fn func() error) error
}

// New builds an Allocator of n slots (typically 16-32), backed by regs
// starting at byte offset base.
func New(regs *regio.Space, base uint32, n int, fw Waker) *Allocator {
	return &Allocator{regs: regs, base: base, free: make([]bool, n), fw: fw, n: n}
}

// Alloc reserves the first free slot, or returns None if the pool is
// exhausted.
func (a *Allocator) Alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, used := range a.free {
		if !used {
			a.free[i] = true

			return i
		}
	}

	return None
}

// Program writes (gtt_start, tile_pitch_units, tiling, [yTileW, yTileH])
// into slot, inside a RENDER force-wake scope, per §4.5.
func (a *Allocator) Program(slot int, gttStartPages uint32, tilePitchUnits uint32, tiling Tiling, yTileW, yTileH uint32) error {
	if slot < 0 || slot >= a.n {
		return ioerr.New("fence.Program", ioerr.BadIndex, nil)
	}

	low := lowValid
	low |= (tilePitchUnits - 1) << pitchShift & pitchMask

	if tiling == TilingY {
		low |= lowTilingY
		low |= (yTileH - 1) << 3 & yHeightMask
		low |= (yTileW - 1) << yWidthShift
	}

	return a.fw.Scoped(regio.DomainRender, func() error {
		return a.regs.WritePosted(a.base+uint32(slot)*regBytes, low)
	})
}

// Disable clears the VALID bit in slot's low dword.
func (a *Allocator) Disable(slot int) error {
	if slot < 0 || slot >= a.n {
		return ioerr.New("fence.Disable", ioerr.BadIndex, nil)
	}

	return a.fw.Scoped(regio.DomainRender, func() error {
		return a.regs.WritePosted(a.base+uint32(slot)*regBytes, 0)
	})
}

// Free returns slot to the pool. Callers must Disable first if the slot
// was programmed.
func (a *Allocator) Free(slot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot < 0 || slot >= a.n {
		return ioerr.New("fence.Free", ioerr.BadIndex, nil)
	}

	a.free[slot] = false

	return nil
}
