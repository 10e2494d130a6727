package gem

import (
	"container/list"

	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/ioerr"
)

// tilingToFence maps a gem.Tiling to the fence package's own Tiling enum
// (kept as a distinct type so fence has no import dependency on gem).
func tilingToFence(t Tiling) fence.Tiling {
	switch t {
	case TilingX:
		return fence.TilingX
	case TilingY:
		return fence.TilingY
	default:
		return fence.TilingNone
	}
}

// Bind maps bo into the first free Global GTT range large enough for it,
// with the given cache type (§4.4's map_gtt). A BO that is already bound
// is left as it is and nil is returned. Tiled BOs on pre-Gen9 also acquire and program a
// fence register; failure to acquire one rolls the bind back unless the
// BO is untiled.
func (m *Manager) Bind(bo *BO, cache gtt.CacheType) error {
	bo.mu.Lock()
	if bo.state == StateGTTBound {
		bo.mu.Unlock()

		return nil
	}

	phys := append([]uint64(nil), bo.back.pages...)
	tiling := bo.tiling
	bo.mu.Unlock()

	n := uint32(len(phys))

	start, err := m.gtt.Alloc(n)
	if err != nil {
		return err
	}

	if err := m.gtt.Map(start, phys, cache); err != nil {
		_ = m.gtt.Free(start, n)

		return err
	}

	slot := fence.None

	if tiling != TilingNone && m.gen < 9 {
		slot = m.fences.Alloc()
		if slot == fence.None {
			_ = m.gtt.Free(start, n)

			return ioerr.New("gem.Bind", ioerr.NoMemory, nil)
		}

		var yw, yh uint32

		if tiling == TilingY {
			yw, yh = 2, 32
		}

		if err := m.fences.Program(slot, start, bo.stride/128+1, tilingToFence(tiling), yw, yh); err != nil {
			_ = m.fences.Free(slot)
			_ = m.gtt.Free(start, n)

			return err
		}
	}

	bo.mu.Lock()
	bo.state = StateGTTBound
	bo.gttStart = start
	bo.gttPages = n
	bo.fenceSlot = slot
	bo.mu.Unlock()

	m.lruPushTail(bo)

	return nil
}

// Unbind disables any fence, unmaps bo from the GTT (repointing those
// PTEs at scratch), frees the GTT range, removes bo from the LRU, and
// sets state back to SYSTEM, per §4.4.
func (m *Manager) Unbind(bo *BO) error {
	bo.mu.Lock()
	if bo.state != StateGTTBound {
		bo.mu.Unlock()

		return nil
	}

	start, n, slot := bo.gttStart, bo.gttPages, bo.fenceSlot
	bo.mu.Unlock()

	if slot != fence.None {
		if err := m.fences.Disable(slot); err != nil {
			return err
		}

		if err := m.fences.Free(slot); err != nil {
			return err
		}
	}

	if err := m.gtt.Free(start, n); err != nil {
		return err
	}

	m.lruRemove(bo)

	bo.mu.Lock()
	bo.state = StateSystem
	bo.fenceSlot = fence.None
	bo.mu.Unlock()

	return nil
}

func (m *Manager) lruPushTail(bo *BO) {
	m.lruMu.Lock()
	defer m.lruMu.Unlock()

	if bo.lruElem != nil {
		m.lru.MoveToBack(bo.lruElem)

		return
	}

	bo.lruElem = m.lru.PushBack(bo)
}

func (m *Manager) lruRemove(bo *BO) {
	m.lruMu.Lock()
	defer m.lruMu.Unlock()

	if bo.lruElem != nil {
		m.lru.Remove(bo.lruElem)
		bo.lruElem = nil
	}
}

// Touch moves bo to the LRU tail and bumps its last-used seqno, for a
// successful execbuffer reference.
func (m *Manager) Touch(bo *BO, seqno uint64) {
	bo.touch(seqno)
	m.lruPushTail(bo)
}

// IdleChecker reports whether a BO's last-used seqno has completed on
// whatever engine(s) reference it, satisfied by the engine package's
// tracker in production.
type IdleChecker interface {
	Idle(lastUsedSeqno uint64) bool
}

// EvictOne walks the LRU from the head and unbinds the first entry that
// is evictable, unpinned, idle, and not dirty, per §4.4. It returns the
// evicted BO, or NoMemory if no candidate exists.
func (m *Manager) EvictOne(idle IdleChecker) (*BO, error) {
	m.lruMu.Lock()
	var cand *list.Element

	for e := m.lru.Front(); e != nil; e = e.Next() {
		bo := e.Value.(*BO) //nolint:forcetypeassert

		bo.mu.Lock()
		ok := bo.evictable && !bo.pinned && !bo.dirty && idle.Idle(bo.lastUsedSeqno)
		bo.mu.Unlock()

		if ok {
			cand = e

			break
		}
	}
	m.lruMu.Unlock()

	if cand == nil {
		return nil, ioerr.New("gem.EvictOne", ioerr.NoMemory, nil)
	}

	bo := cand.Value.(*BO) //nolint:forcetypeassert

	m.Get(bo)

	if err := m.Unbind(bo); err != nil {
		_ = m.Put(bo)

		return nil, err
	}

	if err := m.Put(bo); err != nil {
		return nil, err
	}

	return bo, nil
}

// SetDirty marks a BO dirty/clean, making it (in)eligible for eviction.
// The flag stays as set until the next SetDirty call; nothing else
// clears it.
func (m *Manager) SetDirty(bo *BO, dirty bool) {
	bo.mu.Lock()
	bo.dirty = dirty
	bo.mu.Unlock()
}

// SetPinned pins or unpins bo; pinned BOs are never chosen by EvictOne.
// It only sets the pinned/evictable flags: it does not move bo on or off
// the LRU, so a bound pinned BO stays on the LRU and Bind/Touch still
// push pinned BOs onto it.
func (m *Manager) SetPinned(bo *BO, pinned bool) {
	bo.mu.Lock()
	bo.pinned = pinned
	bo.evictable = !pinned
	bo.mu.Unlock()
}
