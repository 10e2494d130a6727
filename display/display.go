// Package display implements the transactional multi-pipe configuration
// engine of §4.11: a check phase that reserves transcoders/DPLLs/CDCLK
// against a transaction-local table without touching hardware, and a
// commit phase that disables what must change, reprograms CDCLK, and
// enables the new configuration with best-effort rollback on failure.
// Both phases run under Device.commitMu (§5's display_commit_lock),
// since force-wake's DomainAll scope is a refcounted wake, not mutual
// exclusion, and cannot serialize commits on its own. The on-stack
// planned[]-then-transfer shape generalizes vmm.VMM's Init/Setup/Boot
// staged bring-up (vmm/vmm.go builds every device before wiring any of
// them into the running machine) from process bring-up to one display
// transaction.
package display

import (
	"sync"
	"time"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/connector"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gen"
	"github.com/ivbhsw/gfxkm/ioerr"
	"github.com/ivbhsw/gfxkm/regio"
	"github.com/ivbhsw/gfxkm/sharedinfo"
)

// PipeCount bounds the number of pipes this core models (A, B, C).
const PipeCount = sharedinfo.PipeCount

// Transcoder indices; EDP is a dedicated transcoder distinct from A/B/C.
const (
	TranscoderA = iota
	TranscoderB
	TranscoderC
	TranscoderEDP
	numTranscoders
)

// ConfigFlags modify a SetDisplayConfig call.
type ConfigFlags uint8

// FlagTestOnly runs the check phase and reports success/failure without
// touching hardware or device state, per §4.11.
const FlagTestOnly ConfigFlags = 1 << 0

// PipeConfig is one pipe's requested configuration.
type PipeConfig struct {
	Pipe        int
	Active      bool
	Mode        clock.ModeTiming
	ConnectorID connector.ID
	FBHandle    gem.Handle
	PosX, PosY  uint32
}

// ConfigRequest is the SET_DISPLAY_CONFIG argument bundle. Pipes not
// named in Pipes are left untouched.
type ConfigRequest struct {
	Pipes       []PipeConfig
	PrimaryPipe int
	Flags       ConfigFlags
}

type dpllState struct {
	inUse         bool
	vco           uint32
	pixelClockKHz uint32
	isDP          bool
	refcount      int
}

type pipeState struct {
	enabled     bool
	mode        clock.ModeTiming
	connectorID connector.ID
	fb          *gem.BO
	transcoder  int
	dpll        int
	posX, posY  uint32
}

// pipeActive poll timeout for the "enable pipe, poll active bit" step.
const pipeActivePollTimeout = 50 * time.Millisecond
const pipeActivePoll = 200 * time.Microsecond

// Register layout (symbolic offsets into one simulated BAR region).
const (
	regDPLL         = 0x1000 // + i*0x10
	regTransTiming  = 0x2000 // + t*0x40 + which*4, which in {H,V}{TOTAL,BLANK,SYNC}
	regTransConfig  = 0x2030 // + t*0x40
	regPipeSrc      = 0x3000 // + p*0x10
	regPlaneCtl     = 0x4000 // + p*0x20
	regPlaneStride  = 0x4004
	regPlaneSurf    = 0x4008
	regPlaneSize    = 0x400C
	regPlaneTileOff = 0x4010
	regPipeStat     = 0x5000 // + p*4, bit0 = active
	regCDCLKCtl     = 0x6000
)

const pipeActiveBit = 1 << 0

// RegSpaceSize is the minimum regio.Space size this package's registers
// require.
const RegSpaceSize = 0x7000

// Waker is the force-wake scope this package needs: ALL, for the
// duration of a commit, per §4.11's commit-phase lock discipline.
type Waker interface {
	Scoped(d regio.Domain, fn func() error) error
}

// Device owns every piece of display-configuration state: the
// commit-serializing lock, the simulated register BAR, the per-pipe and
// per-DPLL tables, and the published shared-info page.
type Device struct {
	regs *regio.Space
	fw   Waker
	gt   *gen.Table
	gm   *gem.Manager
	conn *connector.Registry
	info *sharedinfo.Page

	// commitMu is §5's display_commit_lock: held across the entire
	// check+commit sequence of one SetDisplayConfig call. Force-wake's
	// DomainAll scope (§4.2) is explicitly not mutual exclusion - two
	// concurrent callers can both hold it - so it cannot serialize
	// commits by itself; this mutex is what makes "at most one
	// observable transition" (§8) true.
	commitMu sync.Mutex

	pipes        [PipeCount]pipeState
	transcoders  [numTranscoders]int // pipe index currently on this transcoder, -1 if free
	dplls        []dpllState
	currentCDCLK uint32
}

// NewDevice builds a Device over regs (at least RegSpaceSize bytes),
// gated by fw, targeting capability table gt, using gm for FB BO
// reference counting and conn for port lookups.
func NewDevice(regs *regio.Space, fw Waker, gt *gen.Table, gm *gem.Manager, conn *connector.Registry, info *sharedinfo.Page) *Device {
	d := &Device{
		regs:  regs,
		fw:    fw,
		gt:    gt,
		gm:    gm,
		conn:  conn,
		info:  info,
		dplls: make([]dpllState, gt.NumDPLL),
	}

	for i := range d.transcoders {
		d.transcoders[i] = -1
	}

	return d
}

func transcoderFor(t clock.PortType, pipe int, genNum int) int {
	if t == clock.PortEDP {
		if genNum >= 7 {
			return TranscoderEDP
		}

		return TranscoderA
	}

	return pipe
}

type plannedPipe struct {
	req          PipeConfig
	fb           *gem.BO
	transcoder   int
	dpll         int
	clockParams  clock.Params
	needsModeset bool
}

// findSharedDPLL looks for a transaction-local reservation compatible
// with vco/pixelClockKHz/isDP, per §4.11 step 5's sharing rule.
func findSharedDPLL(tx map[int]*dpllState, vco, pixelClockKHz uint32, isDP bool) int {
	for idx, st := range tx {
		if st.vco != vco {
			continue
		}

		if st.pixelClockKHz == pixelClockKHz || (isDP && st.isDP) {
			return idx
		}
	}

	return -1
}

// reserveDPLL implements §4.11 step 5 against both the transaction-local
// table tx and this Device's own dplls, in that order.
func (d *Device) reserveDPLL(tx map[int]*dpllState, vco, pixelClockKHz uint32, isDP bool) (int, error) {
	if idx := findSharedDPLL(tx, vco, pixelClockKHz, isDP); idx >= 0 {
		tx[idx].refcount++

		return idx, nil
	}

	for i := range d.dplls {
		if _, reservedThisTx := tx[i]; reservedThisTx {
			continue
		}

		if d.dplls[i].inUse {
			continue
		}

		tx[i] = &dpllState{inUse: true, vco: vco, pixelClockKHz: pixelClockKHz, isDP: isDP, refcount: 1}

		return i, nil
	}

	return 0, ioerr.New("display.reserveDPLL", ioerr.Busy, nil)
}

// bandwidthOK runs §4.11.2's memory-bandwidth sub-check. The per-link
// and CDCLK-sufficiency sub-checks are enforced by clock.Calc and
// gen.Table.ChooseCDCLK respectively, ahead of this call.
func (d *Device) bandwidthOK(planned []*plannedPipe) bool {
	var total uint64

	for _, p := range planned {
		if p == nil || !p.req.Active {
			continue
		}

		bppBytes := uint64((p.req.Mode.Bpp + 7) / 8)
		total += uint64(p.req.Mode.HTotal) * uint64(p.req.Mode.VTotal) * uint64(p.req.Mode.RefreshHz) * bppBytes
	}

	return float64(total) <= d.gt.BandwidthHeadroom*float64(d.gt.NominalBandwidthBytesPerSec)
}

// check runs the full check phase (§4.11 Check phase) and returns the
// resolved per-pipe plan plus target CDCLK, or the first error
// encountered. It performs no hardware writes and claims no permanent
// device-state resources. On error it drops every fb reference it took
// before returning; on success the caller owns those transaction-local
// references and releases them if it does not proceed to commit.
func (d *Device) check(req ConfigRequest) (planned [PipeCount]*plannedPipe, cdclkTarget uint32, err error) {
	defer func() {
		if err != nil {
			releasePlanned(planned, d.gm)
		}
	}()

	tx := make(map[int]*dpllState)
	txTranscoders := make(map[int]int) // transcoder -> pipe claiming it this request

	maxPixelKHz := uint32(0)
	numActive := 0

	for _, pc := range req.Pipes {
		if pc.Pipe < 0 || pc.Pipe >= PipeCount {
			return planned, 0, ioerr.New("display.check", ioerr.BadIndex, nil)
		}

		if !pc.Active {
			planned[pc.Pipe] = &plannedPipe{req: pc}

			continue
		}

		port, perr := d.conn.Port(pc.ConnectorID)
		if perr != nil {
			return planned, 0, ioerr.New("display.check", ioerr.BadValue, perr)
		}

		if !port.Connected() {
			return planned, 0, ioerr.New("display.check", ioerr.BadValue, nil)
		}

		tc := transcoderFor(port.Type(), pc.Pipe, d.gt.Variant.Number())

		if claimant, claimed := txTranscoders[tc]; claimed && claimant != pc.Pipe {
			return planned, 0, ioerr.New("display.check", ioerr.Busy, nil)
		}

		if owner := d.transcoders[tc]; owner >= 0 && owner != pc.Pipe && !requestDisables(req, owner) {
			return planned, 0, ioerr.New("display.check", ioerr.Busy, nil)
		}

		txTranscoders[tc] = pc.Pipe

		caps := clock.PortCaps{MaxLinkRateKHz: 810000, MaxLaneCount: 4}

		cp, cerr := clock.Calc(d.gt, pc.Mode, port.Type(), caps)
		if cerr != nil {
			return planned, 0, cerr
		}

		cur := d.pipes[pc.Pipe]
		needsModeset := !cur.enabled || cur.connectorID != pc.ConnectorID ||
			cur.mode != pc.Mode || cur.transcoder != tc

		plan := &plannedPipe{req: pc, transcoder: tc, clockParams: cp, needsModeset: needsModeset, dpll: -1}

		if needsModeset {
			fb, gerr := d.gm.Lookup(pc.FBHandle)
			if gerr != nil {
				return planned, 0, ioerr.New("display.check", ioerr.BadValue, gerr)
			}

			d.gm.Get(fb)

			dpllIdx, derr := d.reserveDPLL(tx, cp.VCOKHz, cp.AdjustedPixelClockKHz, port.Type() == clock.PortDP || port.Type() == clock.PortEDP)
			if derr != nil {
				d.gm.Put(fb) //nolint:errcheck

				return planned, 0, derr
			}

			plan.fb = fb
			plan.dpll = dpllIdx
		} else if _, err := d.gm.Lookup(pc.FBHandle); err != nil {
			return planned, 0, ioerr.New("display.check", ioerr.BadValue, err)
		}

		planned[pc.Pipe] = plan

		if cp.AdjustedPixelClockKHz > maxPixelKHz {
			maxPixelKHz = cp.AdjustedPixelClockKHz
		}

		numActive++
	}

	if numActive == 0 {
		return planned, d.currentCDCLK, nil
	}

	required := d.gt.RequiredCDCLK(maxPixelKHz, numActive)

	target, _, cerr := d.gt.ChooseCDCLK(d.currentCDCLK, required)
	if cerr != nil {
		return planned, 0, cerr
	}

	flat := make([]*plannedPipe, 0, PipeCount)
	for _, p := range planned {
		flat = append(flat, p)
	}

	if !d.bandwidthOK(flat) {
		return planned, 0, ioerr.New("display.check", ioerr.Busy, nil)
	}

	return planned, target, nil
}

func requestDisables(req ConfigRequest, pipe int) bool {
	for _, pc := range req.Pipes {
		if pc.Pipe == pipe && !pc.Active {
			return true
		}
	}

	return false
}

func releasePlanned(planned [PipeCount]*plannedPipe, gm *gem.Manager) {
	for _, p := range planned {
		if p != nil && p.fb != nil {
			_ = gm.Put(p.fb)
		}
	}
}

// SetDisplayConfig runs the check phase and, unless FlagTestOnly is set
// or the check fails, the commit phase, under the device-wide commit
// lock for the whole call (§4.11, §5's display_commit_lock). The lock is
// held for the whole call, not just the commit phase, so that two
// concurrent callers cannot both pass check() against the same
// transcoder/DPLL/CDCLK state before either one commits.
func (d *Device) SetDisplayConfig(req ConfigRequest) error {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	planned, cdclkTarget, err := d.check(req)
	if err != nil {
		return err
	}

	if req.Flags&FlagTestOnly != 0 {
		releasePlanned(planned, d.gm)

		return nil
	}

	return d.fw.Scoped(regio.DomainAll, func() error {
		return d.commit(planned, cdclkTarget, req.PrimaryPipe)
	})
}

// commit runs §4.11's disable/CDCLK/enable passes. On any enable-pass
// failure it best-effort rolls back only the pipes this commit touched
// and returns an error without updating shared_info.
func (d *Device) commit(planned [PipeCount]*plannedPipe, cdclkTarget uint32, primaryPipe int) error {
	touchedThisCommit := make([]int, 0, PipeCount)

	for p := 0; p < PipeCount; p++ {
		plan := planned[p]
		if plan == nil {
			continue
		}

		cur := d.pipes[p]

		disable := cur.enabled && (!plan.req.Active || plan.needsModeset)
		if !disable {
			continue
		}

		if port, err := d.conn.Port(cur.connectorID); err == nil {
			port.SetCurrentPipe(-1)
		}

		_ = d.regs.WritePosted(regPlaneCtl+uint32(p)*0x20, 0)
		_ = d.regs.WritePosted(regPipeStat+uint32(p)*4, 0)
		_ = d.regs.WritePosted(regTransConfig+uint32(cur.transcoder)*0x40, 0)

		if cur.fb != nil {
			_ = d.gm.Put(cur.fb)
		}

		d.releaseDPLL(cur.dpll)
		d.transcoders[cur.transcoder] = -1

		d.pipes[p] = pipeState{dpll: -1, transcoder: -1}
	}

	if cdclkTarget != d.currentCDCLK {
		_ = d.regs.WritePosted(regCDCLKCtl, cdclkTarget)
		d.currentCDCLK = cdclkTarget
	}

	for p := 0; p < PipeCount; p++ {
		plan := planned[p]
		if plan == nil || !plan.req.Active || !plan.needsModeset {
			continue
		}

		if err := d.enablePipe(p, plan); err != nil {
			d.rollback(touchedThisCommit)

			return err
		}

		touchedThisCommit = append(touchedThisCommit, p)
	}

	snap := sharedinfo.Snapshot{PrimaryPipe: primaryPipe}

	active := 0

	for p := 0; p < PipeCount; p++ {
		if d.pipes[p].enabled {
			active++
			snap.Pipes[p] = sharedinfo.PipeInfo{
				Enabled:     true,
				Mode:        d.pipes[p].mode,
				ConnectorID: d.pipes[p].connectorID,
			}
		}
	}

	snap.ActiveDisplayCount = active
	d.info.Update(snap)

	return nil
}

func (d *Device) releaseDPLL(idx int) {
	if idx < 0 || idx >= len(d.dplls) {
		return
	}

	st := &d.dplls[idx]
	if st.refcount > 0 {
		st.refcount--
	}

	if st.refcount <= 0 {
		*st = dpllState{}
	}
}

// enablePipe programs the DPLL, transcoder timings, pipe source size,
// transcoder config, primary plane, then enables transcoder, pipe, and
// plane in order, polling the pipe-active status bit, per §4.11's
// enable/configure pass.
func (d *Device) enablePipe(p int, plan *plannedPipe) error {
	idx := plan.dpll

	if !d.dplls[idx].inUse {
		d.dplls[idx] = dpllState{
			inUse:         true,
			vco:           plan.clockParams.VCOKHz,
			pixelClockKHz: plan.clockParams.AdjustedPixelClockKHz,
			isDP:          plan.clockParams.LaneCount > 0,
			refcount:      1,
		}
	} else {
		d.dplls[idx].refcount++
	}

	_ = d.regs.WritePosted(regDPLL+uint32(idx)*0x10, plan.clockParams.VCOKHz)

	t := uint32(plan.transcoder)
	mode := plan.req.Mode

	_ = d.regs.WritePosted(regTransTiming+t*0x40+0, timingField(mode.HTotal, mode.HTotal))
	_ = d.regs.WritePosted(regTransTiming+t*0x40+4, timingField(mode.VTotal, mode.VTotal))

	_ = d.regs.WritePosted(regPipeSrc+uint32(p)*0x10, ((mode.HTotal-1)<<16)|(mode.VTotal-1))
	_ = d.regs.WritePosted(regTransConfig+t*0x40, 1)

	_ = d.regs.WritePosted(regPlaneStride+uint32(p)*0x20, plan.fb.Stride())
	_ = d.regs.WritePosted(regPlaneSurf+uint32(p)*0x20, plan.fb.GTTOffsetPages()*gem.PageSize)
	_ = d.regs.WritePosted(regPlaneSize+uint32(p)*0x20, ((mode.HTotal-1)<<16)|(mode.VTotal-1))
	_ = d.regs.WritePosted(regPlaneTileOff+uint32(p)*0x20, 0)

	if err := d.regs.WritePosted(regTransConfig+t*0x40, 3); err != nil {
		return err
	}

	if err := d.regs.WritePosted(regPipeStat+uint32(p)*4, pipeActiveBit); err != nil {
		return err
	}

	if err := d.pollPipeActive(p); err != nil {
		return err
	}

	if err := d.regs.WritePosted(regPlaneCtl+uint32(p)*0x20, 1); err != nil {
		return err
	}

	if port, err := d.conn.Port(plan.req.ConnectorID); err == nil {
		port.SetCurrentPipe(int32(p))
	}

	d.transcoders[t] = p

	d.pipes[p] = pipeState{
		enabled:     true,
		mode:        plan.req.Mode,
		connectorID: plan.req.ConnectorID,
		fb:          plan.fb,
		transcoder:  plan.transcoder,
		dpll:        plan.dpll,
		posX:        plan.req.PosX,
		posY:        plan.req.PosY,
	}

	return nil
}

func timingField(end, start uint32) uint32 {
	return ((end - 1) << 16) | (start - 1)
}

func (d *Device) pollPipeActive(p int) error {
	deadline := time.Now().Add(pipeActivePollTimeout)

	for {
		v, err := d.regs.Read32(regPipeStat + uint32(p)*4)
		if err != nil {
			return err
		}

		if v&pipeActiveBit != 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return ioerr.New("display.pollPipeActive", ioerr.TimedOut, nil)
		}

		time.Sleep(pipeActivePoll)
	}
}

// rollback disables every pipe in touched, best-effort, per §4.11 step 4.
func (d *Device) rollback(touched []int) {
	for _, p := range touched {
		cur := d.pipes[p]
		if !cur.enabled {
			continue
		}

		_ = d.regs.WritePosted(regPlaneCtl+uint32(p)*0x20, 0)
		_ = d.regs.WritePosted(regPipeStat+uint32(p)*4, 0)
		_ = d.regs.WritePosted(regTransConfig+uint32(cur.transcoder)*0x40, 0)

		if cur.fb != nil {
			_ = d.gm.Put(cur.fb)
		}

		d.releaseDPLL(cur.dpll)
		d.transcoders[cur.transcoder] = -1
		d.pipes[p] = pipeState{dpll: -1, transcoder: -1}
	}
}

// Snapshot returns the currently published shared-info page, for
// GET_SHARED_INFO.
func (d *Device) Snapshot() sharedinfo.Snapshot { return d.info.Read() }
