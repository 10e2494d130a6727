// Package device wires every subsystem package into one Device and
// exposes the §6 external-interface surface as Go methods, one per
// listed primitive (GET_SHARED_INFO, SET_DISPLAY_CONFIG, GEM_CREATE,
// GEM_EXECBUFFER, and so on). This mirrors machine.Machine
// (machine/machine.go), which owns every virtual-hardware subsystem
// (kvm.KVM, pci.Bus, virtio devices, serial.Serial) and exposes the
// boot/vcpu-run surface as methods; here the "machine" is a single
// graphics adapter instead of a virtual x86 PC.
package device

import (
	"time"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/connector"
	"github.com/ivbhsw/gfxkm/display"
	"github.com/ivbhsw/gfxkm/engine"
	"github.com/ivbhsw/gfxkm/execbuf"
	"github.com/ivbhsw/gfxkm/fence"
	"github.com/ivbhsw/gfxkm/forcewake"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gemcontext"
	"github.com/ivbhsw/gfxkm/gen"
	"github.com/ivbhsw/gfxkm/gtt"
	"github.com/ivbhsw/gfxkm/ioerr"
	"github.com/ivbhsw/gfxkm/ppgtt"
	"github.com/ivbhsw/gfxkm/regio"
	"github.com/ivbhsw/gfxkm/sharedinfo"
)

// Config selects the generation and register-space layout a Device is
// opened against.
type Config struct {
	Variant    gen.Variant
	GTTBase    uint32
	GTTEntries uint32
	FenceBase  uint32
	FenceCount int
}

// Device owns one graphics adapter core: register space, force-wake
// gating, the GTT/fence/GEM/PPGTT memory stack, per-engine command
// submission, the display configuration engine, connector state, and
// the shared-info page. Opened once per §4's "selected once at open
// time" capability-table rule.
type Device struct {
	gt *gen.Table

	regs *regio.Space
	fw   *forcewake.Controller

	gttTable *gtt.Table
	fences   *fence.Allocator
	gm       *gem.Manager
	ctxMgr   *gemcontext.Manager

	engines map[engine.ID]*engine.Engine
	subm    *execbuf.Submitter

	conn    *connector.Registry
	info    *sharedinfo.Page
	display *display.Device
}

// hwRegSpaceSize is the simulated BAR0 size: display's register block
// plus headroom for GTT/fence ranges declared by the caller's Config.
const hwRegSpaceSize = display.RegSpaceSize + 0x10000

// Open builds a Device for cfg. engineIDs lists the command engines to
// instantiate (RCS is mandatory on every generation this core models).
func Open(cfg Config, engineIDs []engine.ID) (*Device, error) {
	gt, err := gen.For(cfg.Variant)
	if err != nil {
		return nil, err
	}

	regs := regio.NewSpace(hwRegSpaceSize, regio.AlwaysAwake)
	fw := forcewake.New(newRegHW(regs))
	regs.SetGater(fw)

	regs.Declare(regio.Range{Name: "display", Offset: 0x1000, Size: display.RegSpaceSize - 0x1000, Domain: regio.DomainAll})
	regs.Declare(regio.Range{Name: "gtt", Offset: cfg.GTTBase, Size: cfg.GTTEntries * 4, Domain: regio.DomainNone})
	regs.Declare(regio.Range{Name: "fence", Offset: cfg.FenceBase, Size: uint32(cfg.FenceCount) * 4, Domain: regio.DomainRender})

	gttTable := gtt.New(regs, cfg.GTTBase, cfg.GTTEntries)
	fences := fence.New(regs, cfg.FenceBase, cfg.FenceCount, fw)
	gm := gem.NewManager(gt.Variant.Number(), gttTable, fences)
	ctxMgr := gemcontext.NewManager(gm)

	engines := make(map[engine.ID]*engine.Engine, len(engineIDs))

	for _, id := range engineIDs {
		ring, rerr := gm.Create(gem.CreateOpts{Size: gem.PageSize, Pinned: true})
		if rerr != nil {
			return nil, rerr
		}

		if err := gm.Bind(ring, gtt.CacheWC); err != nil {
			return nil, err
		}

		hwsp, herr := gm.Create(gem.CreateOpts{Size: gem.PageSize, Pinned: true, ClearOn: true})
		if herr != nil {
			return nil, herr
		}

		if err := gm.Bind(hwsp, gtt.CacheWB); err != nil {
			return nil, err
		}

		engines[id] = engine.New(id, ring, hwsp)
	}

	subm := execbuf.NewSubmitter(gm, ctxMgr, engines)

	conn := connector.NewRegistry()
	info := sharedinfo.NewPage()
	disp := display.NewDevice(regs, fw, gt, gm, conn, info)

	return &Device{
		gt:       gt,
		regs:     regs,
		fw:       fw,
		gttTable: gttTable,
		fences:   fences,
		gm:       gm,
		ctxMgr:   ctxMgr,
		engines:  engines,
		subm:     subm,
		conn:     conn,
		info:     info,
		display:  disp,
	}, nil
}

// AddPort registers a connector so it participates in probing and
// SET_DISPLAY_CONFIG connector resolution. There is no ioctl named
// "add connector" in §6; connectors are platform-fixed and wired at
// Open time by the caller owning the physical port list.
func (d *Device) AddPort(p *connector.Port) { d.conn.AddPort(p) }

// NotifyHotPlug simulates an HPD interrupt for the named port.
func (d *Device) NotifyHotPlug(id connector.ID) { d.conn.NotifyHotPlug(id) }

// GetSharedInfo returns the current read-only mode/state snapshot, the
// GET_SHARED_INFO primitive (the "shareable region id" of §6 is this
// process's *sharedinfo.Page itself; a real driver would instead return
// an mmap-able handle).
func (d *Device) GetSharedInfo() sharedinfo.Snapshot { return d.info.Read() }

// SetDisplayConfig runs a display transaction (§4.11).
func (d *Device) SetDisplayConfig(req display.ConfigRequest) error {
	return d.display.SetDisplayConfig(req)
}

// GetDisplayConfig is a read-only view of the currently committed
// per-pipe configuration, derived from the shared-info snapshot.
func (d *Device) GetDisplayConfig() sharedinfo.Snapshot { return d.info.Read() }

// WaitForDisplayChange implements WAIT_FOR_DISPLAY_CHANGE.
func (d *Device) WaitForDisplayChange(timeout time.Duration) (uint32, error) {
	return d.conn.WaitForDisplayChange(timeout)
}

// ConnectorInfo is the GET_CONNECTOR_INFO result.
type ConnectorInfo struct {
	Connected   bool
	EDID        []byte
	Modes       []clock.ModeTiming
	CurrentPipe int32
}

// GetConnectorInfo implements GET_CONNECTOR_INFO.
func (d *Device) GetConnectorInfo(id connector.ID) (ConnectorInfo, error) {
	p, err := d.conn.Port(id)
	if err != nil {
		return ConnectorInfo{}, err
	}

	return ConnectorInfo{
		Connected:   p.Connected(),
		EDID:        p.EDID(),
		Modes:       p.Modes(),
		CurrentPipe: p.CurrentPipe(),
	}, nil
}

// DPMSMode is a pipe's power state, per §6's SET_DPMS_MODE/GET_DPMS_MODE.
type DPMSMode uint8

// DPMS power states, ordered from fully on to fully off.
const (
	DPMSOn DPMSMode = iota
	DPMSStandby
	DPMSSuspend
	DPMSOff
)

// SetDPMSMode sets pipe's power state. Only On/Off are distinguished by
// this core: On leaves the pipe's current configuration untouched,
// anything else disables it via a display transaction, matching the
// "blank the pipe" behavior DPMS off/suspend/standby share when there is
// no separate low-power register set to model.
func (d *Device) SetDPMSMode(pipe int, mode DPMSMode) error {
	info := d.info.Read()
	if pipe < 0 || pipe >= sharedinfo.PipeCount {
		return ioerr.New("device.SetDPMSMode", ioerr.BadIndex, nil)
	}

	pi := info.Pipes[pipe]

	if mode == DPMSOn {
		if pi.Enabled {
			return nil
		}

		return ioerr.New("device.SetDPMSMode", ioerr.BadValue, nil)
	}

	if !pi.Enabled {
		return nil
	}

	return d.display.SetDisplayConfig(display.ConfigRequest{
		Pipes: []display.PipeConfig{{Pipe: pipe, Active: false}},
	})
}

// GetDPMSMode returns On if the pipe is currently enabled, Off otherwise.
func (d *Device) GetDPMSMode(pipe int) (DPMSMode, error) {
	if pipe < 0 || pipe >= sharedinfo.PipeCount {
		return 0, ioerr.New("device.GetDPMSMode", ioerr.BadIndex, nil)
	}

	if d.info.Read().Pipes[pipe].Enabled {
		return DPMSOn, nil
	}

	return DPMSOff, nil
}

// Engine looks up a command engine by id, for callers (e.g. GEM_WAIT)
// that need it directly.
func (d *Device) Engine(id engine.ID) (*engine.Engine, error) {
	e, ok := d.engines[id]
	if !ok {
		return nil, ioerr.New("device.Engine", ioerr.BadIndex, nil)
	}

	return e, nil
}

// GEMCreate implements GEM_CREATE.
func (d *Device) GEMCreate(o gem.CreateOpts) (gem.Handle, error) {
	bo, err := d.gm.Create(o)
	if err != nil {
		return 0, err
	}

	return bo.Handle(), nil
}

// GEMClose implements GEM_CLOSE.
func (d *Device) GEMClose(h gem.Handle) error {
	bo, err := d.gm.Lookup(h)
	if err != nil {
		return err
	}

	return d.gm.Put(bo)
}

// GEMMmapArea implements GEM_MMAP_AREA: this in-process core returns the
// BO's backing slice directly rather than a separate mapping id, since
// there is no process boundary to cross.
func (d *Device) GEMMmapArea(h gem.Handle) ([]byte, error) {
	bo, err := d.gm.Lookup(h)
	if err != nil {
		return nil, err
	}

	return bo.Map(), nil
}

// GEMContextCreate implements GEM_CONTEXT_CREATE.
func (d *Device) GEMContextCreate(shape ppgtt.Shape) (gemcontext.ID, error) {
	c, err := d.ctxMgr.Create(shape)
	if err != nil {
		return 0, err
	}

	return c.ID(), nil
}

// GEMContextDestroy implements GEM_CONTEXT_DESTROY.
func (d *Device) GEMContextDestroy(id gemcontext.ID) error {
	c, err := d.ctxMgr.Lookup(id)
	if err != nil {
		return err
	}

	return d.ctxMgr.Put(c)
}

// GEMExecbuffer implements GEM_EXECBUFFER.
func (d *Device) GEMExecbuffer(req execbuf.Request) (uint32, error) {
	return d.subm.Exec(req)
}

// GEMWait implements GEM_WAIT.
func (d *Device) GEMWait(id engine.ID, seqno uint32, timeout time.Duration) error {
	return d.subm.Wait(id, seqno, timeout)
}

// GEMFlushAndGetSeqno implements GEM_FLUSH_AND_GET_SEQNO.
func (d *Device) GEMFlushAndGetSeqno(id engine.ID) (uint32, error) {
	return d.subm.Flush(id)
}
