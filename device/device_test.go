package device_test

import (
	"testing"
	"time"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/connector"
	"github.com/ivbhsw/gfxkm/device"
	"github.com/ivbhsw/gfxkm/display"
	"github.com/ivbhsw/gfxkm/engine"
	"github.com/ivbhsw/gfxkm/execbuf"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gen"
	"github.com/ivbhsw/gfxkm/ppgtt"
)

type fakeBus struct{ block []byte }

func (b *fakeBus) Poll(pin, segment uint8) ([]byte, bool, error) {
	return append([]byte(nil), b.block...), true, nil
}

func edidBlock() []byte {
	b := make([]byte, 128)
	b[126] = 0

	return b
}

func openTestDevice(t *testing.T) *device.Device {
	t.Helper()

	cfg := device.Config{
		Variant:    gen.Gen9,
		GTTBase:    0x8000,
		GTTEntries: 1024,
		FenceBase:  0x7000,
		FenceCount: 16,
	}

	d, err := device.Open(cfg, []engine.ID{engine.RCS})
	if err != nil {
		t.Fatal(err)
	}

	return d
}

func mode1080p60() clock.ModeTiming {
	return clock.ModeTiming{PixelClockKHz: 148500, HTotal: 2200, VTotal: 1125, RefreshHz: 60, Bpp: 32}
}

func TestOpenWiresEngineAndDisplay(t *testing.T) {
	t.Parallel()

	d := openTestDevice(t)

	if _, err := d.Engine(engine.RCS); err != nil {
		t.Fatalf("Engine(RCS): %v", err)
	}

	snap := d.GetSharedInfo()
	if snap.ActiveDisplayCount != 0 {
		t.Fatalf("fresh device ActiveDisplayCount = %d, want 0", snap.ActiveDisplayCount)
	}
}

func TestGEMCreateExecbufferAndWait(t *testing.T) {
	t.Parallel()

	d := openTestDevice(t)

	cmd, err := d.GEMCreate(gem.CreateOpts{Size: gem.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := d.GEMContextCreate(ppgtt.ShapeNone)
	if err != nil {
		t.Fatal(err)
	}

	seqno, err := d.GEMExecbuffer(execbuf.Request{CmdBuffer: cmd, Engine: engine.RCS, Context: ctx})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.GEMWait(engine.RCS, seqno, 50*time.Millisecond); err != nil {
		t.Fatalf("GEMWait: %v", err)
	}

	if err := d.GEMContextDestroy(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.GEMClose(cmd); err != nil {
		t.Fatal(err)
	}
}

func TestSetDisplayConfigAndDPMS(t *testing.T) {
	t.Parallel()

	d := openTestDevice(t)

	p := connector.NewPort(1, clock.PortHDMI, 0, 2, &fakeBus{block: edidBlock()}, nil)
	d.AddPort(p)
	d.NotifyHotPlug(1)

	if _, err := d.WaitForDisplayChange(time.Second); err != nil {
		t.Fatal(err)
	}

	fb, err := d.GEMCreate(gem.CreateOpts{Size: mode1080p60().HTotal * mode1080p60().VTotal * 4})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SetDisplayConfig(display.ConfigRequest{
		Pipes: []display.PipeConfig{
			{Pipe: 0, Active: true, Mode: mode1080p60(), ConnectorID: 1, FBHandle: fb},
		},
		PrimaryPipe: 0,
	}); err != nil {
		t.Fatalf("SetDisplayConfig: %v", err)
	}

	mode, err := d.GetDPMSMode(0)
	if err != nil {
		t.Fatal(err)
	}

	if mode != device.DPMSOn {
		t.Fatalf("GetDPMSMode after enable = %v, want On", mode)
	}

	if err := d.SetDPMSMode(0, device.DPMSOff); err != nil {
		t.Fatalf("SetDPMSMode off: %v", err)
	}

	mode, err = d.GetDPMSMode(0)
	if err != nil {
		t.Fatal(err)
	}

	if mode != device.DPMSOff {
		t.Fatalf("GetDPMSMode after disable = %v, want Off", mode)
	}

	info, err := d.GetConnectorInfo(1)
	if err != nil {
		t.Fatal(err)
	}

	if !info.Connected {
		t.Fatal("GetConnectorInfo: want Connected true")
	}
}
