// Package gfxctl is a diagnostic CLI over the core in package device: it
// opens a Device against a synthetic register space, wires in fake
// connectors, and drives the same operations an ioctl caller would, so
// the whole stack can be exercised and inspected from a terminal. The
// kong-driven CLI struct and per-command Run() method mirrors
// flag.CLI/flag.Parse's subcommand dispatch (flag/runs.go), and the
// profiling flags mirror how vmm.Config plumbs a trace-count knob
// through to a running core (vmm/vmm.go).
package gfxctl

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/connector"
	"github.com/ivbhsw/gfxkm/device"
	"github.com/ivbhsw/gfxkm/display"
	"github.com/ivbhsw/gfxkm/engine"
	"github.com/ivbhsw/gfxkm/gem"
	"github.com/ivbhsw/gfxkm/gen"
)

// CLI is the top-level kong command set.
type CLI struct {
	Profile string `help:"Profile the run: cpu or mem (pprof file written to the current directory), or empty to disable." enum:",cpu,mem" default:""`

	Info       InfoCMD       `cmd:"" help:"Print the capability table for a generation."`
	Bringup    BringupCMD    `cmd:"" help:"Open a synthetic device, attach one connector, and commit a single-head display configuration."`
	Connectors ConnectorsCMD `cmd:"" help:"Open a synthetic device with N fake connectors and print their probed state."`
}

// InfoCMD prints one generation's gen.Table.
type InfoCMD struct {
	Variant string `arg:"" help:"Generation: ivb, hsw, gen8, gen9." default:"gen9"`
}

// BringupCMD drives one SET_DISPLAY_CONFIG call end to end.
type BringupCMD struct {
	Variant string `help:"Generation: ivb, hsw, gen8, gen9." default:"gen9"`
	Width   uint32 `help:"Mode width in pixels." default:"1920"`
	Height  uint32 `help:"Mode height in pixels." default:"1080"`
	Refresh uint32 `help:"Mode refresh rate in Hz." default:"60"`
}

// ConnectorsCMD attaches a few fake ports and prints their probed state.
type ConnectorsCMD struct {
	Count int `help:"Number of synthetic connectors to attach." default:"2"`
}

func parseVariant(s string) (gen.Variant, error) {
	switch s {
	case "ivb":
		return gen.IVB, nil
	case "hsw":
		return gen.HSW, nil
	case "gen8":
		return gen.Gen8, nil
	case "gen9":
		return gen.Gen9, nil
	}

	return 0, fmt.Errorf("gfxctl: unknown generation %q", s)
}

// Run prints the capability table for the named generation.
func (c *InfoCMD) Run() error {
	v, err := parseVariant(c.Variant)
	if err != nil {
		return err
	}

	gt, err := gen.For(v)
	if err != nil {
		return err
	}

	fmt.Printf("generation:        %s (gen%d)\n", gt.Variant, gt.Variant.Number())
	fmt.Printf("cdclk table (kHz): %v\n", gt.CDCLKKHz)
	fmt.Printf("dpll pool size:    %d\n", gt.NumDPLL)
	fmt.Printf("max TMDS (kHz):    %d\n", gt.MaxTMDSKHz)
	fmt.Printf("bandwidth headroom: %.2fx of %d B/s nominal\n", gt.BandwidthHeadroom, gt.NominalBandwidthBytesPerSec)

	return nil
}

func openSynthetic(v gen.Variant) (*device.Device, error) {
	return device.Open(device.Config{
		Variant:    v,
		GTTBase:    0x10000,
		GTTEntries: 4096,
		FenceBase:  0xF000,
		FenceCount: 16,
	}, []engine.ID{engine.RCS, engine.BCS})
}

type fakeBus struct{ block []byte }

func (b *fakeBus) Poll(pin, segment uint8) ([]byte, bool, error) {
	return append([]byte(nil), b.block...), true, nil
}

func syntheticEDID() []byte {
	b := make([]byte, 128)
	b[126] = 0

	return b
}

// Run opens a synthetic device, attaches one HDMI connector, and commits
// a single-head configuration at the requested mode.
func (c *BringupCMD) Run() error {
	v, err := parseVariant(c.Variant)
	if err != nil {
		return err
	}

	d, err := openSynthetic(v)
	if err != nil {
		return err
	}

	port := connector.NewPort(1, clock.PortHDMI, 0, 2, &fakeBus{block: syntheticEDID()}, nil)
	d.AddPort(port)
	d.NotifyHotPlug(1)

	if _, err := d.WaitForDisplayChange(time.Second); err != nil {
		return err
	}

	mode := clock.ModeTiming{
		PixelClockKHz: c.Width * c.Height * c.Refresh / 1000,
		HTotal:        c.Width,
		VTotal:        c.Height,
		RefreshHz:     c.Refresh,
		Bpp:           32,
	}

	fb, err := d.GEMCreate(gem.CreateOpts{Size: mode.HTotal * mode.VTotal * 4})
	if err != nil {
		return err
	}

	if err := d.SetDisplayConfig(display.ConfigRequest{
		Pipes: []display.PipeConfig{
			{Pipe: 0, Active: true, Mode: mode, ConnectorID: 1, FBHandle: fb},
		},
		PrimaryPipe: 0,
	}); err != nil {
		return err
	}

	snap := d.GetSharedInfo()
	fmt.Printf("active_display_count: %d\n", snap.ActiveDisplayCount)
	fmt.Printf("primary_pipe:         %d\n", snap.PrimaryPipe)
	fmt.Printf("pipe[0]:              enabled=%v mode=%+v\n", snap.Pipes[0].Enabled, snap.Pipes[0].Mode)

	return nil
}

// Run attaches Count fake connectors to a synthetic Gen9 device and
// prints each one's probed EDID/connected state.
func (c *ConnectorsCMD) Run() error {
	d, err := openSynthetic(gen.Gen9)
	if err != nil {
		return err
	}

	for i := 0; i < c.Count; i++ {
		id := connector.ID(i + 1)
		port := connector.NewPort(id, clock.PortHDMI, i, uint8(i+1), &fakeBus{block: syntheticEDID()}, nil)
		d.AddPort(port)
		d.NotifyHotPlug(id)
	}

	if c.Count > 0 {
		if _, err := d.WaitForDisplayChange(time.Second); err != nil {
			return err
		}
	}

	for i := 0; i < c.Count; i++ {
		id := connector.ID(i + 1)

		info, err := d.GetConnectorInfo(id)
		if err != nil {
			return err
		}

		fmt.Printf("connector %d: connected=%v edid_bytes=%d modes=%d\n", id, info.Connected, len(info.EDID), len(info.Modes))
	}

	return nil
}

func startProfile(kind string) interface{ Stop() } {
	switch kind {
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."))
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath("."))
	default:
		return nil
	}
}

// Run parses os.Args via kong and dispatches to the selected subcommand.
// Both cmd/gfxctl's main and the repository's root main call this, so the
// CLI has exactly one implementation regardless of which binary entry
// point invokes it.
func Run() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("gfxctl"),
		kong.Description("gfxctl drives an in-process Intel Gen7-9 graphics core for inspection and testing"),
		kong.UsageOnError())

	if c.Profile != "" {
		// fgprof samples goroutines the standard CPU profiler misses
		// (blocked-on-channel time in the hot-plug worker and engine
		// Wait goroutines), so it runs alongside pkg/profile rather than
		// instead of it.
		stopFgprof := fgprof.Start(os.Stderr, fgprof.FormatFolded)
		defer stopFgprof() //nolint:errcheck

		if p := startProfile(c.Profile); p != nil {
			defer p.Stop()
		}
	}

	return ctx.Run()
}
