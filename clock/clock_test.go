package clock_test

import (
	"testing"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/gen"
)

func hsw(t *testing.T) *gen.Table {
	t.Helper()

	g, err := gen.For(gen.HSW)
	if err != nil {
		t.Fatal(err)
	}

	return g
}

func TestCalcDPPicksSufficientLink(t *testing.T) {
	t.Parallel()

	g := hsw(t)

	mode := clock.ModeTiming{PixelClockKHz: 148500, Bpp: 24}
	caps := clock.PortCaps{MaxLinkRateKHz: 540000, MaxLaneCount: 4}

	p, err := clock.Calc(g, mode, clock.PortDP, caps)
	if err != nil {
		t.Fatal(err)
	}

	if p.LaneCount == 0 || p.LinkSymbolClockKHz == 0 {
		t.Fatalf("Calc did not choose a DP link: %+v", p)
	}

	required := uint64(mode.PixelClockKHz) * 1000 * 3
	capacity := uint64(p.LaneCount) * uint64(p.LinkSymbolClockKHz) * 1000 * 8 / 10

	if capacity < required {
		t.Fatalf("chosen DP link capacity %d < required %d", capacity, required)
	}
}

func TestCalcDPFailsWhenLinkInsufficient(t *testing.T) {
	t.Parallel()

	g := hsw(t)

	mode := clock.ModeTiming{PixelClockKHz: 594000, Bpp: 30}
	caps := clock.PortCaps{MaxLinkRateKHz: 162000, MaxLaneCount: 1}

	if _, err := clock.Calc(g, mode, clock.PortDP, caps); err == nil {
		t.Fatal("Calc with an undersized DP link: want error, got nil")
	}
}

func TestCalcHDMIEnforcesMaxTMDS(t *testing.T) {
	t.Parallel()

	g := hsw(t)

	mode := clock.ModeTiming{PixelClockKHz: g.MaxTMDSKHz + 1000, Bpp: 24}

	if _, err := clock.Calc(g, mode, clock.PortHDMI, clock.PortCaps{}); err == nil {
		t.Fatal("Calc above MaxTMDSKHz: want error, got nil")
	}
}

func TestCalcHDMIAdjustedEqualsPixelClock(t *testing.T) {
	t.Parallel()

	g := hsw(t)

	mode := clock.ModeTiming{PixelClockKHz: 148500, Bpp: 24}

	p, err := clock.Calc(g, mode, clock.PortHDMI, clock.PortCaps{})
	if err != nil {
		t.Fatal(err)
	}

	if p.AdjustedPixelClockKHz != mode.PixelClockKHz {
		t.Fatalf("AdjustedPixelClockKHz = %d, want %d", p.AdjustedPixelClockKHz, mode.PixelClockKHz)
	}

	if p.VCOKHz < 1760000 || p.VCOKHz > 3510000 {
		t.Fatalf("VCOKHz = %d, out of DPLL range", p.VCOKHz)
	}
}

func TestCalcSetsHSWCDCLKControlOnlyOnHSW(t *testing.T) {
	t.Parallel()

	hswTable := hsw(t)
	ivbTable, err := gen.For(gen.IVB)
	if err != nil {
		t.Fatal(err)
	}

	mode := clock.ModeTiming{PixelClockKHz: 148500, Bpp: 24}

	hp, err := clock.Calc(hswTable, mode, clock.PortHDMI, clock.PortCaps{})
	if err != nil {
		t.Fatal(err)
	}

	ip, err := clock.Calc(ivbTable, mode, clock.PortHDMI, clock.PortCaps{})
	if err != nil {
		t.Fatal(err)
	}

	if hp.HSWCDCLKCtl == 0 && hp.CDCLKKHz != 337500 {
		t.Fatalf("HSW Calc left HSWCDCLKCtl at the zero value unexpectedly: %+v", hp)
	}

	if ip.HSWCDCLKCtl != 0 {
		t.Fatalf("IVB Calc set HSWCDCLKCtl = %d, want 0", ip.HSWCDCLKCtl)
	}
}
