// Package clock implements the §4.10 mode/clock calculator: DP/eDP link
// budgeting, HDMI/DVI TMDS clamping, and DPLL divider selection. The
// functional, table-driven calculation style generalizes
// flag.ParseSize's unit-table parsing (flag/flag.go turns a suffixed
// size string into a byte count via a lookup table) from a one-shot CLI
// parse to a mode-to-divider resolution.
package clock

import (
	"github.com/ivbhsw/gfxkm/gen"
	"github.com/ivbhsw/gfxkm/ioerr"
)

// PortType is the physical output a mode is being driven on.
type PortType uint8

const (
	PortVGA PortType = iota
	PortLVDS
	PortEDP
	PortDP
	PortHDMI
	PortDVI
)

func (p PortType) isDP() bool { return p == PortDP || p == PortEDP }

// PortCaps are the link capabilities advertised by a DP/eDP sink.
type PortCaps struct {
	MaxLinkRateKHz uint32
	MaxLaneCount   uint8
}

// dpLinkRatesKHz are the standard DisplayPort link symbol clocks, RBR
// through HBR3, ascending.
var dpLinkRatesKHz = []uint32{162000, 270000, 540000, 810000}

const hbr3RateKHz = 810000

var dpLaneCounts = []uint8{1, 2, 4}

// ModeTiming is the requested mode's pixel clock and geometry.
type ModeTiming struct {
	PixelClockKHz uint32
	HTotal        uint32
	VTotal        uint32
	RefreshHz     uint32
	Bpp           uint32
}

// Params is the §4.10 calculator output.
type Params struct {
	AdjustedPixelClockKHz uint32
	VCOKHz                uint32
	M, N, P               uint32
	CDCLKKHz              uint32
	LaneCount             uint8  // DP/eDP only
	LinkSymbolClockKHz    uint32 // DP/eDP only
	HSWCDCLKCtl           uint32 // HSW only
}

// refClockKHz is the DPLL reference clock this core assumes for every
// generation's divider search.
const refClockKHz = 96000

// vcoMinKHz/vcoMaxKHz bound the DPLL's valid VCO range.
const (
	vcoMinKHz = 1760000
	vcoMaxKHz = 3510000
)

var postDividers = []uint32{1, 2, 3, 5, 7, 10, 14, 20, 28}

// linkCapacityBytesPerSec returns a single DP lane's data capacity at
// rateKHz, per §4.10's 8b/10b vs. 128b/132b (HBR3) encoding split.
func linkCapacityBytesPerSec(rateKHz uint32) uint64 {
	symbolsPerSec := uint64(rateKHz) * 1000

	if rateKHz >= hbr3RateKHz {
		return symbolsPerSec * 2 * 128 / 132 / 8
	}

	return symbolsPerSec * 8 / 10
}

// chooseDPLink picks the smallest (lane_count, link_rate) whose capacity
// covers requiredBytesPerSec, bounded by caps, per §4.10.
func chooseDPLink(requiredBytesPerSec uint64, caps PortCaps) (lanes uint8, rateKHz uint32, err error) {
	for _, rate := range dpLinkRatesKHz {
		if rate > caps.MaxLinkRateKHz {
			break
		}

		for _, l := range dpLaneCounts {
			if l > caps.MaxLaneCount {
				break
			}

			if uint64(l)*linkCapacityBytesPerSec(rate) >= requiredBytesPerSec {
				return l, rate, nil
			}
		}
	}

	return 0, 0, ioerr.New("clock.chooseDPLink", ioerr.Unsupported, nil)
}

// chooseDividers picks the smallest post-divider P that keeps
// adjustedPixelClock*P inside the DPLL's valid VCO range, then derives
// integer M/N against refClockKHz.
func chooseDividers(adjustedPixelClockKHz uint32) (vco, m, n, p uint32, err error) {
	for _, cand := range postDividers {
		v := adjustedPixelClockKHz * cand
		if v >= vcoMinKHz && v <= vcoMaxKHz {
			n = 1
			m = v / refClockKHz
			if m == 0 {
				m = 1
			}

			return m * refClockKHz, m, n, cand, nil
		}
	}

	return 0, 0, 0, 0, ioerr.New("clock.chooseDividers", ioerr.Unsupported, nil)
}

// Calc computes the clock parameters for mode on port, per §4.10.
// CDCLKKHz in the result is a single-pipe estimate; a multi-pipe commit
// recomputes the shared value via gen.Table.RequiredCDCLK/ChooseCDCLK.
func Calc(t *gen.Table, mode ModeTiming, port PortType, caps PortCaps) (Params, error) {
	var p Params

	bppBytes := (mode.Bpp + 7) / 8

	switch {
	case port.isDP():
		p.AdjustedPixelClockKHz = mode.PixelClockKHz

		required := uint64(mode.PixelClockKHz) * 1000 * uint64(bppBytes)

		lanes, rate, err := chooseDPLink(required, caps)
		if err != nil {
			return Params{}, err
		}

		p.LaneCount = lanes
		p.LinkSymbolClockKHz = rate

	case port == PortHDMI, port == PortDVI:
		if mode.PixelClockKHz > t.MaxTMDSKHz {
			return Params{}, ioerr.New("clock.Calc", ioerr.Unsupported, nil)
		}

		p.AdjustedPixelClockKHz = mode.PixelClockKHz

	default:
		p.AdjustedPixelClockKHz = mode.PixelClockKHz
	}

	vco, m, n, pdiv, err := chooseDividers(p.AdjustedPixelClockKHz)
	if err != nil {
		return Params{}, err
	}

	p.VCOKHz, p.M, p.N, p.P = vco, m, n, pdiv

	req := t.RequiredCDCLK(p.AdjustedPixelClockKHz, 1)

	target, _, err := t.ChooseCDCLK(0, req)
	if err != nil {
		return Params{}, err
	}

	p.CDCLKKHz = target

	if t.Variant == gen.HSW {
		p.HSWCDCLKCtl = hswCDCLKControlField(target)
	}

	return p, nil
}

// hswCDCLKControlField maps a CDCLK frequency to HSW's control-field
// encoding (an index into its CDCLK table).
func hswCDCLKControlField(khz uint32) uint32 {
	switch khz {
	case 337500:
		return 0
	case 450000:
		return 1
	case 540000:
		return 2
	case 675000:
		return 3
	default:
		return 0
	}
}
