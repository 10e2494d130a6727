// Package gen holds the per-platform-generation capability tables: CDCLK
// candidate frequencies, DPLL pool size, max TMDS clock, and the CDCLK
// ratio/headroom constants §4.10 and §4.11.2 key off. Selecting one
// Table at open time and threading it through clock/display keeps
// generation differences out of hot-path branches, per §9's "dynamic
// dispatch over generations" note. The bounded const-table-per-variant
// style generalizes cpuid.Feature's per-leaf bitmask tables
// (cpuid/features.go) from CPU feature bits to display capability
// tables.
package gen

import (
	"fmt"

	"github.com/ivbhsw/gfxkm/ioerr"
)

// Variant names one supported silicon generation/sub-generation. IVB and
// HSW are both Gen7 in §4's numbering but differ in CDCLK table; their
// fence field layout is the same in this core (§9 open question).
type Variant uint8

const (
	IVB Variant = iota
	HSW
	Gen8
	Gen9
)

func (v Variant) String() string {
	switch v {
	case IVB:
		return "IVB"
	case HSW:
		return "HSW"
	case Gen8:
		return "Gen8"
	case Gen9:
		return "Gen9"
	default:
		return "Variant(unknown)"
	}
}

// Number returns the §4 generation number (7, 8, or 9) for v.
func (v Variant) Number() int {
	if v == Gen8 {
		return 8
	}

	if v == Gen9 {
		return 9
	}

	return 7
}

// Table is one generation's capability set.
type Table struct {
	Variant Variant

	// CDCLKKHz are the candidate CDCLK frequencies, ascending.
	CDCLKKHz []uint32

	// NumDPLL is the size of the DPLL pool (§4.11 step 5).
	NumDPLL int

	// MaxTMDSKHz bounds HDMI/DVI adjusted pixel clock (§4.10).
	MaxTMDSKHz uint32

	// RatioSingle/RatioMulti are the CDCLK headroom ratios for one
	// active pipe vs. more than one (§4.10's "1.5x IVB single pipe,
	// 2.0-2.2x SKL multi-pipe" note).
	RatioSingle float64
	RatioMulti  float64

	// ExtraPerPipeKHz is the §4.11.2 "per-extra-pipe constant" added to
	// the CDCLK-sufficiency check for each pipe beyond the first.
	ExtraPerPipeKHz uint32

	// BandwidthHeadroom is the fraction of nominal memory bandwidth
	// available to the display engine (§4.11.2).
	BandwidthHeadroom float64

	// NominalBandwidthBytesPerSec is the platform's memory controller
	// bandwidth used by the §4.11.2 memory-bandwidth check.
	NominalBandwidthBytesPerSec uint64
}

var tables = map[Variant]*Table{
	IVB: {
		Variant:                     IVB,
		CDCLKKHz:                    []uint32{400000},
		NumDPLL:                     2,
		MaxTMDSKHz:                  225000,
		RatioSingle:                 1.5,
		RatioMulti:                  1.5,
		ExtraPerPipeKHz:             0,
		BandwidthHeadroom:           0.5,
		NominalBandwidthBytesPerSec: 17_000_000_000,
	},
	HSW: {
		Variant:                     HSW,
		CDCLKKHz:                    []uint32{337500, 450000, 540000, 675000},
		NumDPLL:                     3,
		MaxTMDSKHz:                  300000,
		RatioSingle:                 1.5,
		RatioMulti:                  1.8,
		ExtraPerPipeKHz:             10000,
		BandwidthHeadroom:           0.5,
		NominalBandwidthBytesPerSec: 25_600_000_000,
	},
	Gen8: {
		Variant:                     Gen8,
		CDCLKKHz:                    []uint32{337500, 450000, 540000, 675000},
		NumDPLL:                     3,
		MaxTMDSKHz:                  600000,
		RatioSingle:                 1.4,
		RatioMulti:                  1.8,
		ExtraPerPipeKHz:             10000,
		BandwidthHeadroom:           0.55,
		NominalBandwidthBytesPerSec: 25_600_000_000,
	},
	Gen9: {
		Variant:                     Gen9,
		CDCLKKHz:                    []uint32{308570, 337500, 432000, 450000, 540000, 617140, 675000},
		NumDPLL:                     4,
		MaxTMDSKHz:                  1200000,
		RatioSingle:                 1.0,
		RatioMulti:                  2.2,
		ExtraPerPipeKHz:             15000,
		BandwidthHeadroom:           0.6,
		NominalBandwidthBytesPerSec: 34_100_000_000,
	},
}

// For returns the capability Table for v.
func For(v Variant) (*Table, error) {
	t, ok := tables[v]
	if !ok {
		return nil, fmt.Errorf("gen: no capability table for variant %s", v)
	}

	return t, nil
}

// RequiredCDCLK returns the minimum CDCLK §4.10/§4.11.2 require for
// maxPixelKHz across numActivePipes pipes.
func (t *Table) RequiredCDCLK(maxPixelKHz uint32, numActivePipes int) uint32 {
	ratio := t.RatioSingle
	if numActivePipes > 1 {
		ratio = t.RatioMulti
	}

	req := uint32(float64(maxPixelKHz) * ratio)

	if numActivePipes > 1 {
		req += t.ExtraPerPipeKHz * uint32(numActivePipes-1)
	}

	return req
}

// ChooseCDCLK picks the smallest table entry that is >= required, or
// keeps current if it is already sufficient, per §4.10's "current CDCLK
// is preserved if already adequate" rule. changed reports whether a
// reprogram is needed.
func (t *Table) ChooseCDCLK(current, required uint32) (target uint32, changed bool, err error) {
	if current >= required {
		return current, false, nil
	}

	for _, c := range t.CDCLKKHz {
		if c >= required {
			return c, true, nil
		}
	}

	return 0, false, ioerr.New("gen.ChooseCDCLK", ioerr.Unsupported, nil)
}
