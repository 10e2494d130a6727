package gem

import "github.com/ivbhsw/gfxkm/ioerr"

// Tiling is the surface tiling mode requested at BO creation.
type Tiling uint8

const (
	TilingNone Tiling = iota
	TilingX
	TilingY
)

// CacheHint is the CPU cache policy requested for a BO's backing pages.
type CacheHint uint8

const (
	CacheDefault CacheHint = iota
	CacheUC
	CacheWC
	CacheWB
)

// PageSize is the system page granularity backing and GTT allocation are
// rounded to.
const PageSize = 4096

func alignUp(v, a uint32) uint32 { return (v + a - 1) / a * a }

// Dims is a (width, height, bits-per-pixel) surface description; the
// alternative to a bare size for tiled or stride-dimensioned BOs.
type Dims struct {
	W, H, Bpp uint32
}

// resolveStrideSize implements §4.4's stride/size resolution table. gen
// is the platform generation number (Gen<6 rejects tiled allocation).
func resolveStrideSize(d Dims, tiling Tiling, gen int) (stride, total uint32, err error) {
	if tiling != TilingNone && gen < 6 {
		return 0, 0, ioerr.New("gem.resolveStrideSize", ioerr.Unsupported, nil)
	}

	rowBytes := d.W * d.Bpp / 8

	switch tiling {
	case TilingX:
		stride = alignUp(rowBytes, 512)
		h := alignUp(d.H, 8)
		total = alignUp(stride*h, PageSize)
	case TilingY:
		stride = alignUp(rowBytes, 128)
		h := alignUp(d.H, 32)
		total = alignUp(stride*h, PageSize)
	default:
		stride = alignUp(rowBytes, 64)
		total = alignUp(stride*d.H, PageSize)
	}

	return stride, total, nil
}
