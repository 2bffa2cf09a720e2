package cutout

import (
	"math"

	"github.com/zeebo/errs"

	"cutout/internal/fitsimg"
	"cutout/internal/sdss"
)

// ErrImageTooSmall is returned when an image is narrower or shorter than the
// cutout size, which would make a full window impossible.
var ErrImageTooSmall = errs.Class("image too small")

// Error is the class for inconsistent extraction inputs.
var Error = errs.Class("cutout")

// Window returns the half-open range [lo, hi) of length size centred on peak
// and shifted to lie inside [0, dim).
func Window(peak, size, dim int) (lo, hi int, err error) {
	if size <= 0 {
		return 0, 0, Error.New("size must be positive, got %d", size)
	}
	if dim < size {
		return 0, 0, ErrImageTooSmall.New("dimension %d < cutout size %d", dim, size)
	}
	lo = peak - size/2
	hi = lo + size
	if lo < 0 {
		lo, hi = 0, size
	}
	if hi > dim {
		lo, hi = dim-size, dim
	}
	return lo, hi, nil
}

// Position is a 0-based pixel target.
type Position struct {
	X, Y int
}

// Stack holds N cutouts of len(Bands) bands, each Size x Size, laid out as
// Data[n][band][y][x].
type Stack struct {
	N     int
	Bands []sdss.Band
	Size  int
	Data  []float32
}

// NewStack allocates a zeroed stack.
func NewStack(n int, bands []sdss.Band, size int) *Stack {
	return &Stack{N: n, Bands: bands, Size: size, Data: make([]float32, n*len(bands)*size*size)}
}

// RecordLen is the number of values in one cutout.
func (s *Stack) RecordLen() int {
	return len(s.Bands) * s.Size * s.Size
}

// Plane returns band b of cutout i.
func (s *Stack) Plane(i, b int) []float32 {
	plane := s.Size * s.Size
	off := i*s.RecordLen() + b*plane
	return s.Data[off : off+plane]
}

// Extract cuts a size x size window around every position from every band
// and converts the values to luptitudes.
func Extract(positions []Position, images map[sdss.Band]*fitsimg.Image, bands []sdss.Band, size int) (*Stack, error) {
	for _, b := range bands {
		if images[b] == nil {
			return nil, Error.New("no image for band %s", b)
		}
	}

	st := NewStack(len(positions), bands, size)
	for i, p := range positions {
		for bi, b := range bands {
			im := images[b]
			x0, _, err := Window(p.X, size, im.Width)
			if err != nil {
				return nil, err
			}
			y0, _, err := Window(p.Y, size, im.Height)
			if err != nil {
				return nil, err
			}

			dst := st.Plane(i, bi)
			for y := 0; y < size; y++ {
				row := im.Pix[(y0+y)*im.Width+x0 : (y0+y)*im.Width+x0+size]
				for x, v := range row {
					dst[y*size+x] = Luptitude(v, b)
				}
			}
		}
	}
	return st, nil
}

// softening is the per-band asinh magnitude softening parameter b, in maggies.
var softening = map[sdss.Band]float64{
	sdss.BandU: 1.4e-10,
	sdss.BandG: 0.9e-10,
	sdss.BandR: 1.2e-10,
	sdss.BandI: 1.8e-10,
	sdss.BandZ: 7.4e-10,
}

// Luptitude converts a flux in nanomaggies to an asinh magnitude.
func Luptitude(nmgy float32, band sdss.Band) float32 {
	b := softening[band]
	f := float64(nmgy) * 1e-9
	return float32(-2.5 / math.Ln10 * (math.Asinh(f/(2*b)) + math.Log(b)))
}
